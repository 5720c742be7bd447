package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/opsflow/opsflow/api/handlers"
	"github.com/opsflow/opsflow/config"
	"github.com/opsflow/opsflow/internal/database"
	"github.com/opsflow/opsflow/internal/metrics"
	"github.com/opsflow/opsflow/internal/pool"
	"github.com/opsflow/opsflow/internal/server"
	"github.com/opsflow/opsflow/storage"
	"github.com/opsflow/opsflow/workflow"
)

// Server wires the engine, storage and HTTP surface together.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector

	dbPool     *database.PoolManager
	store      *storage.GormStore
	redisStore *storage.RedisCheckpointStore

	checkpointStore workflow.CheckpointStore

	orch *workflow.Orchestrator
	runs *pool.WorkerPool

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler

	rateLimiterCancel context.CancelFunc
	janitorCancel     context.CancelFunc
}

// NewServer builds all components; nothing listens until Start.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	engineMetrics := workflow.NewMetrics(s.registry)
	s.collector = metrics.NewCollector("opsflow", s.registry)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.store, err = storage.NewGormStore(db)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	s.dbPool, err = database.NewPoolManager(db, database.DefaultPoolConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("init db pool: %w", err)
	}

	// Checkpoints go to Redis when configured, otherwise to the relational
	// store alongside the definition registry.
	var checkpointStore workflow.CheckpointStore = s.store
	if cfg.Redis.Addr != "" {
		s.redisStore, err = storage.NewRedisCheckpointStore(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		checkpointStore = s.redisStore
		logger.Info("checkpoints stored in redis", zap.String("addr", cfg.Redis.Addr))
	}
	s.checkpointStore = checkpointStore

	bus := workflow.NewEventBus(logger)
	registry := workflow.NewHandlerRegistry()
	executor := workflow.NewTaskExecutor(registry, bus, engineMetrics, logger)
	checkpoints := workflow.NewCheckpointManager(checkpointStore, engineMetrics, logger)
	approvals := workflow.NewApprovalGateController(workflow.NopNotifier{}, bus, engineMetrics, logger)
	s.orch = workflow.NewOrchestrator(executor, checkpoints, approvals, bus, engineMetrics, logger)

	s.runs = pool.New(pool.Config{
		MaxWorkers: cfg.Engine.MaxConcurrentWorkflows,
		QueueSize:  cfg.Engine.MaxConcurrentWorkflows * 4,
		PanicHandler: func(v any) {
			logger.Error("workflow run panicked", zap.Any("panic", v))
		},
	})

	return s, nil
}

// Start recovers interrupted instances, then brings up the API server, the
// metrics server and the retention janitor.
func (s *Server) Start() error {
	s.dbPool.StartHealthCheck()
	s.recoverInstances()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	s.startJanitor()

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.Port),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// checkpointScanner is implemented by both checkpoint backends.
type checkpointScanner interface {
	LatestCheckpoints(ctx context.Context) ([]*workflow.Checkpoint, error)
}

// recoverInstances restores every instance whose latest checkpoint is
// non-terminal. Restored instances land in Paused and wait for an operator
// resume. Instances created from inline, unregistered definitions are
// skipped: their definition document is gone with the old process.
func (s *Server) recoverInstances() {
	scanner, ok := s.checkpointStore.(checkpointScanner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cps, err := scanner.LatestCheckpoints(ctx)
	if err != nil {
		s.logger.Error("checkpoint scan failed, skipping recovery", zap.Error(err))
		return
	}
	for _, cp := range cps {
		if workflow.IsTerminal(cp.State) || cp.DefinitionID == "" {
			continue
		}
		def, err := s.store.LoadDefinition(ctx, cp.DefinitionID, cp.DefinitionVersion)
		if err != nil {
			s.logger.Warn("cannot recover instance, definition not registered",
				zap.String("instance_id", cp.InstanceID),
				zap.String("definition_id", cp.DefinitionID),
			)
			continue
		}
		if _, err := s.orch.Recover(ctx, def, cp.InstanceID, ""); err != nil {
			s.logger.Error("instance recovery failed",
				zap.String("instance_id", cp.InstanceID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("recovered interrupted instance",
			zap.String("instance_id", cp.InstanceID),
			zap.String("checkpoint_state", string(cp.State)),
			zap.Int("sequence", cp.Sequence),
		)
	}
}

func (s *Server) startHTTPServer() error {
	workflowHandler := handlers.NewWorkflowHandler(s.orch, s.store, s.runs, s.logger)
	definitionHandler := handlers.NewDefinitionHandler(s.store, s.logger)
	approvalHandler := handlers.NewApprovalHandler(s.orch, s.logger)
	streamHandler := handlers.NewStreamHandler(s.orch, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	if s.redisStore != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.redisStore.Ping))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /v1/workflows", workflowHandler.HandleCreate)
	mux.HandleFunc("GET /v1/workflows", workflowHandler.HandleList)
	mux.HandleFunc("GET /v1/workflows/{id}", workflowHandler.HandleGet)
	mux.HandleFunc("POST /v1/workflows/{id}/start", workflowHandler.HandleStart)
	mux.HandleFunc("POST /v1/workflows/{id}/pause", workflowHandler.HandlePause)
	mux.HandleFunc("POST /v1/workflows/{id}/resume", workflowHandler.HandleResume)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", workflowHandler.HandleCancel)
	mux.HandleFunc("GET /v1/workflows/{id}/events", workflowHandler.HandleEvents)
	mux.HandleFunc("GET /v1/workflows/{id}/stream", streamHandler.HandleStream)
	mux.HandleFunc("GET /v1/workflows/{id}/approvals", approvalHandler.HandleList)

	mux.HandleFunc("POST /v1/approvals/resolve", approvalHandler.HandleResolve)

	mux.HandleFunc("POST /v1/definitions", definitionHandler.HandleRegister)
	mux.HandleFunc("GET /v1/definitions", definitionHandler.HandleList)
	mux.HandleFunc("GET /v1/definitions/{id}", definitionHandler.HandleGet)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// startJanitor archives old completed instances and trims checkpoint chains
// on the configured interval.
func (s *Server) startJanitor() {
	if s.cfg.Engine.SweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.janitorCancel = cancel

	go func() {
		ticker := time.NewTicker(s.cfg.Engine.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Server) sweep(ctx context.Context) {
	archived := s.orch.ArchiveCompleted(s.cfg.Engine.ArchiveAfter)
	if archived > 0 {
		s.logger.Info("archived completed workflows", zap.Int("count", archived))
	}

	for _, snap := range s.orch.List(workflow.ListFilter{}) {
		if !workflow.IsTerminal(snap.State) {
			continue
		}
		removed, err := s.orch.SweepCheckpoints(ctx, snap.ID, s.cfg.Engine.CheckpointRetention)
		if err != nil {
			s.logger.Warn("checkpoint sweep failed",
				zap.String("instance_id", snap.ID),
				zap.Error(err),
			)
			continue
		}
		if removed > 0 {
			s.logger.Debug("swept checkpoints",
				zap.String("instance_id", snap.ID),
				zap.Int("removed", removed),
			)
		}
	}
}

// WaitForShutdown blocks until a signal arrives, then shuts everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the servers, the run pool and the storage backends.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.janitorCancel != nil {
		s.janitorCancel()
	}
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	// Let queued runs finish before closing storage.
	s.runs.Close()

	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if err := s.dbPool.Close(); err != nil {
		s.logger.Error("database close error", zap.Error(err))
	}

	s.logger.Info("graceful shutdown completed")
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return storage.OpenSQLite(cfg.Path)
	case "postgres":
		return storage.OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
