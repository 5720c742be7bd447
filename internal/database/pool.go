// Package database tunes the sql.DB connection pool behind GORM and runs a
// periodic health check.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxOpenConns        int           `yaml:"max_open_conns"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// DefaultPoolConfig returns defaults suitable for a single engine node.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        50,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// PoolManager applies pool settings and monitors connectivity.
type PoolManager struct {
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger
	stop   chan struct{}
}

// NewPoolManager extracts the sql.DB from GORM and applies the settings.
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("extract sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return &PoolManager{
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		stop:   make(chan struct{}),
	}, nil
}

// Ping verifies connectivity; used by the readiness endpoint.
func (m *PoolManager) Ping(ctx context.Context) error {
	return m.sqlDB.PingContext(ctx)
}

// Stats reports the live pool counters.
func (m *PoolManager) Stats() sql.DBStats {
	return m.sqlDB.Stats()
}

// StartHealthCheck pings on the configured interval until Close. Failures
// are logged; callers rely on the readiness probe for gating.
func (m *PoolManager) StartHealthCheck() {
	if m.config.HealthCheckInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := m.sqlDB.PingContext(ctx); err != nil {
					m.logger.Warn("database health check failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// Close stops the health check and closes the pool.
func (m *PoolManager) Close() error {
	close(m.stop)
	return m.sqlDB.Close()
}
