package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Checkpoint is an immutable, append-only snapshot of instance plus task
// state. Checkpoints are monotonically ordered per instance and never
// represent a mid-batch state: they are taken only after a batch fully
// resolves, on explicit pause, before a checkpoint-worthy task, or on the
// configured time interval (which snapshots the last resolved batch).
type Checkpoint struct {
	ID                string                    `json:"id"`
	InstanceID        string                    `json:"instance_id"`
	DefinitionID      string                    `json:"definition_id"`
	DefinitionVersion int                       `json:"definition_version"`
	Sequence          int                       `json:"sequence"`
	State             State                     `json:"state"`
	BatchIndex        int                       `json:"batch_index"`
	Tasks             map[string]TaskState      `json:"tasks"`
	Variables         map[string]any            `json:"variables"`
	Outputs           map[string]map[string]any `json:"outputs"`
	Completion        []string                  `json:"completion_order,omitempty"`
	Reason            string                    `json:"reason,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
}

// CheckpointStore is the durable keyed storage collaborator. Save must be
// atomic: either the new checkpoint is fully written or the prior one is
// left intact.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)
	LoadLatest(ctx context.Context, instanceID string) (*Checkpoint, error)
	List(ctx context.Context, instanceID string) ([]*Checkpoint, error)
	Delete(ctx context.Context, checkpointID string) error
}

// storeRetryAttempts bounds the backoff retry around checkpoint writes.
// Storage errors are never silently dropped; exhausting the retries fails
// the calling operation with CheckpointError.
const storeRetryAttempts = 3

// CheckpointManager creates and restores snapshots at defined boundaries.
type CheckpointManager struct {
	store   CheckpointStore
	metrics *Metrics
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCheckpointManager creates a checkpoint manager. metrics may be nil.
func NewCheckpointManager(store CheckpointStore, metrics *Metrics, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		store:   store,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "checkpoint_manager")),
		sleep:   sleepCtx,
	}
}

// Create snapshots the instance under its lock and writes the checkpoint
// with bounded backoff. The instance's sequence counter advances only after
// a successful write, so a failed write leaves the prior checkpoint intact.
func (m *CheckpointManager) Create(ctx context.Context, inst *WorkflowInstance, reason string) (*Checkpoint, error) {
	inst.mu.Lock()
	cp := &Checkpoint{
		ID:                uuid.NewString(),
		InstanceID:        inst.ID,
		DefinitionID:      inst.Definition.ID,
		DefinitionVersion: inst.Definition.Version,
		Sequence:          inst.checkpointSeq + 1,
		State:             inst.sm.Current(),
		BatchIndex:        inst.batchIndex,
		Tasks:             make(map[string]TaskState, len(inst.tasks)),
		Completion:        append([]string(nil), inst.completionOrder...),
		Reason:            reason,
		CreatedAt:         time.Now(),
	}
	for id, ts := range inst.tasks {
		cp.Tasks[id] = ts.clone()
	}
	inst.mu.Unlock()
	cp.Variables, cp.Outputs = inst.Context().Snapshot()

	if err := m.persist(ctx, inst, cp); err != nil {
		return nil, err
	}

	inst.mu.Lock()
	inst.lastBoundary = cp
	inst.mu.Unlock()
	return cp, nil
}

// CreateInterval re-persists the last boundary snapshot under a fresh id and
// sequence. A cadence tick can fire mid-batch, when live task state must not
// be captured, so the payload is always the most recent fully resolved
// snapshot; a tick before the first boundary write returns nil.
func (m *CheckpointManager) CreateInterval(ctx context.Context, inst *WorkflowInstance) (*Checkpoint, error) {
	inst.mu.Lock()
	base := inst.lastBoundary
	seq := inst.checkpointSeq + 1
	inst.mu.Unlock()
	if base == nil {
		return nil, nil
	}

	cp := *base
	cp.ID = uuid.NewString()
	cp.Sequence = seq
	cp.Reason = "interval"
	cp.CreatedAt = time.Now()
	if err := m.persist(ctx, inst, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// persist writes the checkpoint with bounded backoff and advances the
// instance's sequence counter on success.
func (m *CheckpointManager) persist(ctx context.Context, inst *WorkflowInstance, cp *Checkpoint) error {
	var lastErr error
	for attempt := 1; attempt <= storeRetryAttempts; attempt++ {
		lastErr = m.store.Save(ctx, cp)
		if lastErr == nil {
			break
		}
		m.logger.Warn("checkpoint write failed",
			zap.String("instance_id", inst.ID),
			zap.Int("sequence", cp.Sequence),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt < storeRetryAttempts {
			if err := m.sleep(ctx, time.Duration(attempt)*200*time.Millisecond); err != nil {
				lastErr = err
				break
			}
		}
	}
	if lastErr != nil {
		m.metrics.CheckpointFailed()
		return NewError(ErrCodeCheckpoint, "checkpoint write failed").WithCause(lastErr)
	}

	inst.mu.Lock()
	inst.checkpointSeq = cp.Sequence
	inst.mu.Unlock()

	m.metrics.CheckpointCreated()
	m.logger.Info("checkpoint created",
		zap.String("instance_id", inst.ID),
		zap.Int("sequence", cp.Sequence),
		zap.String("reason", cp.Reason),
	)
	return nil
}

// Restore loads a checkpoint (the most recent when checkpointID is empty)
// and rebuilds the instance's task states and execution context. Tasks
// recorded Completed are never re-executed; tasks recorded Running are
// re-queued Pending, which is at-least-once re-execution — idempotence is
// the task implementation's responsibility. The resume point is the first
// batch containing any non-terminal task.
func (m *CheckpointManager) Restore(ctx context.Context, inst *WorkflowInstance, dag *DAG, checkpointID string) (*Checkpoint, error) {
	var cp *Checkpoint
	var err error
	if checkpointID == "" {
		cp, err = m.store.LoadLatest(ctx, inst.ID)
	} else {
		cp, err = m.store.Load(ctx, checkpointID)
	}
	if err != nil {
		return nil, NewError(ErrCodeCheckpoint, "checkpoint load failed").WithCause(err)
	}
	if cp.InstanceID != inst.ID {
		return nil, NewError(ErrCodeCheckpoint,
			fmt.Sprintf("checkpoint %s belongs to instance %s", cp.ID, cp.InstanceID))
	}

	inst.mu.Lock()
	for id := range inst.tasks {
		saved, ok := cp.Tasks[id]
		if !ok {
			inst.tasks[id] = &TaskState{TaskID: id, Status: TaskPending}
			continue
		}
		restored := saved.clone()
		if restored.Status == TaskRunning || restored.Status == TaskWaitingApproval {
			restored.Status = TaskPending
		}
		inst.tasks[id] = &restored
	}
	inst.completionOrder = append([]string(nil), cp.Completion...)
	inst.checkpointSeq = cp.Sequence
	inst.batchIndex = resumeBatch(dag, inst.tasks)
	inst.touch()
	inst.mu.Unlock()

	inst.Context().restoreSnapshot(cp.Variables, cp.Outputs)
	inst.sm.restore(restoredState(cp.State), fmt.Sprintf("restored from checkpoint %d", cp.Sequence))

	m.logger.Info("instance restored",
		zap.String("instance_id", inst.ID),
		zap.Int("sequence", cp.Sequence),
		zap.Int("resume_batch", inst.batchIndex),
	)
	return cp, nil
}

// restoredState maps the checkpointed state to a resumable one. A snapshot
// taken mid-run restores to Paused so the caller resumes explicitly.
func restoredState(s State) State {
	switch s {
	case StateRunning, StateWaitingApproval:
		return StatePaused
	default:
		return s
	}
}

// resumeBatch returns the index of the first batch containing any task that
// has not reached a terminal outcome.
func resumeBatch(dag *DAG, tasks map[string]*TaskState) int {
	for i, batch := range dag.Batches {
		for _, id := range batch {
			ts, ok := tasks[id]
			if !ok || !ts.Status.terminal() {
				return i
			}
		}
	}
	return len(dag.Batches)
}

// Sweep removes the oldest checkpoints beyond keep. This is the only path
// that deletes checkpoints; nothing removes them implicitly.
func (m *CheckpointManager) Sweep(ctx context.Context, instanceID string, keep int) (int, error) {
	cps, err := m.store.List(ctx, instanceID)
	if err != nil {
		return 0, NewError(ErrCodeCheckpoint, "checkpoint list failed").WithCause(err)
	}
	if keep < 1 {
		keep = 1
	}
	if len(cps) <= keep {
		return 0, nil
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Sequence < cps[j].Sequence })
	removed := 0
	for _, cp := range cps[:len(cps)-keep] {
		if err := m.store.Delete(ctx, cp.ID); err != nil {
			return removed, NewError(ErrCodeCheckpoint, "checkpoint delete failed").WithCause(err)
		}
		removed++
	}
	m.logger.Info("checkpoint retention sweep",
		zap.String("instance_id", instanceID),
		zap.Int("removed", removed),
		zap.Int("kept", keep),
	)
	return removed, nil
}

// MemoryCheckpointStore is the in-process CheckpointStore used in tests and
// single-node deployments without durability requirements.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	byID        map[string]*Checkpoint
	byInstance  map[string][]string
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		byID:       make(map[string]*Checkpoint),
		byInstance: make(map[string][]string),
	}
}

// Save implements CheckpointStore.
func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[cp.ID]; exists {
		return NewError(ErrCodeStorage, fmt.Sprintf("checkpoint %s already exists", cp.ID))
	}
	stored := *cp
	s.byID[cp.ID] = &stored
	s.byInstance[cp.InstanceID] = append(s.byInstance[cp.InstanceID], cp.ID)
	return nil
}

// Load implements CheckpointStore.
func (s *MemoryCheckpointStore) Load(_ context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[checkpointID]
	if !ok {
		return nil, NewError(ErrCodeStorage, fmt.Sprintf("checkpoint %s not found", checkpointID))
	}
	out := *cp
	return &out, nil
}

// LoadLatest implements CheckpointStore.
func (s *MemoryCheckpointStore) LoadLatest(_ context.Context, instanceID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Checkpoint
	for _, id := range s.byInstance[instanceID] {
		cp := s.byID[id]
		if cp != nil && (latest == nil || cp.Sequence > latest.Sequence) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, NewError(ErrCodeStorage, fmt.Sprintf("no checkpoints for instance %s", instanceID))
	}
	out := *latest
	return &out, nil
}

// List implements CheckpointStore.
func (s *MemoryCheckpointStore) List(_ context.Context, instanceID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Checkpoint
	for _, id := range s.byInstance[instanceID] {
		if cp := s.byID[id]; cp != nil {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Delete implements CheckpointStore.
func (s *MemoryCheckpointStore) Delete(_ context.Context, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[checkpointID]
	if !ok {
		return nil
	}
	delete(s.byID, checkpointID)
	ids := s.byInstance[cp.InstanceID]
	for i, id := range ids {
		if id == checkpointID {
			s.byInstance[cp.InstanceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}
