package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	State        State
	DefinitionID string
	CreatedBy    string
}

// entry pairs a registered instance with its execution plan. runMu enforces
// the single-writer rule: at most one orchestration loop drives an instance.
type entry struct {
	inst *WorkflowInstance
	dag  *DAG

	runMu    sync.Mutex
	deadline time.Time
}

// Orchestrator owns the instance registry and drives the full lifecycle:
// create, start, pause, resume, cancel, approval resolution, rollback and
// archival. All state mutations funnel through the per-instance state machine.
type Orchestrator struct {
	executor    *TaskExecutor
	checkpoints *CheckpointManager
	approvals   *ApprovalGateController
	bus         *EventBus
	metrics     *Metrics
	logger      *zap.Logger

	mu        sync.RWMutex
	instances map[string]*entry
}

// NewOrchestrator wires the engine components together and registers itself
// as the approval controller's resolution hook. metrics may be nil.
func NewOrchestrator(executor *TaskExecutor, checkpoints *CheckpointManager, approvals *ApprovalGateController, bus *EventBus, metrics *Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		executor:    executor,
		checkpoints: checkpoints,
		approvals:   approvals,
		bus:         bus,
		metrics:     metrics,
		logger:      logger.With(zap.String("component", "orchestrator")),
		instances:   make(map[string]*entry),
	}
	if approvals != nil {
		approvals.SetResolveCallback(o.handleResolution)
	}
	return o
}

// Create validates the definition, builds the execution plan and registers a
// new instance in Pending. A definition that fails validation or contains a
// cycle never produces an instance.
func (o *Orchestrator) Create(def *WorkflowDefinition, params map[string]any, createdBy string) (*WorkflowInstance, error) {
	if !def.Validated() {
		if err := def.Validate(); err != nil {
			return nil, err
		}
	}
	dag, err := BuildDAG(def, o.logger)
	if err != nil {
		return nil, err
	}

	inst := NewInstance(def, params, createdBy)
	if err := inst.sm.Transition(StateValidated, "definition validated"); err != nil {
		return nil, err
	}
	if err := inst.sm.Transition(StatePending, "execution plan built"); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.instances[inst.ID] = &entry{inst: inst, dag: dag}
	o.mu.Unlock()

	o.logger.Info("instance created",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.Int("tasks", len(def.Tasks)),
		zap.Int("batches", len(dag.Batches)),
	)
	return inst, nil
}

// Recover rebuilds a crashed instance from its latest (or a named) checkpoint.
// The restored instance lands in Paused; Resume continues it from the first
// batch with unfinished work.
func (o *Orchestrator) Recover(ctx context.Context, def *WorkflowDefinition, instanceID, checkpointID string) (*WorkflowInstance, error) {
	if !def.Validated() {
		if err := def.Validate(); err != nil {
			return nil, err
		}
	}
	dag, err := BuildDAG(def, o.logger)
	if err != nil {
		return nil, err
	}

	inst := NewInstance(def, nil, "")
	inst.ID = instanceID
	if _, err := o.checkpoints.Restore(ctx, inst, dag, checkpointID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.instances[inst.ID] = &entry{inst: inst, dag: dag}
	o.mu.Unlock()
	return inst, nil
}

// Start moves a Pending instance to Running and drives it in the caller's
// goroutine until it completes, fails, suspends on an approval gate, pauses,
// or is cancelled.
func (o *Orchestrator) Start(ctx context.Context, instanceID string) error {
	en, err := o.entryFor(instanceID)
	if err != nil {
		return err
	}
	inst := en.inst

	if err := inst.sm.Transition(StateRunning, "started"); err != nil {
		return err
	}
	if timeout := time.Duration(inst.Definition.Config.TimeoutMs) * time.Millisecond; timeout > 0 {
		en.deadline = time.Now().Add(timeout)
	}
	o.publish(Event{Type: EventWorkflowStarted, InstanceID: inst.ID})
	o.metrics.WorkflowStarted(inst.Definition.ID)
	o.logger.Info("instance started", zap.String("instance_id", inst.ID))

	return o.drive(ctx, en)
}

// Pause requests a cooperative pause, honored at the next batch boundary.
// A pause checkpoint is written before the instance enters Paused.
func (o *Orchestrator) Pause(instanceID string) error {
	en, err := o.entryFor(instanceID)
	if err != nil {
		return err
	}
	if state := en.inst.State(); state != StateRunning {
		return NewTransitionError(state, StatePaused)
	}
	en.inst.requestPause()
	return nil
}

// Resume continues a Paused instance from its next unfinished batch.
func (o *Orchestrator) Resume(ctx context.Context, instanceID string) error {
	en, err := o.entryFor(instanceID)
	if err != nil {
		return err
	}
	if err := en.inst.sm.Transition(StateRunning, "resumed"); err != nil {
		return err
	}
	o.publish(Event{Type: EventWorkflowResumed, InstanceID: instanceID})
	return o.drive(ctx, en)
}

// Cancel stops an instance. A Running instance is cancelled cooperatively:
// in-flight tasks get the configured grace period to finish, then the
// instance transitions at the batch boundary. An instance suspended on
// approval gates is cancelled immediately and its pending gates are closed.
func (o *Orchestrator) Cancel(instanceID, reason string) error {
	en, err := o.entryFor(instanceID)
	if err != nil {
		return err
	}
	inst := en.inst
	if reason == "" {
		reason = "cancelled by request"
	}

	switch state := inst.State(); state {
	case StateRunning:
		inst.requestCancel(reason)
		return nil
	case StateWaitingApproval:
		o.approvals.expirePending(inst.ID, reason)
		if err := inst.sm.Transition(StateCancelled, reason); err != nil {
			return err
		}
		o.skipUnfinished(inst, "workflow cancelled")
		o.setResult(inst, o.buildResult(inst, StateCancelled, "", reason))
		o.publish(Event{
			Type:       EventWorkflowCancelled,
			InstanceID: inst.ID,
			Data:       map[string]any{"reason": reason},
		})
		o.metrics.WorkflowFinished(inst.Definition.ID, StateCancelled)
		return nil
	default:
		return NewTransitionError(state, StateCancelled)
	}
}

// Status returns a consistent snapshot of the instance.
func (o *Orchestrator) Status(instanceID string) (InstanceSnapshot, error) {
	en, err := o.entryFor(instanceID)
	if err != nil {
		return InstanceSnapshot{}, err
	}
	return en.inst.Snapshot(), nil
}

// Instance returns the live instance object.
func (o *Orchestrator) Instance(instanceID string) (*WorkflowInstance, error) {
	en, err := o.entryFor(instanceID)
	if err != nil {
		return nil, err
	}
	return en.inst, nil
}

// List returns snapshots of registered instances matching the filter, newest
// first.
func (o *Orchestrator) List(filter ListFilter) []InstanceSnapshot {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.instances))
	for _, en := range o.instances {
		entries = append(entries, en)
	}
	o.mu.RUnlock()

	var out []InstanceSnapshot
	for _, en := range entries {
		snap := en.inst.Snapshot()
		if filter.State != "" && snap.State != filter.State {
			continue
		}
		if filter.DefinitionID != "" && snap.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.CreatedBy != "" && snap.CreatedBy != filter.CreatedBy {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// StreamEvents subscribes to the instance's ordered event sequence. With
// replay, retained history is delivered ahead of live events.
func (o *Orchestrator) StreamEvents(instanceID string, replay bool) (<-chan Event, func(), error) {
	if _, err := o.entryFor(instanceID); err != nil {
		return nil, nil, err
	}
	ch, cancel := o.bus.Subscribe(instanceID, replay)
	return ch, cancel, nil
}

// Events returns the instance's retained event history.
func (o *Orchestrator) Events(instanceID string) ([]Event, error) {
	if _, err := o.entryFor(instanceID); err != nil {
		return nil, err
	}
	return o.bus.History(instanceID), nil
}

// ResolveApproval records a human decision on a pending gate. The first
// terminal decision wins; the workflow resumes or terminates accordingly via
// the controller's resolution hook.
func (o *Orchestrator) ResolveApproval(requestID string, approved bool, resolver, reason string) error {
	return o.approvals.Resolve(requestID, approved, resolver, reason)
}

// PendingApprovals lists the instance's open gates.
func (o *Orchestrator) PendingApprovals(instanceID string) ([]ApprovalRequest, error) {
	if _, err := o.entryFor(instanceID); err != nil {
		return nil, err
	}
	return o.approvals.PendingForInstance(instanceID), nil
}

// SweepCheckpoints applies the retention policy to one instance's checkpoint
// chain. Nothing else ever deletes checkpoints.
func (o *Orchestrator) SweepCheckpoints(ctx context.Context, instanceID string, keep int) (int, error) {
	if _, err := o.entryFor(instanceID); err != nil {
		return 0, err
	}
	return o.checkpoints.Sweep(ctx, instanceID, keep)
}

// ArchiveCompleted moves Completed instances whose last update is older than
// the retention window into Archived. Returns the number archived.
func (o *Orchestrator) ArchiveCompleted(olderThan time.Duration) int {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.instances))
	for _, en := range o.instances {
		entries = append(entries, en)
	}
	o.mu.RUnlock()

	cutoff := time.Now().Add(-olderThan)
	archived := 0
	for _, en := range entries {
		inst := en.inst
		if inst.State() != StateCompleted || inst.UpdatedAt.After(cutoff) {
			continue
		}
		if err := inst.sm.Transition(StateArchived, "retention sweep"); err != nil {
			continue
		}
		archived++
		o.logger.Info("instance archived", zap.String("instance_id", inst.ID))
	}
	return archived
}

// === orchestration loop ===

// drive runs the batch loop while holding the instance's run lock. The loop
// exits when the instance reaches a terminal state, pauses, or suspends on
// approval gates; a later Resume or approval resolution re-enters it.
func (o *Orchestrator) drive(ctx context.Context, en *entry) error {
	en.runMu.Lock()
	defer en.runMu.Unlock()

	inst := en.inst
	if inst.State() != StateRunning {
		// Resolved out from under us between scheduling and acquiring the
		// run lock (e.g. cancelled while an approval resolution was queued).
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if !en.deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(ctx, en.deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	inst.mu.Lock()
	inst.cancel = cancel
	inst.mu.Unlock()
	defer func() {
		inst.mu.Lock()
		inst.cancel = nil
		inst.mu.Unlock()
	}()

	stopTicker := o.startIntervalCheckpoints(runCtx, inst)
	defer stopTicker()

	dag := en.dag
	for {
		if cancelled, reason := inst.cancelState(); cancelled {
			return o.finishCancelled(en, reason)
		}
		if runCtx.Err() != nil {
			return o.finishTimeout(en)
		}
		if inst.consumePause() {
			if _, err := o.checkpoint(runCtx, inst, "pause"); err != nil {
				return o.finishCheckpointFailure(en, err)
			}
			if err := inst.sm.Transition(StatePaused, "pause requested"); err != nil {
				return err
			}
			o.publish(Event{Type: EventWorkflowPaused, InstanceID: inst.ID})
			o.logger.Info("instance paused", zap.String("instance_id", inst.ID))
			return nil
		}

		inst.mu.Lock()
		bi := inst.batchIndex
		inst.mu.Unlock()
		if bi >= len(dag.Batches) {
			return o.finishCompleted(en)
		}
		batch := dag.Batches[bi]

		if o.batchWantsCheckpoint(inst.Definition, batch) {
			if _, err := o.checkpoint(runCtx, inst, "pre_task"); err != nil {
				return o.finishCheckpointFailure(en, err)
			}
		}

		res := o.executor.ExecuteBatch(runCtx, inst, dag, batch)

		if res.Cancelled {
			if cancelled, reason := inst.cancelState(); cancelled {
				return o.finishCancelled(en, reason)
			}
			if runCtx.Err() == context.DeadlineExceeded {
				return o.finishTimeout(en)
			}
			return o.finishCancelled(en, "run context cancelled")
		}

		if res.FailedTask != "" {
			return o.finishFailed(en, res)
		}

		if len(res.PendingApprovals) > 0 {
			return o.suspendOnApprovals(runCtx, en, res.PendingApprovals)
		}

		inst.mu.Lock()
		inst.batchIndex++
		inst.touch()
		inst.mu.Unlock()
		if _, err := o.checkpoint(runCtx, inst, "batch"); err != nil {
			return o.finishCheckpointFailure(en, err)
		}
	}
}

// suspendOnApprovals moves the instance to WaitingApproval, checkpoints the
// suspension, and opens every gate that reached readiness. Auto-approve gates
// resolve immediately; the resolution hook re-enters the loop once this call
// releases the run lock.
func (o *Orchestrator) suspendOnApprovals(ctx context.Context, en *entry, taskIDs []string) error {
	inst := en.inst
	if err := inst.sm.Transition(StateWaitingApproval, "approval required"); err != nil {
		return err
	}
	if _, err := o.checkpoint(ctx, inst, "approval"); err != nil {
		return o.finishCheckpointFailure(en, err)
	}

	for _, taskID := range taskIDs {
		task, ok := inst.Definition.Task(taskID)
		if !ok {
			continue
		}
		if _, err := o.approvals.Open(ctx, inst, task); err != nil {
			o.logger.Error("approval gate open failed",
				zap.String("instance_id", inst.ID),
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}
	o.logger.Info("instance suspended on approval",
		zap.String("instance_id", inst.ID),
		zap.Strings("tasks", taskIDs),
	)
	return nil
}

// handleResolution is the approval controller's hook, invoked on every
// terminal gate resolution including expiry. Approval resumes the loop in a
// fresh goroutine once every gate of the instance is resolved; rejection and
// expiry terminate the instance.
func (o *Orchestrator) handleResolution(res Resolution) {
	en, err := o.entryFor(res.Request.InstanceID)
	if err != nil {
		o.logger.Warn("approval resolved for unknown instance",
			zap.String("instance_id", res.Request.InstanceID),
			zap.String("request_id", res.Request.ID),
		)
		return
	}
	inst := en.inst
	taskID := res.Request.TaskID

	if res.Approved {
		output := map[string]any{
			"approved": true,
			"resolver": res.Request.Resolver,
			"reason":   res.Request.Reason,
		}
		inst.Context().CommitOutput(taskID, output)
		now := time.Now()
		inst.updateTask(taskID, func(ts *TaskState) {
			ts.Status = TaskCompleted
			ts.Output = output
			ts.CompletedAt = now
		})
		inst.markCompleted(taskID)
		o.publish(Event{
			Type:       EventTaskCompleted,
			InstanceID: inst.ID,
			TaskID:     taskID,
			Data:       output,
		})

		// Resumption is gated on task status, not on open requests: gates
		// of one batch open sequentially, so a synchronous auto-approve
		// resolution can observe zero pending requests while a sibling
		// gate is still waiting to be opened.
		if inst.anyWaitingApproval() {
			return
		}
		if err := inst.sm.Transition(StateRunning, "approval granted"); err != nil {
			o.logger.Warn("instance moved on before approval resumption",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			return
		}
		o.publish(Event{Type: EventWorkflowResumed, InstanceID: inst.ID})
		go func() {
			if err := o.drive(context.Background(), en); err != nil {
				o.logger.Error("run after approval failed",
					zap.String("instance_id", inst.ID),
					zap.Error(err),
				)
			}
		}()
		return
	}

	// Rejection and expiry both terminate the instance; expiry may be
	// configured to fail instead of cancel.
	reason := res.Request.Reason
	now := time.Now()
	inst.updateTask(taskID, func(ts *TaskState) {
		ts.Status = TaskFailed
		ts.LastError = reason
		ts.CompletedAt = now
	})
	o.publish(Event{Type: EventTaskFailed, InstanceID: inst.ID, TaskID: taskID, Error: reason})

	target := StateCancelled
	if res.Expired {
		if task, ok := inst.Definition.Task(taskID); ok && task.Approval != nil && task.Approval.OnExpiry == "fail" {
			target = StateFailed
		}
	}

	o.approvals.expirePending(inst.ID, reason)
	if err := inst.sm.Transition(target, reason); err != nil {
		o.logger.Warn("instance moved on before approval termination",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
		return
	}
	o.skipUnfinished(inst, "halted by approval outcome")
	o.setResult(inst, o.buildResult(inst, target, taskID, reason))

	if target == StateFailed {
		o.publish(Event{Type: EventWorkflowFailed, InstanceID: inst.ID, TaskID: taskID, Error: reason})
		o.metrics.WorkflowFinished(inst.Definition.ID, StateFailed)
		if inst.Definition.Config.RollbackEnabled {
			o.rollback(en)
		}
		return
	}
	o.publish(Event{
		Type:       EventWorkflowCancelled,
		InstanceID: inst.ID,
		TaskID:     taskID,
		Data:       map[string]any{"reason": reason},
	})
	o.metrics.WorkflowFinished(inst.Definition.ID, StateCancelled)
}

// === terminal paths ===

func (o *Orchestrator) finishCompleted(en *entry) error {
	inst := en.inst
	result := o.buildResult(inst, StateCompleted, "", "")
	if err := inst.sm.Transition(StateCompleted, "all batches resolved"); err != nil {
		return err
	}
	o.setResult(inst, result)
	o.publish(Event{
		Type:       EventWorkflowCompleted,
		InstanceID: inst.ID,
		Data:       map[string]any{"completed": len(result.Completed), "failed": len(result.Failed)},
	})
	o.metrics.WorkflowFinished(inst.Definition.ID, StateCompleted)
	o.logger.Info("instance completed",
		zap.String("instance_id", inst.ID),
		zap.Int("tasks_completed", len(result.Completed)),
		zap.Int("tasks_failed", len(result.Failed)),
	)
	return nil
}

func (o *Orchestrator) finishFailed(en *entry, res BatchResult) error {
	inst := en.inst
	reason := ""
	if res.Err != nil {
		reason = res.Err.Error()
	}
	if err := inst.sm.Transition(StateFailed, reason); err != nil {
		return err
	}
	o.skipUnfinished(inst, "halted by failure")
	result := o.buildResult(inst, StateFailed, res.FailedTask, "")
	result.LastError = reason
	o.setResult(inst, result)
	o.publish(Event{
		Type:       EventWorkflowFailed,
		InstanceID: inst.ID,
		TaskID:     res.FailedTask,
		Error:      reason,
	})
	o.metrics.WorkflowFinished(inst.Definition.ID, StateFailed)
	o.logger.Error("instance failed",
		zap.String("instance_id", inst.ID),
		zap.String("task_id", res.FailedTask),
		zap.String("error", reason),
	)

	if inst.Definition.Config.RollbackEnabled || res.ForceRollback {
		o.rollback(en)
	}
	return res.Err
}

func (o *Orchestrator) finishCancelled(en *entry, reason string) error {
	inst := en.inst
	if reason == "" {
		reason = "cancelled"
	}
	if err := inst.sm.Transition(StateCancelled, reason); err != nil {
		return err
	}
	o.skipUnfinished(inst, "workflow cancelled")
	o.setResult(inst, o.buildResult(inst, StateCancelled, "", reason))
	o.publish(Event{
		Type:       EventWorkflowCancelled,
		InstanceID: inst.ID,
		Data:       map[string]any{"reason": reason},
	})
	o.metrics.WorkflowFinished(inst.Definition.ID, StateCancelled)
	o.logger.Info("instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.String("reason", reason),
	)
	return nil
}

func (o *Orchestrator) finishTimeout(en *entry) error {
	inst := en.inst
	err := NewError(ErrCodeWorkflowTimeout, "workflow timeout exceeded")
	if terr := inst.sm.Transition(StateFailed, err.Error()); terr != nil {
		return terr
	}
	o.skipUnfinished(inst, "halted by workflow timeout")
	result := o.buildResult(inst, StateFailed, "", "")
	result.LastError = err.Error()
	o.setResult(inst, result)
	o.publish(Event{Type: EventWorkflowFailed, InstanceID: inst.ID, Error: err.Error()})
	o.metrics.WorkflowFinished(inst.Definition.ID, StateFailed)

	if inst.Definition.Config.RollbackEnabled {
		o.rollback(en)
	}
	return err
}

// finishCheckpointFailure fails the run when a checkpoint write exhausted its
// retries. Snapshot durability is part of the run contract; continuing past a
// lost checkpoint would silently narrow the recovery window.
func (o *Orchestrator) finishCheckpointFailure(en *entry, cause error) error {
	inst := en.inst
	if terr := inst.sm.Transition(StateFailed, cause.Error()); terr != nil {
		return terr
	}
	o.skipUnfinished(inst, "halted by checkpoint failure")
	result := o.buildResult(inst, StateFailed, "", "")
	result.LastError = cause.Error()
	o.setResult(inst, result)
	o.publish(Event{Type: EventWorkflowFailed, InstanceID: inst.ID, Error: cause.Error()})
	o.metrics.WorkflowFinished(inst.Definition.ID, StateFailed)
	return cause
}

// === rollback ===

// rollback runs compensation tasks in reverse completion order. Compensation
// is best effort: each failure is recorded and the walk continues, so one bad
// compensator never strands the rest of the undo chain. The instance moves
// Failed -> RolledBack once the walk finishes.
func (o *Orchestrator) rollback(en *entry) {
	inst := en.inst

	inst.mu.Lock()
	order := append([]string(nil), inst.completionOrder...)
	inst.mu.Unlock()

	var compErrors []string
	for i := len(order) - 1; i >= 0; i-- {
		task, ok := inst.Definition.Task(order[i])
		if !ok || task.Compensation == nil {
			continue
		}
		comp := *task.Compensation
		if comp.ID == "" {
			comp.ID = task.ID + ".rollback"
		}
		if err := o.runCompensation(inst, &comp); err != nil {
			compErrors = append(compErrors, fmt.Sprintf("%s: %v", comp.ID, err))
		}
	}

	if err := inst.sm.Transition(StateRolledBack, "compensation complete"); err != nil {
		o.logger.Error("rollback transition failed",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
		return
	}
	inst.mu.Lock()
	if inst.result != nil {
		inst.result.State = StateRolledBack
		inst.result.RollbackErrors = compErrors
	}
	inst.touch()
	inst.mu.Unlock()

	o.publish(Event{
		Type:       EventWorkflowRolledBack,
		InstanceID: inst.ID,
		Data:       map[string]any{"compensations": len(order), "errors": len(compErrors)},
	})
	o.metrics.WorkflowFinished(inst.Definition.ID, StateRolledBack)
	o.logger.Info("instance rolled back",
		zap.String("instance_id", inst.ID),
		zap.Int("compensation_errors", len(compErrors)),
	)
}

// runCompensation executes one compensation task outside the batch machinery:
// single attempt, own timeout, events published under the compensation id.
func (o *Orchestrator) runCompensation(inst *WorkflowInstance, comp *TaskDefinition) error {
	ctx := context.Background()
	if timeout := comp.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	o.publish(Event{Type: EventTaskStarted, InstanceID: inst.ID, TaskID: comp.ID})
	handler, err := o.executor.registry.Resolve(comp.Type)
	if err == nil {
		_, err = handler.Execute(ctx, comp, inst.Context())
	}
	if err != nil {
		o.publish(Event{Type: EventTaskFailed, InstanceID: inst.ID, TaskID: comp.ID, Error: err.Error()})
		o.logger.Warn("compensation failed",
			zap.String("instance_id", inst.ID),
			zap.String("task_id", comp.ID),
			zap.Error(err),
		)
		return err
	}
	o.publish(Event{Type: EventTaskCompleted, InstanceID: inst.ID, TaskID: comp.ID})
	return nil
}

// === helpers ===

// checkpoint writes a snapshot and publishes the checkpoint event.
func (o *Orchestrator) checkpoint(ctx context.Context, inst *WorkflowInstance, reason string) (*Checkpoint, error) {
	cp, err := o.checkpoints.Create(ctx, inst, reason)
	if err != nil {
		return nil, err
	}
	o.publish(Event{
		Type:       EventCheckpointCreated,
		InstanceID: inst.ID,
		Data:       map[string]any{"sequence": cp.Sequence, "reason": reason},
	})
	return cp, nil
}

// startIntervalCheckpoints runs the time-based snapshot timer for the life of
// one drive call. Interval snapshots are additive to boundary checkpoints;
// a write failure here is surfaced through logs and metrics while the
// boundary checkpoints keep enforcing durability.
func (o *Orchestrator) startIntervalCheckpoints(ctx context.Context, inst *WorkflowInstance) func() {
	interval := time.Duration(inst.Definition.Config.CheckpointIntervalMs) * time.Millisecond
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				cp, err := o.checkpoints.CreateInterval(ctx, inst)
				if err != nil {
					o.logger.Error("interval checkpoint failed",
						zap.String("instance_id", inst.ID),
						zap.Error(err),
					)
					continue
				}
				if cp == nil {
					continue
				}
				o.publish(Event{
					Type:       EventCheckpointCreated,
					InstanceID: inst.ID,
					Data:       map[string]any{"sequence": cp.Sequence, "reason": cp.Reason},
				})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (o *Orchestrator) batchWantsCheckpoint(def *WorkflowDefinition, batch []string) bool {
	for _, id := range batch {
		if task, ok := def.Task(id); ok && task.Checkpoint {
			return true
		}
	}
	return false
}

// buildResult assembles the final result from the task map under the
// instance lock.
func (o *Orchestrator) buildResult(inst *WorkflowInstance, state State, failedTask, rejectReason string) *InstanceResult {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	result := &InstanceResult{
		State:        state,
		FailedTask:   failedTask,
		RejectReason: rejectReason,
		Completed:    append([]string(nil), inst.completionOrder...),
	}
	var failed []string
	for id, ts := range inst.tasks {
		if ts.Status == TaskFailed {
			failed = append(failed, id)
		}
		if id == failedTask && ts.LastError != "" {
			result.LastError = ts.LastError
		}
	}
	sort.Strings(failed)
	result.Failed = failed
	return result
}

func (o *Orchestrator) setResult(inst *WorkflowInstance, result *InstanceResult) {
	inst.mu.Lock()
	inst.result = result
	inst.touch()
	inst.mu.Unlock()
}

// skipUnfinished marks every task that never reached a terminal outcome as
// Skipped, so a halted instance's task map stays fully accounted for.
func (o *Orchestrator) skipUnfinished(inst *WorkflowInstance, reason string) {
	inst.mu.Lock()
	now := time.Now()
	for _, ts := range inst.tasks {
		if ts.Status.terminal() {
			continue
		}
		ts.Status = TaskSkipped
		ts.SkipCause = SkipCascade
		ts.CompletedAt = now
		ts.LastError = reason
	}
	inst.touch()
	inst.mu.Unlock()
}

func (o *Orchestrator) entryFor(instanceID string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	en, ok := o.instances[instanceID]
	if !ok {
		return nil, NewError(ErrCodeInstanceNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}
	return en, nil
}

func (o *Orchestrator) publish(ev Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}
