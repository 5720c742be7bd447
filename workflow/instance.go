package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the per-task status within an instance. Transitions are
// monotonic for a given attempt; a retry moves Failed-ish work back to
// Running but preserves the attempt count.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskRunning         TaskStatus = "running"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskSkipped         TaskStatus = "skipped"
	TaskWaitingApproval TaskStatus = "waiting_approval"
)

// terminal reports whether the status is a terminal per-task outcome.
func (s TaskStatus) terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// SkipCause records why a task was skipped. Branch skips satisfy downstream
// readiness; cascade skips propagate to dependents.
type SkipCause string

const (
	SkipBranch  SkipCause = "branch"
	SkipCascade SkipCause = "cascade"
)

// TaskState is the runtime record of one task within an instance.
type TaskState struct {
	TaskID      string             `json:"task_id"`
	Status      TaskStatus         `json:"status"`
	Attempts    int                `json:"attempts"`
	Output      map[string]any     `json:"output,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	SkipCause   SkipCause          `json:"skip_cause,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
}

// clone returns a value copy safe to hand out or checkpoint.
func (t *TaskState) clone() TaskState {
	out := *t
	if t.Output != nil {
		out.Output = make(map[string]any, len(t.Output))
		for k, v := range t.Output {
			out.Output[k] = v
		}
	}
	if t.Metrics != nil {
		out.Metrics = make(map[string]float64, len(t.Metrics))
		for k, v := range t.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}

// ExecutionContext holds workflow variables and committed task outputs.
// It is read-only to concurrently running tasks within a batch; outputs
// commit only when a task fully completes, so siblings never observe a
// partial write.
type ExecutionContext struct {
	mu        sync.RWMutex
	variables map[string]any
	outputs   map[string]map[string]any
}

// NewExecutionContext seeds the context with definition defaults overlaid
// with caller-supplied parameters.
func NewExecutionContext(defaults, params map[string]any) *ExecutionContext {
	ec := &ExecutionContext{
		variables: make(map[string]any, len(defaults)+len(params)),
		outputs:   make(map[string]map[string]any),
	}
	for k, v := range defaults {
		ec.variables[k] = v
	}
	for k, v := range params {
		ec.variables[k] = v
	}
	return ec
}

// Variable returns a workflow variable.
func (ec *ExecutionContext) Variable(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.variables[key]
	return v, ok
}

// SetVariable sets a workflow variable.
func (ec *ExecutionContext) SetVariable(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[key] = value
}

// Output returns the committed output map of a completed task.
func (ec *ExecutionContext) Output(taskID string) (map[string]any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.outputs[taskID]
	return out, ok
}

// CommitOutput publishes a task's output atomically, keyed by task id.
func (ec *ExecutionContext) CommitOutput(taskID string, output map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs[taskID] = output
}

// Lookup resolves a reference for condition evaluation: a bare name hits the
// variables, "task.field" hits a committed output field.
func (ec *ExecutionContext) Lookup(ref string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if v, ok := ec.variables[ref]; ok {
		return v, true
	}
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			if out, ok := ec.outputs[ref[:i]]; ok {
				v, ok := out[ref[i+1:]]
				return v, ok
			}
			return nil, false
		}
	}
	return nil, false
}

// Snapshot copies variables and outputs for checkpointing.
func (ec *ExecutionContext) Snapshot() (variables map[string]any, outputs map[string]map[string]any) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	variables = make(map[string]any, len(ec.variables))
	for k, v := range ec.variables {
		variables[k] = v
	}
	outputs = make(map[string]map[string]any, len(ec.outputs))
	for id, out := range ec.outputs {
		m := make(map[string]any, len(out))
		for k, v := range out {
			m[k] = v
		}
		outputs[id] = m
	}
	return variables, outputs
}

// restoreSnapshot replaces the context contents from a checkpoint.
func (ec *ExecutionContext) restoreSnapshot(variables map[string]any, outputs map[string]map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables = make(map[string]any, len(variables))
	for k, v := range variables {
		ec.variables[k] = v
	}
	ec.outputs = make(map[string]map[string]any, len(outputs))
	for id, out := range outputs {
		m := make(map[string]any, len(out))
		for k, v := range out {
			m[k] = v
		}
		ec.outputs[id] = m
	}
}

// InstanceResult is the user-visible outcome of a finished instance.
type InstanceResult struct {
	State        State    `json:"state"`
	FailedTask   string   `json:"failed_task,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
	Completed    []string `json:"completed,omitempty"`
	Failed       []string `json:"failed,omitempty"`
	RejectReason string   `json:"reject_reason,omitempty"`
	// RollbackErrors reports best-effort compensation failures; they never
	// re-trigger rollback.
	RollbackErrors []string `json:"rollback_errors,omitempty"`
}

// WorkflowInstance is the mutable runtime object created from a definition
// plus caller parameters. Access is single-writer per instance: the
// orchestrator holds mu for every state-affecting operation.
type WorkflowInstance struct {
	ID         string
	Definition *WorkflowDefinition
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	mu      sync.Mutex
	sm      *StateMachine
	tasks   map[string]*TaskState
	context *ExecutionContext

	// batchIndex is the next batch to execute.
	batchIndex int
	// completionOrder records task ids in completion order, consumed in
	// reverse by rollback.
	completionOrder []string
	// checkpointSeq is the sequence number of the last written checkpoint.
	checkpointSeq int
	// lastBoundary is the most recent boundary-consistent snapshot; interval
	// ticks re-persist it instead of capturing live mid-batch state.
	lastBoundary *Checkpoint

	result *InstanceResult

	// cooperative control flags, observed at batch boundaries / by tasks
	pauseRequested  bool
	cancelRequested bool
	cancelReason    string
	cancel          func() // cancels the in-flight run context
}

// NewInstance creates a Draft instance from a definition and parameters.
func NewInstance(def *WorkflowDefinition, params map[string]any, createdBy string) *WorkflowInstance {
	now := time.Now()
	inst := &WorkflowInstance{
		ID:         uuid.NewString(),
		Definition: def,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
		sm:         NewStateMachine(),
		tasks:      make(map[string]*TaskState, len(def.Tasks)),
		context:    NewExecutionContext(def.Variables, params),
	}
	for i := range def.Tasks {
		id := def.Tasks[i].ID
		inst.tasks[id] = &TaskState{TaskID: id, Status: TaskPending}
	}
	return inst
}

// State returns the current instance state.
func (w *WorkflowInstance) State() State {
	return w.sm.Current()
}

// Context returns the execution context.
func (w *WorkflowInstance) Context() *ExecutionContext {
	return w.context
}

// TaskStateOf returns a copy of one task's state.
func (w *WorkflowInstance) TaskStateOf(taskID string) (TaskState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts, ok := w.tasks[taskID]
	if !ok {
		return TaskState{}, false
	}
	return ts.clone(), true
}

// Result returns the final result, or nil while the instance is live.
func (w *WorkflowInstance) Result() *InstanceResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// InstanceSnapshot is the status view returned by get_status.
type InstanceSnapshot struct {
	ID           string               `json:"id"`
	DefinitionID string               `json:"definition_id"`
	Name         string               `json:"name"`
	State        State                `json:"state"`
	Tasks        map[string]TaskState `json:"tasks"`
	BatchIndex   int                  `json:"batch_index"`
	CheckpointSeq int                 `json:"checkpoint_seq"`
	CreatedBy    string               `json:"created_by,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Result       *InstanceResult      `json:"result,omitempty"`
	History      []StateTransition    `json:"history"`
}

// Snapshot captures a consistent status view of the instance.
func (w *WorkflowInstance) Snapshot() InstanceSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := make(map[string]TaskState, len(w.tasks))
	for id, ts := range w.tasks {
		tasks[id] = ts.clone()
	}
	return InstanceSnapshot{
		ID:            w.ID,
		DefinitionID:  w.Definition.ID,
		Name:          w.Definition.Name,
		State:         w.sm.Current(),
		Tasks:         tasks,
		BatchIndex:    w.batchIndex,
		CheckpointSeq: w.checkpointSeq,
		CreatedBy:     w.CreatedBy,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
		Result:        w.result,
		History:       w.sm.History(),
	}
}

// DeriveState computes the high-level outcome implied by the task-state map:
// any Failed task means failed, all-terminal means completed, otherwise the
// run is still in progress. Used by tests to assert the invariant that the
// instance state is always derivable from its tasks.
func (w *WorkflowInstance) DeriveState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	allTerminal := true
	for _, ts := range w.tasks {
		if ts.Status == TaskFailed {
			return StateFailed
		}
		if !ts.Status.terminal() {
			allTerminal = false
		}
	}
	if allTerminal {
		return StateCompleted
	}
	return StateRunning
}

func (w *WorkflowInstance) touch() {
	w.UpdatedAt = time.Now()
}

// updateTask mutates one task's state under the instance lock.
func (w *WorkflowInstance) updateTask(taskID string, fn func(*TaskState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts, ok := w.tasks[taskID]; ok {
		fn(ts)
		w.touch()
	}
}

// taskStatus reads one task's status under the instance lock.
func (w *WorkflowInstance) taskStatus(taskID string) TaskStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts, ok := w.tasks[taskID]; ok {
		return ts.Status
	}
	return ""
}

// requestPause flags a cooperative pause, honored at the next batch boundary.
func (w *WorkflowInstance) requestPause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pauseRequested = true
}

// requestCancel flags a cooperative cancel and signals in-flight work.
func (w *WorkflowInstance) requestCancel(reason string) {
	w.mu.Lock()
	cancel := w.cancel
	w.cancelRequested = true
	w.cancelReason = reason
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *WorkflowInstance) consumePause() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	requested := w.pauseRequested
	w.pauseRequested = false
	return requested
}

func (w *WorkflowInstance) cancelState() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelRequested, w.cancelReason
}

// anyWaitingApproval reports whether any task is still parked on an
// approval gate.
func (w *WorkflowInstance) anyWaitingApproval() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ts := range w.tasks {
		if ts.Status == TaskWaitingApproval {
			return true
		}
	}
	return false
}

// markCompleted records completion order under the instance lock.
func (w *WorkflowInstance) markCompleted(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completionOrder = append(w.completionOrder, taskID)
	w.touch()
}
