package workflow

import (
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskType tags the variant of a task definition. Dispatch is resolved once
// at build time through the HandlerRegistry; conditional, loop, approval and
// subworkflow types are interpreted by the executor itself.
type TaskType string

const (
	TaskTypeCommand     TaskType = "command"
	TaskTypeHTTPCall    TaskType = "http_call"
	TaskTypeQuery       TaskType = "query"
	TaskTypeDeploy      TaskType = "deploy"
	TaskTypeScale       TaskType = "scale"
	TaskTypeWait        TaskType = "wait"
	TaskTypeApproval    TaskType = "approval"
	TaskTypeConditional TaskType = "conditional"
	TaskTypeLoop        TaskType = "loop"
	TaskTypeSubworkflow TaskType = "subworkflow"
	TaskTypePlugin      TaskType = "plugin"
)

// FailureAction defines what the engine does once a task's retry policy is
// exhausted.
type FailureAction string

const (
	// FailureFail halts remaining batches and fails the instance.
	FailureFail FailureAction = "fail"
	// FailureContinue records the failure and lets the batch complete.
	FailureContinue FailureAction = "continue"
	// FailureRetry is fail semantics after the retry policy is exhausted;
	// the policy itself already absorbed the retries.
	FailureRetry FailureAction = "retry"
	// FailureRollback fails the instance and forces compensation even when
	// the run configuration leaves rollback disabled.
	FailureRollback FailureAction = "rollback"
)

// RetryPolicy bounds re-attempts of a failing task with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// InitialDelayMs is the delay before the second attempt.
	InitialDelayMs int64 `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	// MaxDelayMs caps the backoff growth. Zero means uncapped.
	MaxDelayMs int64 `json:"max_delay_ms" yaml:"max_delay_ms"`
	// Multiplier is the exponential backoff factor between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// RetryableErrors is an allow-list of error codes eligible for retry.
	// Empty means every failure is retryable.
	RetryableErrors []ErrorCode `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
}

// DefaultRetryPolicy mirrors the engine defaults: 3 attempts, 1s initial
// delay doubling up to 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelayMs: 1000,
		MaxDelayMs:     60000,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay to apply after the given failed attempt
// (1-based). Attempt 1 waits InitialDelayMs, attempt 2 waits
// InitialDelayMs*Multiplier, and so on, capped at MaxDelayMs.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	ms := float64(p.InitialDelayMs) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelayMs > 0 && ms > float64(p.MaxDelayMs) {
		ms = float64(p.MaxDelayMs)
	}
	return time.Duration(ms) * time.Millisecond
}

// Retryable reports whether an error is eligible for retry under this policy.
func (p RetryPolicy) Retryable(err error) bool {
	if len(p.RetryableErrors) == 0 {
		return IsRetryable(err)
	}
	code := CodeOf(err)
	for _, allowed := range p.RetryableErrors {
		if code == allowed {
			return true
		}
	}
	return false
}

// Condition selects one successor set of a conditional task. Tasks on the
// unselected branch are marked Skipped so they never block completion checks.
type Condition struct {
	// Expression is a boolean expression evaluated against the execution
	// context, e.g. "deploy.exit_code == 0" or "env != production".
	Expression string `json:"expression" yaml:"expression"`
	// OnTrue lists the task ids that make up the true branch.
	OnTrue []string `json:"on_true,omitempty" yaml:"on_true,omitempty"`
	// OnFalse lists the task ids that make up the false branch.
	OnFalse []string `json:"on_false,omitempty" yaml:"on_false,omitempty"`
}

// LoopSpec instantiates a template task once per item of a collection.
type LoopSpec struct {
	// Items is an inline collection to iterate.
	Items []any `json:"items,omitempty" yaml:"items,omitempty"`
	// ItemsVar names a context variable holding the collection; it takes
	// precedence over Items when set.
	ItemsVar string `json:"items_var,omitempty" yaml:"items_var,omitempty"`
	// Parallel runs iterations concurrently, bounded by the instance's
	// max parallelism. Sequential otherwise.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	// MaxIterations truncates the collection. Zero means unbounded.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	// Task is the template executed per item. The current item is exposed
	// to the template as the "item" parameter and context variable.
	Task *TaskDefinition `json:"task" yaml:"task"`
}

// ApprovalSpec configures a human decision gate.
type ApprovalSpec struct {
	// Approvers is the set notified when the gate opens.
	Approvers []string `json:"approvers" yaml:"approvers"`
	// TimeoutMs is the decision deadline. Zero falls back to the engine
	// default.
	TimeoutMs int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	// AutoApprove resolves the gate immediately with resolver "auto",
	// bypassing the approver set entirely: no notification is sent and no
	// deadline timer starts.
	AutoApprove bool `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
	// OnExpiry is the instance policy when the deadline passes without a
	// decision: "cancel" (default) or "fail".
	OnExpiry string `json:"on_expiry,omitempty" yaml:"on_expiry,omitempty"`
}

// TaskDefinition describes one node of the workflow graph.
type TaskDefinition struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type      TaskType       `json:"type" yaml:"type"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OnFailure FailureAction  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Retry     *RetryPolicy   `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Checkpoint forces a snapshot immediately before this task runs.
	Checkpoint bool `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`

	// Per-type configuration. Exactly the section matching Type may be set.
	Condition   *Condition          `json:"condition,omitempty" yaml:"condition,omitempty"`
	Loop        *LoopSpec           `json:"loop,omitempty" yaml:"loop,omitempty"`
	Approval    *ApprovalSpec       `json:"approval,omitempty" yaml:"approval,omitempty"`
	Subworkflow *WorkflowDefinition `json:"subworkflow,omitempty" yaml:"subworkflow,omitempty"`

	// Compensation runs during rollback, in reverse completion order.
	Compensation *TaskDefinition `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

// Timeout returns the per-attempt timeout, or zero when unset.
func (t *TaskDefinition) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// RetryPolicyOrDefault resolves the effective retry policy. Tasks without an
// explicit policy get a single attempt; the FailureRetry action opts into the
// engine defaults.
func (t *TaskDefinition) RetryPolicyOrDefault() RetryPolicy {
	if t.Retry != nil {
		return *t.Retry
	}
	if t.OnFailure == FailureRetry {
		return DefaultRetryPolicy()
	}
	return RetryPolicy{MaxAttempts: 1}
}

// WorkflowConfig is the run configuration of a definition.
type WorkflowConfig struct {
	// MaxParallelism bounds concurrent tasks within a batch. Zero means
	// the engine default.
	MaxParallelism int `json:"max_parallelism,omitempty" yaml:"max_parallelism,omitempty"`
	// TimeoutMs bounds the whole run. Zero means unbounded.
	TimeoutMs int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	// CheckpointIntervalMs adds time-based snapshots on top of batch
	// boundaries. Zero disables the timer.
	CheckpointIntervalMs int64 `json:"checkpoint_interval_ms,omitempty" yaml:"checkpoint_interval_ms,omitempty"`
	// RollbackEnabled permits Failed -> RolledBack via compensation tasks.
	RollbackEnabled bool `json:"rollback_enabled,omitempty" yaml:"rollback_enabled,omitempty"`
	// CancelGraceMs bounds the wait for in-flight tasks to acknowledge a
	// cooperative cancel. Zero means the engine default.
	CancelGraceMs int64 `json:"cancel_grace_ms,omitempty" yaml:"cancel_grace_ms,omitempty"`
}

// WorkflowDefinition is the immutable, versioned description of a workflow.
// Created once per version, validated before any instance exists, never
// mutated afterwards.
type WorkflowDefinition struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Version   int              `json:"version" yaml:"version"`
	Tasks     []TaskDefinition `json:"tasks" yaml:"tasks"`
	Variables map[string]any   `json:"variables,omitempty" yaml:"variables,omitempty"`
	Config    WorkflowConfig   `json:"config,omitempty" yaml:"config,omitempty"`

	validated bool
}

// ParseDefinition decodes a definition document. YAML and JSON are both
// accepted (JSON is a YAML subset). The result is validated; a definition
// that fails to parse or validate never reaches the DAG builder.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, NewError(ErrCodeParse, "malformed workflow definition").WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Task returns the task definition with the given id.
func (d *WorkflowDefinition) Task(id string) (*TaskDefinition, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// Validated reports whether Validate has succeeded on this definition.
func (d *WorkflowDefinition) Validated() bool {
	return d.validated
}

// Validate checks structural invariants: ids present and unique, known task
// types, per-type sections present, sane retry policies, no self-dependency.
// Dependency existence and acyclicity are the DAG builder's job.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return NewError(ErrCodeValidation, "definition id is required")
	}
	if d.Name == "" {
		return NewError(ErrCodeValidation, "definition name is required")
	}
	seen := make(map[string]struct{}, len(d.Tasks))
	for i := range d.Tasks {
		task := &d.Tasks[i]
		if task.ID == "" {
			return NewError(ErrCodeValidation, fmt.Sprintf("task at index %d has no id", i))
		}
		if _, dup := seen[task.ID]; dup {
			return NewError(ErrCodeValidation, fmt.Sprintf("duplicate task id %q", task.ID)).WithTask(task.ID)
		}
		seen[task.ID] = struct{}{}

		for _, dep := range task.DependsOn {
			if dep == task.ID {
				return NewError(ErrCodeCycleDetected, "task depends on itself").WithTask(task.ID)
			}
		}
		if err := task.validate(); err != nil {
			return err
		}
	}
	d.validated = true
	return nil
}

func (t *TaskDefinition) validate() error {
	switch t.Type {
	case TaskTypeCommand, TaskTypeHTTPCall, TaskTypeQuery, TaskTypeDeploy,
		TaskTypeScale, TaskTypeWait, TaskTypePlugin:
		// Handler-dispatched types; params are validated by the handler.
	case TaskTypeConditional:
		if t.Condition == nil || t.Condition.Expression == "" {
			return NewError(ErrCodeValidation, "conditional task requires a condition expression").WithTask(t.ID)
		}
	case TaskTypeLoop:
		if t.Loop == nil || t.Loop.Task == nil {
			return NewError(ErrCodeValidation, "loop task requires a loop template").WithTask(t.ID)
		}
		if t.Loop.ItemsVar == "" && len(t.Loop.Items) == 0 {
			return NewError(ErrCodeValidation, "loop task requires items or items_var").WithTask(t.ID)
		}
		if err := t.Loop.Task.validate(); err != nil {
			return err
		}
	case TaskTypeApproval:
		if t.Approval == nil {
			return NewError(ErrCodeValidation, "approval task requires an approval section").WithTask(t.ID)
		}
		if !t.Approval.AutoApprove && len(t.Approval.Approvers) == 0 {
			return NewError(ErrCodeValidation, "approval task requires approvers or auto_approve").WithTask(t.ID)
		}
	case TaskTypeSubworkflow:
		if t.Subworkflow == nil {
			return NewError(ErrCodeValidation, "subworkflow task requires a nested definition").WithTask(t.ID)
		}
		for i := range t.Subworkflow.Tasks {
			if t.Subworkflow.Tasks[i].Type == TaskTypeApproval {
				// Approval gates suspend the owning instance; a nested
				// definition has no instance of its own to suspend.
				return NewError(ErrCodeValidation, "subworkflow may not contain approval tasks").WithTask(t.ID)
			}
		}
		if err := t.Subworkflow.Validate(); err != nil {
			return err
		}
	default:
		return NewError(ErrCodeValidation, fmt.Sprintf("unknown task type %q", t.Type)).WithTask(t.ID)
	}

	switch t.OnFailure {
	case "", FailureFail, FailureContinue, FailureRetry, FailureRollback:
	default:
		return NewError(ErrCodeValidation, fmt.Sprintf("unknown failure action %q", t.OnFailure)).WithTask(t.ID)
	}

	if t.Retry != nil {
		if t.Retry.MaxAttempts < 1 {
			return NewError(ErrCodeValidation, "retry policy requires max_attempts >= 1").WithTask(t.ID)
		}
		if t.Retry.Multiplier != 0 && t.Retry.Multiplier < 1 {
			return NewError(ErrCodeValidation, "retry policy requires multiplier >= 1").WithTask(t.ID)
		}
	}

	if t.Compensation != nil {
		if t.Compensation.Type == TaskTypeApproval || t.Compensation.Type == TaskTypeSubworkflow {
			return NewError(ErrCodeValidation, "compensation must be a directly executable task").WithTask(t.ID)
		}
		if err := t.Compensation.validate(); err != nil {
			return err
		}
	}
	return nil
}
