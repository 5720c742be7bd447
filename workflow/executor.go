package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// defaultMaxParallelism bounds concurrent tasks in a batch when the
// definition leaves max_parallelism unset.
const defaultMaxParallelism = 4

// BatchResult reports the outcome of one batch to the orchestration loop.
type BatchResult struct {
	// PendingApprovals lists approval task ids that reached readiness.
	// Non-empty means the instance must suspend in WaitingApproval.
	PendingApprovals []string
	// FailedTask is set when a fatal failure (policy fail/rollback with
	// retries exhausted) must halt remaining batches.
	FailedTask string
	// ForceRollback is set when the failing task's action was rollback.
	ForceRollback bool
	// Err is the fatal failure, nil otherwise.
	Err error
	// ContinuedFailures lists tasks that failed under the continue policy.
	ContinuedFailures []string
	// Cancelled is set when the run context was cancelled mid-batch.
	Cancelled bool
}

// TaskExecutor executes one batch at a time: dispatch by task type, retry
// policy, conditional branch resolution, loop expansion, and output capture.
type TaskExecutor struct {
	registry *HandlerRegistry
	bus      *EventBus
	metrics  *Metrics
	logger   *zap.Logger

	// sleep is the backoff clock, injectable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTaskExecutor creates an executor. metrics may be nil.
func NewTaskExecutor(registry *HandlerRegistry, bus *EventBus, metrics *Metrics, logger *zap.Logger) *TaskExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskExecutor{
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "task_executor")),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteBatch runs one batch to full resolution: every member reaches a
// terminal per-task outcome, WaitingApproval, or the run is cancelled.
// Re-entry after a suspension is safe; already-terminal members are skipped.
func (e *TaskExecutor) ExecuteBatch(ctx context.Context, inst *WorkflowInstance, dag *DAG, batch []string) BatchResult {
	var res BatchResult
	maxPar := inst.Definition.Config.MaxParallelism
	if maxPar <= 0 {
		maxPar = defaultMaxParallelism
	}

	var runnable []*TaskDefinition
	for _, taskID := range batch {
		status := inst.taskStatus(taskID)
		if status.terminal() || status == TaskWaitingApproval {
			continue
		}
		task, ok := inst.Definition.Task(taskID)
		if !ok {
			res.Err = NewError(ErrCodeValidation, "task missing from definition").WithTask(taskID)
			res.FailedTask = taskID
			return res
		}

		if skip, failedDep := e.checkDependencies(inst, dag, taskID); skip {
			e.skipTask(inst, taskID, fmt.Sprintf("dependency %s did not complete", failedDep), SkipCascade)
			continue
		}

		switch task.Type {
		case TaskTypeConditional:
			// Conditionals are cheap and may mark later-batch tasks
			// Skipped; run them inline before the parallel fan-out.
			if err := e.runConditional(inst, task); err != nil {
				res.FailedTask = task.ID
				res.Err = err
				return res
			}
		case TaskTypeApproval:
			inst.updateTask(task.ID, func(ts *TaskState) {
				ts.Status = TaskWaitingApproval
				ts.StartedAt = time.Now()
			})
			res.PendingApprovals = append(res.PendingApprovals, task.ID)
		default:
			runnable = append(runnable, task)
		}
	}

	if len(runnable) == 0 {
		return res
	}

	sem := semaphore.NewWeighted(int64(maxPar))
	var wg sync.WaitGroup
	var mu sync.Mutex // guards result aggregation below

	for _, task := range runnable {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting for a slot; remaining tasks never start.
			e.failTask(inst, task.ID, NewError(ErrCodeCancelled, "cancelled before start").WithTask(task.ID))
			res.Cancelled = true
			continue
		}
		wg.Add(1)
		go func(task *TaskDefinition) {
			defer wg.Done()
			defer sem.Release(1)
			err := e.runTaskWithRetry(ctx, inst, task)
			if err == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, context.Canceled) || CodeOf(err) == ErrCodeCancelled {
				res.Cancelled = true
				return
			}
			switch effectiveFailureAction(task) {
			case FailureContinue:
				res.ContinuedFailures = append(res.ContinuedFailures, task.ID)
			case FailureRollback:
				if res.FailedTask == "" {
					res.FailedTask = task.ID
					res.Err = err
				}
				res.ForceRollback = true
			default: // fail
				if res.FailedTask == "" {
					res.FailedTask = task.ID
					res.Err = err
				}
			}
		}(task)
	}

	// The batch must fully resolve before the orchestrator may act on the
	// result, so in-flight siblings always finish (or acknowledge cancel).
	e.waitWithGrace(ctx, inst, &wg)
	return res
}

// waitWithGrace waits for in-flight tasks; once the run context is cancelled
// the wait is bounded by the configured grace period.
func (e *TaskExecutor) waitWithGrace(ctx context.Context, inst *WorkflowInstance, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	grace := time.Duration(inst.Definition.Config.CancelGraceMs) * time.Millisecond
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("grace period elapsed with tasks still in flight",
			zap.String("instance_id", inst.ID),
			zap.Duration("grace", grace),
		)
	}
}

// checkDependencies reports whether the task must be skipped because a
// dependency ended non-completed. Completed dependencies satisfy readiness,
// and so do dependencies skipped by an unselected conditional branch; failed
// dependencies and failure-cascade skips propagate the skip transitively.
func (e *TaskExecutor) checkDependencies(inst *WorkflowInstance, dag *DAG, taskID string) (skip bool, failedDep string) {
	for _, dep := range dag.Dependencies(taskID) {
		ts, ok := inst.TaskStateOf(dep)
		if !ok {
			return true, dep
		}
		switch ts.Status {
		case TaskCompleted:
		case TaskSkipped:
			if ts.SkipCause != SkipBranch {
				return true, dep
			}
		default:
			return true, dep
		}
	}
	return false, ""
}

func effectiveFailureAction(task *TaskDefinition) FailureAction {
	switch task.OnFailure {
	case FailureContinue:
		return FailureContinue
	case FailureRollback:
		return FailureRollback
	default:
		// Fail, Retry (exhausted) and the empty default all halt the run.
		return FailureFail
	}
}

// runTaskWithRetry drives the retry loop for one task. A retry resets the
// status to Running but preserves the attempt count and last error.
func (e *TaskExecutor) runTaskWithRetry(ctx context.Context, inst *WorkflowInstance, task *TaskDefinition) error {
	policy := task.RetryPolicyOrDefault()
	start := time.Now()

	inst.updateTask(task.ID, func(ts *TaskState) {
		ts.Status = TaskRunning
		ts.StartedAt = start
	})
	e.publish(Event{Type: EventTaskStarted, InstanceID: inst.ID, TaskID: task.ID})
	e.metrics.TaskStarted(string(task.Type))

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		inst.updateTask(task.ID, func(ts *TaskState) {
			ts.Status = TaskRunning
			ts.Attempts = attempt
		})

		out, err := e.runOnce(ctx, inst, task)
		if err == nil {
			inst.Context().CommitOutput(task.ID, out.Values)
			now := time.Now()
			inst.updateTask(task.ID, func(ts *TaskState) {
				ts.Status = TaskCompleted
				ts.Output = out.Values
				ts.Metrics = out.Metrics
				ts.CompletedAt = now
			})
			inst.markCompleted(task.ID)
			e.publish(Event{
				Type:       EventTaskCompleted,
				InstanceID: inst.ID,
				TaskID:     task.ID,
				Data:       map[string]any{"attempts": attempt},
			})
			e.metrics.TaskCompleted(string(task.Type), time.Since(start))
			return nil
		}

		lastErr = err
		inst.updateTask(task.ID, func(ts *TaskState) {
			ts.LastError = err.Error()
		})
		e.logger.Warn("task attempt failed",
			zap.String("instance_id", inst.ID),
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if ctx.Err() != nil || CodeOf(err) == ErrCodeCancelled {
			lastErr = NewError(ErrCodeCancelled, "task cancelled").WithTask(task.ID).WithCause(err)
			break
		}
		if attempt >= policy.MaxAttempts || !policy.Retryable(err) {
			break
		}
		e.metrics.TaskRetried(string(task.Type))
		if err := e.sleep(ctx, policy.Backoff(attempt)); err != nil {
			lastErr = NewError(ErrCodeCancelled, "cancelled during backoff").WithTask(task.ID).WithCause(err)
			break
		}
	}

	e.failTask(inst, task.ID, lastErr)
	e.metrics.TaskFailed(string(task.Type))
	if CodeOf(lastErr) == ErrCodeTaskExecutionFailed || CodeOf(lastErr) == ErrCodeCancelled {
		return lastErr
	}
	return NewTaskExecutionError(task.ID, "retries exhausted").WithCause(lastErr)
}

func (e *TaskExecutor) failTask(inst *WorkflowInstance, taskID string, err error) {
	now := time.Now()
	inst.updateTask(taskID, func(ts *TaskState) {
		ts.Status = TaskFailed
		ts.CompletedAt = now
		if err != nil {
			ts.LastError = err.Error()
		}
	})
	ev := Event{Type: EventTaskFailed, InstanceID: inst.ID, TaskID: taskID}
	if err != nil {
		ev.Error = err.Error()
	}
	e.publish(ev)
}

func (e *TaskExecutor) skipTask(inst *WorkflowInstance, taskID, reason string, cause SkipCause) {
	now := time.Now()
	inst.updateTask(taskID, func(ts *TaskState) {
		if ts.Status.terminal() {
			return
		}
		ts.Status = TaskSkipped
		ts.SkipCause = cause
		ts.CompletedAt = now
		ts.LastError = reason
	})
	e.publish(Event{
		Type:       EventTaskSkipped,
		InstanceID: inst.ID,
		TaskID:     taskID,
		Data:       map[string]any{"reason": reason},
	})
}

// runOnce executes a single attempt, honoring the per-attempt timeout.
func (e *TaskExecutor) runOnce(ctx context.Context, inst *WorkflowInstance, task *TaskDefinition) (Output, error) {
	if timeout := task.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out Output
	var err error
	switch task.Type {
	case TaskTypeLoop:
		out, err = e.runLoop(ctx, inst, task)
	case TaskTypeSubworkflow:
		out, err = e.runSubworkflow(ctx, inst, task)
	default:
		var handler TaskHandler
		handler, err = e.registry.Resolve(task.Type)
		if err == nil {
			out, err = handler.Execute(ctx, task, inst.Context())
		}
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return out, NewError(ErrCodeTaskTimeout,
			fmt.Sprintf("attempt exceeded %s", task.Timeout())).
			WithTask(task.ID).WithRetryable(true).WithCause(err)
	}
	return out, err
}

// runConditional evaluates the branch condition against the execution
// context, commits the decision as the task's output, and marks every task
// on the unselected branch Skipped so downstream completion checks never
// block on it.
func (e *TaskExecutor) runConditional(inst *WorkflowInstance, task *TaskDefinition) error {
	inst.updateTask(task.ID, func(ts *TaskState) {
		ts.Status = TaskRunning
		ts.Attempts = 1
		ts.StartedAt = time.Now()
	})
	e.publish(Event{Type: EventTaskStarted, InstanceID: inst.ID, TaskID: task.ID})

	result, err := evalCondition(task.Condition.Expression, inst.Context())
	if err != nil {
		wrapped := NewTaskExecutionError(task.ID, "condition evaluation failed").WithCause(err)
		e.failTask(inst, task.ID, wrapped)
		return wrapped
	}

	selected, unselected := task.Condition.OnTrue, task.Condition.OnFalse
	if !result {
		selected, unselected = unselected, selected
	}
	for _, skipID := range unselected {
		e.skipTask(inst, skipID, fmt.Sprintf("branch not selected by %s", task.ID), SkipBranch)
	}

	output := map[string]any{
		"condition_result": result,
		"selected":         selected,
	}
	inst.Context().CommitOutput(task.ID, output)
	now := time.Now()
	inst.updateTask(task.ID, func(ts *TaskState) {
		ts.Status = TaskCompleted
		ts.Output = output
		ts.CompletedAt = now
	})
	inst.markCompleted(task.ID)
	e.publish(Event{
		Type:       EventTaskCompleted,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Data:       map[string]any{"condition_result": result},
	})
	return nil
}

// runLoop instantiates the template once per item. Iterations run either
// sequentially or concurrently per configuration; outputs aggregate as an
// ordered collection indexed by iteration.
func (e *TaskExecutor) runLoop(ctx context.Context, inst *WorkflowInstance, task *TaskDefinition) (Output, error) {
	spec := task.Loop
	items := spec.Items
	if spec.ItemsVar != "" {
		raw, ok := inst.Context().Variable(spec.ItemsVar)
		if !ok {
			return Output{}, NewTaskExecutionError(task.ID,
				fmt.Sprintf("loop collection variable %q not set", spec.ItemsVar))
		}
		items, ok = raw.([]any)
		if !ok {
			return Output{}, NewTaskExecutionError(task.ID,
				fmt.Sprintf("loop collection variable %q is not a list", spec.ItemsVar))
		}
	}
	if spec.MaxIterations > 0 && len(items) > spec.MaxIterations {
		items = items[:spec.MaxIterations]
	}

	results := make([]any, len(items))
	runItem := func(ctx context.Context, i int) error {
		iter := *spec.Task
		iter.ID = task.ID + "[" + strconv.Itoa(i) + "]"
		params := make(map[string]any, len(spec.Task.Params)+2)
		for k, v := range spec.Task.Params {
			params[k] = v
		}
		params["item"] = items[i]
		params["iteration"] = i
		iter.Params = params

		handler, err := e.registry.Resolve(iter.Type)
		if err != nil {
			return err
		}
		out, err := handler.Execute(ctx, &iter, inst.Context())
		if err != nil {
			return NewTaskExecutionError(task.ID,
				fmt.Sprintf("iteration %d failed", i)).WithCause(err).WithRetryable(IsRetryable(err))
		}
		results[i] = out.Values
		return nil
	}

	if spec.Parallel {
		maxPar := inst.Definition.Config.MaxParallelism
		if maxPar <= 0 {
			maxPar = defaultMaxParallelism
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxPar)
		for i := range items {
			g.Go(func() error { return runItem(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return Output{}, err
		}
	} else {
		for i := range items {
			if err := ctx.Err(); err != nil {
				return Output{}, NewError(ErrCodeCancelled, "loop cancelled").WithTask(task.ID).WithCause(err)
			}
			if err := runItem(ctx, i); err != nil {
				return Output{}, err
			}
		}
	}

	return Output{
		Values: map[string]any{
			"results":    results,
			"iterations": len(items),
		},
	}, nil
}

// runSubworkflow executes a nested definition synchronously with its own
// plan and context, committing the child's outputs under the parent task id.
func (e *TaskExecutor) runSubworkflow(ctx context.Context, inst *WorkflowInstance, task *TaskDefinition) (Output, error) {
	subDef := task.Subworkflow
	subDAG, err := BuildDAG(subDef, e.logger)
	if err != nil {
		return Output{}, NewTaskExecutionError(task.ID, "subworkflow plan failed").WithCause(err)
	}

	params := make(map[string]any, len(task.Params))
	for k, v := range task.Params {
		params[k] = v
	}
	child := NewInstance(subDef, params, inst.CreatedBy)
	// The child lifecycle is internal to the parent task; walk it through
	// the same state machine so audit history stays coherent.
	for _, s := range []State{StateValidated, StatePending, StateRunning} {
		if err := child.sm.Transition(s, "subworkflow of "+inst.ID); err != nil {
			return Output{}, NewTaskExecutionError(task.ID, "subworkflow lifecycle error").WithCause(err)
		}
	}

	for _, batch := range subDAG.Batches {
		res := e.ExecuteBatch(ctx, child, subDAG, batch)
		if res.Cancelled {
			return Output{}, NewError(ErrCodeCancelled, "subworkflow cancelled").WithTask(task.ID)
		}
		if res.Err != nil {
			return Output{}, NewTaskExecutionError(task.ID,
				fmt.Sprintf("subworkflow task %s failed", res.FailedTask)).WithCause(res.Err)
		}
	}

	_, outputs := child.Context().Snapshot()
	values := make(map[string]any, len(outputs))
	for id, out := range outputs {
		values[id] = out
	}
	return Output{Values: values}, nil
}

func (e *TaskExecutor) publish(ev Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// evalCondition evaluates a small boolean expression against the execution
// context. Supported forms: "ref", "ref == literal", "ref != literal" and
// numeric comparisons with <, <=, >, >=. References resolve variables or
// dotted task outputs ("deploy.exit_code").
func evalCondition(expr string, ec *ExecutionContext) (bool, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 1:
		v, ok := ec.Lookup(fields[0])
		if !ok {
			return false, nil
		}
		return truthy(v), nil
	case 3:
		lhs, _ := ec.Lookup(fields[0])
		rhs := parseLiteral(fields[2], ec)
		return compare(lhs, fields[1], rhs)
	default:
		return false, fmt.Errorf("unsupported condition expression %q", expr)
	}
}

func parseLiteral(raw string, ec *ExecutionContext) any {
	if unq := strings.Trim(raw, `"'`); unq != raw {
		return unq
	}
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	// Bare identifiers on the right-hand side resolve like the left.
	if v, ok := ec.Lookup(raw); ok {
		return v
	}
	return raw
}

func compare(lhs any, op string, rhs any) (bool, error) {
	lf, lok := toFloat(lhs)
	rf, rok := toFloat(rhs)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, rs := fmt.Sprintf("%v", lhs), fmt.Sprintf("%v", rhs)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	}
	return false, fmt.Errorf("operator %q requires numeric operands", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}
