package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyHandler fails a fixed number of times before succeeding.
type flakyHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
	output   map[string]any
}

func (h *flakyHandler) Execute(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return Output{}, NewTaskExecutionError(task.ID, "transient failure").WithRetryable(true)
	}
	out := h.output
	if out == nil {
		out = map[string]any{"ok": true}
	}
	return Output{Values: out}, nil
}

func (h *flakyHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestExecutor(t *testing.T) (*TaskExecutor, *HandlerRegistry, *[]time.Duration) {
	t.Helper()
	registry := NewHandlerRegistry()
	exec := NewTaskExecutor(registry, NewEventBus(nil), nil, nil)
	var slept []time.Duration
	var mu sync.Mutex
	exec.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}
	return exec, registry, &slept
}

func buildInstance(t *testing.T, def *WorkflowDefinition, params map[string]any) (*WorkflowInstance, *DAG) {
	t.Helper()
	require.NoError(t, def.Validate())
	dag, err := BuildDAG(def, nil)
	require.NoError(t, err)
	return NewInstance(def, params, "tester"), dag
}

func TestExecuteBatch_RetrySucceedsOnThirdAttempt(t *testing.T) {
	exec, registry, slept := newTestExecutor(t)
	handler := &flakyHandler{failures: 2}
	registry.Register(TaskTypeQuery, handler)

	def := defWithTasks(TaskDefinition{
		ID: "fetch", Type: TaskTypeQuery,
		Retry: func() *RetryPolicy { p := DefaultRetryPolicy(); return &p }(),
	})
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.NoError(t, res.Err)
	assert.Empty(t, res.FailedTask)

	// Two failures then success: three attempts, backoff 1s then 2s.
	assert.Equal(t, 3, handler.callCount())
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, *slept)

	ts, ok := inst.TaskStateOf("fetch")
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, ts.Status)
	assert.Equal(t, 3, ts.Attempts)

	out, ok := inst.Context().Output("fetch")
	require.True(t, ok)
	assert.Equal(t, true, out["ok"])
}

func TestExecuteBatch_RetryExhaustionFailsTask(t *testing.T) {
	exec, registry, slept := newTestExecutor(t)
	handler := &flakyHandler{failures: 99}
	registry.Register(TaskTypeQuery, handler)

	def := defWithTasks(TaskDefinition{
		ID: "fetch", Type: TaskTypeQuery,
		Retry: func() *RetryPolicy { p := DefaultRetryPolicy(); return &p }(),
	})
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.Error(t, res.Err)
	assert.Equal(t, "fetch", res.FailedTask)
	assert.Equal(t, 3, handler.callCount())
	assert.Len(t, *slept, 2)

	ts, _ := inst.TaskStateOf("fetch")
	assert.Equal(t, TaskFailed, ts.Status)
	assert.Equal(t, 3, ts.Attempts)
	assert.NotEmpty(t, ts.LastError)

	// Failed tasks never commit output.
	_, ok := inst.Context().Output("fetch")
	assert.False(t, ok)
}

func TestExecuteBatch_NonRetryableErrorFailsFast(t *testing.T) {
	exec, registry, slept := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		return Output{}, NewTaskExecutionError(task.ID, "bad request").WithRetryable(false)
	}))

	def := defWithTasks(TaskDefinition{
		ID: "fetch", Type: TaskTypeQuery,
		Retry: func() *RetryPolicy { p := DefaultRetryPolicy(); return &p }(),
	})
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.Error(t, res.Err)
	assert.Empty(t, *slept)
	ts, _ := inst.TaskStateOf("fetch")
	assert.Equal(t, 1, ts.Attempts)
}

func TestExecuteBatch_ContinuePolicyRecordsFailure(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		if task.ID == "optional" {
			return Output{}, NewTaskExecutionError(task.ID, "nope")
		}
		return Output{Values: map[string]any{"done": true}}, nil
	}))

	def := defWithTasks(
		TaskDefinition{ID: "optional", Type: TaskTypeQuery, OnFailure: FailureContinue},
		TaskDefinition{ID: "required", Type: TaskTypeQuery},
	)
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.NoError(t, res.Err)
	assert.Empty(t, res.FailedTask)
	assert.Equal(t, []string{"optional"}, res.ContinuedFailures)

	optional, _ := inst.TaskStateOf("optional")
	required, _ := inst.TaskStateOf("required")
	assert.Equal(t, TaskFailed, optional.Status)
	assert.Equal(t, TaskCompleted, required.Status)
}

func TestExecuteBatch_FailedDependencyCascadesSkip(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		return Output{}, NewTaskExecutionError(task.ID, "down")
	}))

	def := defWithTasks(
		TaskDefinition{ID: "first", Type: TaskTypeQuery, OnFailure: FailureContinue},
		TaskDefinition{ID: "second", Type: TaskTypeQuery, DependsOn: []string{"first"}},
	)
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.NoError(t, res.Err)
	res = exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[1])
	require.NoError(t, res.Err)

	second, _ := inst.TaskStateOf("second")
	assert.Equal(t, TaskSkipped, second.Status)
	assert.Contains(t, second.LastError, "first")
}

func TestExecuteBatch_CascadeSkipPropagatesTransitively(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	var ran sync.Map
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		ran.Store(task.ID, true)
		if task.ID == "first" {
			return Output{}, NewTaskExecutionError(task.ID, "down")
		}
		return Output{Values: map[string]any{}}, nil
	}))

	def := defWithTasks(
		TaskDefinition{ID: "first", Type: TaskTypeQuery, OnFailure: FailureContinue},
		TaskDefinition{ID: "second", Type: TaskTypeQuery, DependsOn: []string{"first"}},
		TaskDefinition{ID: "third", Type: TaskTypeQuery, DependsOn: []string{"second"}},
	)
	inst, dag := buildInstance(t, def, nil)

	for _, batch := range dag.Batches {
		res := exec.ExecuteBatch(context.Background(), inst, dag, batch)
		require.NoError(t, res.Err)
	}

	// A failure-cascade skip is itself a non-completed dependency, so the
	// skip rolls all the way down the chain.
	second, _ := inst.TaskStateOf("second")
	assert.Equal(t, TaskSkipped, second.Status)
	assert.Equal(t, SkipCascade, second.SkipCause)
	third, _ := inst.TaskStateOf("third")
	assert.Equal(t, TaskSkipped, third.Status)
	assert.Equal(t, SkipCascade, third.SkipCause)
	_, thirdRan := ran.Load("third")
	assert.False(t, thirdRan)
}

func TestExecuteBatch_ConditionalSkipsUnselectedBranch(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	var ran sync.Map
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		ran.Store(task.ID, true)
		return Output{Values: map[string]any{}}, nil
	}))

	def := defWithTasks(
		TaskDefinition{
			ID: "gate", Type: TaskTypeConditional,
			Condition: &Condition{
				Expression: "env == production",
				OnTrue:     []string{"prod-deploy"},
				OnFalse:    []string{"staging-deploy"},
			},
		},
		TaskDefinition{ID: "prod-deploy", Type: TaskTypeQuery, DependsOn: []string{"gate"}},
		TaskDefinition{ID: "staging-deploy", Type: TaskTypeQuery, DependsOn: []string{"gate"}},
		TaskDefinition{ID: "verify", Type: TaskTypeQuery, DependsOn: []string{"prod-deploy", "staging-deploy"}},
	)
	inst, dag := buildInstance(t, def, map[string]any{"env": "staging"})

	for _, batch := range dag.Batches {
		res := exec.ExecuteBatch(context.Background(), inst, dag, batch)
		require.NoError(t, res.Err)
	}

	gate, _ := inst.TaskStateOf("gate")
	assert.Equal(t, TaskCompleted, gate.Status)
	assert.Equal(t, false, gate.Output["condition_result"])

	prod, _ := inst.TaskStateOf("prod-deploy")
	staging, _ := inst.TaskStateOf("staging-deploy")
	assert.Equal(t, TaskSkipped, prod.Status)
	assert.Equal(t, SkipBranch, prod.SkipCause)
	assert.Equal(t, TaskCompleted, staging.Status)
	_, prodRan := ran.Load("prod-deploy")
	assert.False(t, prodRan)

	// A branch skip satisfies readiness: verify runs despite depending on
	// the unselected branch.
	verify, _ := inst.TaskStateOf("verify")
	assert.Equal(t, TaskCompleted, verify.Status)
}

func TestExecuteBatch_ConditionalNumericComparison(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, _ *TaskDefinition, _ *ExecutionContext) (Output, error) {
		return Output{Values: map[string]any{"exit_code": 0}}, nil
	}))

	def := defWithTasks(
		TaskDefinition{ID: "check", Type: TaskTypeQuery},
		TaskDefinition{
			ID: "gate", Type: TaskTypeConditional, DependsOn: []string{"check"},
			Condition: &Condition{Expression: "check.exit_code == 0", OnFalse: []string{"alert"}},
		},
		TaskDefinition{ID: "alert", Type: TaskTypeQuery, DependsOn: []string{"gate"}},
	)
	inst, dag := buildInstance(t, def, nil)

	for _, batch := range dag.Batches {
		res := exec.ExecuteBatch(context.Background(), inst, dag, batch)
		require.NoError(t, res.Err)
	}
	gate, _ := inst.TaskStateOf("gate")
	assert.Equal(t, true, gate.Output["condition_result"])

	// alert sits on the false branch only, so a true outcome skips it.
	alert, _ := inst.TaskStateOf("alert")
	assert.Equal(t, TaskSkipped, alert.Status)
}

func TestExecuteBatch_SequentialLoopAggregatesInOrder(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		return Output{Values: map[string]any{"item": task.Params["item"]}}, nil
	}))

	def := defWithTasks(TaskDefinition{
		ID: "fanout", Type: TaskTypeLoop,
		Loop: &LoopSpec{
			Items: []any{"a", "b", "c"},
			Task:  &TaskDefinition{ID: "each", Type: TaskTypeQuery},
		},
	})
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.NoError(t, res.Err)

	out, ok := inst.Context().Output("fanout")
	require.True(t, ok)
	assert.Equal(t, 3, out["iterations"])
	results, ok := out["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 3)
	for i, want := range []string{"a", "b", "c"} {
		got, ok := results[i].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, want, got["item"])
	}
}

func TestExecuteBatch_ParallelLoopBoundedAndOrdered(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	var inFlight, peak int64
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return Output{Values: map[string]any{"i": task.Params["iteration"]}}, nil
	}))

	def := defWithTasks(TaskDefinition{
		ID: "fanout", Type: TaskTypeLoop,
		Loop: &LoopSpec{
			Items:    []any{0, 1, 2, 3, 4, 5},
			Parallel: true,
			Task:     &TaskDefinition{ID: "each", Type: TaskTypeQuery},
		},
	})
	def.Config.MaxParallelism = 2
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.NoError(t, res.Err)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))

	out, _ := inst.Context().Output("fanout")
	results := out["results"].([]any)
	require.Len(t, results, 6)
	for i := range results {
		got := results[i].(map[string]any)
		assert.Equal(t, i, got["i"])
	}
}

func TestExecuteBatch_LoopMaxIterationsTruncates(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		return Output{Values: map[string]any{}}, nil
	}))

	def := defWithTasks(TaskDefinition{
		ID: "fanout", Type: TaskTypeLoop,
		Loop: &LoopSpec{
			Items:         []any{1, 2, 3, 4, 5},
			MaxIterations: 2,
			Task:          &TaskDefinition{ID: "each", Type: TaskTypeQuery},
		},
	})
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.NoError(t, res.Err)
	out, _ := inst.Context().Output("fanout")
	assert.Equal(t, 2, out["iterations"])
}

func TestExecuteBatch_ApprovalSuspends(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	def := defWithTasks(TaskDefinition{
		ID: "gate", Type: TaskTypeApproval,
		Approval: &ApprovalSpec{Approvers: []string{"ops"}},
	})
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"gate"}, res.PendingApprovals)

	ts, _ := inst.TaskStateOf("gate")
	assert.Equal(t, TaskWaitingApproval, ts.Status)

	// Re-entry skips the suspended gate instead of re-opening it.
	res = exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	assert.Empty(t, res.PendingApprovals)
}

func TestExecuteBatch_TaskTimeoutIsRetryable(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(ctx context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		select {
		case <-time.After(time.Second):
			return Output{Values: map[string]any{}}, nil
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}))

	def := defWithTasks(TaskDefinition{ID: "slow", Type: TaskTypeQuery, TimeoutMs: 10})
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.Error(t, res.Err)
	ts, _ := inst.TaskStateOf("slow")
	assert.Equal(t, TaskFailed, ts.Status)
	assert.Contains(t, ts.LastError, "TASK_TIMEOUT")
}

func TestExecuteBatch_Subworkflow(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(_ context.Context, task *TaskDefinition, _ *ExecutionContext) (Output, error) {
		return Output{Values: map[string]any{"from": task.ID}}, nil
	}))

	def := defWithTasks(TaskDefinition{
		ID: "nested", Type: TaskTypeSubworkflow,
		Subworkflow: &WorkflowDefinition{
			ID: "sub", Name: "sub",
			Tasks: []TaskDefinition{
				{ID: "inner-a", Type: TaskTypeQuery},
				{ID: "inner-b", Type: TaskTypeQuery, DependsOn: []string{"inner-a"}},
			},
		},
	})
	inst, dag := buildInstance(t, def, nil)

	res := exec.ExecuteBatch(context.Background(), inst, dag, dag.Batches[0])
	require.NoError(t, res.Err)

	out, ok := inst.Context().Output("nested")
	require.True(t, ok)
	innerA, ok := out["inner-a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "inner-a", innerA["from"])
	assert.Contains(t, out, "inner-b")
}

func TestExecuteBatch_CancelledContext(t *testing.T) {
	exec, registry, _ := newTestExecutor(t)
	registry.Register(TaskTypeQuery, HandlerFunc(func(ctx context.Context, _ *TaskDefinition, _ *ExecutionContext) (Output, error) {
		<-ctx.Done()
		return Output{}, NewError(ErrCodeCancelled, "interrupted").WithCause(ctx.Err())
	}))

	def := defWithTasks(TaskDefinition{ID: "hang", Type: TaskTypeQuery})
	def.Config.CancelGraceMs = 200
	inst, dag := buildInstance(t, def, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := exec.ExecuteBatch(ctx, inst, dag, dag.Batches[0])
	assert.True(t, res.Cancelled)
}
