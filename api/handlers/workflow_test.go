package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsflow/opsflow/api"
	"github.com/opsflow/opsflow/internal/pool"
	"github.com/opsflow/opsflow/storage"
	"github.com/opsflow/opsflow/workflow"
)

// The production wiring hands the handlers a *pool.WorkerPool.
var _ Runner = (*pool.WorkerPool)(nil)

type apiFixture struct {
	mux   *http.ServeMux
	orch  *workflow.Orchestrator
	store *storage.GormStore
	runs  *pool.WorkerPool
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()

	bus := workflow.NewEventBus(logger)
	registry := workflow.NewHandlerRegistry()
	registry.Register(workflow.TaskTypeQuery, workflow.HandlerFunc(
		func(ctx context.Context, task *workflow.TaskDefinition, ec *workflow.ExecutionContext) (workflow.Output, error) {
			return workflow.Output{Values: map[string]any{"rows": 1}}, nil
		}))

	executor := workflow.NewTaskExecutor(registry, bus, nil, logger)
	checkpoints := workflow.NewCheckpointManager(workflow.NewMemoryCheckpointStore(), nil, logger)
	approvals := workflow.NewApprovalGateController(workflow.NopNotifier{}, bus, nil, logger)
	orch := workflow.NewOrchestrator(executor, checkpoints, approvals, bus, nil, logger)

	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	store, err := storage.NewGormStore(db)
	require.NoError(t, err)

	runs := pool.New(pool.Config{MaxWorkers: 4, QueueSize: 16})
	t.Cleanup(runs.Close)

	wf := NewWorkflowHandler(orch, store, runs, logger)
	defs := NewDefinitionHandler(store, logger)
	apr := NewApprovalHandler(orch, logger)
	stream := NewStreamHandler(orch, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workflows", wf.HandleCreate)
	mux.HandleFunc("GET /v1/workflows", wf.HandleList)
	mux.HandleFunc("GET /v1/workflows/{id}", wf.HandleGet)
	mux.HandleFunc("POST /v1/workflows/{id}/start", wf.HandleStart)
	mux.HandleFunc("POST /v1/workflows/{id}/pause", wf.HandlePause)
	mux.HandleFunc("POST /v1/workflows/{id}/resume", wf.HandleResume)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", wf.HandleCancel)
	mux.HandleFunc("GET /v1/workflows/{id}/events", wf.HandleEvents)
	mux.HandleFunc("GET /v1/workflows/{id}/stream", stream.HandleStream)
	mux.HandleFunc("GET /v1/workflows/{id}/approvals", apr.HandleList)
	mux.HandleFunc("POST /v1/approvals/resolve", apr.HandleResolve)
	mux.HandleFunc("POST /v1/definitions", defs.HandleRegister)
	mux.HandleFunc("GET /v1/definitions", defs.HandleList)
	mux.HandleFunc("GET /v1/definitions/{id}", defs.HandleGet)

	return &apiFixture{mux: mux, orch: orch, store: store, runs: runs}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *ErrorInfo      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.True(t, envelope.Success, "expected success envelope, got error: %+v", envelope.Error)
	var out T
	require.NoError(t, json.Unmarshal(envelope.Data, &out))
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *ErrorInfo {
	t.Helper()
	var envelope struct {
		Success bool       `json:"success"`
		Error   *ErrorInfo `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.False(t, envelope.Success)
	require.NotNil(t, envelope.Error)
	return envelope.Error
}

const pipelineDefinition = `
id: nightly-report
name: Nightly Report
version: 1
tasks:
  - id: extract
    type: query
    params:
      sql: SELECT 1
  - id: transform
    type: query
    depends_on: [extract]
    params:
      sql: SELECT 2
`

func TestWorkflowAPI_CreateAndGet(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{
		Definition: pipelineDefinition,
		CreatedBy:  "ops",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decodeData[api.WorkflowInfo](t, w)
	assert.Equal(t, workflow.StatePending, created.State)
	assert.Equal(t, "nightly-report", created.DefinitionID)
	assert.Len(t, created.Tasks, 2)

	w = f.do(t, http.MethodGet, "/v1/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeData[api.WorkflowInfo](t, w)
	assert.Equal(t, created.ID, got.ID)
}

func TestWorkflowAPI_CreateRejectsCycle(t *testing.T) {
	f := newAPIFixture(t)

	cyclic := `
id: broken
name: Broken
tasks:
  - id: a
    type: query
    depends_on: [b]
    params: {sql: "x"}
  - id: b
    type: query
    depends_on: [a]
    params: {sql: "y"}
`
	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{Definition: cyclic})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(workflow.ErrCodeCycleDetected), decodeError(t, w).Code)
}

func TestWorkflowAPI_CreateRequiresDefinition(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(workflow.ErrCodeValidation), decodeError(t, w).Code)
}

func TestWorkflowAPI_StartRunsToCompletion(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{Definition: pipelineDefinition})
	created := decodeData[api.WorkflowInfo](t, w)

	w = f.do(t, http.MethodPost, "/v1/workflows/"+created.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		snap, err := f.orch.Status(created.ID)
		return err == nil && snap.State == workflow.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Event history is served after the run.
	w = f.do(t, http.MethodGet, "/v1/workflows/"+created.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeData[[]workflow.Event](t, w)
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, workflow.EventWorkflowCompleted, events[len(events)-1].Type)
}

func TestWorkflowAPI_CreateWithStartFlag(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{
		Definition: pipelineDefinition,
		Start:      true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	created := decodeData[api.WorkflowInfo](t, w)

	require.Eventually(t, func() bool {
		snap, err := f.orch.Status(created.ID)
		return err == nil && snap.State == workflow.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkflowAPI_StartUnknownInstance(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/workflows/no-such-id/start", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(workflow.ErrCodeInstanceNotFound), decodeError(t, w).Code)
}

func TestWorkflowAPI_StartRejectsNonPending(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{Definition: pipelineDefinition})
	created := decodeData[api.WorkflowInfo](t, w)
	require.NoError(t, f.orch.Start(context.Background(), created.ID))

	w = f.do(t, http.MethodPost, "/v1/workflows/"+created.ID+"/start", nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkflowAPI_CancelPendingRejected(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{Definition: pipelineDefinition})
	created := decodeData[api.WorkflowInfo](t, w)

	w = f.do(t, http.MethodPost, "/v1/workflows/"+created.ID+"/cancel",
		api.CancelWorkflowRequest{Reason: "abort"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkflowAPI_ListFilters(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		creator := "alice"
		if i == 2 {
			creator = "bob"
		}
		w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{
			Definition: pipelineDefinition,
			CreatedBy:  creator,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := f.do(t, http.MethodGet, "/v1/workflows?created_by=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]api.WorkflowInfo](t, w), 2)

	w = f.do(t, http.MethodGet, "/v1/workflows?state="+string(workflow.StateRunning), nil)
	assert.Empty(t, decodeData[[]api.WorkflowInfo](t, w))
}

const gatedDefinition = `
id: gated-deploy
name: Gated Deploy
version: 1
tasks:
  - id: stage
    type: query
    params:
      sql: SELECT 1
  - id: gate
    type: approval
    depends_on: [stage]
    approval:
      approvers: [oncall]
      timeout_ms: 60000
  - id: apply
    type: query
    depends_on: [gate]
    params:
      sql: SELECT 2
`

func TestWorkflowAPI_ApprovalFlow(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{
		Definition: gatedDefinition,
		Start:      true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	created := decodeData[api.WorkflowInfo](t, w)

	require.Eventually(t, func() bool {
		snap, err := f.orch.Status(created.ID)
		return err == nil && snap.State == workflow.StateWaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	w = f.do(t, http.MethodGet, "/v1/workflows/"+created.ID+"/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decodeData[[]workflow.ApprovalRequest](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, "gate", pending[0].TaskID)

	w = f.do(t, http.MethodPost, "/v1/approvals/resolve", api.ApprovalDecisionRequest{
		RequestID: pending[0].ID,
		Approved:  true,
		Resolver:  "oncall",
		Reason:    "change window open",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		snap, err := f.orch.Status(created.ID)
		return err == nil && snap.State == workflow.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// A second decision on the same gate conflicts.
	w = f.do(t, http.MethodPost, "/v1/approvals/resolve", api.ApprovalDecisionRequest{
		RequestID: pending[0].ID,
		Approved:  false,
		Resolver:  "late",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkflowAPI_ResolveRequiresFields(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/approvals/resolve", api.ApprovalDecisionRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDefinitionAPI_RegisterAndLoad(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/definitions", api.RegisterDefinitionRequest{
		Source: pipelineDefinition,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	info := decodeData[api.DefinitionInfo](t, w)
	assert.Equal(t, "nightly-report", info.ID)
	assert.Equal(t, 2, info.TaskCount)

	// Create from the registry instead of an inline document.
	w = f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{
		DefinitionID: "nightly-report",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/definitions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]api.DefinitionInfo](t, w), 1)

	w = f.do(t, http.MethodGet, "/v1/definitions/nightly-report?version=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDefinitionAPI_RegisterRejectsInvalid(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name   string
		source string
	}{
		{"empty source", ""},
		{"malformed document", "tasks: [not"},
		{"unknown dependency", `
id: bad
name: Bad
tasks:
  - id: a
    type: query
    depends_on: [ghost]
    params: {sql: "x"}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/definitions", api.RegisterDefinitionRequest{Source: tc.source})
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestDefinitionAPI_GetMissing(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/v1/definitions/nope", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(workflow.ErrCodeStorage), decodeError(t, w).Code)
}

func TestWorkflowAPI_PauseResume(t *testing.T) {
	f := newAPIFixture(t)

	// A longer chain so the pause request lands before completion.
	var tasks string
	for i := 0; i < 5; i++ {
		dep := ""
		if i > 0 {
			dep = fmt.Sprintf("\n    depends_on: [t%d]", i-1)
		}
		tasks += fmt.Sprintf("\n  - id: t%d\n    type: query%s\n    params: {sql: \"x\"}", i, dep)
	}
	def := "id: chained\nname: Chained\ntasks:" + tasks

	w := f.do(t, http.MethodPost, "/v1/workflows", api.CreateWorkflowRequest{Definition: def})
	created := decodeData[api.WorkflowInfo](t, w)

	// Pause before the run starts is a conflict.
	w = f.do(t, http.MethodPost, "/v1/workflows/"+created.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Resume on a pending instance is a conflict too.
	w = f.do(t, http.MethodPost, "/v1/workflows/"+created.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
