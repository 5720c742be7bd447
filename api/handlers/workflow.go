package handlers

import (
	"context"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/opsflow/opsflow/api"
	"github.com/opsflow/opsflow/workflow"
)

// DefinitionStore is the registry the workflow handler resolves definitions
// from. storage.GormStore satisfies it.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *workflow.WorkflowDefinition, source []byte) error
	LoadDefinition(ctx context.Context, definitionID string, version int) (*workflow.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*workflow.WorkflowDefinition, error)
}

// Runner executes workflow runs off the request goroutine.
type Runner interface {
	Submit(ctx context.Context, task func(ctx context.Context) error) error
}

// WorkflowHandler serves the workflow lifecycle endpoints.
type WorkflowHandler struct {
	orch   *workflow.Orchestrator
	defs   DefinitionStore
	runner Runner
	logger *zap.Logger
}

// NewWorkflowHandler creates the handler. defs may be nil when only inline
// definitions are used.
func NewWorkflowHandler(orch *workflow.Orchestrator, defs DefinitionStore, runner Runner, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		orch:   orch,
		defs:   defs,
		runner: runner,
		logger: logger,
	}
}

// HandleCreate creates an instance from an inline document or a registered
// definition. POST /v1/workflows
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateWorkflowRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	def, err := h.resolveDefinition(r.Context(), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	inst, err := h.orch.Create(def, req.Parameters, req.CreatedBy)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if req.Start {
		if err := h.startAsync(inst.ID); err != nil {
			WriteError(w, err, h.logger)
			return
		}
		WriteAccepted(w, toWorkflowInfo(inst.Snapshot()))
		return
	}
	WriteSuccess(w, toWorkflowInfo(inst.Snapshot()))
}

// HandleStart queues a pending instance for execution.
// POST /v1/workflows/{id}/start
func (h *WorkflowHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := h.orch.Status(id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if snap.State != workflow.StatePending {
		WriteError(w, workflow.NewTransitionError(snap.State, workflow.StateRunning), h.logger)
		return
	}
	if err := h.startAsync(id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteAccepted(w, map[string]string{"id": id, "state": string(workflow.StateRunning)})
}

// HandlePause requests a pause at the next batch boundary.
// POST /v1/workflows/{id}/pause
func (h *WorkflowHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orch.Pause(id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteAccepted(w, map[string]string{"id": id})
}

// HandleResume resumes a paused instance. POST /v1/workflows/{id}/resume
func (h *WorkflowHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := h.orch.Status(id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if snap.State != workflow.StatePaused {
		WriteError(w, workflow.NewTransitionError(snap.State, workflow.StateRunning), h.logger)
		return
	}
	err = h.runner.Submit(context.Background(), func(ctx context.Context) error {
		if err := h.orch.Resume(ctx, id); err != nil {
			h.logger.Warn("workflow run finished with error",
				zap.String("instance_id", id),
				zap.Error(err),
			)
		}
		return nil
	})
	if err != nil {
		WriteError(w, workflow.NewError(workflow.ErrCodeStorage, "run queue full").WithCause(err), h.logger)
		return
	}
	WriteAccepted(w, map[string]string{"id": id})
}

// HandleCancel cancels a running or suspended instance.
// POST /v1/workflows/{id}/cancel
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req api.CancelWorkflowRequest
	if r.ContentLength > 0 {
		if err := DecodeJSONBody(w, r, &req); err != nil {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	if err := h.orch.Cancel(id, req.Reason); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteAccepted(w, map[string]string{"id": id})
}

// HandleGet returns the instance status. GET /v1/workflows/{id}
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Status(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, toWorkflowInfo(snap))
}

// HandleList lists instances, newest first. Supports state, definition_id
// and created_by query filters. GET /v1/workflows
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.ListFilter{
		State:        workflow.State(q.Get("state")),
		DefinitionID: q.Get("definition_id"),
		CreatedBy:    q.Get("created_by"),
	}
	snaps := h.orch.List(filter)
	out := make([]api.WorkflowInfo, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toWorkflowInfo(snap))
	}
	WriteSuccess(w, out)
}

// HandleEvents returns the full retained event history.
// GET /v1/workflows/{id}/events
func (h *WorkflowHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.orch.Events(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, events)
}

func (h *WorkflowHandler) startAsync(instanceID string) error {
	err := h.runner.Submit(context.Background(), func(ctx context.Context) error {
		if err := h.orch.Start(ctx, instanceID); err != nil {
			h.logger.Warn("workflow run finished with error",
				zap.String("instance_id", instanceID),
				zap.Error(err),
			)
		}
		return nil
	})
	if err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "run queue full").WithCause(err)
	}
	return nil
}

func (h *WorkflowHandler) resolveDefinition(ctx context.Context, req *api.CreateWorkflowRequest) (*workflow.WorkflowDefinition, error) {
	switch {
	case req.Definition != "":
		return workflow.ParseDefinition([]byte(req.Definition))
	case req.DefinitionID != "":
		if h.defs == nil {
			return nil, workflow.NewError(workflow.ErrCodeValidation, "definition registry not configured")
		}
		return h.defs.LoadDefinition(ctx, req.DefinitionID, req.Version)
	default:
		return nil, workflow.NewError(workflow.ErrCodeValidation, "definition or definition_id is required")
	}
}

func toWorkflowInfo(snap workflow.InstanceSnapshot) api.WorkflowInfo {
	tasks := make([]api.TaskInfo, 0, len(snap.Tasks))
	for _, ts := range snap.Tasks {
		tasks = append(tasks, api.TaskInfo{
			ID:        ts.TaskID,
			Status:    ts.Status,
			Attempts:  ts.Attempts,
			Error:     ts.LastError,
			StartedAt: ts.StartedAt,
			EndedAt:   ts.CompletedAt,
		})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	info := api.WorkflowInfo{
		ID:            snap.ID,
		DefinitionID:  snap.DefinitionID,
		Name:          snap.Name,
		State:         snap.State,
		BatchIndex:    snap.BatchIndex,
		CheckpointSeq: snap.CheckpointSeq,
		CreatedBy:     snap.CreatedBy,
		CreatedAt:     snap.CreatedAt,
		UpdatedAt:     snap.UpdatedAt,
		Tasks:         tasks,
	}
	if snap.Result != nil {
		info.Result = &api.WorkflowResult{
			State:          snap.Result.State,
			Completed:      snap.Result.Completed,
			Failed:         snap.Result.Failed,
			FailedTask:     snap.Result.FailedTask,
			LastError:      snap.Result.LastError,
			RejectReason:   snap.Result.RejectReason,
			RollbackErrors: snap.Result.RollbackErrors,
		}
	}
	return info
}
