package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/opsflow/opsflow/api"
	"github.com/opsflow/opsflow/workflow"
)

// ApprovalHandler serves the approval gate endpoints.
type ApprovalHandler struct {
	orch   *workflow.Orchestrator
	logger *zap.Logger
}

// NewApprovalHandler creates the handler.
func NewApprovalHandler(orch *workflow.Orchestrator, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{orch: orch, logger: logger}
}

// HandleList lists pending approvals for an instance.
// GET /v1/workflows/{id}/approvals
func (h *ApprovalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	pending, err := h.orch.PendingApprovals(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pending)
}

// HandleResolve records an approval decision. The first decision wins; later
// ones get a conflict. POST /v1/approvals/resolve
func (h *ApprovalHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req api.ApprovalDecisionRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if req.RequestID == "" || req.Resolver == "" {
		WriteErrorMessage(w, http.StatusBadRequest, workflow.ErrCodeValidation,
			"request_id and resolver are required")
		return
	}

	if err := h.orch.ResolveApproval(req.RequestID, req.Approved, req.Resolver, req.Reason); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("approval resolved",
		zap.String("request_id", req.RequestID),
		zap.Bool("approved", req.Approved),
		zap.String("resolver", req.Resolver),
	)
	WriteSuccess(w, map[string]any{
		"request_id": req.RequestID,
		"approved":   req.Approved,
	})
}
