package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/opsflow/opsflow/api"
	"github.com/opsflow/opsflow/workflow"
)

// DefinitionHandler serves the definition registry endpoints.
type DefinitionHandler struct {
	defs   DefinitionStore
	logger *zap.Logger
}

// NewDefinitionHandler creates the handler.
func NewDefinitionHandler(defs DefinitionStore, logger *zap.Logger) *DefinitionHandler {
	return &DefinitionHandler{defs: defs, logger: logger}
}

// HandleRegister validates and registers a definition document.
// POST /v1/definitions
func (h *DefinitionHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterDefinitionRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if req.Source == "" {
		WriteErrorMessage(w, http.StatusBadRequest, workflow.ErrCodeValidation, "source is required")
		return
	}

	def, err := workflow.ParseDefinition([]byte(req.Source))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := def.Validate(); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	// Cycle and dependency checks run at registration so broken documents
	// never reach the registry.
	if _, err := workflow.BuildDAG(def, nil); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.defs.SaveDefinition(r.Context(), def, []byte(req.Source)); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("definition registered",
		zap.String("definition_id", def.ID),
		zap.Int("version", def.Version),
	)
	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      toDefinitionInfo(def),
		Timestamp: time.Now(),
	})
}

// HandleGet loads a definition; the version query parameter defaults to the
// latest. GET /v1/definitions/{id}
func (h *DefinitionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, workflow.ErrCodeValidation, "invalid version")
			return
		}
		version = v
	}

	def, err := h.defs.LoadDefinition(r.Context(), r.PathValue("id"), version)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// HandleList lists the latest version of every definition.
// GET /v1/definitions
func (h *DefinitionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs, err := h.defs.ListDefinitions(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	out := make([]api.DefinitionInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, toDefinitionInfo(def))
	}
	WriteSuccess(w, out)
}

func toDefinitionInfo(def *workflow.WorkflowDefinition) api.DefinitionInfo {
	return api.DefinitionInfo{
		ID:        def.ID,
		Name:      def.Name,
		Version:   def.Version,
		TaskCount: len(def.Tasks),
	}
}
