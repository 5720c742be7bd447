package api

import (
	"time"

	"github.com/opsflow/opsflow/workflow"
)

// CreateWorkflowRequest creates a workflow instance from an inline definition
// document or a registered (definition_id, version) pair. Version 0 selects
// the latest registered version.
type CreateWorkflowRequest struct {
	Definition   string         `json:"definition,omitempty"`
	DefinitionID string         `json:"definition_id,omitempty"`
	Version      int            `json:"version,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
	// Start queues the instance for execution immediately after creation.
	Start bool `json:"start,omitempty"`
}

// CancelWorkflowRequest carries the operator-supplied cancellation reason.
type CancelWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

// WorkflowInfo is the API projection of an instance.
type WorkflowInfo struct {
	ID            string          `json:"id"`
	DefinitionID  string          `json:"definition_id"`
	Name          string          `json:"name"`
	State         workflow.State  `json:"state"`
	BatchIndex    int             `json:"batch_index"`
	CheckpointSeq int             `json:"checkpoint_seq"`
	CreatedBy     string          `json:"created_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Tasks         []TaskInfo      `json:"tasks"`
	Result        *WorkflowResult `json:"result,omitempty"`
}

// TaskInfo is the API projection of one task's runtime state.
type TaskInfo struct {
	ID        string              `json:"id"`
	Status    workflow.TaskStatus `json:"status"`
	Attempts  int                 `json:"attempts"`
	Error     string              `json:"error,omitempty"`
	StartedAt time.Time           `json:"started_at,omitempty"`
	EndedAt   time.Time           `json:"ended_at,omitempty"`
}

// WorkflowResult summarizes a finished run.
type WorkflowResult struct {
	State          workflow.State `json:"state"`
	Completed      []string       `json:"completed,omitempty"`
	Failed         []string       `json:"failed,omitempty"`
	FailedTask     string         `json:"failed_task,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	RollbackErrors []string       `json:"rollback_errors,omitempty"`
}

// ApprovalDecisionRequest resolves a pending approval gate.
type ApprovalDecisionRequest struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Resolver  string `json:"resolver"`
	Reason    string `json:"reason,omitempty"`
}

// RegisterDefinitionRequest registers a versioned workflow definition. Source
// is the raw YAML or JSON document.
type RegisterDefinitionRequest struct {
	Source string `json:"source"`
}

// DefinitionInfo describes a registered definition.
type DefinitionInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
	TaskCount int    `json:"task_count"`
}
