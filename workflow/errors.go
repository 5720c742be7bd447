package workflow

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine errors so callers can branch on the failure
// class without string matching.
type ErrorCode string

// Definition-time error codes. These abort before any instance exists.
const (
	ErrCodeParse             ErrorCode = "PARSE_ERROR"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeCycleDetected     ErrorCode = "CYCLE_DETECTED"
	ErrCodeUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
)

// Runtime error codes.
const (
	ErrCodeTaskExecutionFailed     ErrorCode = "TASK_EXECUTION_FAILED"
	ErrCodeInvalidStateTransition  ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeCheckpoint              ErrorCode = "CHECKPOINT_ERROR"
	ErrCodeApprovalTimeout         ErrorCode = "APPROVAL_TIMEOUT"
	ErrCodeApprovalAlreadyResolved ErrorCode = "APPROVAL_ALREADY_RESOLVED"
	ErrCodeDependencyNotSatisfied  ErrorCode = "DEPENDENCY_NOT_SATISFIED"
	ErrCodeStorage                 ErrorCode = "STORAGE_ERROR"
	ErrCodeInstanceNotFound        ErrorCode = "INSTANCE_NOT_FOUND"
	ErrCodeTaskTimeout             ErrorCode = "TASK_TIMEOUT"
	ErrCodeWorkflowTimeout         ErrorCode = "WORKFLOW_TIMEOUT"
	ErrCodeCancelled               ErrorCode = "CANCELLED"
)

// Error is the structured error type used across the engine. It carries a
// code, an optional owning task, a retryable hint consumed by retry policies,
// and the wrapped cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Code == ErrCodeInvalidStateTransition:
		return fmt.Sprintf("[%s] illegal transition %s -> %s", e.Code, e.From, e.To)
	case e.TaskID != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] task %s: %s: %v", e.Code, e.TaskID, e.Message, e.Cause)
	case e.TaskID != "":
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTask attaches the owning task id.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewTaskExecutionError builds the canonical task failure error.
func NewTaskExecutionError(taskID, reason string) *Error {
	return &Error{
		Code:    ErrCodeTaskExecutionFailed,
		Message: reason,
		TaskID:  taskID,
	}
}

// NewTransitionError builds the canonical illegal-transition error. The
// state machine guarantees state is left unchanged when this is returned.
func NewTransitionError(from, to State) *Error {
	return &Error{
		Code: ErrCodeInvalidStateTransition,
		From: from,
		To:   to,
	}
}

// CodeOf extracts the engine error code, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the error is marked retryable. Foreign errors
// default to retryable so plain handler errors are absorbed by retry policies.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}
