package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opsflow/opsflow/workflow"
)

// Response is the uniform API envelope.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo carries the engine error code across the wire.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteAccepted writes a 202 envelope for operations that continue in the
// background.
func WriteAccepted(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError maps an engine error onto the envelope and an HTTP status.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	code := workflow.CodeOf(err)
	status := mapErrorCodeToHTTPStatus(code)

	info := &ErrorInfo{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: workflow.IsRetryable(err),
	}
	var wfErr *workflow.Error
	if errors.As(err, &wfErr) {
		info.Message = wfErr.Message
		info.TaskID = wfErr.TaskID
	}

	if logger != nil {
		logger.Error("api error",
			zap.String("code", string(code)),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage writes a simple error envelope without an engine error.
func WriteErrorMessage(w http.ResponseWriter, status int, code workflow.ErrorCode, message string) {
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: string(code), Message: message},
		Timestamp: time.Now(),
	})
}

func mapErrorCodeToHTTPStatus(code workflow.ErrorCode) int {
	switch code {
	case workflow.ErrCodeParse,
		workflow.ErrCodeValidation,
		workflow.ErrCodeCycleDetected,
		workflow.ErrCodeUnknownDependency:
		return http.StatusBadRequest
	case workflow.ErrCodeInstanceNotFound:
		return http.StatusNotFound
	case workflow.ErrCodeInvalidStateTransition,
		workflow.ErrCodeApprovalAlreadyResolved,
		workflow.ErrCodeCancelled:
		return http.StatusConflict
	case workflow.ErrCodeApprovalTimeout:
		return http.StatusGone
	case workflow.ErrCodeTaskTimeout,
		workflow.ErrCodeWorkflowTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSONBody decodes a JSON request body in strict mode. On failure the
// error response is already written.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		WriteErrorMessage(w, http.StatusBadRequest, workflow.ErrCodeValidation, "request body is empty")
		return workflow.NewError(workflow.ErrCodeValidation, "request body is empty")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		wrapped := workflow.NewError(workflow.ErrCodeValidation, "invalid JSON body").WithCause(err)
		WriteError(w, wrapped, nil)
		return wrapped
	}
	return nil
}

// ResponseWriter wraps http.ResponseWriter to capture the status code.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
