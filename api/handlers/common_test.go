package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow/opsflow/workflow"
)

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		code workflow.ErrorCode
		want int
	}{
		{workflow.ErrCodeParse, http.StatusBadRequest},
		{workflow.ErrCodeValidation, http.StatusBadRequest},
		{workflow.ErrCodeCycleDetected, http.StatusBadRequest},
		{workflow.ErrCodeUnknownDependency, http.StatusBadRequest},
		{workflow.ErrCodeInstanceNotFound, http.StatusNotFound},
		{workflow.ErrCodeInvalidStateTransition, http.StatusConflict},
		{workflow.ErrCodeApprovalAlreadyResolved, http.StatusConflict},
		{workflow.ErrCodeApprovalTimeout, http.StatusGone},
		{workflow.ErrCodeTaskTimeout, http.StatusGatewayTimeout},
		{workflow.ErrCodeWorkflowTimeout, http.StatusGatewayTimeout},
		{workflow.ErrCodeStorage, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, workflow.NewError(tc.code, "boom"), nil)
			assert.Equal(t, tc.want, w.Code)
			assert.Contains(t, w.Body.String(), string(tc.code))
		})
	}
}

func TestWriteError_ForeignError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, assert.AnError, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWriteError_IncludesTaskID(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, workflow.NewTaskExecutionError("deploy", "exit 1"), nil)

	e := decodeError(t, w)
	assert.Equal(t, "deploy", e.TaskID)
	assert.Equal(t, "exit 1", e.Message)
}

func TestWriteSuccess_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Contains(t, w.Body.String(), `"hello":"world"`)
}

func TestDecodeJSONBody_RejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bogus": 1}`))
	w := httptest.NewRecorder()

	var dst struct {
		Known string `json:"known"`
	}
	err := DecodeJSONBody(w, r, &dst)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResponseWriter_CapturesFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("x"))

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
