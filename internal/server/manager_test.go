package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return NewManager(mux, Config{
		Addr:            "127.0.0.1:0",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}, zap.NewNop())
}

func TestManager_StartAndShutdown(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_DoubleStartRejected(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	assert.Error(t, m.Start())
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_StartAfterShutdownRejected(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Error(t, m.Start())
}
