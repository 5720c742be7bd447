package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/opsflow/opsflow/workflow"
)

// StreamHandler pushes instance events over a WebSocket. Writes are
// sequential per connection; the engine drops events for consumers that fall
// too far behind rather than stalling execution.
type StreamHandler struct {
	orch   *workflow.Orchestrator
	logger *zap.Logger
}

// NewStreamHandler creates the handler.
func NewStreamHandler(orch *workflow.Orchestrator, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{orch: orch, logger: logger}
}

// HandleStream upgrades to a WebSocket and streams events for one instance.
// The replay=true query parameter prefixes the retained history so late
// subscribers see the full sequence. GET /v1/workflows/{id}/stream
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	replay := r.URL.Query().Get("replay") == "true"

	events, cancel, err := h.orch.StreamEvents(instanceID, replay)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// CloseRead surfaces client disconnects through ctx; we never expect
	// inbound messages.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("event stream opened",
		zap.String("instance_id", instanceID),
		zap.Bool("replay", replay),
	)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream write failed",
					zap.String("instance_id", instanceID),
					zap.Error(err),
				)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
