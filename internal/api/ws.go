package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const wsPingInterval = 30 * time.Second

// handleWS upgrades the agent's duplex event stream. Batches arrive as
// {"type":"events",...} envelopes and go through the same ingest pipeline as
// POST /events; risk updates are pushed back through the hub.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "missing session id")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is handled by the CORS layer
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "session_id", sessionID, "error", err)
		return
	}

	h.hub.Register(sessionID, conn)
	defer h.hub.Unregister(sessionID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.pingLoop(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Debug("WebSocket read ended", "session_id", sessionID, "error", err)
			}
			return
		}
		h.handleWSMessage(ctx, sessionID, conn, data)
	}
}

func (h *Handler) handleWSMessage(ctx context.Context, sessionID string, conn *websocket.Conn, data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Debug("Discarding malformed socket message", "session_id", sessionID, "error", err)
		return
	}

	switch envelope.Type {
	case "events":
		var batch eventsBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			slog.Debug("Discarding malformed events envelope", "session_id", sessionID, "error", err)
			return
		}
		if batch.SessionID == "" {
			batch.SessionID = sessionID
		}
		if _, err := h.processBatch(ctx, batch); err != nil {
			slog.Error("Failed to process socket batch", "session_id", sessionID, "error", err)
			h.writeJSON(ctx, conn, map[string]string{"type": "error", "message": "failed to store events"})
		}
		// The recomputed score reaches the client through the hub push.
	case "pong":
		// Liveness acknowledged.
	default:
		slog.Debug("Ignoring unknown socket message", "session_id", sessionID, "type", envelope.Type)
	}
}

func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.writeJSON(ctx, conn, map[string]string{"type": "ping"}) {
				return
			}
		}
	}
}

func (h *Handler) writeJSON(ctx context.Context, conn *websocket.Conn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data) == nil
}
