package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vibecodejam/proctor/internal/risk"
)

const pushTimeout = 5 * time.Second

// Hub tracks the active WebSocket connections per session and fans server
// pushes out to them. A session may hold several connections (agent plus
// observer dashboards).
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]bool)}
}

// Register adds a connection for a session.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.conns[sessionID]; !exists {
		h.conns[sessionID] = make(map[*websocket.Conn]bool)
	}
	h.conns[sessionID][conn] = true
	slog.Info("Proctoring socket registered", "session_id", sessionID, "connections", len(h.conns[sessionID]))
}

// Unregister removes a connection for a session.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[sessionID]; ok {
		if conns[conn] {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.conns, sessionID)
			}
			slog.Info("Proctoring socket unregistered", "session_id", sessionID)
		}
	}
}

// ConnectionCount returns the number of live connections for a session.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

// PushRisk broadcasts a recomputed score to every connection of the session.
func (h *Hub) PushRisk(sessionID string, score risk.Score) {
	h.push(sessionID, map[string]any{
		"type":          "risk_update",
		"riskScore":     score.Final,
		"riskLevel":     score.Level,
		"flaggedEvents": score.FlaggedEvents,
	})
}

// PushWarning broadcasts an operator warning to the session.
func (h *Hub) PushWarning(sessionID, message string) {
	h.push(sessionID, map[string]any{"type": "warning", "message": message})
}

func (h *Hub) push(sessionID string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode push payload", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.conns[sessionID]))
	for conn := range h.conns[sessionID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("Push failed, connection likely gone", "session_id", sessionID, "error", err)
		}
		cancel()
	}
}

// CloseSession terminates every connection of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	conns := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}
