// Package api provides HTTP and WebSocket handlers for the proctoring
// collector.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vibecodejam/proctor/internal/analysis"
	"github.com/vibecodejam/proctor/internal/risk"
	"github.com/vibecodejam/proctor/internal/store"
)

// Handler provides the proctoring API surface.
type Handler struct {
	repo          store.Repository
	hub           *Hub
	scorer        *risk.Scorer
	analyzer      *analysis.Client // nil when deep analysis is disabled
	screenshotDir string
}

// NewHandler creates a Handler with common dependencies. analyzer may be nil.
func NewHandler(repo store.Repository, hub *Hub, scorer *risk.Scorer, analyzer *analysis.Client, screenshotDir string) *Handler {
	return &Handler{
		repo:          repo,
		hub:           hub,
		scorer:        scorer,
		analyzer:      analyzer,
		screenshotDir: screenshotDir,
	}
}

// RegisterRoutes mounts the proctoring API under /api/proctoring.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/proctoring", func(r chi.Router) {
		r.Post("/events", h.handleEvents)
		r.Post("/code-snapshot", h.handleSnapshot)
		r.Post("/screenshot", h.handleScreenshot)
		r.Post("/heartbeat", h.handleHeartbeat)
		r.Get("/score/{sessionID}", h.handleScore)
		r.Get("/sessions", h.handleSessions)
		r.Get("/sessions/{sessionID}/report", h.handleReport)
		r.Get("/ws/{sessionID}", h.handleWS)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
