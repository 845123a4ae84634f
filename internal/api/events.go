package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vibecodejam/proctor/internal/domain"
	"github.com/vibecodejam/proctor/internal/event"
	"github.com/vibecodejam/proctor/internal/risk"
)

// Scores above this threshold trigger an operator warning push on top of the
// regular risk_update.
const highRiskWarningThreshold = 70

// wireEvent is an event as delivered by the agent. Metadata stays raw: the
// collector extracts the few fields the rules need and stores the rest as-is.
type wireEvent struct {
	Type      event.Type      `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"source"`
	Weight    int             `json:"riskScore"`
	Metadata  json.RawMessage `json:"metadata"`
}

type eventsBatch struct {
	SessionID string      `json:"sessionId"`
	Events    []wireEvent `json:"events"`
	Urgent    bool        `json:"urgent"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	var batch eventsBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		Error(w, http.StatusBadRequest, "invalid events payload")
		return
	}

	score, err := h.processBatch(r.Context(), batch)
	if err != nil {
		slog.Error("Failed to process events batch", "session_id", batch.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store events")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"status":        "accepted",
		"riskScore":     score.Final,
		"riskLevel":     score.Level,
		"flaggedEvents": score.FlaggedEvents,
	})
}

// processBatch is the shared ingest pipeline for the HTTP and WebSocket
// paths: persist, rescore, push, and maybe kick off deep analysis.
func (h *Handler) processBatch(ctx context.Context, batch eventsBatch) (risk.Score, error) {
	if batch.SessionID == "" {
		return risk.Score{}, fmt.Errorf("missing session id")
	}

	if err := h.repo.TouchSession(ctx, batch.SessionID, time.Now()); err != nil {
		return risk.Score{}, err
	}

	stored := make([]domain.StoredEvent, 0, len(batch.Events))
	sessionEnded := false
	for _, e := range batch.Events {
		if e.Type == event.TypeSessionEnd {
			sessionEnded = true
		}
		stored = append(stored, domain.StoredEvent{
			Type:         string(e.Type),
			Source:       e.Source,
			Timestamp:    e.Timestamp,
			Weight:       e.Weight,
			TextLength:   pasteLength(e),
			MetadataJSON: string(e.Metadata),
		})
	}
	if err := h.repo.SaveEvents(ctx, batch.SessionID, stored); err != nil {
		return risk.Score{}, err
	}

	score, samples, err := h.rescore(ctx, batch.SessionID, -1)
	if err != nil {
		return risk.Score{}, err
	}

	if sessionEnded {
		if err := h.repo.EndSession(ctx, batch.SessionID, time.Now()); err != nil {
			slog.Warn("Failed to mark session ended", "session_id", batch.SessionID, "error", err)
		}
		// The final score was already pushed above; drop the sockets.
		h.hub.CloseSession(batch.SessionID)
	}

	if h.analyzer != nil && h.scorer.NeedsDeepAnalysis(samples) {
		go h.deepAnalyze(batch.SessionID)
	}
	return score, nil
}

// rescore recomputes a session's score over its full history and publishes
// the result. llmScore < 0 means rule-only.
func (h *Handler) rescore(ctx context.Context, sessionID string, llmScore int) (risk.Score, []risk.Sample, error) {
	history, err := h.repo.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return risk.Score{}, nil, err
	}
	samples := make([]risk.Sample, 0, len(history))
	for _, e := range history {
		samples = append(samples, risk.Sample{Type: event.Type(e.Type), TextLength: e.TextLength})
	}

	score := h.scorer.Evaluate(samples, llmScore)
	if err := h.repo.UpsertScore(ctx, sessionID, score.Final, score.Level); err != nil {
		return risk.Score{}, nil, err
	}
	h.hub.PushRisk(sessionID, score)
	if score.Final > highRiskWarningThreshold {
		h.hub.PushWarning(sessionID, "Suspicious activity detected")
	}
	return score, samples, nil
}

// deepAnalyze runs the LLM behavior pass and folds its score into the
// session's final score. Failures keep the rule-based score.
func (h *Handler) deepAnalyze(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	history, err := h.repo.GetEvents(ctx, sessionID, 0)
	if err != nil {
		slog.Warn("Deep analysis load failed", "session_id", sessionID, "error", err)
		return
	}
	verdict, err := h.analyzer.AnalyzeBehavior(ctx, history)
	if err != nil {
		slog.Warn("Deep analysis failed, keeping rule-based score", "session_id", sessionID, "error", err)
		return
	}

	score, _, err := h.rescore(ctx, sessionID, verdict.Score)
	if err != nil {
		slog.Warn("Deep analysis rescore failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("Deep analysis complete", "session_id", sessionID,
		"llm_score", verdict.Score, "final_score", score.Final, "reasoning", verdict.Reasoning)
}

// pasteLength pulls textLength out of paste metadata.
func pasteLength(e wireEvent) int {
	if e.Type != event.TypeClipboardPaste || len(e.Metadata) == 0 {
		return 0
	}
	var meta struct {
		TextLength int `json:"textLength"`
	}
	if err := json.Unmarshal(e.Metadata, &meta); err != nil {
		return 0
	}
	return meta.TextLength
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var beat struct {
		SessionID string `json:"sessionId"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&beat); err != nil || beat.SessionID == "" {
		Error(w, http.StatusBadRequest, "invalid heartbeat payload")
		return
	}

	if err := h.repo.TouchSession(r.Context(), beat.SessionID, time.Now()); err != nil {
		slog.Error("Failed to record heartbeat", "session_id", beat.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"sessionId":         session.ID,
		"riskScore":         session.RiskScore,
		"riskLevel":         session.RiskLevel,
		"eventsCount":       session.EventCount,
		"activeConnections": h.hub.ConnectionCount(sessionID),
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON(s))
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	history, err := h.repo.GetEvents(r.Context(), sessionID, 0)
	if err != nil {
		slog.Error("Failed to load events", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	shots, err := h.repo.ListScreenshots(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load screenshots", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load screenshots")
		return
	}

	events := make([]map[string]any, 0, len(history))
	for _, e := range history {
		events = append(events, map[string]any{
			"type":      e.Type,
			"source":    e.Source,
			"timestamp": e.Timestamp,
			"riskScore": e.Weight,
			"metadata":  json.RawMessage(e.MetadataJSON),
		})
	}
	screenshots := make([]map[string]any, 0, len(shots))
	for _, shot := range shots {
		screenshots = append(screenshots, map[string]any{
			"timestamp": shot.Timestamp,
			"severity":  shot.Severity,
			"faceCount": shot.FaceCount,
			"path":      shot.Path,
		})
	}

	JSON(w, http.StatusOK, map[string]any{
		"session":     sessionJSON(session),
		"events":      events,
		"screenshots": screenshots,
	})
}

func sessionJSON(s *domain.Session) map[string]any {
	out := map[string]any{
		"sessionId":   s.ID,
		"startedAt":   s.StartedAt.Unix(),
		"lastSeenAt":  s.LastSeenAt.Unix(),
		"riskScore":   s.RiskScore,
		"riskLevel":   s.RiskLevel,
		"eventsCount": s.EventCount,
	}
	if s.EndedAt != nil {
		out["endedAt"] = s.EndedAt.Unix()
	}
	return out
}
