package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vibecodejam/proctor/internal/domain"
)

const maxScreenshotBytes = 10 << 20

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap struct {
		SessionID string `json:"sessionId"`
		TaskID    string `json:"taskId"`
		Code      string `json:"code"`
		Language  string `json:"language"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil || snap.SessionID == "" {
		Error(w, http.StatusBadRequest, "invalid snapshot payload")
		return
	}

	if err := h.repo.TouchSession(r.Context(), snap.SessionID, time.Now()); err != nil {
		slog.Error("Failed to touch session", "session_id", snap.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store snapshot")
		return
	}

	id, err := h.repo.SaveSnapshot(r.Context(), &domain.Snapshot{
		SessionID: snap.SessionID,
		TaskID:    snap.TaskID,
		Language:  snap.Language,
		Code:      snap.Code,
		Timestamp: snap.Timestamp,
	})
	if err != nil {
		slog.Error("Failed to store snapshot", "session_id", snap.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store snapshot")
		return
	}

	if h.analyzer != nil {
		go h.analyzeSnapshot(id, snap.SessionID, snap.Code, snap.Language)
	}

	JSON(w, http.StatusOK, map[string]any{"status": "accepted", "snapshotId": id})
}

// analyzeSnapshot runs the originality pass in the background and attaches
// the verdict to the stored snapshot.
func (h *Handler) analyzeSnapshot(id int64, sessionID, code, language string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	verdict, err := h.analyzer.AnalyzeCode(ctx, code, language)
	if err != nil {
		slog.Warn("Code analysis failed", "session_id", sessionID, "snapshot_id", id, "error", err)
		return
	}
	raw, err := json.Marshal(verdict)
	if err != nil {
		slog.Warn("Failed to encode code verdict", "snapshot_id", id, "error", err)
		return
	}
	if err := h.repo.UpdateSnapshotVerdict(ctx, id, string(raw)); err != nil {
		slog.Warn("Failed to store code verdict", "snapshot_id", id, "error", err)
		return
	}
	slog.Info("Code snapshot analyzed", "session_id", sessionID, "snapshot_id", id,
		"verdict", verdict.Verdict, "originality", verdict.Originality)
}

func (h *Handler) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxScreenshotBytes); err != nil {
		Error(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}

	sessionID := r.FormValue("sessionId")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "missing sessionId")
		return
	}
	timestamp, _ := strconv.ParseInt(r.FormValue("timestamp"), 10, 64)
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	severity := r.FormValue("severity")
	faceCount, _ := strconv.Atoi(r.FormValue("faceCount"))

	file, _, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "missing screenshot file")
		return
	}
	defer func() {
		_ = file.Close()
	}()

	path, err := h.writeScreenshot(sessionID, timestamp, severity, file)
	if err != nil {
		slog.Error("Failed to write screenshot", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store screenshot")
		return
	}

	if err := h.repo.TouchSession(r.Context(), sessionID, time.Now()); err != nil {
		slog.Error("Failed to touch session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store screenshot")
		return
	}
	id, err := h.repo.SaveScreenshot(r.Context(), &domain.Screenshot{
		SessionID: sessionID,
		Timestamp: timestamp,
		Severity:  severity,
		FaceCount: faceCount,
		Path:      path,
	})
	if err != nil {
		slog.Error("Failed to store screenshot row", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store screenshot")
		return
	}

	JSON(w, http.StatusCreated, map[string]any{"status": "stored", "screenshotId": id})
}

func (h *Handler) writeScreenshot(sessionID string, timestamp int64, severity string, src io.Reader) (string, error) {
	dir := filepath.Join(h.screenshotDir, filepath.Base(sessionID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create screenshot directory: %w", err)
	}

	if severity == "" {
		severity = "unknown"
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%s.jpg", timestamp, severity))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create screenshot file: %w", err)
	}
	if _, err := io.Copy(dst, io.LimitReader(src, maxScreenshotBytes)); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("write screenshot file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close screenshot file: %w", err)
	}
	return path, nil
}
