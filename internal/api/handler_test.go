//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/vibecodejam/proctor/internal/analysis"
	"github.com/vibecodejam/proctor/internal/risk"
	"github.com/vibecodejam/proctor/internal/store"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, "session not found")

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["error"] != "session not found" {
		t.Errorf("Unexpected error body: %v", got)
	}
}

type testCollector struct {
	srv  *httptest.Server
	repo store.Repository
	dir  string
}

func newTestCollector(t *testing.T, analyzer *analysis.Client) *testCollector {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Error(err)
		}
	})

	h := NewHandler(repo, NewHub(), risk.NewScorer(nil), analyzer, filepath.Join(dir, "shots"))
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testCollector{srv: srv, repo: repo, dir: dir}
}

func (c *testCollector) postJSON(t *testing.T, path string, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(c.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s returned %d", path, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestEventsIngestAndScoring(t *testing.T) {
	c := newTestCollector(t, nil)

	out := c.postJSON(t, "/api/proctoring/events", `{
		"sessionId": "s1",
		"events": [
			{"type": "clipboard_paste", "timestamp": 1000, "source": "clipboard", "riskScore": 40,
			 "metadata": {"textLength": 600, "isLikelyCode": true}}
		]
	}`)

	// Base paste 20 + large-paste bonus 20.
	if out["riskScore"].(float64) != 40 {
		t.Errorf("Expected rule score 40 for a 600-char paste, got %v", out["riskScore"])
	}
	if out["riskLevel"] != "medium" {
		t.Errorf("Expected medium band, got %v", out["riskLevel"])
	}
	flagged := out["flaggedEvents"].([]any)
	if len(flagged) != 1 || flagged[0] != "large_code_paste" {
		t.Errorf("Expected large_code_paste flag, got %v", flagged)
	}

	// Scores accumulate over the session history.
	out = c.postJSON(t, "/api/proctoring/events", `{
		"sessionId": "s1",
		"events": [{"type": "devtools_detected", "timestamp": 2000, "source": "devtools", "riskScore": 30,
		            "metadata": {"isOpen": true, "method": "viewport_delta"}}]
	}`)
	if out["riskScore"].(float64) != 70 {
		t.Errorf("Expected cumulative score 70, got %v", out["riskScore"])
	}
}

func TestEventsRejectsMissingSession(t *testing.T) {
	c := newTestCollector(t, nil)
	resp, err := http.Post(c.srv.URL+"/api/proctoring/events", "application/json",
		strings.NewReader(`{"events": []}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected failure without session id, got %d", resp.StatusCode)
	}
}

func TestHeartbeatAndScore(t *testing.T) {
	c := newTestCollector(t, nil)

	resp, err := http.Get(c.srv.URL + "/api/proctoring/score/unknown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", resp.StatusCode)
	}

	c.postJSON(t, "/api/proctoring/heartbeat", `{"sessionId": "s1", "timestamp": 1000}`)

	resp, err = http.Get(c.srv.URL + "/api/proctoring/score/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 after heartbeat, got %d", resp.StatusCode)
	}
	var score map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		t.Fatal(err)
	}
	if score["riskScore"].(float64) != 0 || score["riskLevel"] != "low" {
		t.Errorf("Fresh session should score 0/low, got %v", score)
	}
}

func TestSnapshotStored(t *testing.T) {
	c := newTestCollector(t, nil)

	out := c.postJSON(t, "/api/proctoring/code-snapshot", `{
		"sessionId": "s1", "taskId": "t1", "code": "print(1)", "language": "python", "timestamp": 1000
	}`)
	if out["status"] != "accepted" || out["snapshotId"].(float64) == 0 {
		t.Errorf("Unexpected snapshot response: %v", out)
	}
}

func TestScreenshotUploadStoresFile(t *testing.T) {
	c := newTestCollector(t, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("sessionId", "s1")
	_ = w.WriteField("timestamp", "123456")
	_ = w.WriteField("severity", "warning")
	_ = w.WriteField("faceCount", "0")
	part, _ := w.CreateFormFile("file", "frame.jpg")
	_, _ = part.Write([]byte("jpeg-bytes"))
	_ = w.Close()

	resp, err := http.Post(c.srv.URL+"/api/proctoring/screenshot", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	shots, err := c.repo.ListScreenshots(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(shots) != 1 || shots[0].Severity != "warning" {
		t.Fatalf("Unexpected screenshot rows: %+v", shots)
	}
	data, err := os.ReadFile(shots[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("Screenshot bytes corrupted on disk: %q", data)
	}
}

func TestReport(t *testing.T) {
	c := newTestCollector(t, nil)
	c.postJSON(t, "/api/proctoring/events", `{
		"sessionId": "s1",
		"events": [{"type": "extension_detected", "timestamp": 1000, "source": "extensions", "riskScore": 15,
		            "metadata": {"key": "grammarly"}}]
	}`)

	resp, err := http.Get(c.srv.URL + "/api/proctoring/sessions/s1/report")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var report struct {
		Session map[string]any   `json:"session"`
		Events  []map[string]any `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if len(report.Events) != 1 || report.Events[0]["type"] != "extension_detected" {
		t.Errorf("Unexpected report events: %v", report.Events)
	}
	if report.Session["riskLevel"] != "low" {
		t.Errorf("Extension alone should stay low, got %v", report.Session["riskLevel"])
	}
}

func TestSessionEndMarksSession(t *testing.T) {
	c := newTestCollector(t, nil)
	c.postJSON(t, "/api/proctoring/events", `{
		"sessionId": "s1",
		"events": [{"type": "session_end", "timestamp": 1000, "source": "session", "metadata": {"finalRisk": 3}}]
	}`)

	session, err := c.repo.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if session.EndedAt == nil {
		t.Error("session_end event should mark the session ended")
	}
}

func TestWebSocketIngestPushesRisk(t *testing.T) {
	c := newTestCollector(t, nil)

	url := "ws" + strings.TrimPrefix(c.srv.URL, "http") + "/api/proctoring/ws/s1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	envelope := `{"type": "events", "sessionId": "s1",
		"events": [{"type": "devtools_detected", "timestamp": 1000, "source": "devtools", "riskScore": 30,
		            "metadata": {"isOpen": true}}]}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(envelope)); err != nil {
		t.Fatal(err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var push map[string]any
	if err := json.Unmarshal(data, &push); err != nil {
		t.Fatal(err)
	}
	if push["type"] != "risk_update" || push["riskScore"].(float64) != 30 {
		t.Errorf("Unexpected push: %v", push)
	}
}

func TestDeepAnalysisBlendsScore(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"score\":90,\"reasoning\":\"x\"}"}}]}`))
	}))
	defer llm.Close()

	analyzer := analysis.New(analysis.Config{BaseURL: llm.URL, APIKey: "k"})
	c := newTestCollector(t, analyzer)

	// Rule score 70 crosses the deep-analysis threshold.
	c.postJSON(t, "/api/proctoring/events", `{
		"sessionId": "s1",
		"events": [
			{"type": "clipboard_paste", "timestamp": 1000, "source": "clipboard", "metadata": {"textLength": 600}},
			{"type": "devtools_detected", "timestamp": 2000, "source": "devtools", "metadata": {"isOpen": true}}
		]
	}`)

	// final = (70*4 + 90*6) / 10 = 82
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		session, err := c.repo.GetSession(context.Background(), "s1")
		if err != nil {
			t.Fatal(err)
		}
		if session.RiskScore == 82 {
			if session.RiskLevel != "critical" {
				t.Errorf("Expected critical band at 82, got %s", session.RiskLevel)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Blended score never landed")
}

func TestHighRiskPushesWarning(t *testing.T) {
	c := newTestCollector(t, nil)

	url := "ws" + strings.TrimPrefix(c.srv.URL, "http") + "/api/proctoring/ws/s1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Paste 40 + devtools 30 + extension 20 crosses the warning threshold.
	envelope := `{"type": "events", "sessionId": "s1", "events": [
		{"type": "clipboard_paste", "timestamp": 1000, "source": "clipboard", "metadata": {"textLength": 600}},
		{"type": "devtools_detected", "timestamp": 2000, "source": "devtools", "metadata": {"isOpen": true}},
		{"type": "extension_detected", "timestamp": 3000, "source": "extensions", "metadata": {"key": "tampermonkey"}}
	]}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(envelope)); err != nil {
		t.Fatal(err)
	}

	var push map[string]any
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &push); err != nil {
		t.Fatal(err)
	}
	if push["type"] != "risk_update" || push["riskScore"].(float64) != 90 {
		t.Fatalf("Expected risk_update at 90 first, got %v", push)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &push); err != nil {
		t.Fatal(err)
	}
	if push["type"] != "warning" || push["message"] != "Suspicious activity detected" {
		t.Errorf("Expected warning push after high score, got %v", push)
	}

	// The socket registers as a live connection on the score endpoint.
	resp, err := http.Get(c.srv.URL + "/api/proctoring/score/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var score map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		t.Fatal(err)
	}
	if score["activeConnections"].(float64) != 1 {
		t.Errorf("Expected 1 active connection, got %v", score["activeConnections"])
	}
}

func TestSessionEndClosesSocket(t *testing.T) {
	c := newTestCollector(t, nil)

	url := "ws" + strings.TrimPrefix(c.srv.URL, "http") + "/api/proctoring/ws/s1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	envelope := `{"type": "events", "sessionId": "s1",
		"events": [{"type": "session_end", "timestamp": 1000, "source": "session", "metadata": {"finalRisk": 0}}]}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(envelope)); err != nil {
		t.Fatal(err)
	}

	// The final risk_update may still arrive; after it the server hangs up.
	var readErr error
	for {
		if _, _, readErr = conn.Read(ctx); readErr != nil {
			break
		}
	}
	if websocket.CloseStatus(readErr) != websocket.StatusNormalClosure {
		t.Errorf("Expected a normal server close, got %v", readErr)
	}

	session, err := c.repo.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if session.EndedAt == nil {
		t.Error("session_end should mark the session ended")
	}
}
