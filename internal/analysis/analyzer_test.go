package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vibecodejam/proctor/internal/domain"
)

func chatStub(t *testing.T, content string, lastPrompt *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("Missing bearer token")
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if lastPrompt != nil && len(req.Messages) == 2 {
			*lastPrompt = req.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Error(err)
		}
	}))
}

func TestAnalyzeBehavior(t *testing.T) {
	var prompt string
	srv := chatStub(t, `{"score": 72, "reasoning": "large pastes right after devtools"}`, &prompt)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	events := []*domain.StoredEvent{
		{Type: "clipboard_paste", Weight: 40, TextLength: 900},
		{Type: "devtools_detected", Weight: 30},
		{Type: "clipboard_paste", Weight: 20, TextLength: 300},
	}
	verdict, err := c.AnalyzeBehavior(context.Background(), events)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Score != 72 {
		t.Errorf("Expected score 72, got %d", verdict.Score)
	}
	if !strings.Contains(prompt, "clipboard_paste: 2") || !strings.Contains(prompt, "Largest paste: 900") {
		t.Errorf("Prompt summary incomplete:\n%s", prompt)
	}
}

func TestAnalyzeBehaviorClampsScore(t *testing.T) {
	srv := chatStub(t, `{"score": 250, "reasoning": "x"}`, nil)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	verdict, err := c.AnalyzeBehavior(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Score != 100 {
		t.Errorf("Expected clamp to 100, got %d", verdict.Score)
	}
}

func TestAnalyzeCodeToleratesFencedAnswer(t *testing.T) {
	content := "Here is my assessment:\n```json\n{\"originality\": 0.2, \"verdict\": \"generated\", \"reasoning\": \"uniform style\"}\n```"
	srv := chatStub(t, content, nil)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	verdict, err := c.AnalyzeCode(context.Background(), "def f(): pass", "python")
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Originality != 0.2 || verdict.Verdict != "generated" {
		t.Errorf("Unexpected verdict: %+v", verdict)
	}
}

func TestAnalyzeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	if _, err := c.AnalyzeBehavior(context.Background(), nil); err == nil {
		t.Error("Expected error for 502 response")
	}
}

func TestAnalyzeUnparseableVerdict(t *testing.T) {
	srv := chatStub(t, "I cannot help with that.", nil)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	if _, err := c.AnalyzeBehavior(context.Background(), nil); err == nil {
		t.Error("Expected parse error for non-JSON answer")
	}
}
