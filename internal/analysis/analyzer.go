// Package analysis integrates an OpenAI-compatible LLM for deep behavior
// analysis and code originality verdicts. The whole package is optional: the
// collector works rule-only when no analyzer is configured.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vibecodejam/proctor/internal/domain"
)

// Config mirrors the collector's analyzer settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// BehaviorVerdict is the model's reading of a session's event stream.
type BehaviorVerdict struct {
	Score     int    `json:"score"` // 0..100
	Reasoning string `json:"reasoning"`
}

// CodeVerdict is the model's originality assessment of a snapshot.
type CodeVerdict struct {
	Originality float64 `json:"originality"` // 0 = certainly generated, 1 = certainly human
	Verdict     string  `json:"verdict"`
	Reasoning   string  `json:"reasoning"`
}

// Client talks to a chat-completions endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates an analyzer client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "Qwen2.5-72B-Instruct-AWQ"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

const behaviorSystemPrompt = `You are a proctoring analyst reviewing telemetry from a coding interview.
Given a summary of candidate events, estimate how likely the candidate is cheating.
Respond with a single JSON object: {"score": <0-100 integer>, "reasoning": "<one sentence>"}.
Score 0 means certainly honest behavior, 100 means certainly cheating.`

const codeSystemPrompt = `You are a code reviewer judging whether interview code was written live by the candidate
or pasted from an AI assistant. Consider style consistency, comment register, and idiom density.
Respond with a single JSON object: {"originality": <0.0-1.0>, "verdict": "<human|assisted|generated>", "reasoning": "<one sentence>"}.`

// AnalyzeBehavior asks the model to score a session's event stream.
func (c *Client) AnalyzeBehavior(ctx context.Context, events []*domain.StoredEvent) (*BehaviorVerdict, error) {
	content, err := c.complete(ctx, behaviorSystemPrompt, summarizeEvents(events))
	if err != nil {
		return nil, err
	}
	var verdict BehaviorVerdict
	if err := json.Unmarshal(extractJSON(content), &verdict); err != nil {
		return nil, fmt.Errorf("parse behavior verdict %q: %w", content, err)
	}
	if verdict.Score < 0 {
		verdict.Score = 0
	}
	if verdict.Score > 100 {
		verdict.Score = 100
	}
	return &verdict, nil
}

// AnalyzeCode asks the model for an originality verdict on a snapshot.
func (c *Client) AnalyzeCode(ctx context.Context, code, language string) (*CodeVerdict, error) {
	prompt := fmt.Sprintf("Language: %s\n\n```\n%s\n```", language, code)
	content, err := c.complete(ctx, codeSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	var verdict CodeVerdict
	if err := json.Unmarshal(extractJSON(content), &verdict); err != nil {
		return nil, fmt.Errorf("parse code verdict %q: %w", content, err)
	}
	return &verdict, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat endpoint returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// summarizeEvents condenses the stream so the prompt stays small regardless
// of session length.
func summarizeEvents(events []*domain.StoredEvent) string {
	counts := make(map[string]int)
	totalWeight := 0
	largestPaste := 0
	for _, e := range events {
		counts[e.Type]++
		totalWeight += e.Weight
		if e.TextLength > largestPaste {
			largestPaste = e.TextLength
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total events: %d\n", len(events))
	fmt.Fprintf(&b, "Accumulated rule weight: %d\n", totalWeight)
	fmt.Fprintf(&b, "Largest paste: %d characters\n", largestPaste)
	for _, t := range []string{
		"clipboard_copy", "clipboard_cut", "clipboard_paste",
		"devtools_detected", "devtools_shortcut",
		"extension_detected", "presence_changed",
	} {
		if counts[t] > 0 {
			fmt.Fprintf(&b, "%s: %d\n", t, counts[t])
		}
	}
	return b.String()
}

// extractJSON pulls the first {...} block out of a completion, tolerating
// models that wrap their answer in prose or code fences.
func extractJSON(content string) []byte {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return []byte(content)
	}
	return []byte(content[start : end+1])
}
