package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// HTTPClient is the batched HTTP fallback transport. It also carries the
// endpoints that are HTTP-only regardless of the event transport: code
// snapshots, screenshot uploads, heartbeats, and score polling.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient creates a client for the collector at base (no trailing
// slash required).
func NewHTTPClient(base string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return &HTTPClient{base: base, client: client}
}

// SendBatch implements Client via POST /events.
func (c *HTTPClient) SendBatch(ctx context.Context, batch Batch) (*RiskUpdate, error) {
	var resp struct {
		RiskScore *int   `json:"riskScore"`
		RiskLevel string `json:"riskLevel"`
	}
	if err := c.postJSON(ctx, "/events", batch, &resp); err != nil {
		return nil, err
	}
	if resp.RiskScore == nil {
		return nil, nil
	}
	return &RiskUpdate{Score: *resp.RiskScore, Level: resp.RiskLevel}, nil
}

// Close implements Client. The HTTP transport holds no connection state.
func (c *HTTPClient) Close() error { return nil }

// SendSnapshot submits a code snapshot and returns the originality verdict
// body as raw JSON for the caller to interpret.
func (c *HTTPClient) SendSnapshot(ctx context.Context, snap Snapshot) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.postJSON(ctx, "/code-snapshot", snap, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat posts a liveness ping.
func (c *HTTPClient) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	body := map[string]any{"sessionId": sessionID, "timestamp": at.UnixMilli()}
	return c.postJSON(ctx, "/heartbeat", body, nil)
}

// Score polls the current aggregated risk for a session.
func (c *HTTPClient) Score(ctx context.Context, sessionID string) (*RiskUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/score/"+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("build score request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score request: %w", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("score endpoint returned %d", resp.StatusCode)
	}
	var update RiskUpdate
	if err := json.NewDecoder(resp.Body).Decode(&update); err != nil {
		return nil, fmt.Errorf("decode score response: %w", err)
	}
	return &update, nil
}

// UploadScreenshot posts a captured frame as multipart form data.
func (c *HTTPClient) UploadScreenshot(ctx context.Context, meta ScreenshotMeta, image []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"sessionId": meta.SessionID,
		"timestamp": strconv.FormatInt(meta.Timestamp.UnixMilli(), 10),
		"severity":  meta.Severity,
		"faceCount": strconv.Itoa(meta.FaceCount),
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return fmt.Errorf("write multipart field %s: %w", name, err)
		}
	}

	part, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return fmt.Errorf("write screenshot bytes: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/screenshot", &buf)
	if err != nil {
		return fmt.Errorf("build screenshot request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("screenshot upload: %w", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("screenshot endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", path, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
