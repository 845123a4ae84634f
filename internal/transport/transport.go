// Package transport ships proctoring events to the collector over WebSocket
// with a batched HTTP fallback.
package transport

import (
	"context"
	"time"

	"github.com/vibecodejam/proctor/internal/event"
)

// Batch is the events envelope accepted by both transports. Event order is
// the queue's enqueue order and must be preserved.
type Batch struct {
	SessionID string        `json:"sessionId"`
	Events    []event.Event `json:"events"`
	Urgent    bool          `json:"urgent,omitempty"`
}

// RiskUpdate is a server-side risk recomputation pushed or returned after a
// batch.
type RiskUpdate struct {
	Score   int    `json:"riskScore"`
	Level   string `json:"riskLevel,omitempty"`
	Message string `json:"message,omitempty"`
}

// Snapshot is a code snapshot submitted for originality analysis.
type Snapshot struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	Code      string `json:"code"`
	Language  string `json:"language"`
	Timestamp int64  `json:"timestamp"`
}

// ScreenshotMeta accompanies an uploaded presence screenshot.
type ScreenshotMeta struct {
	SessionID string
	Timestamp time.Time
	Severity  string
	FaceCount int
}

// Client sends event batches. The WebSocket and HTTP transports both
// implement it; the session prefers WebSocket and falls back to HTTP.
type Client interface {
	// SendBatch delivers a batch. A non-nil RiskUpdate carries the server's
	// recomputed score when the response included one.
	SendBatch(ctx context.Context, batch Batch) (*RiskUpdate, error)
	Close() error
}
