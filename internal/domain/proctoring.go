// Package domain defines the collector's persisted entities.
package domain

import "time"

// Session is one proctored interview as the collector sees it.
type Session struct {
	ID         string
	StartedAt  time.Time
	LastSeenAt time.Time
	EndedAt    *time.Time
	RiskScore  int
	RiskLevel  string
	EventCount int
}

// StoredEvent is one persisted proctoring event. Metadata is kept as the
// original JSON payload; the collector scores on type and weight and leaves
// interpretation to report consumers.
type StoredEvent struct {
	ID           int64
	SessionID    string
	Type         string
	Source       string
	Timestamp    int64 // producer-local capture time, Unix milliseconds
	Weight       int
	TextLength   int // pasted characters, 0 for non-paste events
	MetadataJSON string
	ReceivedAt   time.Time
}

// Snapshot is a submitted code snapshot with the analyzer's verdict once
// available.
type Snapshot struct {
	ID        int64
	SessionID string
	TaskID    string
	Language  string
	Code      string
	Timestamp int64
	Verdict   string // analyzer JSON, empty until analyzed
	CreatedAt time.Time
}

// Screenshot is a stored presence screenshot, image on disk.
type Screenshot struct {
	ID        int64
	SessionID string
	Timestamp int64
	Severity  string
	FaceCount int
	Path      string
	CreatedAt time.Time
}
