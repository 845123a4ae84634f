// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/vibecodejam/proctor/internal/domain"
)

// Repository defines the interface for persisting proctoring data.
type Repository interface {
	// TouchSession creates the session row on first contact and refreshes
	// last_seen_at on every subsequent one.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// EndSession marks a session finished.
	EndSession(ctx context.Context, sessionID string, at time.Time) error

	// GetSession retrieves a session with its current score. Returns nil
	// when the session is unknown.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions, most recently seen first.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// SaveEvents appends a batch of events in their delivered order.
	SaveEvents(ctx context.Context, sessionID string, events []domain.StoredEvent) error

	// GetEvents returns a session's events in capture order. limit <= 0
	// means all.
	GetEvents(ctx context.Context, sessionID string, limit int) ([]*domain.StoredEvent, error)

	// UpsertScore stores the recomputed risk for a session.
	UpsertScore(ctx context.Context, sessionID string, score int, level string) error

	// SaveSnapshot persists a code snapshot and returns its ID.
	SaveSnapshot(ctx context.Context, snap *domain.Snapshot) (int64, error)

	// UpdateSnapshotVerdict attaches the analyzer verdict to a snapshot.
	UpdateSnapshotVerdict(ctx context.Context, id int64, verdict string) error

	// SaveScreenshot records screenshot metadata (the image lives on disk).
	SaveScreenshot(ctx context.Context, shot *domain.Screenshot) (int64, error)

	// ListScreenshots returns a session's screenshots in capture order.
	ListScreenshots(ctx context.Context, sessionID string) ([]*domain.Screenshot, error)

	// CleanupExpiredSessions deletes sessions idle longer than ttl, with
	// their events, snapshots, and screenshot rows.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
