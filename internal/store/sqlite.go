package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vibecodejam/proctor/internal/domain"
	"github.com/vibecodejam/proctor/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		ended_at INTEGER,
		risk_score INTEGER NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'low'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		weight INTEGER NOT NULL DEFAULT 0,
		text_length INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);

	CREATE TABLE IF NOT EXISTS code_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		language TEXT NOT NULL,
		code TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		verdict TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_session ON code_snapshots(session_id, id);

	CREATE TABLE IF NOT EXISTS screenshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		severity TEXT NOT NULL,
		face_count INTEGER NOT NULL,
		path TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_screenshots_session ON screenshots(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// TouchSession creates or refreshes a session row.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `
	INSERT INTO sessions (session_id, started_at, last_seen_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		last_seen_at = MAX(sessions.last_seen_at, excluded.last_seen_at)`

	_, err := s.db.ExecContext(ctx, query, sessionID, at.Unix(), at.Unix())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// EndSession marks a session finished.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE sessions SET ended_at = ?, last_seen_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, at.Unix(), at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("EndSession affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT s.session_id, s.started_at, s.last_seen_at, s.ended_at,
		       s.risk_score, s.risk_level,
		       (SELECT COUNT(*) FROM events e WHERE e.session_id = s.session_id)
		FROM sessions s WHERE s.session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions, most recently seen first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `
		SELECT s.session_id, s.started_at, s.last_seen_at, s.ended_at,
		       s.risk_score, s.risk_level,
		       (SELECT COUNT(*) FROM events e WHERE e.session_id = s.session_id)
		FROM sessions s ORDER BY s.last_seen_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var startedAt, lastSeen int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&session.ID, &startedAt, &lastSeen, &endedAt,
		&session.RiskScore, &session.RiskLevel, &session.EventCount,
	)
	if err != nil {
		return nil, err
	}

	session.StartedAt = time.Unix(startedAt, 0)
	session.LastSeenAt = time.Unix(lastSeen, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		session.EndedAt = &t
	}
	return &session, nil
}

// SaveEvents appends a batch inside one transaction, retrying SQLITE_BUSY.
func (s *SQLiteStore) SaveEvents(ctx context.Context, sessionID string, events []domain.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	return shared.RetrySQLite("save events", func() error {
		return s.saveEventsOnce(ctx, sessionID, events)
	})
}

func (s *SQLiteStore) saveEventsOnce(ctx context.Context, sessionID string, events []domain.StoredEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
	INSERT INTO events (session_id, type, source, timestamp, weight, text_length, metadata_json, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().Unix()
	for _, e := range events {
		metadata := e.MetadataJSON
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := tx.ExecContext(ctx, query,
			sessionID, e.Type, e.Source, e.Timestamp, e.Weight, e.TextLength, metadata, now,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", e.Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events tx: %w", err)
	}
	return nil
}

// GetEvents returns a session's events in capture order.
func (s *SQLiteStore) GetEvents(ctx context.Context, sessionID string, limit int) ([]*domain.StoredEvent, error) {
	query := `
		SELECT id, session_id, type, source, timestamp, weight, text_length, metadata_json, received_at
		FROM events WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer closeRows(rows, "events")

	var events []*domain.StoredEvent
	for rows.Next() {
		var e domain.StoredEvent
		var receivedAt int64
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Type, &e.Source, &e.Timestamp,
			&e.Weight, &e.TextLength, &e.MetadataJSON, &receivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.ReceivedAt = time.Unix(receivedAt, 0)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// UpsertScore stores the recomputed risk on the session row.
func (s *SQLiteStore) UpsertScore(ctx context.Context, sessionID string, score int, level string) error {
	query := `UPDATE sessions SET risk_score = ?, risk_level = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, score, level, sessionID)
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

// SaveSnapshot persists a code snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *domain.Snapshot) (int64, error) {
	query := `
	INSERT INTO code_snapshots (session_id, task_id, language, code, timestamp, verdict, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		snap.SessionID, snap.TaskID, snap.Language, snap.Code,
		snap.Timestamp, snap.Verdict, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return result.LastInsertId()
}

// UpdateSnapshotVerdict attaches an analyzer verdict.
func (s *SQLiteStore) UpdateSnapshotVerdict(ctx context.Context, id int64, verdict string) error {
	query := `UPDATE code_snapshots SET verdict = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, verdict, id); err != nil {
		return fmt.Errorf("update snapshot verdict: %w", err)
	}
	return nil
}

// SaveScreenshot records screenshot metadata.
func (s *SQLiteStore) SaveScreenshot(ctx context.Context, shot *domain.Screenshot) (int64, error) {
	query := `
	INSERT INTO screenshots (session_id, timestamp, severity, face_count, path, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		shot.SessionID, shot.Timestamp, shot.Severity, shot.FaceCount,
		shot.Path, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert screenshot: %w", err)
	}
	return result.LastInsertId()
}

// ListScreenshots returns a session's screenshots in capture order.
func (s *SQLiteStore) ListScreenshots(ctx context.Context, sessionID string) ([]*domain.Screenshot, error) {
	query := `
		SELECT id, session_id, timestamp, severity, face_count, path, created_at
		FROM screenshots WHERE session_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query screenshots: %w", err)
	}
	defer closeRows(rows, "screenshots")

	var shots []*domain.Screenshot
	for rows.Next() {
		var shot domain.Screenshot
		var createdAt int64
		if err := rows.Scan(
			&shot.ID, &shot.SessionID, &shot.Timestamp, &shot.Severity,
			&shot.FaceCount, &shot.Path, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan screenshot row: %w", err)
		}
		shot.CreatedAt = time.Unix(createdAt, 0)
		shots = append(shots, &shot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate screenshots: %w", err)
	}
	return shots, nil
}

// CleanupExpiredSessions deletes sessions idle longer than ttl and all rows
// that reference them.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"events", "code_snapshots", "screenshots"} {
		query := fmt.Sprintf(
			`DELETE FROM %s WHERE session_id IN (SELECT session_id FROM sessions WHERE last_seen_at < ?)`, table)
		if _, err := tx.ExecContext(ctx, query, threshold); err != nil {
			return 0, fmt.Errorf("cleanup %s: %w", table, err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup tx: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("Failed to close rows", "query", what, "error", err)
	}
}
