// Package eventstore persists the pipeline journal: one cycle row per wake
// detection (or skill invocation) and the events emitted while serving it.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// PrivacyInternal tags pipeline events that never leave the host.
const PrivacyInternal = "internal"

const defaultLimit = 100

// Event is one journal row.
type Event struct {
	ID        int64
	SessionID string
	Source    string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// Store is a SQLite journal. An ephemeral store has no database and accepts
// every write as a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
    session_id TEXT PRIMARY KEY,
    source TEXT,
    privacy TEXT,
    started_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    source TEXT,
    kind TEXT NOT NULL,
    payload BLOB,
    privacy TEXT,
    recorded_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES cycles(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_cycle ON events(session_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

// Open creates the journal at cfg.Path and applies retention once.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "eventstore")), clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer keeps WAL contention out of the capture path.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s.db = db

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

// Ephemeral reports whether writes are discarded.
func (s *Store) Ephemeral() bool { return s.db == nil }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginCycle registers sessionID. Repeated calls update source and privacy
// but keep the original start time.
func (s *Store) BeginCycle(ctx context.Context, sessionID, source, privacy string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles(session_id, source, privacy, started_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET source=excluded.source, privacy=excluded.privacy`,
		sessionID, source, privacy, s.clock().UTC())
	return err
}

// Append writes evt. The cycle must already exist.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, source, kind, payload, privacy, recorded_at) VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Source, evt.Type, evt.Payload, evt.Privacy, evt.CreatedAt)
	return err
}

// Record begins the cycle if needed and appends payload as JSON.
func (s *Store) Record(ctx context.Context, sessionID, source, eventType string, payload any) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if err := s.BeginCycle(ctx, sessionID, source, PrivacyInternal); err != nil {
		return fmt.Errorf("begin cycle: %w", err)
	}
	return s.Append(ctx, Event{
		SessionID: sessionID,
		Source:    source,
		Type:      eventType,
		Payload:   data,
		Privacy:   PrivacyInternal,
	})
}

const selectEvents = `SELECT id, session_id, source, kind, payload, privacy, recorded_at FROM events`

// Recent returns up to limit events across all cycles, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.query(ctx, selectEvents+` ORDER BY id DESC LIMIT ?`, normalizeLimit(limit))
}

// Cycle returns up to limit events of one cycle in the order they happened.
func (s *Store) Cycle(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	return s.query(ctx, selectEvents+` WHERE session_id = ? ORDER BY recorded_at ASC, id ASC LIMIT ?`, sessionID, normalizeLimit(limit))
}

// CountByType tallies events recorded at or after since.
func (s *Store) CountByType(ctx context.Context, since time.Time) (map[string]int, error) {
	counts := map[string]int{}
	if s.db == nil {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events WHERE recorded_at >= ? GROUP BY kind`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			source  sql.NullString
			privacy sql.NullString
			stamp   any
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &source, &e.Type, &e.Payload, &privacy, &stamp); err != nil {
			return nil, err
		}
		e.Source, e.Privacy = source.String, privacy.String
		e.CreatedAt = parseStamp(stamp)
		events = append(events, e)
	}
	return events, rows.Err()
}

// The driver returns TIMESTAMP columns either as time.Time or as the text it
// stored them with.
var stampLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseStamp(v any) time.Time {
	var text string
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return time.Time{}
	}
	for _, layout := range stampLayouts {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Prune deletes cycles older than the retention window and the oldest
// cycles beyond max_sessions. Only persistent and session modes prune.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE recorded_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM cycles WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM cycles WHERE session_id IN (
				SELECT session_id FROM cycles ORDER BY started_at DESC LIMIT -1 OFFSET ?
			)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}
