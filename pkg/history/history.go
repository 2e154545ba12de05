// Package history keeps a SQLite log of gate activity: triggers received
// and rejected, tool dispatches, responses, and recording sessions.
// `reviewgate logs` reads it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Kinds of recorded activity.
const (
	KindTriggerReceived  = "trigger_received"
	KindTriggerRejected  = "trigger_rejected"
	KindToolDispatched   = "tool_dispatched"
	KindToolDropped      = "tool_dropped"
	KindResponseWritten  = "response_written"
	KindRecording        = "recording"
	KindServiceState     = "service_state"
	KindShutdownResponse = "shutdown_response"
)

// timeLayout sorts lexically, so range filters work on the text column.
const timeLayout = "2006-01-02 15:04:05.000"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	trigger_id TEXT NOT NULL DEFAULT '',
	tool       TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_trigger ON events(trigger_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

// Event is one history row.
type Event struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	TriggerID string    `json:"trigger_id,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryOpts filters Query results. Zero values match everything.
type QueryOpts struct {
	TriggerID string
	Kind      string
	After     *time.Time
	// AfterID returns only rows newer than this id; used by follow mode.
	AfterID int64
	Limit   int
}

// Store is the history database.
type Store struct {
	db      *sql.DB
	path    string
	nowFunc func() time.Time
}

// Open opens (creating if needed) the history database at path with WAL
// journaling and a 5s busy timeout.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schemaDDL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history %s: %w", path, err)
		}
	}
	return &Store{db: db, path: path, nowFunc: time.Now}, nil
}

// OpenReadOnly opens an existing database without write access, so a
// reader never blocks the running gate.
func OpenReadOnly(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("history database not found: %w", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	return &Store{db: db, path: path, nowFunc: time.Now}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the database. Safe to call on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends e. A zero CreatedAt is stamped with the current time.
func (s *Store) Record(ctx context.Context, e Event) error {
	if e.Kind == "" {
		return errors.New("history: event kind is required")
	}
	at := e.CreatedAt
	if at.IsZero() {
		at = s.nowFunc()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (kind, trigger_id, tool, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.TriggerID, e.Tool, e.Detail, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Kind, err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.Kind, &e.TriggerID, &e.Tool, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		t, err := time.ParseInLocation(timeLayout, created, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		e.CreatedAt = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func buildQuery(opts QueryOpts) (string, []any) {
	var conds []string
	var args []any
	if opts.TriggerID != "" {
		conds = append(conds, "trigger_id = ?")
		args = append(args, opts.TriggerID)
	}
	if opts.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, opts.Kind)
	}
	if opts.After != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}
	if opts.AfterID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, opts.AfterID)
	}

	query := "SELECT id, kind, trigger_id, tool, detail, created_at FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

// Prune deletes events older than before and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
