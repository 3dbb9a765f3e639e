// Package journal keeps an append-only audit trail of session
// lifecycle transitions in a local sqlite database. It exists for
// debugging ("what happened to my session overnight") and is advisory:
// journal failures are logged by the caller and never fail an
// operation.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS activity (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_session ON activity(session_id, at);
`

// Entry is one recorded lifecycle transition.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type Journal struct {
	conn *sql.DB
}

// Open creates or opens the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{conn: conn}, nil
}

// Record appends one entry. Nil receivers are tolerated so callers can
// run without a journal.
func (j *Journal) Record(ctx context.Context, sessionID, event, detail string) error {
	if j == nil {
		return nil
	}
	_, err := j.conn.ExecContext(ctx,
		`INSERT INTO activity (session_id, event, detail, at) VALUES (?, ?, ?, ?)`,
		sessionID, event, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for a session, newest first. An
// empty sessionID returns entries across all sessions.
func (j *Journal) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = j.conn.QueryContext(ctx,
			`SELECT id, session_id, event, detail, at FROM activity ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = j.conn.QueryContext(ctx,
			`SELECT id, session_id, event, detail, at FROM activity WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
			sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Event, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil || j.conn == nil {
		return nil
	}
	return j.conn.Close()
}
