package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores the snapshot as a single row replaced inside one
// transaction, which gives the same atomic-replace guarantee as the file
// backend plus a queryable mirror of the event log. The mirror serves
// operators and dashboards; control flow never reads it.
type SQLiteBackend struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	ts INTEGER NOT NULL,
	goal_id TEXT,
	assignment_id TEXT,
	work_node_id TEXT,
	detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_goal ON events(goal_id, ts);
`

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) (*State, error) {
	var body string
	err := b.db.QueryRowContext(ctx, `SELECT body FROM snapshot WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot row: %w", err)
	}
	st := &State{}
	if err := json.Unmarshal([]byte(body), st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	st.normalize()
	return st, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot (id, saved_at, body) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at = excluded.saved_at, body = excluded.body`,
		s.SavedAt, string(raw)); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	for _, ev := range s.Events {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (id, type, ts, goal_id, assignment_id, work_node_id, detail)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, string(ev.Type), ev.Timestamp, ev.GoalID, ev.AssignmentID, ev.WorkNodeID, ev.Detail); err != nil {
			return fmt.Errorf("mirror event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// EventCount returns the number of mirrored events, including those
// trimmed out of the in-memory snapshot.
func (b *SQLiteBackend) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
