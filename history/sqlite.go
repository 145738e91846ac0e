// CLAUDE:SUMMARY SQLite history store (modernc.org/sqlite) with WAL pragmas and busy retry.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS history_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	location TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	layer_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_created ON history_entries(created_at);
`

// SQLiteStore persists history in an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range append(pragmas, schema) {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: init: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Push(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("history: begin: %w", err)
		}
		defer tx.Rollback()

		var lastID int64
		var lastLayer, lastLoc string
		err = tx.QueryRowContext(ctx,
			`SELECT id, layer_id, location FROM history_entries ORDER BY id DESC LIMIT 1`,
		).Scan(&lastID, &lastLayer, &lastLoc)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("history: last: %w", err)
		case lastLayer == e.LayerID && lastLoc == e.Location:
			_, err = tx.ExecContext(ctx,
				`UPDATE history_entries SET title = ?, mode = ?, created_at = ? WHERE id = ?`,
				e.Title, e.Mode, e.Time.UnixMilli(), lastID)
			if err != nil {
				return fmt.Errorf("history: replace: %w", err)
			}
			return tx.Commit()
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO history_entries (location, title, layer_id, mode, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.Location, e.Title, e.LayerID, e.Mode, e.Time.UnixMilli())
		if err != nil {
			return fmt.Errorf("history: insert: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	q := `SELECT id, location, title, layer_id, mode, created_at FROM history_entries ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Location, &e.Title, &e.LayerID, &e.Mode, &ms); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Time = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// withRetry retries fn up to 3 times while SQLite reports BUSY.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := range 3 {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("history: retry cancelled: %w", ctx.Err())
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
