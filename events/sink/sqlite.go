// CLAUDE:SUMMARY Persists lifecycle events to an SQLite event_log table through a buffered batch writer.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/fragnav/events"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	layer_id TEXT,
	render_id TEXT,
	request_id TEXT,
	url TEXT,
	target TEXT,
	error TEXT,
	payload TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_type_time ON event_log(type, timestamp DESC);
`

// SQLite stores events in an event_log table. Send only queues; a
// background loop inserts in batches. When the buffer is full Send inserts
// synchronously.
type SQLite struct {
	db       *sql.DB
	own      bool
	ch       chan events.Event
	stop     chan struct{}
	done     chan struct{}
	interval time.Duration
	logger   *slog.Logger
}

// SQLiteOption configures an SQLite sink.
type SQLiteOption func(*SQLite)

// WithSQLiteBuffer sets the queue size. Default: 1000.
func WithSQLiteBuffer(n int) SQLiteOption {
	return func(s *SQLite) {
		if n > 0 {
			s.ch = make(chan events.Event, n)
		}
	}
}

// WithSQLiteFlushInterval sets how often queued events are written. Default: 2s.
func WithSQLiteFlushInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSQLiteLogger sets the logger for write failures.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLite) { s.logger = l }
}

// NewSQLite creates the table on db and starts the writer. The caller keeps
// ownership of db.
func NewSQLite(db *sql.DB, opts ...SQLiteOption) (*SQLite, error) {
	if _, err := db.Exec(eventSchema); err != nil {
		return nil, fmt.Errorf("sink: sqlite schema: %w", err)
	}
	s := &SQLite{
		db:       db,
		ch:       make(chan events.Event, 1000),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: 2 * time.Second,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	go s.flushLoop()
	return s, nil
}

// OpenSQLite opens the database at path and returns a sink that closes it
// on Close.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sink: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 10000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sink: %s: %w", p, err)
		}
	}
	s, err := NewSQLite(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.own = true
	return s, nil
}

func (s *SQLite) Send(ctx context.Context, ev events.Event) error {
	select {
	case <-s.stop:
		return fmt.Errorf("sink: sqlite closed")
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		s.logger.Warn("sink: sqlite buffer full, writing synchronously", "type", ev.Type)
		return s.insert(ctx, []events.Event{ev})
	}
}

// Close writes every queued event and stops the writer.
func (s *SQLite) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
	}
	close(s.stop)
	<-s.done
	if s.own {
		return s.db.Close()
	}
	return nil
}

// Query returns the most recent events, newest first. An empty typ matches
// every type.
func (s *SQLite) Query(ctx context.Context, typ events.Type, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT payload FROM event_log`
	var args []any
	if typ != "" {
		q += ` WHERE type = ?`
		args = append(args, string(typ))
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sink: query events: %w", err)
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sink: scan event: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("sink: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	batch := make([]events.Event, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.insert(ctx, batch); err != nil {
			s.logger.Error("sink: sqlite flush", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stop:
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *SQLite) insert(ctx context.Context, evs []events.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink: begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO event_log
		(type, layer_id, render_id, request_id, url, target, error, payload, timestamp)
		VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("sink: prepare: %w", err)
	}
	defer stmt.Close()
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("sink: encode %s: %w", ev.Type, err)
		}
		if _, err := stmt.ExecContext(ctx,
			string(ev.Type), ev.LayerID, ev.RenderID, ev.RequestID,
			ev.URL, ev.Target, ev.Err, string(payload), ev.Timestamp,
		); err != nil {
			return fmt.Errorf("sink: insert %s: %w", ev.Type, err)
		}
	}
	return tx.Commit()
}
