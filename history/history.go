// Package history records the locations a session's layers navigate to.
package history

import (
	"context"
	"sync"
	"time"
)

// Entry is one history record.
type Entry struct {
	ID       int64     `json:"id"`
	Location string    `json:"location"`
	Title    string    `json:"title,omitempty"`
	LayerID  string    `json:"layer_id"`
	Mode     string    `json:"mode"`
	Time     time.Time `json:"time"`
}

// Store persists history entries.
type Store interface {
	// Push appends e. A push that repeats the latest location of the same
	// layer replaces it instead.
	Push(ctx context.Context, e Entry) error
	// List returns up to limit entries, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Memory is an in-process Store bounded to max entries.
type Memory struct {
	mu      sync.Mutex
	max     int
	nextID  int64
	entries []Entry
}

// NewMemory creates a Memory store. max <= 0 means 1000.
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 1000
	}
	return &Memory{max: max}
}

func (m *Memory) Push(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if n := len(m.entries); n > 0 {
		last := m.entries[n-1]
		if last.LayerID == e.LayerID && last.Location == e.Location {
			e.ID = last.ID
			m.entries[n-1] = e
			return nil
		}
	}
	m.nextID++
	e.ID = m.nextID
	m.entries = append(m.entries, e)
	if len(m.entries) > m.max {
		m.entries = append([]Entry(nil), m.entries[len(m.entries)-m.max:]...)
	}
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
