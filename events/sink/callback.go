package sink

import (
	"context"

	"github.com/hazyhaar/fragnav/events"
)

// Callback delivers events to a Go function in-process, without
// serialisation.
type Callback struct {
	fn func(ctx context.Context, ev events.Event) error
}

// NewCallback creates a Callback sink. fn may be nil.
func NewCallback(fn func(ctx context.Context, ev events.Event) error) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, ev events.Event) error {
	if c.fn != nil {
		return c.fn(ctx, ev)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
