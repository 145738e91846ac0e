// Package events is the extension surface of fragnav: third-party code
// subscribes to lifecycle events (layer opened/closed, fragment
// inserted/destroyed, request loaded/aborted) and to the unhandled error
// channel. Events are also forwarded to a Sink for out-of-process consumers.
package events

import (
	"github.com/hazyhaar/fragnav/mutation"
)

// Type names an event.
type Type string

const (
	LayerOpening   Type = "layer:opening"
	LayerOpened    Type = "layer:opened"
	LayerAccepted  Type = "layer:accepted"
	LayerDismissed Type = "layer:dismissed"
	LayerClosed    Type = "layer:closed"

	FragmentInserted  Type = "fragment:inserted"
	FragmentDestroyed Type = "fragment:destroyed"
	FragmentKept      Type = "fragment:kept"

	RequestLoad    Type = "request:load"
	RequestLoaded  Type = "request:loaded"
	RequestHit     Type = "request:hit"
	RequestAborted Type = "request:aborted"
	RequestFailed  Type = "request:failed"

	RenderDone Type = "render:done"

	// Error is emitted for unhandled errors. Expected aborts never reach it.
	Error Type = "error"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type            `json:"type"`
	LayerID   string          `json:"layer_id,omitempty"`
	RenderID  string          `json:"render_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	URL       string          `json:"url,omitempty"`
	Target    string          `json:"target,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Batch     *mutation.Batch `json:"batch,omitempty"`
	Err       string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
}
