// Package sink provides destinations for fragnav lifecycle events: JSON lines
// on a writer, a webhook with retry, an SQLite event log or an in-process
// callback. Router fans out to several of them.
package sink

import "github.com/hazyhaar/fragnav/events"

var (
	_ events.Sink = (*Stdout)(nil)
	_ events.Sink = (*Webhook)(nil)
	_ events.Sink = (*Callback)(nil)
	_ events.Sink = (*Router)(nil)
	_ events.Sink = (*SQLite)(nil)
)
