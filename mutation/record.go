// Package mutation defines the structured record of DOM changes a render
// applied to the live document. Every swap writes to a Journal; the journal
// of one render is emitted as a Batch so consumers (event sinks, tests) can
// see exactly what a render touched, and prove that an aborted render
// touched nothing.
package mutation

// Op is the type of DOM mutation applied.
type Op string

const (
	OpInsert Op = "insert" // subtree inserted (includes serialised HTML)
	OpRemove Op = "remove" // subtree removed
	OpAttr   Op = "attr"   // attribute set on a kept root
	OpKeep   Op = "keep"   // element moved across old/new trees without being destroyed
)

// Record is a single DOM mutation.
type Record struct {
	Op    Op     `json:"op"`
	XPath string `json:"xpath"`
	Tag   string `json:"tag,omitempty"`
	Name  string `json:"name,omitempty"`  // attribute name for attr
	Value string `json:"value,omitempty"` // new attribute value
	HTML  string `json:"html,omitempty"`  // serialised subtree for insert
}

// Batch is the set of mutations applied by one render.
type Batch struct {
	ID        string   `json:"id"` // render id
	LayerID   string   `json:"layer_id"`
	URL       string   `json:"url,omitempty"`
	Seq       uint64   `json:"seq"` // monotonically increasing per session
	Records   []Record `json:"records"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds at flush
}
