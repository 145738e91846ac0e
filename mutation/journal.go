package mutation

import (
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
)

var seq atomic.Uint64

// Journal accumulates the records of a single render. A nil *Journal is
// valid and discards everything.
type Journal struct {
	records []Record
}

// NewJournal returns an empty journal.
func NewJournal() *Journal { return &Journal{} }

// Insert records that n was inserted.
func (j *Journal) Insert(n *html.Node) {
	if j == nil {
		return
	}
	j.records = append(j.records, Record{Op: OpInsert, XPath: dom.Path(n), Tag: tagOf(n), HTML: dom.Render(n)})
}

// Remove records that n is about to be removed. Call before detaching so the
// path still reflects the old position.
func (j *Journal) Remove(n *html.Node) {
	if j == nil {
		return
	}
	j.records = append(j.records, Record{Op: OpRemove, XPath: dom.Path(n), Tag: tagOf(n)})
}

// Attr records an attribute write on n.
func (j *Journal) Attr(n *html.Node, name, value string) {
	if j == nil {
		return
	}
	j.records = append(j.records, Record{Op: OpAttr, XPath: dom.Path(n), Tag: n.Data, Name: name, Value: value})
}

// Keep records that n survived a swap.
func (j *Journal) Keep(n *html.Node) {
	if j == nil {
		return
	}
	j.records = append(j.records, Record{Op: OpKeep, XPath: dom.Path(n), Tag: n.Data})
}

// Len returns the number of records.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.records)
}

// Records returns a copy of the accumulated records.
func (j *Journal) Records() []Record {
	if j == nil {
		return nil
	}
	return append([]Record(nil), j.records...)
}

// Flush packages the records into a Batch and resets the journal.
func (j *Journal) Flush(id, layerID, url string) Batch {
	b := Batch{
		ID:        id,
		LayerID:   layerID,
		URL:       url,
		Seq:       seq.Add(1),
		Records:   j.Records(),
		Timestamp: time.Now().UnixMilli(),
	}
	if j != nil {
		j.records = nil
	}
	return b
}

func tagOf(n *html.Node) string {
	if n.Type == html.ElementNode {
		return n.Data
	}
	return "#text"
}
