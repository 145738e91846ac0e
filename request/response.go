package request

import (
	"bytes"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
)

// Protocol headers exchanged with the server.
const (
	HeaderVersion      = "X-Up-Version"
	HeaderTarget       = "X-Up-Target"
	HeaderFailTarget   = "X-Up-Fail-Target"
	HeaderMode         = "X-Up-Mode"
	HeaderFailMode     = "X-Up-Fail-Mode"
	HeaderEvents       = "X-Up-Events"
	HeaderLocation     = "X-Up-Location"
	HeaderMethod       = "X-Up-Method"
	HeaderTitle        = "X-Up-Title"
	HeaderAcceptLayer  = "X-Up-Accept-Layer"
	HeaderDismissLayer = "X-Up-Dismiss-Layer"
	HeaderExpireCache  = "X-Up-Expire-Cache"
	HeaderEvictCache   = "X-Up-Evict-Cache"

	ProtocolVersion = "3.0.0"
)

// Response is the resolved outcome of a Request. It is immutable and may be
// shared between callers: Document parses a fresh tree on every call so one
// caller's swaps never alter another's view.
type Response struct {
	Request  *Request
	Method   string
	URL      string // final URL after redirects and X-Up-Location
	Status   int
	Header   http.Header
	Body     []byte
	LoadedAt time.Time
}

// ServerEvent is one entry of the X-Up-Events header.
type ServerEvent struct {
	Type string
	Data map[string]any
}

// OK reports a 2xx or 304 status.
func (r *Response) OK() bool {
	return (r.Status >= 200 && r.Status < 300) || r.Status == http.StatusNotModified
}

// Document parses the body into a new tree.
func (r *Response) Document() (*html.Node, error) {
	return dom.Parse(bytes.NewReader(r.Body))
}

// Target is the server's target override, or "".
func (r *Response) Target() string { return r.Header.Get(HeaderTarget) }

// Title returns the X-Up-Title header. Unpoly 3 servers send a JSON string;
// plain values are accepted too.
func (r *Response) Title() (string, bool) {
	raw := r.Header.Get(HeaderTitle)
	if raw == "" {
		return "", false
	}
	if gjson.Valid(raw) {
		if v := gjson.Parse(raw); v.Type == gjson.String {
			return v.String(), true
		}
	}
	return raw, true
}

// Events parses the X-Up-Events header. Malformed entries are skipped.
func (r *Response) Events() []ServerEvent {
	raw := r.Header.Get(HeaderEvents)
	if raw == "" || !gjson.Valid(raw) {
		return nil
	}
	var out []ServerEvent
	for _, item := range gjson.Parse(raw).Array() {
		typ := item.Get("type").String()
		if typ == "" {
			continue
		}
		ev := ServerEvent{Type: typ}
		if m, ok := item.Value().(map[string]any); ok {
			delete(m, "type")
			ev.Data = m
		}
		out = append(out, ev)
	}
	return out
}

// AcceptLayer reports whether the server asked to accept the targeted
// overlay, and the decoded acceptance value.
func (r *Response) AcceptLayer() (any, bool) {
	return jsonHeader(r.Header, HeaderAcceptLayer)
}

// DismissLayer reports whether the server asked to dismiss the targeted
// overlay, and the decoded dismissal value.
func (r *Response) DismissLayer() (any, bool) {
	return jsonHeader(r.Header, HeaderDismissLayer)
}

func jsonHeader(h http.Header, name string) (any, bool) {
	vals, ok := h[http.CanonicalHeaderKey(name)]
	if !ok || len(vals) == 0 {
		return nil, false
	}
	raw := vals[0]
	if raw == "" || !gjson.Valid(raw) {
		return raw, true
	}
	return gjson.Parse(raw).Value(), true
}

// ExpireCache returns the X-Up-Expire-Cache pattern, if any.
func (r *Response) ExpireCache() string { return r.Header.Get(HeaderExpireCache) }

// EvictCache returns the X-Up-Evict-Cache pattern, if any.
func (r *Response) EvictCache() string { return r.Header.Get(HeaderEvictCache) }
