package render

import (
	"net/http"
	"net/url"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/events"
	"github.com/hazyhaar/fragnav/layer"
	"github.com/hazyhaar/fragnav/mutation"
	"github.com/hazyhaar/fragnav/request"
)

// AbortPolicy selects which pending renders a new render cancels.
type AbortPolicy string

const (
	// AbortTarget cancels pending renders in the same layer whose targets
	// overlap: same selector, or one old element contains the other.
	AbortTarget AbortPolicy = "target"
	// AbortLayer cancels every pending render in the same layer.
	AbortLayer AbortPolicy = "layer"
	// AbortAll cancels every pending render.
	AbortAll AbortPolicy = "all"
	// AbortNone cancels nothing.
	AbortNone AbortPolicy = "none"
)

// LayerNew opens a new overlay.
const LayerNew = "new"

// Options describes one render.
type Options struct {
	URL    string
	Method string
	Params url.Values
	Header http.Header

	// Target is a target string ("#a, #b:after"). Empty means :main.
	Target string
	// Fallback lists alternatives tried after Target. Nil means [":main"].
	Fallback   []string
	NoFallback bool
	// FailTarget receives the response when the server answers with an
	// error status. Empty: failed responses are not rendered.
	FailTarget string

	// Layer is a layer descriptor (see layer.Stack.Get) or LayerNew.
	Layer string
	// Origin is the element that triggered the render, for "closest" and
	// for resolving relative layer descriptors.
	Origin *html.Node

	// Overlay settings, used with LayerNew.
	Mode            string
	Size            string
	AcceptLocation  string
	DismissLocation string

	// History overrides whether the render updates layer location and
	// history. Default: true for network GET renders in history layers.
	History *bool
	// Cache overrides request caching. Default: true for GET.
	Cache      *bool
	Background bool
	Abort      AbortPolicy

	// Document renders a local HTML document instead of fetching.
	Document string
	// Content replaces the target's children with local HTML.
	Content string
}

func (o Options) local() bool { return o.Document != "" || o.Content != "" }

func (o Options) alternatives() []string {
	var alts []string
	if o.Target != "" {
		alts = append(alts, o.Target)
	}
	if o.NoFallback && len(alts) > 0 {
		return alts
	}
	if o.Fallback != nil {
		return append(alts, o.Fallback...)
	}
	return append(alts, ":main")
}

// Result describes a finished render.
type Result struct {
	RenderID string
	// Layer the content was rendered into (or that was closed).
	Layer *layer.Layer
	// Target is the alternative that resolved.
	Target   string
	Inserted []*html.Node
	Removed  int
	Kept     int
	Response *request.Response
	Batch    mutation.Batch
	// None is set when the server asked to render nothing.
	None bool
	// Closed is set when the render closed Layer instead of updating it.
	Closed      bool
	CloseReason layer.Reason
	Value       any
	Events      []events.Event
}
