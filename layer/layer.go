// Package layer tracks the root page and the overlays stacked above it.
//
// Overlays live in the same document as the root page: each is a container
// element (<up-modal>, <up-drawer>, ...) appended to <body> and carrying an
// up-layer-id attribute. A node belongs to the layer of its closest
// container ancestor, or to root when it has none. Fragment lookups are
// always scoped to one layer with Contains.
package layer

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
)

// Attribute names written on overlay containers.
const (
	AttrLayerID     = "up-layer-id"
	AttrMode        = "up-mode"
	AttrSize        = "up-size"
	AttrDismissable = "up-dismissable"
)

// Spec describes an overlay to push.
type Spec struct {
	Mode        Mode
	Size        string
	Dismissable []string
	// History overrides the mode's default history participation.
	History *bool

	// AcceptLocation and DismissLocation close the overlay when a render
	// inside it lands on a matching URL. Absolute URLs, paths or path globs.
	AcceptLocation  string
	DismissLocation string
}

// Layer is the root page or one overlay.
type Layer struct {
	ID     string
	Mode   Mode
	Parent *Layer

	// Cleanups run when the layer closes.
	Cleanups Cleanups

	// doc is set for the root layer only: its elements are looked up on
	// demand because a render may replace <body> or <html>.
	doc     *html.Node
	element *html.Node
	content *html.Node

	acceptLocation  string
	dismissLocation string

	mu       sync.Mutex
	state    State
	history  bool
	location string
	title    string
	reason   Reason
	value    any
	done     chan struct{}
}

// State returns the lifecycle state.
func (l *Layer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Layer) transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.can(to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, l.ID, l.state, to)
	}
	l.state = to
	return nil
}

// IsRoot reports whether l is the root layer.
func (l *Layer) IsRoot() bool { return l.Mode == Root }

// IsOverlay reports whether l is an overlay.
func (l *Layer) IsOverlay() bool { return l.Mode != Root }

// Element returns the layer's outermost element: <html> for root, the
// container for overlays.
func (l *Layer) Element() *html.Node {
	if l.doc != nil {
		return dom.HTMLElement(l.doc)
	}
	return l.element
}

// ContentElement returns the element fragments are rendered into when a
// render targets the whole layer: <body> for root.
func (l *Layer) ContentElement() *html.Node {
	if l.doc != nil {
		return dom.Body(l.doc)
	}
	return l.content
}

// Contains reports whether n belongs to this layer.
func (l *Layer) Contains(n *html.Node) bool {
	if n == nil || !dom.Contains(l.Element(), n) {
		return false
	}
	owner := dom.Closest(n, func(c *html.Node) bool {
		return c.Type == html.ElementNode && dom.HasAttr(c, AttrLayerID)
	})
	if owner == nil {
		return l.IsRoot()
	}
	return dom.Attr(owner, AttrLayerID) == l.ID
}

// History reports whether renders in this layer update history.
func (l *Layer) History() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.history
}

// SetLocation records the layer's current URL and title.
func (l *Layer) SetLocation(location, title string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.location = location
	if title != "" {
		l.title = title
	}
}

// Location returns the layer's current URL.
func (l *Layer) Location() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.location
}

// Title returns the layer's current title.
func (l *Layer) Title() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.title
}

// CloseIntent reports whether arriving at location should accept or dismiss
// the layer. The root layer never closes.
func (l *Layer) CloseIntent(location string) (Reason, bool) {
	if l.IsRoot() || location == "" {
		return "", false
	}
	if locationMatches(l.acceptLocation, location) {
		return ReasonAccept, true
	}
	if locationMatches(l.dismissLocation, location) {
		return ReasonDismiss, true
	}
	return "", false
}

func locationMatches(pattern, location string) bool {
	if pattern == "" {
		return false
	}
	if pattern == location {
		return true
	}
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	for _, p := range strings.Fields(pattern) {
		if pu, err := url.Parse(p); err == nil && pu.IsAbs() {
			if !strings.EqualFold(pu.Host, u.Host) {
				continue
			}
			p = pu.Path
		}
		if ok, _ := path.Match(p, u.Path); ok {
			return true
		}
	}
	return false
}

// Done is closed once the layer is closed.
func (l *Layer) Done() <-chan struct{} { return l.done }

// Result returns why the layer closed and the accompanying value. Only
// meaningful after Done is closed.
func (l *Layer) Result() (Reason, any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason, l.value
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s(%s)", l.Mode, l.ID)
}
