// CLAUDE:SUMMARY Layer stack: push/open/pop with cascading close, current layer, descriptor lookup.
package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
	"github.com/hazyhaar/fragnav/events"
	"github.com/hazyhaar/fragnav/idgen"
)

var (
	// ErrInvalidTransition is returned for lifecycle misuse: a backwards
	// state change, or closing the root layer.
	ErrInvalidTransition = errors.New("layer: invalid transition")
	// ErrAlreadyClosed is returned when closing a layer no longer stacked.
	ErrAlreadyClosed = errors.New("layer: already closed")
)

// Stack is the ordered collection of layers, root first. Only its methods
// mutate it. It is safe for concurrent use; DOM writes made by Push and Pop
// must be serialised by the caller with the other DOM sections.
type Stack struct {
	mu     sync.Mutex
	doc    *html.Node
	layers []*Layer
	bus    *events.Bus
	newID  idgen.Generator
	logger *slog.Logger
}

// NewStack creates a stack whose root layer is bound to doc. newID may be
// nil (idgen.Layer); bus and logger may be nil.
func NewStack(doc *html.Node, bus *events.Bus, newID idgen.Generator, logger *slog.Logger) (*Stack, error) {
	if dom.HTMLElement(doc) == nil || dom.Body(doc) == nil {
		return nil, fmt.Errorf("layer: document has no <html> or <body>")
	}
	if newID == nil {
		newID = idgen.Layer
	}
	if logger == nil {
		logger = slog.Default()
	}
	root := &Layer{
		ID:      newID(),
		Mode:    Root,
		doc:     doc,
		state:   Open,
		history: true,
		done:    make(chan struct{}),
	}
	return &Stack{
		doc:    doc,
		layers: []*Layer{root},
		bus:    bus,
		newID:  newID,
		logger: logger,
	}, nil
}

// Root returns the root layer.
func (s *Stack) Root() *Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layers[0]
}

// Push stacks a new overlay above the current front layer. The overlay is
// in the Opening state until Open is called.
func (s *Stack) Push(spec Spec) (*Layer, error) {
	st, ok := spec.Mode.Strategy()
	if !ok || spec.Mode == Root {
		return nil, fmt.Errorf("layer: push: cannot push mode %q", spec.Mode)
	}
	size := spec.Size
	if size == "" {
		size = st.Size
	}
	dismissable := spec.Dismissable
	if dismissable == nil {
		dismissable = st.Dismissable
	}
	history := st.History
	if spec.History != nil {
		history = *spec.History
	}

	s.mu.Lock()
	parent := s.layers[len(s.layers)-1]
	id := s.newID()
	el := dom.NewElement(st.Tag,
		AttrLayerID, id,
		AttrMode, string(spec.Mode),
		AttrSize, size,
		AttrDismissable, strings.Join(dismissable, " "),
	)
	content := dom.NewElement(st.ContentTag)
	el.AppendChild(content)
	dom.Body(s.doc).AppendChild(el)

	l := &Layer{
		ID:              id,
		Mode:            spec.Mode,
		Parent:          parent,
		element:         el,
		content:         content,
		acceptLocation:  spec.AcceptLocation,
		dismissLocation: spec.DismissLocation,
		state:           Opening,
		history:         history,
		done:            make(chan struct{}),
	}
	s.layers = append(s.layers, l)
	s.mu.Unlock()

	s.logger.Debug("layer: pushed", "layer_id", id, "mode", spec.Mode, "parent", parent.ID)
	s.emit(events.LayerOpening, l, nil)
	return l, nil
}

// Open moves l from Opening to Open after its first successful render.
func (s *Stack) Open(l *Layer) error {
	if !s.Contains(l) {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, l)
	}
	if err := l.transition(Open); err != nil {
		return err
	}
	s.emit(events.LayerOpened, l, nil)
	return nil
}

// Pop closes l and every layer above it, top-down. Layers below l are not
// touched. The reason and value are recorded on l; layers above it are
// dismissed with PeelValue. Cleanup errors are returned joined, after every
// layer has been closed.
func (s *Stack) Pop(l *Layer, reason Reason, value any) error {
	s.mu.Lock()
	idx := s.indexLocked(l)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, l)
	}
	if idx == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot close the root layer", ErrInvalidTransition)
	}
	closing := make([]*Layer, 0, len(s.layers)-idx)
	for i := len(s.layers) - 1; i >= idx; i-- {
		closing = append(closing, s.layers[i])
	}
	for _, c := range closing {
		if err := c.transition(Closing); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.layers = s.layers[:idx]
	s.mu.Unlock()

	var errs []error
	for _, c := range closing {
		r, v := ReasonDismiss, any(PeelValue)
		if c == l {
			r, v = reason, value
		}
		if err := s.finish(c, r, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Stack) finish(l *Layer, reason Reason, value any) error {
	err := l.Cleanups.Run()
	dom.Detach(l.element)

	l.mu.Lock()
	l.reason, l.value = reason, value
	l.mu.Unlock()
	if terr := l.transition(Closed); terr != nil {
		err = errors.Join(err, terr)
	}

	s.logger.Debug("layer: closed", "layer_id", l.ID, "reason", reason)
	data := map[string]any{"reason": string(reason)}
	if value != nil {
		data["value"] = value
	}
	switch reason {
	case ReasonAccept:
		s.emit(events.LayerAccepted, l, data)
	case ReasonDismiss:
		s.emit(events.LayerDismissed, l, data)
	}
	s.emit(events.LayerClosed, l, data)
	close(l.done)

	if err != nil {
		return fmt.Errorf("layer: close %s: %w", l.ID, err)
	}
	return nil
}

// Current returns the front-most alive layer, or root.
func (s *Stack) Current() *Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.layers) - 1; i > 0; i-- {
		if s.layers[i].State().Alive() {
			return s.layers[i]
		}
	}
	return s.layers[0]
}

// Contains reports whether l is currently stacked.
func (s *Stack) Contains(l *Layer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(l) >= 0
}

func (s *Stack) indexLocked(l *Layer) int {
	for i, c := range s.layers {
		if c == l {
			return i
		}
	}
	return -1
}

// Layers returns a snapshot of the stack, root first.
func (s *Stack) Layers() []*Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Layer(nil), s.layers...)
}

// Len returns the number of stacked layers, root included.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.layers)
}

// Lookup is the context a layer descriptor is resolved against.
type Lookup struct {
	// Base is the layer relative descriptors refer to. Default: Current.
	Base *Layer
	// Origin is the node that triggered the lookup, for "closest".
	Origin *html.Node
}

// Get resolves a layer descriptor: "" or "current", "root", "front",
// "parent", "child", "overlay", "closest", a stack index, or a layer id.
// Returns nil when nothing matches.
func (s *Stack) Get(desc string, lk Lookup) *Layer {
	base := lk.Base
	if base == nil || !s.Contains(base) {
		base = s.Current()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch desc {
	case "", "current":
		return base
	case "root":
		return s.layers[0]
	case "front":
		return s.layers[len(s.layers)-1]
	case "parent":
		return base.Parent
	case "child":
		for _, l := range s.layers {
			if l.Parent == base {
				return l
			}
		}
		return nil
	case "overlay":
		if top := s.layers[len(s.layers)-1]; top.IsOverlay() {
			return top
		}
		return nil
	case "closest":
		if lk.Origin == nil {
			return base
		}
		return s.ofLocked(lk.Origin)
	}
	if i, err := strconv.Atoi(desc); err == nil {
		if i >= 0 && i < len(s.layers) {
			return s.layers[i]
		}
		return nil
	}
	for _, l := range s.layers {
		if l.ID == desc {
			return l
		}
	}
	return nil
}

// Of returns the layer n belongs to, or nil when n is detached.
func (s *Stack) Of(n *html.Node) *Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ofLocked(n)
}

func (s *Stack) ofLocked(n *html.Node) *Layer {
	for i := len(s.layers) - 1; i >= 0; i-- {
		if s.layers[i].Contains(n) {
			return s.layers[i]
		}
	}
	return nil
}

func (s *Stack) emit(t events.Type, l *Layer, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["mode"] = string(l.Mode)
	s.bus.Emit(context.Background(), events.Event{
		Type:    t,
		LayerID: l.ID,
		URL:     l.Location(),
		Data:    data,
	})
}
