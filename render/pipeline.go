// Package render is the render pipeline: it resolves the target layer,
// fetches through the request cache, matches fragments, applies swaps,
// compiles and tears down change hooks, and updates layers and history.
//
// Network I/O runs outside the Loop; everything that touches the document
// runs inside a Loop section. A render checks for abort at the start of its
// mutating section, after which it either applies every swap or fails
// before the first one.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/compiler"
	"github.com/hazyhaar/fragnav/dom"
	"github.com/hazyhaar/fragnav/events"
	"github.com/hazyhaar/fragnav/fragment"
	"github.com/hazyhaar/fragnav/history"
	"github.com/hazyhaar/fragnav/idgen"
	"github.com/hazyhaar/fragnav/kit"
	"github.com/hazyhaar/fragnav/layer"
	"github.com/hazyhaar/fragnav/mutation"
	"github.com/hazyhaar/fragnav/request"
)

// Pipeline performs renders against one document.
type Pipeline struct {
	stack    *layer.Stack
	cache    *request.Cache
	registry *compiler.Registry
	loop     *Loop
	bus      *events.Bus
	history  history.Store
	main     []string
	policy   fragment.AttributePolicy
	sanitize *dom.Sanitizer
	newID    idgen.Generator
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRender
}

// pendingRender is a render that has not reached its mutating section yet.
type pendingRender struct {
	id        string
	layerID   string
	selectors []string
	olds      []*html.Node
	cancel    context.CancelCauseFunc
	requestID string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLoop shares a Loop with other DOM users.
func WithLoop(l *Loop) Option { return func(p *Pipeline) { p.loop = l } }

// WithBus sets the event bus.
func WithBus(b *events.Bus) Option { return func(p *Pipeline) { p.bus = b } }

// WithHistory sets the history store.
func WithHistory(s history.Store) Option { return func(p *Pipeline) { p.history = s } }

// WithMain sets the selectors :main expands to.
func WithMain(sel ...string) Option { return func(p *Pipeline) { p.main = sel } }

// WithAttributePolicy sets the attribute policy of content placements.
func WithAttributePolicy(ap fragment.AttributePolicy) Option {
	return func(p *Pipeline) { p.policy = ap }
}

// WithSanitizer cleans every response body before parsing.
func WithSanitizer(s *dom.Sanitizer) Option { return func(p *Pipeline) { p.sanitize = s } }

// WithIDGenerator sets the render id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(p *Pipeline) { p.newID = g } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// New creates a Pipeline over the given singletons.
func New(stack *layer.Stack, cache *request.Cache, registry *compiler.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		stack:    stack,
		cache:    cache,
		registry: registry,
		main:     []string{"main", "[up-main]", "body"},
		policy:   fragment.DefaultAttributePolicy(),
		newID:    idgen.Render,
		logger:   slog.Default(),
		pending:  make(map[string]*pendingRender),
	}
	for _, o := range opts {
		o(p)
	}
	if p.loop == nil {
		p.loop = NewLoop()
	}
	if p.history == nil {
		p.history = history.NewMemory(0)
	}
	return p
}

// Loop returns the loop serialising document access.
func (p *Pipeline) Loop() *Loop { return p.loop }

// Render performs one render. Expected cancellations return an error
// matching request.ErrAborted. A failed response rendered into the fail
// target returns both a Result and the *request.FailedError.
func (p *Pipeline) Render(ctx context.Context, o Options) (*Result, error) {
	rid := p.newID()
	ctx = kit.WithRenderID(ctx, rid)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if o.Abort == "" {
		o.Abort = AbortTarget
	}
	opening := o.Layer == LayerNew

	var (
		target *layer.Layer
		mode   layer.Mode
		pr     = &pendingRender{id: rid, cancel: cancel}
		err    error
	)
	p.loop.Run(func() {
		target, mode, err = p.resolveLayer(o)
		if err != nil {
			return
		}
		pr.layerID = target.ID
		if !opening {
			pr.selectors, pr.olds = p.resolveOlds(target, o.Target)
		}
		p.register(pr, o.Abort, opening)
	})
	if err != nil {
		return nil, err
	}
	defer p.unregister(pr)

	log := p.logger.With("render_id", rid, "layer_id", target.ID)

	resp, err := p.respond(ctx, o, target, mode, opening, pr)
	if err != nil {
		if cause := abortCause(ctx); cause != nil {
			return nil, cause
		}
		failed, ok := request.FailedResponse(err)
		if !ok || o.FailTarget == "" {
			return nil, err
		}
		log.Debug("render: rendering failed response", "status", failed.Status, "fail_target", o.FailTarget)
		fo := o
		fo.Target, fo.Fallback, fo.NoFallback = o.FailTarget, nil, true
		if opening {
			// A failed overlay request renders into the layer it was opened from.
			fo.Layer = target.ID
		}
		res, rerr := p.apply(ctx, fo, target, mode, false, failed, rid)
		if rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return res, err
	}

	res, err := p.apply(ctx, o, target, mode, opening, resp, rid)
	if err != nil {
		if !events.IsExpected(err) {
			log.Warn("render: failed", "error", err)
		}
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) resolveLayer(o Options) (*layer.Layer, layer.Mode, error) {
	if o.Layer == LayerNew {
		mode, err := layer.ParseMode(o.Mode)
		if err != nil {
			return nil, "", err
		}
		base := p.stack.Get("closest", layer.Lookup{Origin: o.Origin})
		if base == nil {
			base = p.stack.Current()
		}
		return base, mode, nil
	}
	var base *layer.Layer
	if o.Origin != nil {
		base = p.stack.Of(o.Origin)
	}
	l := p.stack.Get(o.Layer, layer.Lookup{Base: base, Origin: o.Origin})
	if l == nil {
		return nil, "", fmt.Errorf("render: %w: no layer matches %q", layer.ErrAlreadyClosed, o.Layer)
	}
	return l, l.Mode, nil
}

// resolveOlds finds the selectors and live elements a target addresses, for
// overlap checks.
func (p *Pipeline) resolveOlds(l *layer.Layer, target string) ([]string, []*html.Node) {
	if target == "" {
		target = fragment.SelMain
	}
	var sels []string
	var olds []*html.Node
	for _, alt := range fragment.ExpandMain([]string{target}, p.main) {
		t, err := fragment.ParseTarget(alt)
		if err != nil {
			continue
		}
		for _, part := range t {
			sels = append(sels, part.Selector)
			switch part.Selector {
			case fragment.SelLayer, "body":
				olds = append(olds, l.ContentElement())
				continue
			case "html":
				olds = append(olds, l.Element())
				continue
			}
			if n, _ := dom.QueryFilter(l.Element(), part.Selector, l.Contains); n != nil {
				olds = append(olds, n)
			}
		}
	}
	return sels, olds
}

// register adds pr to the pending set and cancels the renders it supersedes.
// Runs inside a Loop section.
func (p *Pipeline) register(pr *pendingRender, policy AbortPolicy, opening bool) {
	p.mu.Lock()
	var victims []*pendingRender
	for _, other := range p.pending {
		if supersedes(pr, other, policy, opening) {
			victims = append(victims, other)
		}
	}
	for _, v := range victims {
		delete(p.pending, v.id)
	}
	p.pending[pr.id] = pr
	p.mu.Unlock()

	for _, v := range victims {
		p.abort(v, "superseded by render "+pr.id)
	}
}

func supersedes(pr, other *pendingRender, policy AbortPolicy, opening bool) bool {
	switch policy {
	case AbortAll:
		return true
	case AbortNone:
		return false
	}
	if opening || other.layerID != pr.layerID {
		return false
	}
	if policy == AbortLayer {
		return true
	}
	for _, a := range pr.selectors {
		for _, b := range other.selectors {
			if a == b {
				return true
			}
		}
	}
	for _, a := range pr.olds {
		for _, b := range other.olds {
			if dom.Contains(a, b) || dom.Contains(b, a) {
				return true
			}
		}
	}
	return false
}

func (p *Pipeline) abort(pr *pendingRender, reason string) {
	p.mu.Lock()
	reqID := pr.requestID
	p.mu.Unlock()
	pr.cancel(&request.AbortError{Reason: reason, RequestID: reqID})
	if reqID != "" {
		p.cache.Abort(request.ByID(reqID), reason)
	}
	p.logger.Debug("render: aborted", "render_id", pr.id, "reason", reason)
}

func (p *Pipeline) unregister(pr *pendingRender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[pr.id] == pr {
		delete(p.pending, pr.id)
	}
}

// AbortLayer cancels every pending render and request for the layer.
func (p *Pipeline) AbortLayer(layerID, reason string) int {
	p.mu.Lock()
	var victims []*pendingRender
	for id, pr := range p.pending {
		if pr.layerID == layerID {
			victims = append(victims, pr)
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()
	for _, v := range victims {
		p.abort(v, reason)
	}
	p.cache.Abort(request.ByLayer(layerID), reason)
	return len(victims)
}

// Pending returns the number of renders not yet applied.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// abortCause returns the *request.AbortError a cancelled ctx carries.
func abortCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	var ae *request.AbortError
	if errors.As(context.Cause(ctx), &ae) {
		return ae
	}
	return &request.AbortError{Reason: "caller cancelled"}
}

// respond produces the response of a render: local or from the cache.
func (p *Pipeline) respond(ctx context.Context, o Options, target *layer.Layer, mode layer.Mode, opening bool, pr *pendingRender) (*request.Response, error) {
	if o.local() {
		loc := o.URL
		if loc == "" {
			loc = target.Location()
		}
		return &request.Response{
			Method:   http.MethodGet,
			URL:      loc,
			Status:   http.StatusOK,
			Header:   http.Header{},
			Body:     []byte(o.Document),
			LoadedAt: time.Now(),
		}, nil
	}

	req, err := request.New(o.Method, o.URL, o.Params)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	for k, vs := range o.Header {
		req.Header[k] = append(req.Header[k], vs...)
	}
	req.Target = o.Target
	if req.Target == "" {
		req.Target = fragment.SelMain
	}
	req.FailTarget = o.FailTarget
	req.LayerID = target.ID
	req.Mode = string(mode)
	req.FailMode = string(target.Mode)
	req.Background = o.Background
	if o.Cache != nil {
		req.Cache = *o.Cache && req.Safe()
	}

	p.mu.Lock()
	pr.requestID = req.ID
	p.mu.Unlock()
	return p.cache.Perform(kit.WithRequestID(ctx, req.ID), req)
}

// apply turns a response into DOM changes. The mutating part runs in one
// Loop section.
func (p *Pipeline) apply(ctx context.Context, o Options, target *layer.Layer, mode layer.Mode, opening bool, resp *request.Response, rid string) (*Result, error) {
	res := &Result{RenderID: rid, Layer: target, Response: resp}

	for _, se := range resp.Events() {
		ev := events.Event{Type: events.Type(se.Type), LayerID: target.ID, RenderID: rid, URL: resp.URL, Data: se.Data}
		res.Events = append(res.Events, ev)
		p.bus.Emit(ctx, ev)
	}

	target0 := o.Target
	if t := resp.Target(); t != "" {
		target0 = t
		o.Target, o.Fallback, o.NoFallback = t, nil, true
	}
	if fragment.IsNone(target0) || resp.Status == http.StatusNoContent || resp.Status == http.StatusNotModified {
		res.None = true
		return res, nil
	}

	body := resp.Body
	if p.sanitize != nil {
		body = p.sanitize.Sanitize(body)
	}
	doc, err := dom.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, &request.FailedError{Response: resp, Err: err}
	}
	title, hasTitle := resp.Title()
	if !hasTitle {
		title = dom.Title(doc)
	}

	var applyErr error
	p.loop.Run(func() {
		applyErr = p.mutate(ctx, o, target, mode, opening, resp, doc, title, res)
	})
	if applyErr != nil {
		return nil, applyErr
	}
	return res, nil
}

// mutate runs inside a Loop section.
func (p *Pipeline) mutate(ctx context.Context, o Options, target *layer.Layer, mode layer.Mode, opening bool, resp *request.Response, doc *html.Node, title string, res *Result) error {
	if err := abortCause(ctx); err != nil {
		return err
	}
	if !opening && !p.stack.Contains(target) {
		return &request.AbortError{Reason: "layer " + target.ID + " closed"}
	}

	// Close instructions from the server win over rendering.
	if value, ok := resp.AcceptLayer(); ok && (opening || target.IsOverlay()) {
		return p.closeInstead(ctx, target, opening, layer.ReasonAccept, value, res)
	}
	if value, ok := resp.DismissLayer(); ok && (opening || target.IsOverlay()) {
		return p.closeInstead(ctx, target, opening, layer.ReasonDismiss, value, res)
	}
	if !opening && !o.local() {
		if reason, ok := target.CloseIntent(resp.URL); ok {
			return p.closeInstead(ctx, target, false, reason, resp.URL, res)
		}
	}

	var (
		m    *fragment.Match
		err  error
		alts = o.alternatives()
	)
	if opening {
		m, err = fragment.FindContent(alts, doc, p.main)
	} else {
		if o.Content != "" {
			doc, err = contentDocument(target, alts, o.Content)
			if err != nil {
				return err
			}
		}
		m, err = fragment.FirstSwappableTarget(alts, fragment.Options{Layer: target, Document: doc, Main: p.main})
		if err == nil && o.Content != "" {
			for i := range m.Steps {
				if m.Steps[i].Placement == fragment.Swap {
					m.Steps[i].Placement = fragment.Content
				}
			}
		}
		if err == nil {
			err = fragment.Verify(m)
		}
	}
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	// Last check before the first mutation.
	if err := abortCause(ctx); err != nil {
		return err
	}

	j := mutation.NewJournal()
	var errs []error
	if err := p.peel(target); err != nil {
		errs = append(errs, err)
	}

	var applied fragment.Result
	if opening {
		l, err := p.open(mode, o, m, j, &applied)
		if err != nil {
			return err
		}
		res.Layer = l
		target = l
	} else {
		applied = fragment.Apply(m, p.policy, j)
	}
	p.unregisterByID(res.RenderID)
	res.Target = m.Target
	res.Inserted = applied.Inserted
	res.Removed = len(applied.Removed)
	res.Kept = len(applied.Kept)

	for _, n := range applied.Removed {
		if err := p.registry.Teardown(n); err != nil {
			errs = append(errs, err)
		}
	}
	for _, n := range applied.Inserted {
		p.registry.ApplyTo(n, compiler.Meta{LayerID: target.ID, Defer: p.loop.Defer})
	}
	if opening {
		if err := p.stack.Open(target); err != nil {
			errs = append(errs, err)
		}
	}

	p.updateLocation(ctx, o, target, resp, title)
	res.Batch = j.Flush(res.RenderID, target.ID, resp.URL)
	p.emitFragments(ctx, res, m, applied)

	for _, err := range errs {
		p.bus.Report(ctx, err)
	}
	return nil
}

// open pushes the new overlay and fills its content element.
func (p *Pipeline) open(mode layer.Mode, o Options, m *fragment.Match, j *mutation.Journal, applied *fragment.Result) (*layer.Layer, error) {
	l, err := p.stack.Push(layer.Spec{
		Mode:            mode,
		Size:            o.Size,
		History:         o.History,
		AcceptLocation:  o.AcceptLocation,
		DismissLocation: o.DismissLocation,
	})
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	l.Cleanups.Add(func() error {
		p.AbortLayer(l.ID, "layer "+l.ID+" closed")
		return nil
	})
	l.Cleanups.Add(func() error { return p.registry.Teardown(l.Element()) })
	j.Insert(l.Element())

	content := l.ContentElement()
	for _, s := range m.Steps {
		nw := s.New
		if s.Selector == "body" || s.Selector == "html" || s.Selector == fragment.SelLayer {
			for _, c := range dom.Children(nw) {
				dom.Detach(c)
				content.AppendChild(c)
				if c.Type == html.ElementNode {
					applied.Inserted = append(applied.Inserted, c)
				}
			}
			continue
		}
		dom.Detach(nw)
		content.AppendChild(nw)
		applied.Inserted = append(applied.Inserted, nw)
	}
	m.Layer = l
	return l, nil
}

// peel closes the overlays stacked above l.
func (p *Pipeline) peel(l *layer.Layer) error {
	child := p.stack.Get("child", layer.Lookup{Base: l})
	if child == nil {
		return nil
	}
	return p.stack.Pop(child, layer.ReasonDismiss, layer.PeelValue)
}

func (p *Pipeline) closeInstead(ctx context.Context, l *layer.Layer, opening bool, reason layer.Reason, value any, res *Result) error {
	p.unregisterByID(res.RenderID)
	res.Closed, res.CloseReason, res.Value = true, reason, value
	if opening {
		// The overlay never opened: nothing to close.
		return nil
	}
	if err := p.stack.Pop(l, reason, value); err != nil && !errors.Is(err, layer.ErrAlreadyClosed) {
		p.bus.Report(ctx, err)
	}
	return nil
}

// CloseLayer accepts or dismisses the layer desc resolves to, together with
// every overlay above it.
func (p *Pipeline) CloseLayer(ctx context.Context, desc string, reason layer.Reason, value any) (*layer.Layer, error) {
	var (
		l   *layer.Layer
		err error
	)
	p.loop.Run(func() {
		l = p.stack.Get(desc, layer.Lookup{})
		if l == nil {
			err = fmt.Errorf("render: close: %w: no layer matches %q", layer.ErrAlreadyClosed, desc)
			return
		}
		err = p.stack.Pop(l, reason, value)
	})
	if err != nil && !errors.Is(err, layer.ErrAlreadyClosed) && !errors.Is(err, layer.ErrInvalidTransition) {
		// The layer is closed; only its cleanups failed.
		p.bus.Report(ctx, err)
		return l, nil
	}
	return l, err
}

func (p *Pipeline) unregisterByID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}

func (p *Pipeline) updateLocation(ctx context.Context, o Options, l *layer.Layer, resp *request.Response, title string) {
	track := l.History() && !o.local() && resp.Method == http.MethodGet && resp.OK()
	if o.History != nil {
		track = *o.History && l.History()
	}
	if !track || resp.URL == "" {
		return
	}
	l.SetLocation(resp.URL, title)
	if l.IsRoot() && title != "" {
		dom.SetTitle(p.stack.Root().Element().Parent, title)
	}
	err := p.history.Push(ctx, history.Entry{
		Location: resp.URL,
		Title:    title,
		LayerID:  l.ID,
		Mode:     string(l.Mode),
	})
	if err != nil {
		p.logger.Warn("render: history push failed", "error", err)
	}
}

func (p *Pipeline) emitFragments(ctx context.Context, res *Result, m *fragment.Match, applied fragment.Result) {
	base := events.Event{LayerID: res.Layer.ID, RenderID: res.RenderID, URL: res.Response.URL, Target: m.Target}
	for _, n := range applied.Removed {
		ev := base
		ev.Type = events.FragmentDestroyed
		ev.Data = map[string]any{"tag": n.Data}
		p.bus.Emit(ctx, ev)
	}
	for _, n := range applied.Kept {
		ev := base
		ev.Type = events.FragmentKept
		ev.Data = map[string]any{"path": dom.Path(n)}
		p.bus.Emit(ctx, ev)
	}
	for _, n := range applied.Inserted {
		ev := base
		ev.Type = events.FragmentInserted
		ev.Data = map[string]any{"path": dom.Path(n), "tag": n.Data}
		p.bus.Emit(ctx, ev)
	}
	done := base
	done.Type = events.RenderDone
	batch := res.Batch
	done.Batch = &batch
	p.bus.Emit(ctx, done)
}

// contentDocument builds a response document for a Content render: a
// shallow copy of the first resolvable old element holding content.
func contentDocument(l *layer.Layer, alts []string, content string) (*html.Node, error) {
	doc := dom.MustParse(`<html><head></head><body></body></html>`)
	for _, alt := range alts {
		t, err := fragment.ParseTarget(alt)
		if err != nil {
			return nil, err
		}
		part := t[0]
		var old *html.Node
		switch part.Selector {
		case fragment.SelLayer, "body", "html":
			old = l.ContentElement()
		default:
			old, _ = dom.QueryFilter(l.Element(), part.Selector, l.Contains)
		}
		if old == nil {
			continue
		}
		if old == l.ContentElement() {
			frag, err := dom.ParseFragment(content, dom.Body(doc))
			if err != nil {
				return nil, err
			}
			body := dom.Body(doc)
			for _, c := range dom.Children(frag) {
				dom.Detach(c)
				body.AppendChild(c)
			}
			return doc, nil
		}
		shell, err := dom.ParseFragment(content, old)
		if err != nil {
			return nil, err
		}
		dom.Body(doc).AppendChild(shell)
		return doc, nil
	}
	return doc, nil
}
