// CLAUDE:SUMMARY Session wires the document, layer stack, request cache, hook registry, history and render pipeline from a config.
// Package fragnav drives fragment-updating web applications headlessly.
//
// A Session holds one live HTML document. Visit loads a page into the root
// layer; Follow and Submit act on links and forms the way an enhanced page
// would, swapping only the targeted fragments or opening overlays. Hooks
// registered on Registry run on every inserted element, and lifecycle
// events are published on Bus and forwarded to the configured sinks.
package fragnav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/compiler"
	"github.com/hazyhaar/fragnav/config"
	"github.com/hazyhaar/fragnav/dom"
	"github.com/hazyhaar/fragnav/events"
	"github.com/hazyhaar/fragnav/events/sink"
	"github.com/hazyhaar/fragnav/fragment"
	"github.com/hazyhaar/fragnav/history"
	"github.com/hazyhaar/fragnav/layer"
	"github.com/hazyhaar/fragnav/render"
	"github.com/hazyhaar/fragnav/request"
)

const blankDocument = `<html><head></head><body></body></html>`

// Session is one headless page.
type Session struct {
	cfg      *config.Config
	doc      *html.Node
	bus      *events.Bus
	stack    *layer.Stack
	cache    *request.Cache
	registry *compiler.Registry
	history  history.Store
	pipeline *render.Pipeline
	logger   *slog.Logger
}

type options struct {
	logger   *slog.Logger
	doer     request.Doer
	client   *http.Client
	sinks    []events.Sink
	document string
	history  history.Store
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithDoer replaces the HTTP fetcher.
func WithDoer(d request.Doer) Option { return func(o *options) { o.doer = d } }

// WithHTTPClient sets the client of the default fetcher.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithSink adds an event sink to those built from the configuration.
func WithSink(s events.Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s) } }

// WithDocument sets the initial document. Default: an empty page.
func WithDocument(s string) Option { return func(o *options) { o.document = s } }

// WithHistoryStore replaces the store selected by the configuration.
func WithHistoryStore(s history.Store) Option { return func(o *options) { o.history = s } }

// New builds a Session. cfg may be nil (config.Default).
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{document: blankDocument}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	doc, err := dom.ParseString(o.document)
	if err != nil {
		return nil, fmt.Errorf("fragnav: parse document: %w", err)
	}

	sinks, err := buildSinks(cfg.Sinks, logger)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, o.sinks...)
	var out events.Sink
	if len(sinks) > 0 {
		out = sink.NewRouter(logger, sinks...)
	}
	bus := events.NewBus(logger, out)

	stack, err := layer.NewStack(doc, bus, nil, logger)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("fragnav: %w", err)
	}

	doer := o.doer
	if doer == nil {
		client := o.client
		if client == nil {
			client = &http.Client{Timeout: cfg.Fetch.Timeout}
		}
		fopts := []request.Option{
			request.WithClient(client),
			request.WithUserAgent(cfg.Fetch.UserAgent),
			request.WithMaxBytes(cfg.Fetch.MaxBytes),
			request.WithLogger(logger),
		}
		if cfg.Fetch.BlockPrivate {
			fopts = append(fopts, request.WithURLGuard(request.ValidateURL))
		}
		doer = request.NewFetcher(fopts...)
	}
	cache := request.NewCache(doer, request.Config{
		Capacity:       cfg.Cache.Capacity,
		Expiry:         cfg.Cache.Expiry,
		Concurrency:    cfg.Cache.Concurrency,
		KeepOnMutation: cfg.Cache.KeepOnMutation,
	}, bus, logger)

	store := o.history
	if store == nil {
		store, err = openHistory(cfg.History)
		if err != nil {
			bus.Close()
			return nil, err
		}
	}

	registry := compiler.NewRegistry(
		compiler.WithLogger(logger),
		compiler.WithReporter(func(err error) { bus.Report(context.Background(), err) }),
	)

	popts := []render.Option{
		render.WithBus(bus),
		render.WithHistory(store),
		render.WithMain(cfg.Session.Main...),
		render.WithLogger(logger),
	}
	if len(cfg.Session.CopyAttributes) > 0 {
		policy := fragment.DefaultAttributePolicy()
		policy.Copy = cfg.Session.CopyAttributes
		popts = append(popts, render.WithAttributePolicy(policy))
	}
	if cfg.Session.Sanitize != "" {
		san, err := dom.NewSanitizer(cfg.Session.Sanitize)
		if err != nil {
			store.Close()
			bus.Close()
			return nil, fmt.Errorf("fragnav: %w", err)
		}
		popts = append(popts, render.WithSanitizer(san))
	}

	return &Session{
		cfg:      cfg,
		doc:      doc,
		bus:      bus,
		stack:    stack,
		cache:    cache,
		registry: registry,
		history:  store,
		pipeline: render.New(stack, cache, registry, popts...),
		logger:   logger,
	}, nil
}

func buildSinks(cfgs []config.SinkConfig, logger *slog.Logger) ([]events.Sink, error) {
	var out []events.Sink
	for i, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			out = append(out, sink.NewStdout(os.Stdout))
		case "webhook":
			out = append(out, sink.NewWebhook(sc.URL,
				sink.WithWebhookRetries(sc.Retries),
				sink.WithWebhookBackoff(sc.Backoff),
				sink.WithWebhookTypes(eventTypes(sc.Types)...),
				sink.WithWebhookLogger(logger),
			))
		case "sqlite":
			s, err := sink.OpenSQLite(sc.Path,
				sink.WithSQLiteBuffer(sc.Buffer),
				sink.WithSQLiteLogger(logger),
			)
			if err != nil {
				sink.NewRouter(logger, out...).Close()
				return nil, fmt.Errorf("fragnav: sink %d: %w", i, err)
			}
			out = append(out, s)
		default:
			sink.NewRouter(logger, out...).Close()
			return nil, fmt.Errorf("fragnav: sink %d: unknown type %q", i, sc.Type)
		}
	}
	return out, nil
}

func eventTypes(names []string) []events.Type {
	out := make([]events.Type, len(names))
	for i, n := range names {
		out[i] = events.Type(n)
	}
	return out
}

func openHistory(hc config.HistoryConfig) (history.Store, error) {
	switch hc.Store {
	case "", "memory":
		return history.NewMemory(hc.Max), nil
	case "sqlite":
		s, err := history.OpenSQLite(hc.Path)
		if err != nil {
			return nil, fmt.Errorf("fragnav: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("fragnav: unknown history store %q", hc.Store)
	}
}

// Bus returns the event bus.
func (s *Session) Bus() *events.Bus { return s.bus }

// Registry returns the change-hook registry.
func (s *Session) Registry() *compiler.Registry { return s.registry }

// Config returns the configuration the session was built from.
func (s *Session) Config() *config.Config { return s.cfg }

// Render performs a raw render.
func (s *Session) Render(ctx context.Context, o render.Options) (*render.Result, error) {
	return s.pipeline.Render(ctx, o)
}

// Visit loads url into the root layer, replacing <body> and closing every
// overlay.
func (s *Session) Visit(ctx context.Context, url string) (*render.Result, error) {
	return s.pipeline.Render(ctx, render.Options{
		URL:        url,
		Target:     "body",
		NoFallback: true,
		Layer:      "root",
		Abort:      render.AbortAll,
	})
}

// Accept closes the layer desc resolves to with an accept reason.
func (s *Session) Accept(ctx context.Context, desc string, value any) (*layer.Layer, error) {
	return s.pipeline.CloseLayer(ctx, desc, layer.ReasonAccept, value)
}

// Dismiss closes the layer desc resolves to with a dismiss reason.
func (s *Session) Dismiss(ctx context.Context, desc string, value any) (*layer.Layer, error) {
	return s.pipeline.CloseLayer(ctx, desc, layer.ReasonDismiss, value)
}

// Ask opens an overlay and blocks until it closes. A render that closes the
// overlay before it opens returns that outcome directly. When ctx ends first
// the overlay is dismissed.
func (s *Session) Ask(ctx context.Context, o render.Options) (layer.Reason, any, error) {
	o.Layer = render.LayerNew
	res, err := s.pipeline.Render(ctx, o)
	if err != nil {
		return "", nil, err
	}
	if res.Closed {
		return res.CloseReason, res.Value, nil
	}
	if res.None || res.Layer == nil || res.Layer.IsRoot() {
		return "", nil, fmt.Errorf("fragnav: ask: no overlay opened")
	}
	select {
	case <-res.Layer.Done():
		reason, value := res.Layer.Result()
		return reason, value, nil
	case <-ctx.Done():
		if _, err := s.Dismiss(context.WithoutCancel(ctx), res.Layer.ID, nil); err != nil && !errors.Is(err, layer.ErrAlreadyClosed) {
			s.logger.Warn("fragnav: ask: dismiss failed", "layer_id", res.Layer.ID, "error", err)
		}
		return "", nil, &request.AbortError{Reason: "ask: " + context.Cause(ctx).Error()}
	}
}

// Preload fetches url into the request cache in the background queue.
func (s *Session) Preload(ctx context.Context, url string) error {
	req, err := request.New(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("fragnav: preload: %w", err)
	}
	return s.cache.Preload(ctx, req)
}

// LayerInfo describes one layer of the stack.
type LayerInfo struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Mode     string `json:"mode"`
	State    string `json:"state"`
	Parent   string `json:"parent,omitempty"`
	Location string `json:"location,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Layers lists the stack, root first.
func (s *Session) Layers() []LayerInfo {
	ls := s.stack.Layers()
	out := make([]LayerInfo, 0, len(ls))
	for i, l := range ls {
		info := LayerInfo{
			Index:    i,
			ID:       l.ID,
			Mode:     string(l.Mode),
			State:    l.State().String(),
			Location: l.Location(),
			Title:    l.Title(),
		}
		if l.Parent != nil {
			info.Parent = l.Parent.ID
		}
		out = append(out, info)
	}
	return out
}

// HTML serializes the whole document.
func (s *Session) HTML() string {
	var out string
	s.pipeline.Loop().Run(func() { out = dom.Render(s.doc) })
	return out
}

// Fragment returns the outer HTML of the first element matching sel in the
// layer desc resolves to.
func (s *Session) Fragment(desc, sel string) (string, error) {
	var (
		out string
		err error
	)
	s.pipeline.Loop().Run(func() {
		var n *html.Node
		n, err = s.find(desc, sel)
		if err == nil {
			out = dom.Render(n)
		}
	})
	return out, err
}

// Markdown renders the content of the layer desc resolves to as Markdown.
func (s *Session) Markdown(desc string) (string, error) {
	var (
		src  string
		base string
		err  error
	)
	s.pipeline.Loop().Run(func() {
		l := s.stack.Get(desc, layer.Lookup{})
		if l == nil {
			err = fmt.Errorf("fragnav: %w: no layer matches %q", layer.ErrAlreadyClosed, desc)
			return
		}
		src, base = dom.Render(l.ContentElement()), l.Location()
	})
	if err != nil {
		return "", err
	}
	n, err := dom.ParseString(src)
	if err != nil {
		return "", fmt.Errorf("fragnav: markdown: %w", err)
	}
	return dom.Markdown(dom.Body(n), base)
}

// History lists the most recent history entries, newest first.
func (s *Session) History(ctx context.Context, limit int) ([]history.Entry, error) {
	return s.history.List(ctx, limit)
}

// Wait blocks until deferred hook work has run.
func (s *Session) Wait() { s.pipeline.Loop().Wait() }

// Close waits for deferred work, closes the sinks and the history store.
func (s *Session) Close() error {
	s.Wait()
	return errors.Join(s.bus.Close(), s.history.Close())
}

// find resolves sel inside one layer. Runs inside a Loop section.
func (s *Session) find(desc, sel string) (*html.Node, error) {
	l := s.stack.Get(desc, layer.Lookup{})
	if l == nil {
		return nil, fmt.Errorf("fragnav: %w: no layer matches %q", layer.ErrAlreadyClosed, desc)
	}
	n, err := dom.QueryFilter(l.Element(), sel, l.Contains)
	if err != nil {
		return nil, fmt.Errorf("fragnav: %w", err)
	}
	if n == nil {
		return nil, fmt.Errorf("fragnav: %w: %q in layer %s", fragment.ErrTargetNotFound, sel, l.ID)
	}
	return n, nil
}
