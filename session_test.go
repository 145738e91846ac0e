package fragnav

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/fragnav/config"
	"github.com/hazyhaar/fragnav/events"
	"github.com/hazyhaar/fragnav/events/sink"
	"github.com/hazyhaar/fragnav/layer"
	"github.com/hazyhaar/fragnav/render"
	"github.com/hazyhaar/fragnav/request"
)

const homePage = `<html><head><title>Home</title></head><body>
<nav>
<a id="plain" href="/about">About</a>
<a id="more" href="/items" up-target="#items">More</a>
<a id="new" href="/new" up-layer="new" up-mode="modal">New</a>
</nav>
<ul id="items"><li>one</li></ul>
<form id="f" action="/save" method="post" up-target="#items">
<input name="title" value="">
<input type="checkbox" name="pub" checked>
<input type="checkbox" name="draft">
<select name="kind"><option value="a">A</option><option value="b" selected>B</option></select>
<textarea name="body">hi</textarea>
<input type="submit" name="go" value="Go">
</form>
</body></html>`

type app struct {
	mu   sync.Mutex
	form url.Values
}

func (a *app) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/":
		w.Write([]byte(homePage))
	case "/about":
		w.Write([]byte(`<html><head><title>About</title></head><body><h1>About us</h1><p>We build <strong>things</strong>.</p></body></html>`))
	case "/items":
		w.Write([]byte(`<html><body><ul id="items"><li>one</li><li>two</li></ul></body></html>`))
	case "/new":
		w.Write([]byte(`<html><body><main><form id="nf" action="/create" method="post" up-submit><input name="name" value="x"></form></main></body></html>`))
	case "/create":
		w.Header().Set(request.HeaderAcceptLayer, `"created"`)
		w.Write([]byte(`<p>ok</p>`))
	case "/save":
		r.ParseForm()
		a.mu.Lock()
		a.form = r.PostForm
		a.mu.Unlock()
		if r.PostForm.Get("title") == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`<html><body><form id="f"><p class="error">title required</p></form></body></html>`))
			return
		}
		w.Write([]byte(`<html><body><ul id="items"><li>` + r.PostForm.Get("title") + `</li></ul></body></html>`))
	default:
		http.NotFound(w, r)
	}
}

func newSession(t *testing.T, cfg *config.Config, opts ...Option) (*Session, *httptest.Server, *app) {
	t.Helper()
	a := &app{}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.Visit(context.Background(), srv.URL+"/"); err != nil {
		t.Fatal(err)
	}
	return s, srv, a
}

func TestVisit_LoadsPageIntoRoot(t *testing.T) {
	s, srv, _ := newSession(t, nil)
	if !strings.Contains(s.HTML(), `<a id="more"`) {
		t.Fatalf("page not loaded: %s", s.HTML())
	}
	ls := s.Layers()
	if len(ls) != 1 || ls[0].Mode != "root" || ls[0].Location != srv.URL+"/" || ls[0].Title != "Home" {
		t.Errorf("layers: %+v", ls)
	}
	h, err := s.History(context.Background(), 0)
	if err != nil || len(h) != 1 {
		t.Errorf("history: %v %+v", err, h)
	}
}

func TestFollow_EnhancedLinkUpdatesFragment(t *testing.T) {
	// WHAT: A link with up-target swaps only #items; the nav stays untouched.
	// WHY: Enhanced links must not reload the page.
	s, _, _ := newSession(t, nil)
	res, err := s.Follow(context.Background(), "", "#more")
	if err != nil {
		t.Fatal(err)
	}
	if res.Target != "#items" {
		t.Errorf("target: %q", res.Target)
	}
	frag, err := s.Fragment("root", "#items")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(frag, "<li>two</li>") {
		t.Errorf("items: %s", frag)
	}
	if _, err := s.Fragment("root", "#plain"); err != nil {
		t.Errorf("nav lost: %v", err)
	}
}

func TestFollow_PlainLinkVisits(t *testing.T) {
	s, srv, _ := newSession(t, nil)
	if _, err := s.Follow(context.Background(), "root", "#plain"); err != nil {
		t.Fatal(err)
	}
	ls := s.Layers()
	if ls[0].Location != srv.URL+"/about" || ls[0].Title != "About" {
		t.Errorf("root: %+v", ls[0])
	}
	md, err := s.Markdown("root")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "# About us") || !strings.Contains(md, "**things**") {
		t.Errorf("markdown: %q", md)
	}
}

func TestFollow_MissingLink(t *testing.T) {
	s, _, _ := newSession(t, nil)
	_, err := s.Follow(context.Background(), "", "#nope")
	if err == nil || !strings.Contains(err.Error(), "#nope") {
		t.Errorf("got %v", err)
	}
}

func TestFollow_OpensOverlayAndSubmitAcceptsIt(t *testing.T) {
	// WHAT: up-layer=new opens a modal; submitting its form with an accept header closes it.
	// WHY: Overlays are driven by the same link and form semantics as the root page.
	s, _, _ := newSession(t, nil)
	res, err := s.Follow(context.Background(), "", "#new")
	if err != nil {
		t.Fatal(err)
	}
	if res.Layer.Mode != layer.Modal {
		t.Fatalf("mode: %s", res.Layer.Mode)
	}
	ls := s.Layers()
	if len(ls) != 2 || ls[1].State != "open" || ls[1].Parent != ls[0].ID {
		t.Fatalf("layers: %+v", ls)
	}
	if _, err := s.Fragment("root", "#nf"); err == nil {
		t.Error("overlay form visible from the root layer")
	}

	sub, err := s.Submit(context.Background(), "front", "#nf", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !sub.Closed || sub.CloseReason != layer.ReasonAccept || sub.Value != "created" {
		t.Errorf("submit result: %+v", sub)
	}
	if len(s.Layers()) != 1 {
		t.Errorf("overlay still open: %+v", s.Layers())
	}
}

func TestSubmit_PostsFieldsAndRendersFailTarget(t *testing.T) {
	s, _, a := newSession(t, nil)

	res, err := s.Submit(context.Background(), "", "#f", nil)
	var failed *request.FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("want FailedError, got %v", err)
	}
	if res == nil || res.Target != "#f" {
		t.Fatalf("fail target not rendered: %+v", res)
	}
	frag, _ := s.Fragment("", "#f")
	if !strings.Contains(frag, "title required") {
		t.Errorf("form: %s", frag)
	}
	a.mu.Lock()
	form := a.form
	a.mu.Unlock()
	if form.Get("pub") != "on" || form.Has("draft") || form.Get("kind") != "b" || form.Get("body") != "hi" || form.Has("go") {
		t.Errorf("posted fields: %v", form)
	}
}

func TestSubmit_FieldOverrides(t *testing.T) {
	s, srv, _ := newSession(t, nil)
	if _, err := s.Submit(context.Background(), "", "#f", url.Values{"title": {"hello"}}); err != nil {
		t.Fatal(err)
	}
	frag, _ := s.Fragment("", "#items")
	if !strings.Contains(frag, "<li>hello</li>") {
		t.Errorf("items: %s", frag)
	}
	// POST responses are never tracked in history.
	ls := s.Layers()
	if ls[0].Location != srv.URL+"/" {
		t.Errorf("location after POST: %q", ls[0].Location)
	}
	if _, err := s.Submit(context.Background(), "", "#more", nil); err == nil {
		t.Error("submitting a link must fail")
	}
}

func TestAsk_WaitsForOverlayResult(t *testing.T) {
	s, srv, _ := newSession(t, nil)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if ls := s.Layers(); len(ls) == 2 && ls[1].State == "open" {
				s.Accept(context.Background(), ls[1].ID, "yes")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	reason, value, err := s.Ask(context.Background(), render.Options{URL: srv.URL + "/new", Mode: "drawer"})
	if err != nil {
		t.Fatal(err)
	}
	if reason != layer.ReasonAccept || value != "yes" {
		t.Errorf("ask: %s %v", reason, value)
	}
}

func TestAsk_ContextEndDismisses(t *testing.T) {
	s, srv, _ := newSession(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := s.Ask(ctx, render.Options{URL: srv.URL + "/new"})
	if !request.IsAbort(err) {
		t.Errorf("got %v, want abort", err)
	}
	if len(s.Layers()) != 1 {
		t.Errorf("overlay left open: %+v", s.Layers())
	}
}

func TestAcceptRootFails(t *testing.T) {
	s, _, _ := newSession(t, nil)
	if _, err := s.Accept(context.Background(), "root", nil); !errors.Is(err, layer.ErrInvalidTransition) {
		t.Errorf("got %v", err)
	}
}

func TestPreload_ServesFollowFromCache(t *testing.T) {
	s, srv, _ := newSession(t, nil)
	var hits int
	s.Bus().On(events.RequestHit, func(context.Context, events.Event) { hits++ })
	if err := s.Preload(context.Background(), srv.URL+"/items"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Follow(context.Background(), "", "#more"); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Errorf("cache hits: %d", hits)
	}
}

func TestNew_SinksFromConfig(t *testing.T) {
	var mu sync.Mutex
	var types []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev events.Event
		json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		types = append(types, string(ev.Type))
		mu.Unlock()
	}))
	defer hook.Close()

	cfg, err := config.Parse([]byte("sinks:\n  - type: webhook\n    url: " + hook.URL + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, _, _ := newSession(t, cfg)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	got := strings.Join(types, ",")
	if !strings.Contains(got, "request:loaded") || !strings.Contains(got, "render:done") {
		t.Errorf("webhook events: %s", got)
	}
}

func TestNew_SanitizesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><div id="x" up-keep>a<script>alert(1)</script></div></body></html>`))
	}))
	defer srv.Close()
	cfg := config.Default()
	cfg.Session.Sanitize = "ugc"
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Visit(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	out := s.HTML()
	if strings.Contains(out, "<script>") || !strings.Contains(out, "up-keep") {
		t.Errorf("sanitized page: %s", out)
	}
}

func TestNew_BlockPrivateRefusesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached the server")
	}))
	defer srv.Close()
	cfg := config.Default()
	cfg.Fetch.BlockPrivate = true
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Visit(context.Background(), srv.URL); !errors.Is(err, request.ErrPrivateAddress) {
		t.Errorf("got %v, want ErrPrivateAddress", err)
	}
}

func TestNew_SQLiteEventLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	cfg, err := config.Parse([]byte("sinks:\n  - type: sqlite\n    path: " + path + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, _, _ := newSession(t, cfg)
	if _, err := s.Follow(context.Background(), "", "#new"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	log, err := sink.OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	opened, err := log.Query(context.Background(), events.LayerOpened, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(opened) != 1 || opened[0].LayerID == "" {
		t.Errorf("layer:opened rows: %+v", opened)
	}
}

type stuckSink struct{ release chan struct{} }

func (s stuckSink) Send(context.Context, events.Event) error { <-s.release; return nil }
func (s stuckSink) Close() error                             { return nil }

func TestSession_StuckSinkDoesNotHoldRenders(t *testing.T) {
	// WHAT: A sink that never answers leaves Visit, Follow and document reads unaffected.
	// WHY: Only request I/O may suspend the DOM loop.
	srv := httptest.NewServer(&app{})
	t.Cleanup(srv.Close)
	stuck := stuckSink{release: make(chan struct{})}
	s, err := New(nil, WithSink(stuck))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	t.Cleanup(func() { close(stuck.release) })

	errc := make(chan error, 1)
	go func() {
		if _, err := s.Visit(context.Background(), srv.URL+"/"); err != nil {
			errc <- err
			return
		}
		_, err := s.Follow(context.Background(), "", "#more")
		_ = s.HTML()
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("render blocked on the event sink")
	}
}
