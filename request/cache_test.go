package request

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/fragnav/events"
)

// blockingServer answers every request once release is closed.
func blockingServer(t *testing.T, hits *atomic.Int32, release <-chan struct{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><p>` + r.URL.Path + `</p></body></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCache_DeduplicatesConcurrentEqualRequests(t *testing.T) {
	// WHAT: Two equal requests issued before the first resolves share one fetch.
	// WHY: At most one concurrent network call per cache key; both callers get the same Response.
	var hits atomic.Int32
	release := make(chan struct{})
	srv := blockingServer(t, &hits, release)
	c := NewCache(NewFetcher(), Config{}, nil, nil)

	var wg sync.WaitGroup
	resps := make([]*Response, 2)
	errs := make([]error, 2)
	for i := range 2 {
		req, _ := New("GET", srv.URL+"/items", nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resps[i], errs[i] = c.Perform(context.Background(), req)
		}()
	}
	waitFor(t, func() bool { return hits.Load() == 1 && c.InFlight() == 1 })
	// Give the second caller time to attach.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("network fetches: got %d, want 1", hits.Load())
	}
	if resps[0] != resps[1] {
		t.Error("callers received different responses")
	}
}

func TestCache_HitServesCompletedResponse(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	close(release)
	srv := blockingServer(t, &hits, release)
	bus := events.NewBus(nil, nil)
	var hitEvents atomic.Int32
	bus.On(events.RequestHit, func(context.Context, events.Event) { hitEvents.Add(1) })
	c := NewCache(NewFetcher(), Config{}, bus, nil)

	for range 3 {
		req, _ := New("GET", srv.URL+"/a", nil)
		if _, err := c.Perform(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if hits.Load() != 1 || hitEvents.Load() != 2 {
		t.Errorf("fetches=%d hits=%d", hits.Load(), hitEvents.Load())
	}
}

func TestCache_AbortReleasesWaiterAndCancelsNetwork(t *testing.T) {
	// WHAT: Abort by layer releases the caller with AbortError and cancels the fetch.
	// WHY: Closing a layer must not leave server work awaited uselessly.
	cancelled := make(chan struct{})
	doer := DoerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, &AbortError{Reason: "cancelled", RequestID: req.ID}
	})
	c := NewCache(doer, Config{}, nil, nil)
	req, _ := New("GET", "http://x/slow", nil)
	req.LayerID = "lyr_1"

	errc := make(chan error, 1)
	go func() {
		_, err := c.Perform(context.Background(), req)
		errc <- err
	}()
	waitFor(t, func() bool { return c.InFlight() == 1 })

	if n := c.Abort(ByLayer("lyr_2"), "other layer"); n != 0 {
		t.Fatalf("unrelated abort released %d", n)
	}
	if n := c.Abort(ByLayer("lyr_1"), "layer closed"); n != 1 {
		t.Fatalf("released: got %d, want 1", n)
	}

	err := <-errc
	var ae *AbortError
	if !errors.As(err, &ae) || ae.RequestID != req.ID {
		t.Fatalf("err: got %v, want AbortError for %s", err, req.ID)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("network call not cancelled")
	}
	if c.InFlight() != 0 {
		t.Error("pending entry not removed")
	}
}

func TestCache_CallerCancelKeepsSharedCallForOthers(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := blockingServer(t, &hits, release)
	c := NewCache(NewFetcher(), Config{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first, _ := New("GET", srv.URL+"/shared", nil)
	second, _ := New("GET", srv.URL+"/shared", nil)

	err1 := make(chan error, 1)
	go func() {
		_, err := c.Perform(ctx, first)
		err1 <- err
	}()
	waitFor(t, func() bool { return hits.Load() == 1 })

	err2 := make(chan error, 1)
	go func() {
		_, err := c.Perform(context.Background(), second)
		err2 <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-err1; !IsAbort(err) {
		t.Fatalf("first: got %v, want abort", err)
	}
	close(release)
	if err := <-err2; err != nil {
		t.Fatalf("second: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("fetches: got %d, want 1", hits.Load())
	}
}

func TestCache_NonOKIsFailedAndNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`<form id="f">invalid</form>`))
	}))
	defer srv.Close()
	c := NewCache(NewFetcher(), Config{}, nil, nil)

	for range 2 {
		req, _ := New("GET", srv.URL+"/form", nil)
		_, err := c.Perform(context.Background(), req)
		if !errors.Is(err, ErrFailed) || IsAbort(err) {
			t.Fatalf("err: %v", err)
		}
		resp, ok := FailedResponse(err)
		if !ok || resp.Status != http.StatusUnprocessableEntity {
			t.Fatal("partial response missing")
		}
	}
	if hits.Load() != 2 {
		t.Errorf("failed response was cached: fetches=%d", hits.Load())
	}
}

func TestCache_TransportErrorIsFailed(t *testing.T) {
	doer := DoerFunc(func(context.Context, *Request) (*Response, error) {
		return nil, &FailedError{Err: errors.New("connection refused")}
	})
	c := NewCache(doer, Config{}, nil, nil)
	req, _ := New("GET", "http://x/", nil)
	_, err := c.Perform(context.Background(), req)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("err: %v", err)
	}
	if _, ok := FailedResponse(err); ok {
		t.Error("transport error must not carry a response")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	doer := DoerFunc(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{Request: req, Method: req.Method, URL: req.URL, Status: 200, Header: http.Header{}}, nil
	})
	c := NewCache(doer, Config{Capacity: 2}, nil, nil)
	for _, p := range []string{"/a", "/b", "/c"} {
		req, _ := New("GET", "http://x"+p, nil)
		if _, err := c.Perform(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("len: got %d, want 2", c.Len())
	}
	a, _ := New("GET", "http://x/a", nil)
	if _, ok := c.Get(a); ok {
		t.Error("least recently used entry survived")
	}
}

func TestCache_MutationExpiresCache(t *testing.T) {
	doer := DoerFunc(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{Request: req, Method: req.Method, URL: req.URL, Status: 200, Header: http.Header{}}, nil
	})
	c := NewCache(doer, Config{}, nil, nil)
	get, _ := New("GET", "http://x/list", nil)
	c.Perform(context.Background(), get)
	if c.Len() != 1 {
		t.Fatal("GET not cached")
	}
	post, _ := New("POST", "http://x/list", nil)
	if _, err := c.Perform(context.Background(), post); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("cache not expired after POST: len=%d", c.Len())
	}
}

func TestCache_EvictHeaderPattern(t *testing.T) {
	doer := DoerFunc(func(_ context.Context, req *Request) (*Response, error) {
		h := http.Header{}
		if req.Path() == "/refresh" {
			h.Set(HeaderEvictCache, "/users/*")
		}
		return &Response{Request: req, Method: req.Method, URL: req.URL, Status: 200, Header: h}, nil
	})
	c := NewCache(doer, Config{}, nil, nil)
	for _, p := range []string{"/users/1", "/users/2", "/posts/1", "/refresh"} {
		req, _ := New("GET", "http://x"+p, nil)
		c.Perform(context.Background(), req)
	}
	if c.Len() != 2 {
		t.Errorf("len: got %d, want 2 (posts + refresh)", c.Len())
	}
}

func TestCache_BackgroundRequestsShareSlots(t *testing.T) {
	var inFlight, peak atomic.Int32
	doer := DoerFunc(func(_ context.Context, req *Request) (*Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &Response{Request: req, Status: 200, Header: http.Header{}}, nil
	})
	c := NewCache(doer, Config{Concurrency: 2}, nil, nil)

	var wg sync.WaitGroup
	for i := range 6 {
		req, _ := New("GET", "http://x/p", nil)
		req.URL += string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Preload(context.Background(), req)
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Errorf("background concurrency: peak %d, want <= 2", peak.Load())
	}
}

func TestValidateURL(t *testing.T) {
	cases := map[string]error{
		"http://127.0.0.1/x":     ErrPrivateAddress,
		"http://10.1.2.3/":       ErrPrivateAddress,
		"http://[::1]:8080/":     ErrPrivateAddress,
		"http://169.254.169.254": ErrPrivateAddress,
		"file:///etc/passwd":     ErrUnsafeScheme,
		"https://93.184.216.34/": nil,
	}
	for raw, want := range cases {
		if err := ValidateURL(raw); !errors.Is(err, want) {
			t.Errorf("%s: got %v, want %v", raw, err, want)
		}
	}
}

func TestFetcher_URLGuardBlocksBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	f := NewFetcher(WithURLGuard(ValidateURL))
	req, _ := New(http.MethodGet, srv.URL, nil)
	_, err := f.Do(context.Background(), req)
	if !errors.Is(err, ErrFailed) || !errors.Is(err, ErrPrivateAddress) {
		t.Errorf("got %v", err)
	}
	if hits.Load() != 0 {
		t.Error("guarded request reached the server")
	}
}

func TestFetcher_OversizedBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><ul id="list"><li>one</li><li>two</li></ul></body></html>`))
	}))
	defer srv.Close()

	req, _ := New(http.MethodGet, srv.URL, nil)
	_, err := NewFetcher(WithMaxBytes(20)).Do(context.Background(), req)
	if !errors.Is(err, ErrFailed) || !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("got %v, want ErrBodyTooLarge", err)
	}

	resp, err := NewFetcher(WithMaxBytes(1<<10)).Do(context.Background(), req)
	if err != nil || resp.Status != http.StatusOK {
		t.Fatalf("body under the cap: %v", err)
	}
}

func TestCache_NotModifiedIsNotStored(t *testing.T) {
	// WHAT: A 304 answer is returned to its caller but never replayed from the cache.
	// WHY: It has no body; serving it later would render nothing for the whole TTL.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte(`<html><body><p>fresh</p></body></html>`))
	}))
	defer srv.Close()
	c := NewCache(NewFetcher(), Config{}, nil, nil)

	req, _ := New(http.MethodGet, srv.URL+"/page", nil)
	resp, err := c.Perform(context.Background(), req)
	if err != nil || resp.Status != http.StatusNotModified {
		t.Fatalf("first: %v", err)
	}
	req, _ = New(http.MethodGet, srv.URL+"/page", nil)
	resp, err = c.Perform(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK || hits.Load() != 2 {
		t.Errorf("second: status=%d fetches=%d", resp.Status, hits.Load())
	}
}
