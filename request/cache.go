// CLAUDE:SUMMARY Request cache and queue: one network call per key, LRU+TTL responses, abort by predicate, background semaphore.
package request

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/fragnav/events"
)

// Config tunes a Cache. Zero fields take defaults.
type Config struct {
	// Capacity is the maximum number of completed responses kept.
	Capacity int
	// Expiry is how long a completed response stays fresh.
	Expiry time.Duration
	// Concurrency is the number of background requests allowed in flight.
	// Foreground requests are never queued.
	Concurrency int
	// KeepOnMutation disables the cache purge after a successful non-GET.
	KeepOnMutation bool
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 70
	}
	if c.Expiry <= 0 {
		c.Expiry = 15 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 6
	}
}

// Cache de-duplicates in-flight requests and caches completed responses.
// It is safe for concurrent use.
type Cache struct {
	doer   Doer
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*call
	done    *expirable.LRU[string, *Response]
	sem     *semaphore.Weighted
}

// call is one shared network fetch.
type call struct {
	key      string // pending map key
	storeKey string // LRU key
	ctx      context.Context
	cancel   context.CancelCauseFunc
	done     chan struct{}
	resp     *Response
	err      error
	waiters  map[*waiter]struct{}
}

// waiter is one caller attached to a call.
type waiter struct {
	req    *Request
	abort  chan struct{}
	reason string
}

func (w *waiter) release(reason string) {
	w.reason = reason
	close(w.abort)
}

// NewCache creates a Cache performing network calls through doer.
// bus and logger may be nil.
func NewCache(doer Doer, cfg Config, bus *events.Bus, logger *slog.Logger) *Cache {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		doer:    doer,
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		pending: make(map[string]*call),
		done:    expirable.NewLRU[string, *Response](cfg.Capacity, nil, cfg.Expiry),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Perform resolves req. A cacheable request is answered from a fresh cached
// response or joined to an equivalent in-flight call; otherwise a network
// call is issued. Cancelling ctx detaches this caller only: the network call
// is cancelled once no caller waits for it.
func (c *Cache) Perform(ctx context.Context, req *Request) (*Response, error) {
	if ctx.Err() != nil {
		return nil, &AbortError{Reason: "caller cancelled", RequestID: req.ID}
	}

	key := req.CacheKey()
	c.mu.Lock()
	if req.Cacheable() {
		if resp, ok := c.done.Get(key); ok {
			c.mu.Unlock()
			c.emit(events.RequestHit, req, nil)
			return resp, nil
		}
		if cl, ok := c.pending[key]; ok {
			w := cl.attach(req)
			c.mu.Unlock()
			c.logger.Debug("request: joined in-flight call", "key", key, "request_id", req.ID)
			return c.wait(ctx, cl, w)
		}
	}

	storeKey := key
	if !req.Cacheable() {
		key = key + "#" + req.ID
	}
	callCtx, cancel := context.WithCancelCause(context.Background())
	cl := &call{
		key:      key,
		storeKey: storeKey,
		ctx:      callCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		waiters:  make(map[*waiter]struct{}),
	}
	w := cl.attach(req)
	c.pending[key] = cl
	c.mu.Unlock()

	c.emit(events.RequestLoad, req, nil)
	go c.run(cl, req)
	return c.wait(ctx, cl, w)
}

func (cl *call) attach(req *Request) *waiter {
	w := &waiter{req: req, abort: make(chan struct{})}
	cl.waiters[w] = struct{}{}
	return w
}

func (c *Cache) wait(ctx context.Context, cl *call, w *waiter) (*Response, error) {
	select {
	case <-cl.done:
		return cl.resp, cl.err
	case <-w.abort:
		return nil, &AbortError{Reason: w.reason, RequestID: w.req.ID}
	case <-ctx.Done():
		if c.detach(cl, w) {
			c.emit(events.RequestAborted, w.req, nil)
		}
		select {
		case <-cl.done:
			// Finished while detaching: the result is still valid.
			return cl.resp, cl.err
		default:
		}
		return nil, &AbortError{Reason: "caller cancelled", RequestID: w.req.ID}
	}
}

// detach removes w from cl and cancels cl when nobody is left waiting.
func (c *Cache) detach(cl *call, w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := cl.waiters[w]; !ok {
		return false
	}
	delete(cl.waiters, w)
	if len(cl.waiters) == 0 {
		c.dropLocked(cl, "no waiters left")
	}
	return true
}

func (c *Cache) dropLocked(cl *call, reason string) {
	cl.cancel(&AbortError{Reason: reason})
	if c.pending[cl.key] == cl {
		delete(c.pending, cl.key)
	}
}

func (c *Cache) run(cl *call, req *Request) {
	defer cl.cancel(nil)

	if req.Background {
		if err := c.sem.Acquire(cl.ctx, 1); err != nil {
			c.finish(cl, req, nil, &AbortError{Reason: "aborted while queued", RequestID: req.ID})
			return
		}
		defer c.sem.Release(1)
	}

	resp, err := c.doer.Do(cl.ctx, req)
	if err == nil && !resp.OK() {
		err = &FailedError{Response: resp}
	}
	if err != nil && cl.ctx.Err() != nil && !IsAbort(err) {
		err = &AbortError{Reason: "network call cancelled", RequestID: req.ID}
	}
	c.finish(cl, req, resp, err)
}

func (c *Cache) finish(cl *call, req *Request, resp *Response, err error) {
	c.mu.Lock()
	if c.pending[cl.key] == cl {
		delete(c.pending, cl.key)
	}
	if err == nil {
		c.storeLocked(cl, req, resp)
	}
	cl.resp, cl.err = resp, err
	close(cl.done)
	c.mu.Unlock()

	switch {
	case err == nil:
		c.emit(events.RequestLoaded, req, resp)
	case IsAbort(err):
		c.logger.Debug("request: aborted", "request_id", req.ID, "url", req.URL, "error", err)
	default:
		c.logger.Warn("request: failed", "request_id", req.ID, "url", req.URL, "error", err)
		failed, _ := FailedResponse(err)
		c.emit(events.RequestFailed, req, failed)
	}
}

func (c *Cache) storeLocked(cl *call, req *Request, resp *Response) {
	expire := resp.ExpireCache()
	if req.Safe() {
		// A 304 carries no body to replay.
		if resp.Status >= 200 && resp.Status < 300 {
			c.done.Add(cl.storeKey, resp)
		}
	} else if !c.cfg.KeepOnMutation && expire != "false" {
		c.done.Purge()
	}
	if expire != "" && expire != "false" {
		c.evictLocked(expire)
	}
	if evict := resp.EvictCache(); evict != "" {
		c.evictLocked(evict)
	}
}

// Abort releases every waiter whose request matches with an *AbortError.
// Calls left without waiters are cancelled, which propagates to the network
// client, and removed from the pending set. Returns the number of released
// waiters.
func (c *Cache) Abort(match func(*Request) bool, reason string) int {
	var released []*Request
	c.mu.Lock()
	for _, cl := range c.pending {
		for w := range cl.waiters {
			if !match(w.req) {
				continue
			}
			delete(cl.waiters, w)
			w.release(reason)
			released = append(released, w.req)
		}
		if len(cl.waiters) == 0 {
			c.dropLocked(cl, reason)
		}
	}
	c.mu.Unlock()

	for _, req := range released {
		c.emit(events.RequestAborted, req, nil)
	}
	if len(released) > 0 {
		c.logger.Debug("request: aborted waiters", "count", len(released), "reason", reason)
	}
	return len(released)
}

// ByLayer matches requests issued for the layer with the given id.
func ByLayer(layerID string) func(*Request) bool {
	return func(r *Request) bool { return r.LayerID == layerID }
}

// ByID matches a single request.
func ByID(id string) func(*Request) bool {
	return func(r *Request) bool { return r.ID == id }
}

// ByTarget matches requests for the given target selector.
func ByTarget(target string) func(*Request) bool {
	return func(r *Request) bool { return r.Target == target }
}

// All matches every request.
func All() func(*Request) bool {
	return func(*Request) bool { return true }
}

// Evict removes completed responses whose URL matches pattern. pattern is a
// space-separated list of "*" (everything), absolute URLs, or path globs
// ("/users/*"). Returns the number of removed entries.
func (c *Cache) Evict(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(pattern)
}

// Expire marks matching responses stale. Stale responses are never served,
// so this is Evict.
func (c *Cache) Expire(pattern string) int { return c.Evict(pattern) }

func (c *Cache) evictLocked(pattern string) int {
	n := 0
	for _, key := range c.done.Keys() {
		if keyMatches(key, pattern) {
			c.done.Remove(key)
			n++
		}
	}
	return n
}

func keyMatches(key, pattern string) bool {
	// key: "METHOD URL[ params]"
	parts := strings.SplitN(key, " ", 3)
	if len(parts) < 2 {
		return false
	}
	raw := parts[1]
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	for _, p := range strings.Fields(pattern) {
		switch {
		case p == "*":
			return true
		case p == raw:
			return true
		case strings.HasPrefix(p, "/"):
			if ok, _ := path.Match(p, u.Path); ok {
				return true
			}
			if p == u.RequestURI() {
				return true
			}
		default:
			if pu, err := url.Parse(p); err == nil && pu.IsAbs() {
				if strings.EqualFold(pu.Host, u.Host) {
					if ok, _ := path.Match(pu.Path, u.Path); ok {
						return true
					}
				}
			}
		}
	}
	return false
}

// Preload performs req in the background queue and keeps only its cache
// entry.
func (c *Cache) Preload(ctx context.Context, req *Request) error {
	req.Background = true
	_, err := c.Perform(ctx, req)
	return err
}

// Len returns the number of completed responses held.
func (c *Cache) Len() int { return c.done.Len() }

// InFlight returns the number of pending network calls.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Get returns a fresh cached response for req without touching the network.
func (c *Cache) Get(req *Request) (*Response, bool) {
	if !req.Cacheable() {
		return nil, false
	}
	return c.done.Peek(req.CacheKey())
}

func (c *Cache) emit(t events.Type, req *Request, resp *Response) {
	if c.bus == nil {
		return
	}
	ev := events.Event{
		Type:      t,
		LayerID:   req.LayerID,
		RequestID: req.ID,
		URL:       req.URL,
		Target:    req.Target,
		Data:      map[string]any{"method": req.Method},
	}
	if resp != nil {
		ev.Data["status"] = resp.Status
	}
	c.bus.Emit(context.Background(), ev)
}
