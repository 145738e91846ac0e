// CLAUDE:SUMMARY HTTP fetcher sending protocol headers and returning a Response for every status.
package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Doer performs a single network fetch. The Cache calls it at most once per
// in-flight cache key. Implementations must honour ctx cancellation.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f DoerFunc) Do(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// Fetcher is the net/http Doer.
type Fetcher struct {
	client   *http.Client
	ua       string
	maxBytes int64
	guard    func(string) error
	logger   *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithMaxBytes caps the response body size. Default: 10MB.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithURLGuard vets every URL before it is fetched, redirects included.
// A rejected URL fails the request without touching the network.
func WithURLGuard(fn func(string) error) Option {
	return func(f *Fetcher) { f.guard = fn }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a Fetcher with sensible defaults.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		ua:       "Mozilla/5.0 (compatible; fragnav/1.0)",
		maxBytes: 10 << 20,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	if f.guard != nil {
		c := *f.client
		c.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return f.guard(r.URL.String())
		}
		f.client = &c
	}
	return f
}

// Do sends req. Every HTTP status yields a Response; only transport errors
// and cancellation yield an error.
func (f *Fetcher) Do(ctx context.Context, req *Request) (*Response, error) {
	if f.guard != nil {
		if err := f.guard(req.URL); err != nil {
			return nil, &FailedError{Err: err}
		}
	}
	var body io.Reader
	if !req.Safe() && len(req.Params) > 0 {
		body = strings.NewReader(req.Params.Encode())
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &FailedError{Err: fmt.Errorf("new request: %w", err)}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Header.Set("User-Agent", f.ua)
	hreq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	hreq.Header.Set("X-Requested-With", "XMLHttpRequest")
	hreq.Header.Set(HeaderVersion, ProtocolVersion)
	setIf(hreq.Header, HeaderTarget, req.Target)
	setIf(hreq.Header, HeaderFailTarget, req.FailTarget)
	setIf(hreq.Header, HeaderMode, req.Mode)
	setIf(hreq.Header, HeaderFailMode, req.FailMode)
	if body != nil {
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, &AbortError{Reason: "network call cancelled", RequestID: req.ID}
		}
		return nil, &FailedError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AbortError{Reason: "network call cancelled", RequestID: req.ID}
		}
		return nil, &FailedError{Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &FailedError{Err: fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, req.URL, f.maxBytes)}
	}

	out := &Response{
		Request:  req,
		Method:   req.Method,
		URL:      resp.Request.URL.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     data,
		LoadedAt: time.Now(),
	}
	if loc := resp.Header.Get(HeaderLocation); loc != "" {
		if abs, err := Resolve(out.URL, loc); err == nil {
			out.URL = abs
		}
	}
	if m := resp.Header.Get(HeaderMethod); m != "" {
		out.Method = strings.ToUpper(m)
	} else if resp.Request.Method != req.Method {
		out.Method = resp.Request.Method
	}

	f.logger.Debug("request: fetched",
		"method", req.Method, "url", req.URL, "status", resp.StatusCode, "size", len(data))
	return out, nil
}

func setIf(h http.Header, key, val string) {
	if val != "" {
		h.Set(key, val)
	}
}
