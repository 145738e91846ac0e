// Package request models the outgoing fetches of a render and the Cache that
// de-duplicates, caches and aborts them.
//
// A Request is identified for caching purposes by its cache key: the method,
// the normalised URL and the sorted params. Two cacheable requests with the
// same key are interchangeable: the Cache issues at most one network call for
// them and hands both callers the same Response.
package request

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hazyhaar/fragnav/idgen"
)

// Request describes one fetch. Build it with New; treat it as immutable once
// submitted to a Cache.
type Request struct {
	ID     string
	Method string
	// URL is normalised. For GET and HEAD, Params are already merged into
	// its query.
	URL    string
	Params url.Values
	Header http.Header

	Target     string
	FailTarget string
	Mode       string
	FailMode   string
	LayerID    string

	// Cache allows the response to be served from the cache or from an
	// equivalent in-flight request.
	Cache bool
	// Background requests yield to foreground ones: they wait for a free
	// concurrency slot.
	Background bool
}

// New builds a normalised request. Method defaults to GET.
func New(method, rawURL string, params url.Values) (*Request, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	if isSafe(method) && len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		params = url.Values{}
	}
	return &Request{
		ID:     idgen.Request(),
		Method: method,
		URL:    u.String(),
		Params: params,
		Header: http.Header{},
		Cache:  isSafe(method),
	}, nil
}

func normalizeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("request: parse url %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request: url %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u, nil
}

// Resolve turns ref into an absolute URL relative to base.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("request: parse base %q: %w", base, err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("request: parse ref %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func isSafe(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Safe reports whether the request does not mutate server state.
func (r *Request) Safe() bool { return isSafe(r.Method) }

// Cacheable reports whether the request may be answered from the cache or
// joined to an equivalent in-flight request.
func (r *Request) Cacheable() bool { return r.Cache && r.Safe() }

// CacheKey identifies equivalent requests.
func (r *Request) CacheKey() string {
	key := r.Method + " " + r.URL
	if len(r.Params) > 0 {
		key += " " + r.Params.Encode()
	}
	return key
}

// Path returns the path component of the request URL.
func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Path
}

func (r *Request) String() string {
	return r.Method + " " + r.URL
}
