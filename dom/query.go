// CLAUDE:SUMMARY CSS selector compilation (cascadia) with a process-wide compiled-selector cache.
package dom

import (
	"fmt"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var selectorCache sync.Map // string -> cascadia.Selector

// Compile parses a CSS selector. Compiled selectors are cached by source text.
func Compile(sel string) (cascadia.Selector, error) {
	if v, ok := selectorCache.Load(sel); ok {
		return v.(cascadia.Selector), nil
	}
	s, err := cascadia.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("dom: invalid selector %q: %w", sel, err)
	}
	selectorCache.Store(sel, s)
	return s, nil
}

// QueryAll returns every element under root (root included) matching sel,
// in document order.
func QueryAll(root *html.Node, sel string) ([]*html.Node, error) {
	s, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	return s.MatchAll(root), nil
}

// Query returns the first element under root (root included) matching sel,
// or nil.
func Query(root *html.Node, sel string) (*html.Node, error) {
	s, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	return s.MatchFirst(root), nil
}

// QueryFilter returns the first element under root matching sel for which
// keep holds. Used to scope lookups to a single layer.
func QueryFilter(root *html.Node, sel string, keep func(*html.Node) bool) (*html.Node, error) {
	all, err := QueryAll(root, sel)
	if err != nil {
		return nil, err
	}
	for _, n := range all {
		if keep(n) {
			return n, nil
		}
	}
	return nil, nil
}

// Matches reports whether n itself matches sel. Invalid selectors never match.
func Matches(n *html.Node, sel string) bool {
	s, err := Compile(sel)
	if err != nil {
		return false
	}
	return s.Match(n)
}
