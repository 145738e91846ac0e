package fragment

import (
	"fmt"
	"strings"
)

// Placement says where new content goes relative to the old element.
type Placement string

const (
	// Swap replaces the old element with the new one.
	Swap Placement = "swap"
	// Content replaces the old element's children and keeps the element.
	Content Placement = "content"
	// Before prepends the new element's children to the old element.
	Before Placement = "before"
	// After appends the new element's children to the old element.
	After Placement = "after"
)

// Pseudo selectors understood on top of CSS.
const (
	SelMain  = ":main"
	SelLayer = ":layer"
	SelNone  = ":none"
)

// Part is one element of a target union.
type Part struct {
	Selector  string
	Placement Placement
	// Maybe parts are skipped when they do not resolve.
	Maybe bool
}

func (p Part) String() string {
	s := p.Selector
	if p.Placement != Swap {
		s += ":" + string(p.Placement)
	}
	if p.Maybe {
		s += ":maybe"
	}
	return s
}

// Target is a parsed target string: a union of parts that must all resolve.
type Target []Part

func (t Target) String() string {
	parts := make([]string, len(t))
	for i, p := range t {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

var qualifiers = []struct {
	suffix    string
	placement Placement
	maybe     bool
}{
	{":maybe", "", true},
	{":before", Before, false},
	{":prepend", Before, false},
	{":after", After, false},
	{":append", After, false},
	{":content", Content, false},
}

// ParseTarget parses "#a, .b:after, #c:maybe".
func ParseTarget(s string) (Target, error) {
	var t Target
	for _, raw := range splitUnion(s) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p := Part{Placement: Swap}
	strip:
		for {
			for _, q := range qualifiers {
				if strings.HasSuffix(raw, q.suffix) {
					raw = strings.TrimSpace(strings.TrimSuffix(raw, q.suffix))
					if q.maybe {
						p.Maybe = true
					} else {
						p.Placement = q.placement
					}
					continue strip
				}
			}
			break
		}
		if raw == "" {
			return nil, fmt.Errorf("fragment: target %q: qualifier without selector", s)
		}
		p.Selector = raw
		t = append(t, p)
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("fragment: empty target %q", s)
	}
	return t, nil
}

// IsNone reports whether s is the target that renders nothing.
func IsNone(s string) bool { return strings.TrimSpace(s) == SelNone }

// splitUnion splits on top-level commas, ignoring those inside brackets,
// parentheses or quotes.
func splitUnion(s string) []string {
	var out []string
	depth, start := 0, 0
	var quote rune
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(' || r == '[':
			depth++
		case r == ')' || r == ']':
			depth--
		case r == ',' && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// ExpandMain replaces every alternative mentioning :main with one
// alternative per main selector, in order.
func ExpandMain(alternatives, main []string) []string {
	var out []string
	for _, alt := range alternatives {
		if !strings.Contains(alt, SelMain) {
			out = append(out, alt)
			continue
		}
		for _, m := range main {
			out = append(out, strings.ReplaceAll(alt, SelMain, m))
		}
	}
	return out
}
