// Package fragment resolves which old elements a render replaces and with
// which new elements, and applies the resulting swaps.
//
// Matching is pure: FirstSwappableTarget and FindContent read the live
// document and the parsed response but never mutate them. All mutation
// happens in Apply, which cannot fail once Verify has passed, so a render
// either applies every resolved swap or none.
package fragment

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
	"github.com/hazyhaar/fragnav/layer"
)

var (
	// ErrTargetNotFound means no alternative resolved on the live layer:
	// there is nothing to replace.
	ErrTargetNotFound = errors.New("fragment: target not found")
	// ErrContentNotFound means an alternative resolved on the live layer
	// but the response did not contain the matching content.
	ErrContentNotFound = errors.New("fragment: content not found")
)

// Options scopes a match.
type Options struct {
	// Layer whose elements may be replaced. Required.
	Layer *layer.Layer
	// Document is the parsed response.
	Document *html.Node
	// Main lists the selectors :main expands to.
	Main []string
}

// Step is one resolved swap.
type Step struct {
	Part
	Old   *html.Node
	New   *html.Node
	Keeps []Keep
	// SelfKept is set when the old element itself survives: it is marked
	// up-keep and its partner is the new element. The step then changes
	// nothing.
	SelfKept bool
}

// Match is the outcome of matching one alternative.
type Match struct {
	// Target is the alternative that resolved.
	Target string
	Layer  *layer.Layer
	Steps  []Step
}

// Selectors returns the selectors of the resolved steps.
func (m *Match) Selectors() []string {
	out := make([]string, len(m.Steps))
	for i, s := range m.Steps {
		out[i] = s.Selector
	}
	return out
}

// FirstSwappableTarget tries each alternative in order and returns the first
// one whose every required part resolves both in the layer and in the
// response. Old elements are only looked up inside opts.Layer.
func FirstSwappableTarget(alternatives []string, opts Options) (*Match, error) {
	if opts.Layer == nil || opts.Document == nil {
		return nil, fmt.Errorf("fragment: match: layer and document are required")
	}
	alternatives = ExpandMain(alternatives, opts.Main)

	sawOld := false
	for _, alt := range alternatives {
		t, err := ParseTarget(alt)
		if err != nil {
			return nil, err
		}
		steps, oldOK, err := resolve(t, opts)
		if err != nil {
			return nil, err
		}
		if !oldOK {
			continue
		}
		sawOld = true
		if steps == nil {
			continue
		}
		return &Match{Target: alt, Layer: opts.Layer, Steps: planKeeps(isolate(dropNested(steps)))}, nil
	}

	list := strings.Join(alternatives, " | ")
	if sawOld {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, list)
	}
	return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, list)
}

// resolve matches one alternative. oldOK reports whether every required
// part resolved in the layer; steps is nil when a required part is missing
// from the response.
func resolve(t Target, opts Options) (steps []Step, oldOK bool, err error) {
	for _, p := range t {
		old, placement, err := findOld(p, opts.Layer)
		if err != nil {
			return nil, false, err
		}
		if old == nil {
			if p.Maybe {
				continue
			}
			return nil, false, nil
		}
		p.Placement = placement
		steps = append(steps, Step{Part: p, Old: old})
	}
	if len(steps) == 0 {
		return nil, false, nil
	}

	var out []Step
	for _, s := range steps {
		nw, err := findNew(s.Part, opts.Document)
		if err != nil {
			return nil, true, err
		}
		if nw == nil {
			if s.Maybe {
				continue
			}
			return nil, true, nil
		}
		s.New = nw
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, true, nil
	}
	return out, true, nil
}

// layerWide reports whether sel addresses the whole layer.
func layerWide(sel string) bool {
	return sel == SelLayer || sel == "body" || sel == "html"
}

func findOld(p Part, l *layer.Layer) (*html.Node, Placement, error) {
	if layerWide(p.Selector) {
		// Only a full swap addresses <html> itself; other placements work on
		// the body, as they do on the new side.
		if l.IsRoot() && p.Selector == "html" && p.Placement == Swap {
			return l.Element(), p.Placement, nil
		}
		placement := p.Placement
		// An overlay's content element is never replaced as a whole.
		if l.IsOverlay() && placement == Swap {
			placement = Content
		}
		return l.ContentElement(), placement, nil
	}
	n, err := dom.QueryFilter(l.Element(), p.Selector, l.Contains)
	if err != nil {
		return nil, "", fmt.Errorf("fragment: %w", err)
	}
	return n, p.Placement, nil
}

func findNew(p Part, doc *html.Node) (*html.Node, error) {
	if layerWide(p.Selector) {
		if p.Selector == "html" && p.Placement == Swap {
			return dom.HTMLElement(doc), nil
		}
		return dom.Body(doc), nil
	}
	n, err := dom.Query(doc, p.Selector)
	if err != nil {
		return nil, fmt.Errorf("fragment: %w", err)
	}
	return n, nil
}

// dropNested removes steps whose old element is inside another step that
// replaces it anyway, and duplicates.
func dropNested(steps []Step) []Step {
	out := steps[:0:0]
	for i, s := range steps {
		covered := false
		for j, o := range steps {
			if i == j || (o.Placement != Swap && o.Placement != Content) {
				continue
			}
			if o.Old == s.Old {
				covered = j < i
			} else if dom.Contains(o.Old, s.Old) {
				covered = true
			}
			if covered {
				break
			}
		}
		if !covered {
			out = append(out, s)
		}
	}
	return out
}

// isolate clones new elements nested inside another step's new element so
// that applying one step never moves content another step still needs.
func isolate(steps []Step) []Step {
	for i := range steps {
		for j := range steps {
			if i != j && steps[i].New != steps[j].New && dom.Contains(steps[j].New, steps[i].New) {
				steps[i].New = dom.Clone(steps[i].New)
				break
			}
		}
	}
	return steps
}

// FindContent resolves alternatives against the response only. It is used
// when the render opens a new layer and there is no old element yet.
func FindContent(alternatives []string, doc *html.Node, main []string) (*Match, error) {
	alternatives = ExpandMain(alternatives, main)
	for _, alt := range alternatives {
		t, err := ParseTarget(alt)
		if err != nil {
			return nil, err
		}
		var steps []Step
		ok := true
		for _, p := range t {
			nw, err := findNew(p, doc)
			if err != nil {
				return nil, err
			}
			if nw == nil {
				if p.Maybe {
					continue
				}
				ok = false
				break
			}
			steps = append(steps, Step{Part: p, New: nw})
		}
		if ok && len(steps) > 0 {
			return &Match{Target: alt, Steps: steps}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrContentNotFound, strings.Join(alternatives, " | "))
}

// Verify checks that every old element of m is still attached to its layer.
// A match planned before the document changed must be re-planned.
func Verify(m *Match) error {
	for _, s := range m.Steps {
		if s.Old == nil {
			return fmt.Errorf("fragment: verify %s: no old element", s.Selector)
		}
		if !dom.Attached(s.Old) || !m.Layer.Contains(s.Old) {
			return fmt.Errorf("%w: %s is no longer in layer %s", ErrTargetNotFound, s.Selector, m.Layer.ID)
		}
		for _, k := range s.Keeps {
			if !dom.Attached(k.Old) {
				return fmt.Errorf("%w: keep element %s detached", ErrTargetNotFound, dom.Path(k.Old))
			}
		}
	}
	return nil
}
