package fragment

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
)

// AttrKeep marks an element that survives swaps. Its value is an optional
// selector for the partner in the new content; "" or "&" pair by id.
// up-keep="false" opts out.
const AttrKeep = "up-keep"

// Keep moves one old element into the new content.
type Keep struct {
	Old *html.Node
	// Partner is the new element Old replaces. Nil when the new content has
	// no free partner: Old is then appended to Parent.
	Partner *html.Node
	Parent  *html.Node
	// Root is the new content root, the last resort for re-attaching Old.
	Root *html.Node
}

func keepable(n *html.Node) bool {
	if n.Type != html.ElementNode || !dom.HasAttr(n, AttrKeep) {
		return false
	}
	return strings.TrimSpace(dom.Attr(n, AttrKeep)) != "false"
}

// partnerSelector returns the selector locating n's partner, or "".
func partnerSelector(n *html.Node) string {
	v := strings.TrimSpace(dom.Attr(n, AttrKeep))
	if v != "" && v != "&" && v != "true" {
		return v
	}
	if id := dom.Attr(n, "id"); id != "" {
		return `[id="` + strings.ReplaceAll(id, `"`, `\"`) + `"]`
	}
	return ""
}

func findPartner(old, newRoot *html.Node) *html.Node {
	sel := partnerSelector(old)
	if sel == "" {
		return nil
	}
	p, err := dom.Query(newRoot, sel)
	if err != nil {
		return nil
	}
	return p
}

// optsOut reports whether the partner refuses to keep the old element.
func optsOut(partner *html.Node) bool {
	return partner != nil && dom.HasAttr(partner, AttrKeep) &&
		strings.TrimSpace(dom.Attr(partner, AttrKeep)) == "false"
}

// planKeeps finds the keep elements each replacing step must carry over.
func planKeeps(steps []Step) []Step {
	for i := range steps {
		s := &steps[i]
		if s.Placement != Swap && s.Placement != Content {
			continue
		}
		if s.Placement == Swap && keepable(s.Old) {
			if p := findPartner(s.Old, s.New); p == s.New && !optsOut(p) {
				s.SelfKept = true
				continue
			}
		}
		s.Keeps = collectKeeps(s.Old, s.New)
	}
	return steps
}

// collectKeeps walks the old subtree below oldRoot. Nested keep elements
// travel with their outermost keep ancestor. A partner is claimed by the
// first keep element resolving to it; later ones are re-attached like
// unpartnered elements.
func collectKeeps(oldRoot, newRoot *html.Node) []Keep {
	var out []Keep
	claimed := make(map[*html.Node]bool)
	for c := oldRoot.FirstChild; c != nil; c = c.NextSibling {
		dom.Walk(c, func(n *html.Node) bool {
			if !keepable(n) {
				return true
			}
			partner := findPartner(n, newRoot)
			if optsOut(partner) {
				return true
			}
			if partner == newRoot {
				// The whole new content is the partner: nothing to carry.
				return false
			}
			if claimed[partner] || insideClaimed(partner, claimed) {
				partner = nil
			}
			k := Keep{Old: n, Partner: partner, Parent: newParent(n, oldRoot, newRoot), Root: newRoot}
			if partner != nil {
				claimed[partner] = true
			}
			out = append(out, k)
			return false
		})
	}
	return out
}

// insideClaimed reports whether n lies inside a partner already replaced by
// another keep element.
func insideClaimed(n *html.Node, claimed map[*html.Node]bool) bool {
	if n == nil {
		return false
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if claimed[p] {
			return true
		}
	}
	return false
}

// newParent picks where an unpartnered keep element is re-attached: the new
// element carrying its old parent's id, else the new root.
func newParent(n, oldRoot, newRoot *html.Node) *html.Node {
	if n.Parent != nil && n.Parent != oldRoot {
		if id := dom.Attr(n.Parent, "id"); id != "" {
			if p, err := dom.Query(newRoot, `[id="`+strings.ReplaceAll(id, `"`, `\"`)+`"]`); err == nil && p != nil {
				return p
			}
		}
	}
	return newRoot
}
