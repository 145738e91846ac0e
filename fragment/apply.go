package fragment

import (
	"slices"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
	"github.com/hazyhaar/fragnav/layer"
	"github.com/hazyhaar/fragnav/mutation"
)

// AttributePolicy decides which attributes of the new root are copied onto
// the preserved old root in a Content placement. Protected attributes are
// never copied, even when listed in Copy.
type AttributePolicy struct {
	Copy      []string
	Protected []string
}

// DefaultAttributePolicy keeps every attribute of the old root.
func DefaultAttributePolicy() AttributePolicy {
	return AttributePolicy{
		Protected: []string{"id", AttrKeep, layer.AttrLayerID, layer.AttrMode, layer.AttrSize, layer.AttrDismissable},
	}
}

func (p AttributePolicy) copies(name string) bool {
	return slices.Contains(p.Copy, name) && !slices.Contains(p.Protected, name)
}

// Result lists what Apply changed. Inserted and Removed hold subtree roots
// (elements only); Kept holds the old elements carried over.
type Result struct {
	Inserted []*html.Node
	Removed  []*html.Node
	Kept     []*html.Node
}

// Apply performs every step of m, in order, and records each mutation in j
// (which may be nil). Call Verify first: Apply itself does not fail.
func Apply(m *Match, policy AttributePolicy, j *mutation.Journal) Result {
	var res Result
	for _, s := range m.Steps {
		if s.SelfKept {
			j.Keep(s.Old)
			res.Kept = append(res.Kept, s.Old)
			continue
		}
		for _, k := range s.Keeps {
			carry(k)
			j.Keep(k.Old)
			res.Kept = append(res.Kept, k.Old)
		}
		switch s.Placement {
		case Swap:
			swap(s, j, &res)
		case Content:
			replaceContent(s, policy, j, &res)
		case Before:
			prepend(s, j, &res)
		case After:
			appendChildren(s, j, &res)
		}
	}
	return res
}

func carry(k Keep) {
	dom.Detach(k.Old)
	if k.Partner != nil && k.Partner.Parent != nil {
		dom.ReplaceWith(k.Partner, k.Old)
		return
	}
	parent := k.Parent
	if parent == nil || !dom.Contains(k.Root, parent) {
		parent = k.Root
	}
	parent.AppendChild(k.Old)
}

func swap(s Step, j *mutation.Journal, res *Result) {
	j.Remove(s.Old)
	dom.ReplaceWith(s.Old, s.New)
	j.Insert(s.New)
	res.Removed = append(res.Removed, s.Old)
	res.Inserted = append(res.Inserted, s.New)
}

func replaceContent(s Step, policy AttributePolicy, j *mutation.Journal, res *Result) {
	for _, a := range s.New.Attr {
		if policy.copies(a.Key) && dom.Attr(s.Old, a.Key) != a.Val {
			dom.SetAttr(s.Old, a.Key, a.Val)
			j.Attr(s.Old, a.Key, a.Val)
		}
	}
	for _, c := range dom.Children(s.Old) {
		if significant(c) {
			j.Remove(c)
		}
		dom.Detach(c)
		if c.Type == html.ElementNode {
			res.Removed = append(res.Removed, c)
		}
	}
	moveChildren(s.New, s.Old, nil, j, res)
}

func prepend(s Step, j *mutation.Journal, res *Result) {
	moveChildren(s.New, s.Old, s.Old.FirstChild, j, res)
}

func appendChildren(s Step, j *mutation.Journal, res *Result) {
	moveChildren(s.New, s.Old, nil, j, res)
}

// moveChildren moves every child of from into to, before ref (nil: at the
// end).
func moveChildren(from, to, ref *html.Node, j *mutation.Journal, res *Result) {
	for _, c := range dom.Children(from) {
		dom.Detach(c)
		to.InsertBefore(c, ref)
		if significant(c) {
			j.Insert(c)
		}
		if c.Type == html.ElementNode {
			res.Inserted = append(res.Inserted, c)
		}
	}
}

// significant reports whether n is worth a journal record.
func significant(n *html.Node) bool {
	switch n.Type {
	case html.ElementNode:
		return true
	case html.TextNode:
		return strings.TrimSpace(n.Data) != ""
	}
	return false
}
