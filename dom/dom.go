// Package dom is the document boundary of fragnav. It parses and serialises
// golang.org/x/net/html trees and provides the small amount of tree surgery the
// fragment swapper needs (detach, replace, move children, deep clone).
//
// Nothing in this package is safe for concurrent use: callers serialise access
// to a live document themselves (see render.Loop).
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Parse reads a complete HTML document. Fragments are wrapped into
// html/head/body by the HTML5 parsing algorithm.
func Parse(r io.Reader) (*html.Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return doc, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*html.Node, error) {
	return Parse(strings.NewReader(s))
}

// MustParse parses s and panics on error. Intended for tests and fixtures.
func MustParse(s string) *html.Node {
	doc, err := ParseString(s)
	if err != nil {
		panic(err)
	}
	return doc
}

// Render returns the outer HTML of n.
func Render(n *html.Node) string {
	if n == nil {
		return ""
	}
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

// InnerHTML returns the serialised children of n.
func InnerHTML(n *html.Node) string {
	if n == nil {
		return ""
	}
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

// Text returns the concatenated text content of n.
func Text(n *html.Node) string {
	var sb strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return sb.String()
}

// Walk visits n and its descendants depth-first. Returning false from fn
// skips the children of the visited node.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// Attr returns the value of an attribute on a node.
func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr checks if a node has a specific attribute.
func HasAttr(n *html.Node, key string) bool {
	if n == nil {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// SetAttr sets or overwrites an attribute.
func SetAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes an attribute if present.
func RemoveAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

// NewElement creates a detached element with the given attributes
// (alternating key, value).
func NewElement(tag string, kv ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(kv); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: kv[i], Val: kv[i+1]})
	}
	return n
}

// Clone deep-copies n. The copy is detached.
func Clone(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	for k := n.FirstChild; k != nil; k = k.NextSibling {
		c.AppendChild(Clone(k))
	}
	return c
}

// Detach removes n from its parent. No-op on detached nodes.
func Detach(n *html.Node) {
	if n != nil && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// ReplaceWith puts repl where old is and detaches old. repl is detached from
// its current parent first.
func ReplaceWith(old, repl *html.Node) {
	parent := old.Parent
	if parent == nil {
		return
	}
	Detach(repl)
	parent.InsertBefore(repl, old)
	parent.RemoveChild(old)
}

// Children returns the direct children of n as a slice, safe to iterate while
// moving nodes around.
func Children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// ElementChildren returns only the element children of n.
func ElementChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// Contains reports whether n is ancestor itself or one of its descendants.
func Contains(ancestor, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Attached reports whether n is still connected to a document node.
func Attached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.DocumentNode {
			return true
		}
	}
	return false
}

// Closest returns the nearest ancestor-or-self for which pred holds.
func Closest(n *html.Node, pred func(*html.Node) bool) *html.Node {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && pred(p) {
			return p
		}
	}
	return nil
}

// FindByTag returns the first element with the given tag below root.
func FindByTag(root *html.Node, tag atom.Atom) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == tag {
			found = n
			return false
		}
		return true
	})
	return found
}

// HTMLElement returns the <html> element of doc.
func HTMLElement(doc *html.Node) *html.Node { return FindByTag(doc, atom.Html) }

// Body returns the <body> element of doc.
func Body(doc *html.Node) *html.Node { return FindByTag(doc, atom.Body) }

// Head returns the <head> element of doc.
func Head(doc *html.Node) *html.Node { return FindByTag(doc, atom.Head) }

// Title returns the trimmed <title> text of doc, or "".
func Title(doc *html.Node) string {
	head := Head(doc)
	if head == nil {
		return ""
	}
	t := FindByTag(head, atom.Title)
	if t == nil {
		return ""
	}
	return strings.TrimSpace(Text(t))
}

// SetTitle replaces the <title> text of doc, creating the element when
// missing.
func SetTitle(doc *html.Node, title string) {
	head := Head(doc)
	if head == nil {
		return
	}
	t := FindByTag(head, atom.Title)
	if t == nil {
		t = NewElement("title")
		head.AppendChild(t)
	}
	for _, c := range Children(t) {
		t.RemoveChild(c)
	}
	t.AppendChild(&html.Node{Type: html.TextNode, Data: title})
}

// ParseFragment parses s as the children of a shallow copy of context and
// returns that copy.
func ParseFragment(s string, context *html.Node) (*html.Node, error) {
	shell := &html.Node{
		Type:     html.ElementNode,
		DataAtom: context.DataAtom,
		Data:     context.Data,
		Attr:     append([]html.Attribute(nil), context.Attr...),
	}
	nodes, err := html.ParseFragment(strings.NewReader(s), shell)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	for _, n := range nodes {
		shell.AppendChild(n)
	}
	return shell, nil
}
