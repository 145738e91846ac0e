package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Path returns an XPath-like location for n ("/html/body/div[2]/p").
// Detached subtrees are rooted at their topmost ancestor.
func Path(n *html.Node) string {
	if n == nil {
		return ""
	}
	var parts []string
	for c := n; c != nil && c.Type != html.DocumentNode; c = c.Parent {
		parts = append(parts, step(c))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

func step(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return "text()"
	case html.CommentNode:
		return "comment()"
	case html.ElementNode:
	default:
		return "node()"
	}

	name := n.Data
	if n.Parent == nil {
		return name
	}

	idx, total := 0, 0
	for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
		if s.Type != html.ElementNode || s.Data != name {
			continue
		}
		total++
		if s == n {
			idx = total
		}
	}
	if total > 1 {
		return fmt.Sprintf("%s[%d]", name, idx)
	}
	return name
}
