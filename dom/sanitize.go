// CLAUDE:SUMMARY Optional bluemonday sanitising of server responses before fragments are extracted.
package dom

import (
	"fmt"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer cleans untrusted response markup before it is parsed into
// fragments. The zero value is not usable; use NewSanitizer.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns a sanitizer for the named policy: "ugc" (user generated
// content plus the fragment-update attributes) or "strict" (text only).
func NewSanitizer(name string) (*Sanitizer, error) {
	switch name {
	case "ugc":
		p := bluemonday.UGCPolicy()
		p.AllowStyling()
		p.AllowDataAttributes()
		p.AllowElements("main", "nav", "section", "article", "header", "footer", "aside",
			"form", "input", "button", "select", "option", "textarea", "label")
		p.AllowAttrs("up-keep", "up-target", "up-layer", "up-mode", "up-follow",
			"up-fail-target", "up-method", "up-history", "up-main", "role").Globally()
		p.AllowAttrs("name", "value", "type", "checked", "selected").
			OnElements("input", "button", "select", "option", "textarea")
		p.AllowAttrs("action", "method").OnElements("form")
		return &Sanitizer{policy: p}, nil
	case "strict":
		return &Sanitizer{policy: bluemonday.StrictPolicy()}, nil
	default:
		return nil, fmt.Errorf("dom: unknown sanitize policy %q", name)
	}
}

// Sanitize returns a cleaned copy of body.
func (s *Sanitizer) Sanitize(body []byte) []byte {
	return s.policy.SanitizeBytes(body)
}
