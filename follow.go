package fragnav

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
	"github.com/hazyhaar/fragnav/layer"
	"github.com/hazyhaar/fragnav/render"
	"github.com/hazyhaar/fragnav/request"
)

// Attributes read from links and forms.
const (
	AttrFollow          = "up-follow"
	AttrSubmit          = "up-submit"
	AttrTarget          = "up-target"
	AttrFailTarget      = "up-fail-target"
	AttrLayer           = "up-layer"
	AttrMode            = "up-mode"
	AttrSize            = "up-size"
	AttrMethod          = "up-method"
	AttrHistory         = "up-history"
	AttrCache           = "up-cache"
	AttrAbort           = "up-abort"
	AttrAcceptLocation  = "up-accept-location"
	AttrDismissLocation = "up-dismiss-location"
)

// enhanced lists the attributes that turn a plain link into a fragment
// update.
var enhanced = []string{AttrFollow, AttrSubmit, AttrTarget, AttrLayer, AttrMode}

// Follow follows the first link matching sel in the layer desc resolves to.
// Links without fragment-update attributes load a full page into the root
// layer.
func (s *Session) Follow(ctx context.Context, desc, sel string) (*render.Result, error) {
	var (
		o      render.Options
		visit  bool
		target string
		err    error
	)
	s.pipeline.Loop().Run(func() {
		var n *html.Node
		n, err = s.find(desc, sel)
		if err != nil {
			return
		}
		o, visit, err = s.linkOptions(n)
		target = o.URL
	})
	if err != nil {
		return nil, err
	}
	if visit {
		return s.Visit(ctx, target)
	}
	return s.pipeline.Render(ctx, o)
}

// Submit submits the first form matching sel in the layer desc resolves to.
// fields override or extend the form's own fields.
func (s *Session) Submit(ctx context.Context, desc, sel string, fields url.Values) (*render.Result, error) {
	var (
		o   render.Options
		err error
	)
	s.pipeline.Loop().Run(func() {
		var n *html.Node
		n, err = s.find(desc, sel)
		if err != nil {
			return
		}
		if n.Data != "form" {
			err = fmt.Errorf("fragnav: submit: %q is a <%s>, not a <form>", sel, n.Data)
			return
		}
		o, err = s.formOptions(n, fields)
	})
	if err != nil {
		return nil, err
	}
	return s.pipeline.Render(ctx, o)
}

// linkOptions reads a link's attributes. Runs inside a Loop section.
func (s *Session) linkOptions(a *html.Node) (render.Options, bool, error) {
	href := dom.Attr(a, "href")
	if href == "" {
		return render.Options{}, false, fmt.Errorf("fragnav: follow: link has no href")
	}
	u, err := s.resolve(a, href)
	if err != nil {
		return render.Options{}, false, err
	}
	o := render.Options{URL: u, Origin: a}
	if !isEnhanced(a) {
		return o, true, nil
	}
	o.Method = dom.Attr(a, AttrMethod)
	if o.Method == "" {
		o.Method = dom.Attr(a, "data-method")
	}
	readCommon(a, &o)
	return o, false, nil
}

// formOptions reads a form's attributes and fields. Runs inside a Loop
// section.
func (s *Session) formOptions(form *html.Node, extra url.Values) (render.Options, error) {
	action := dom.Attr(form, "action")
	if action == "" {
		l := s.stack.Of(form)
		if l == nil {
			l = s.stack.Root()
		}
		action = l.Location()
	}
	u, err := s.resolve(form, action)
	if err != nil {
		return render.Options{}, err
	}
	params := formValues(form)
	for k, vs := range extra {
		params[k] = vs
	}
	o := render.Options{
		URL:    u,
		Method: strings.ToUpper(dom.Attr(form, "method")),
		Params: params,
		Origin: form,
	}
	if m := dom.Attr(form, AttrMethod); m != "" {
		o.Method = strings.ToUpper(m)
	}
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	readCommon(form, &o)
	if !isEnhanced(form) {
		o.Target, o.NoFallback, o.Layer = "body", true, "root"
	}
	if o.FailTarget == "" {
		// Validation errors re-render the form in place.
		if id := dom.Attr(form, "id"); id != "" {
			o.FailTarget = "#" + id
		} else {
			o.FailTarget = o.Target
		}
	}
	return o, nil
}

func readCommon(n *html.Node, o *render.Options) {
	o.Target = dom.Attr(n, AttrTarget)
	o.FailTarget = dom.Attr(n, AttrFailTarget)
	o.Layer = dom.Attr(n, AttrLayer)
	o.Mode = dom.Attr(n, AttrMode)
	o.Size = dom.Attr(n, AttrSize)
	o.AcceptLocation = dom.Attr(n, AttrAcceptLocation)
	o.DismissLocation = dom.Attr(n, AttrDismissLocation)
	o.Abort = render.AbortPolicy(dom.Attr(n, AttrAbort))
	if o.Mode != "" && o.Layer == "" {
		o.Layer = render.LayerNew
	}
	if o.Layer == "" {
		o.Layer = "closest"
	}
	o.History = boolAttr(n, AttrHistory)
	o.Cache = boolAttr(n, AttrCache)
}

func isEnhanced(n *html.Node) bool {
	for _, a := range enhanced {
		if dom.HasAttr(n, a) {
			return true
		}
	}
	return false
}

func boolAttr(n *html.Node, key string) *bool {
	if !dom.HasAttr(n, key) {
		return nil
	}
	v := dom.Attr(n, key) != "false"
	return &v
}

// resolve makes ref absolute against the location of n's layer, falling
// back to the root location.
func (s *Session) resolve(n *html.Node, ref string) (string, error) {
	base := ""
	if l := s.stack.Of(n); l != nil {
		base = l.Location()
	}
	if base == "" {
		base = s.stack.Root().Location()
	}
	if base == "" {
		return ref, nil
	}
	u, err := request.Resolve(base, ref)
	if err != nil {
		return "", fmt.Errorf("fragnav: %w", err)
	}
	return u, nil
}

// formValues collects the successful controls of a form.
func formValues(form *html.Node) url.Values {
	v := url.Values{}
	dom.Walk(form, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		name := dom.Attr(n, "name")
		if name == "" || dom.HasAttr(n, "disabled") {
			return true
		}
		switch n.Data {
		case "input":
			switch strings.ToLower(dom.Attr(n, "type")) {
			case "submit", "button", "reset", "image", "file":
			case "checkbox", "radio":
				if dom.HasAttr(n, "checked") {
					val := dom.Attr(n, "value")
					if !dom.HasAttr(n, "value") {
						val = "on"
					}
					v.Add(name, val)
				}
			default:
				v.Add(name, dom.Attr(n, "value"))
			}
		case "textarea":
			v.Add(name, dom.Text(n))
		case "select":
			selectValues(n, name, v)
			return false
		}
		return true
	})
	return v
}

func selectValues(sel *html.Node, name string, v url.Values) {
	opts, _ := dom.QueryAll(sel, "option")
	var picked bool
	for _, o := range opts {
		if dom.HasAttr(o, "selected") {
			v.Add(name, optionValue(o))
			picked = true
		}
	}
	if !picked && len(opts) > 0 && !dom.HasAttr(sel, "multiple") {
		v.Add(name, optionValue(opts[0]))
	}
}

func optionValue(o *html.Node) string {
	if dom.HasAttr(o, "value") {
		return dom.Attr(o, "value")
	}
	return strings.TrimSpace(dom.Text(o))
}

// FollowNode follows a link or submits a form element already resolved by
// a hook. Call it through Meta.Defer, never from inside a Loop section.
func (s *Session) FollowNode(ctx context.Context, n *html.Node) (*render.Result, error) {
	var (
		o     render.Options
		visit bool
		err   error
	)
	s.pipeline.Loop().Run(func() {
		if s.stack.Of(n) == nil {
			err = fmt.Errorf("fragnav: follow: %w: element is detached", layer.ErrAlreadyClosed)
			return
		}
		if n.Data == "form" {
			o, err = s.formOptions(n, nil)
			return
		}
		o, visit, err = s.linkOptions(n)
	})
	if err != nil {
		return nil, err
	}
	if visit {
		return s.Visit(ctx, o.URL)
	}
	return s.pipeline.Render(ctx, o)
}
