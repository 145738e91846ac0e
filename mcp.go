// CLAUDE:SUMMARY Registers fragnav_* MCP tools (visit, follow, submit, render, accept, dismiss, layers, document, history) over a Session.
package fragnav

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fragnav/kit"
	"github.com/hazyhaar/fragnav/mutation"
	"github.com/hazyhaar/fragnav/render"
)

// RenderSummary is the transport form of a render.Result.
type RenderSummary struct {
	RenderID string   `json:"render_id"`
	LayerID  string   `json:"layer_id,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Target   string   `json:"target,omitempty"`
	URL      string   `json:"url,omitempty"`
	Status   int      `json:"status,omitempty"`
	Inserted []string `json:"inserted,omitempty"`
	Removed  int      `json:"removed"`
	Kept     int      `json:"kept"`
	None     bool     `json:"none,omitempty"`
	Closed   bool     `json:"closed,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Value    any      `json:"value,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Summarize flattens a render result. err is the error Render returned
// alongside res, if any.
func Summarize(res *render.Result, err error) RenderSummary {
	var s RenderSummary
	if err != nil {
		s.Error = err.Error()
	}
	if res == nil {
		return s
	}
	s.RenderID = res.RenderID
	if res.Layer != nil {
		s.LayerID, s.Mode = res.Layer.ID, string(res.Layer.Mode)
	}
	s.Target = res.Target
	if res.Response != nil {
		s.URL, s.Status = res.Response.URL, res.Response.Status
	}
	for _, r := range res.Batch.Records {
		if r.Op == mutation.OpInsert {
			s.Inserted = append(s.Inserted, r.XPath)
		}
	}
	s.Removed, s.Kept = res.Removed, res.Kept
	s.None, s.Closed = res.None, res.Closed
	s.Reason, s.Value = string(res.CloseReason), res.Value
	return s
}

// RegisterMCP registers the fragnav tools on an MCP server.
func RegisterMCP(srv *mcp.Server, s *Session) {
	t := &mcpTools{s: s, logger: s.logger}
	t.register(srv, "fragnav_visit", "Load a URL as a full page into the root layer, closing every overlay.",
		schema(props{"url": str("Absolute URL to load")}, "url"), t.visit)
	t.register(srv, "fragnav_follow", "Follow the first link matching a CSS selector. Links with up-* attributes update fragments or open overlays.",
		schema(props{"selector": str("CSS selector of the link"), "layer": str("Layer to search: current, root, front, an index or a layer id")}, "selector"), t.follow)
	t.register(srv, "fragnav_submit", "Submit the first form matching a CSS selector, with optional field overrides.",
		schema(props{
			"selector": str("CSS selector of the form"),
			"layer":    str("Layer to search"),
			"fields":   map[string]any{"type": "object", "description": "Field name to value", "additionalProperties": map[string]any{"type": "string"}},
		}, "selector"), t.submit)
	t.register(srv, "fragnav_render", "Render a URL or local HTML into a target: swap fragments or open an overlay (layer=new).",
		schema(props{
			"url":      str("URL to fetch"),
			"target":   str("Target selector, e.g. '#list' or '.items:after'"),
			"layer":    str("Layer descriptor, or 'new' to open an overlay"),
			"mode":     str("Overlay mode: modal, drawer, popup, cover"),
			"method":   str("HTTP method"),
			"document": str("Local HTML document rendered instead of fetching"),
			"content":  str("Local HTML replacing the target's children"),
		}), t.render)
	t.register(srv, "fragnav_accept", "Accept an overlay (and close the overlays above it).",
		schema(props{"layer": str("Layer descriptor"), "value": map[string]any{"description": "Result value"}}, "layer"), t.accept)
	t.register(srv, "fragnav_dismiss", "Dismiss an overlay (and close the overlays above it).",
		schema(props{"layer": str("Layer descriptor"), "value": map[string]any{"description": "Result value"}}, "layer"), t.dismiss)
	t.register(srv, "fragnav_layers", "List the layer stack, root first.", schema(props{}), t.layers)
	t.register(srv, "fragnav_document", "Return the current document as HTML or the content of one layer as Markdown.",
		schema(props{"format": str("html (default) or markdown"), "layer": str("Layer for markdown output"), "selector": str("Return only this fragment (html)")}), t.document)
	t.register(srv, "fragnav_history", "List recent history entries, newest first.",
		schema(props{"limit": map[string]any{"type": "integer"}}), t.history)
}

type props = map[string]any

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func schema(p props, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": p}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

type toolArgs struct {
	URL      string            `json:"url"`
	Selector string            `json:"selector"`
	Layer    string            `json:"layer"`
	Fields   map[string]string `json:"fields"`
	Target   string            `json:"target"`
	Mode     string            `json:"mode"`
	Method   string            `json:"method"`
	Document string            `json:"document"`
	Content  string            `json:"content"`
	Value    json.RawMessage   `json:"value"`
	Format   string            `json:"format"`
	Limit    int               `json:"limit"`
}

func (a *toolArgs) value() any {
	if len(a.Value) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return string(a.Value)
	}
	return v
}

type mcpTools struct {
	s      *Session
	logger *slog.Logger
}

func (t *mcpTools) register(srv *mcp.Server, name, desc string, in map[string]any, fn func(context.Context, *toolArgs) (any, error)) {
	tool := &mcp.Tool{Name: name, Description: desc, InputSchema: in}
	endpoint := kit.Chain(kit.Logging(t.logger, name))(func(ctx context.Context, req any) (any, error) {
		return fn(ctx, req.(*toolArgs))
	})
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r toolArgs
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		out := &kit.MCPDecodeResult{Request: &r}
		if r.Layer != "" {
			out.EnrichCtx = func(ctx context.Context) context.Context { return kit.WithLayerID(ctx, r.Layer) }
		}
		return out, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// summary keeps recoverable render errors (fail target rendered) in the
// result instead of failing the tool call.
func summary(res *render.Result, err error) (any, error) {
	if err != nil && res == nil {
		return nil, err
	}
	return Summarize(res, err), nil
}

func (t *mcpTools) visit(ctx context.Context, a *toolArgs) (any, error) {
	return summary(t.s.Visit(ctx, a.URL))
}

func (t *mcpTools) follow(ctx context.Context, a *toolArgs) (any, error) {
	return summary(t.s.Follow(ctx, a.Layer, a.Selector))
}

func (t *mcpTools) submit(ctx context.Context, a *toolArgs) (any, error) {
	fields := url.Values{}
	for k, v := range a.Fields {
		fields.Set(k, v)
	}
	return summary(t.s.Submit(ctx, a.Layer, a.Selector, fields))
}

func (t *mcpTools) render(ctx context.Context, a *toolArgs) (any, error) {
	if a.URL == "" && a.Document == "" && a.Content == "" {
		return nil, fmt.Errorf("one of url, document or content is required")
	}
	return summary(t.s.Render(ctx, render.Options{
		URL:      a.URL,
		Method:   a.Method,
		Target:   a.Target,
		Layer:    a.Layer,
		Mode:     a.Mode,
		Document: a.Document,
		Content:  a.Content,
	}))
}

func (t *mcpTools) accept(ctx context.Context, a *toolArgs) (any, error) {
	l, err := t.s.Accept(ctx, a.Layer, a.value())
	if err != nil {
		return nil, err
	}
	return map[string]any{"layer_id": l.ID, "reason": "accept"}, nil
}

func (t *mcpTools) dismiss(ctx context.Context, a *toolArgs) (any, error) {
	l, err := t.s.Dismiss(ctx, a.Layer, a.value())
	if err != nil {
		return nil, err
	}
	return map[string]any{"layer_id": l.ID, "reason": "dismiss"}, nil
}

func (t *mcpTools) layers(context.Context, *toolArgs) (any, error) {
	return map[string]any{"layers": t.s.Layers()}, nil
}

func (t *mcpTools) document(_ context.Context, a *toolArgs) (any, error) {
	switch a.Format {
	case "markdown":
		md, err := t.s.Markdown(a.Layer)
		if err != nil {
			return nil, err
		}
		return map[string]any{"format": "markdown", "content": md}, nil
	case "", "html":
		if a.Selector != "" {
			frag, err := t.s.Fragment(a.Layer, a.Selector)
			if err != nil {
				return nil, err
			}
			return map[string]any{"format": "html", "content": frag}, nil
		}
		return map[string]any{"format": "html", "content": t.s.HTML()}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", a.Format)
	}
}

func (t *mcpTools) history(ctx context.Context, a *toolArgs) (any, error) {
	entries, err := t.s.History(ctx, a.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}
