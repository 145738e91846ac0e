package kit

import "context"

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp", "cli"
	RequestIDKey contextKey = "kit_request_id"
	RenderIDKey  contextKey = "kit_render_id"
	LayerIDKey   contextKey = "kit_layer_id"
)

// WithTransport records which surface a call arrived on.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithRenderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RenderIDKey, id)
}
func GetRenderID(ctx context.Context) string {
	v, _ := ctx.Value(RenderIDKey).(string)
	return v
}

// WithLayerID carries a layer descriptor taken from a path or tool argument.
func WithLayerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, LayerIDKey, id)
}
func GetLayerID(ctx context.Context) string {
	v, _ := ctx.Value(LayerIDKey).(string)
	return v
}

// logAttrs returns the ids present in ctx as slog key/value pairs.
func logAttrs(ctx context.Context) []any {
	var out []any
	if id := GetRequestID(ctx); id != "" {
		out = append(out, "request_id", id)
	}
	if id := GetRenderID(ctx); id != "" {
		out = append(out, "render_id", id)
	}
	if id := GetLayerID(ctx); id != "" {
		out = append(out, "layer", id)
	}
	return out
}
