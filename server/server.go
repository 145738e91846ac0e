// CLAUDE:SUMMARY chi HTTP control API over a fragnav Session: visit, follow, submit, render, layer accept/dismiss, document and history.
// Package server exposes a Session over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/fragnav"
	"github.com/hazyhaar/fragnav/fragment"
	"github.com/hazyhaar/fragnav/kit"
	"github.com/hazyhaar/fragnav/layer"
	"github.com/hazyhaar/fragnav/render"
	"github.com/hazyhaar/fragnav/request"
)

// Server serves the control API of one Session.
type Server struct {
	s      *fragnav.Session
	logger *slog.Logger
}

// New creates a Server. logger may be nil.
func New(s *fragnav.Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{s: s, logger: logger}
}

// Handler returns a router with every route mounted.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(headToGet, securityHeaders, maxBody(4<<20), srv.traceRequest)
	srv.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the routes on r.
func (srv *Server) RegisterHTTP(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/document", srv.handleDocument)
	r.Get("/history", srv.handleHistory)
	r.Get("/layers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"layers": srv.s.Layers()})
	})

	r.Post("/visit", srv.endpoint("visit", func(ctx context.Context, b *body) (any, error) {
		if b.URL == "" {
			return nil, errBadRequest("url is required")
		}
		return summary(srv.s.Visit(ctx, b.URL))
	}))
	r.Post("/follow", srv.endpoint("follow", func(ctx context.Context, b *body) (any, error) {
		if b.Selector == "" {
			return nil, errBadRequest("selector is required")
		}
		return summary(srv.s.Follow(ctx, b.Layer, b.Selector))
	}))
	r.Post("/submit", srv.endpoint("submit", func(ctx context.Context, b *body) (any, error) {
		if b.Selector == "" {
			return nil, errBadRequest("selector is required")
		}
		fields := url.Values{}
		for k, v := range b.Fields {
			fields.Set(k, v)
		}
		return summary(srv.s.Submit(ctx, b.Layer, b.Selector, fields))
	}))
	r.Post("/render", srv.endpoint("render", func(ctx context.Context, b *body) (any, error) {
		if b.URL == "" && b.Document == "" && b.Content == "" {
			return nil, errBadRequest("one of url, document or content is required")
		}
		return summary(srv.s.Render(ctx, render.Options{
			URL:        b.URL,
			Method:     b.Method,
			Target:     b.Target,
			FailTarget: b.FailTarget,
			Layer:      b.Layer,
			Mode:       b.Mode,
			Document:   b.Document,
			Content:    b.Content,
		}))
	}))
	r.Route("/layers/{id}", func(r chi.Router) {
		r.Post("/accept", srv.closeLayer(layer.ReasonAccept))
		r.Post("/dismiss", srv.closeLayer(layer.ReasonDismiss))
	})
}

type body struct {
	URL        string            `json:"url"`
	Selector   string            `json:"selector"`
	Layer      string            `json:"layer"`
	Fields     map[string]string `json:"fields"`
	Method     string            `json:"method"`
	Target     string            `json:"target"`
	FailTarget string            `json:"fail_target"`
	Mode       string            `json:"mode"`
	Document   string            `json:"document"`
	Content    string            `json:"content"`
	Value      any               `json:"value"`
}

// endpoint adapts fn to HTTP through a kit.Endpoint with logging.
func (srv *Server) endpoint(name string, fn func(context.Context, *body) (any, error)) http.HandlerFunc {
	ep := kit.Chain(kit.Logging(srv.logger, name))(func(ctx context.Context, req any) (any, error) {
		return fn(ctx, req.(*body))
	})
	return func(w http.ResponseWriter, r *http.Request) {
		var b body
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
				return
			}
		}
		ctx := kit.WithTransport(r.Context(), "http")
		resp, err := ep(ctx, &b)
		if err != nil {
			writeError(w, status(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (srv *Server) closeLayer(reason layer.Reason) http.HandlerFunc {
	h := srv.endpoint("layer_"+string(reason), func(ctx context.Context, b *body) (any, error) {
		id := kit.GetLayerID(ctx)
		var (
			l   *layer.Layer
			err error
		)
		if reason == layer.ReasonAccept {
			l, err = srv.s.Accept(ctx, id, b.Value)
		} else {
			l, err = srv.s.Dismiss(ctx, id, b.Value)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"layer_id": l.ID, "reason": string(reason)}, nil
	})
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithLayerID(r.Context(), chi.URLParam(r, "id"))
		h(w, r.WithContext(ctx))
	}
}

func (srv *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch q.Get("format") {
	case "markdown":
		md, err := srv.s.Markdown(q.Get("layer"))
		if err != nil {
			writeError(w, status(err), err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(md))
	case "", "html":
		out := srv.s.HTML()
		if sel := q.Get("selector"); sel != "" {
			var err error
			if out, err = srv.s.Fragment(q.Get("layer"), sel); err != nil {
				writeError(w, status(err), err)
				return
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(out))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown format %q", q.Get("format")))
	}
}

func (srv *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := srv.s.History(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// summary keeps a failed response that was rendered into its fail target
// as a successful call carrying the error.
func summary(res *render.Result, err error) (any, error) {
	if err != nil && res == nil {
		return nil, err
	}
	return fragnav.Summarize(res, err), nil
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequest(msg) }

// status maps domain errors to HTTP status codes.
func status(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case request.IsAbort(err):
		return http.StatusConflict
	case errors.Is(err, layer.ErrAlreadyClosed):
		return http.StatusNotFound
	case errors.Is(err, layer.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, fragment.ErrTargetNotFound), errors.Is(err, fragment.ErrContentNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, request.ErrFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
