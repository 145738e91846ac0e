package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/fragnav"
)

func site(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Write([]byte(`<html><head><title>Home</title></head><body><a id="more" href="/more" up-target="#list">more</a><ul id="list"><li>a</li></ul></body></html>`))
		case "/more":
			w.Write([]byte(`<html><body><ul id="list"><li>a</li><li>b</li></ul></body></html>`))
		case "/dialog":
			w.Write([]byte(`<html><body><main><p>Sure?</p></main></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func api(t *testing.T) (*httptest.Server, *fragnav.Session) {
	t.Helper()
	s, err := fragnav.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ts := httptest.NewServer(New(s, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, s
}

func post(t *testing.T, base, path string, body any) (int, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func get(t *testing.T, base, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(base + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestAPI_VisitFollowDocument(t *testing.T) {
	app := site(t)
	ts, _ := api(t)

	code, out := post(t, ts.URL, "/visit", map[string]any{"url": app.URL + "/"})
	if code != http.StatusOK || out["layer_id"] == "" {
		t.Fatalf("visit: %d %v", code, out)
	}
	code, out = post(t, ts.URL, "/follow", map[string]any{"selector": "#more"})
	if code != http.StatusOK || out["target"] != "#list" {
		t.Fatalf("follow: %d %v", code, out)
	}
	code, body := get(t, ts.URL, "/document?selector=%23list")
	if code != http.StatusOK || !strings.Contains(body, "<li>b</li>") {
		t.Errorf("document: %d %s", code, body)
	}
	code, body = get(t, ts.URL, "/document?format=markdown")
	if code != http.StatusOK || !strings.Contains(body, "- b") {
		t.Errorf("markdown: %d %s", code, body)
	}
	code, body = get(t, ts.URL, "/history")
	if code != http.StatusOK || !strings.Contains(body, "Home") {
		t.Errorf("history: %d %s", code, body)
	}
}

func TestAPI_OverlayAcceptDismiss(t *testing.T) {
	app := site(t)
	ts, s := api(t)

	code, out := post(t, ts.URL, "/render", map[string]any{"url": app.URL + "/dialog", "layer": "new", "mode": "modal"})
	if code != http.StatusOK || out["mode"] != "modal" {
		t.Fatalf("open: %d %v", code, out)
	}
	id := out["layer_id"].(string)

	code, body := get(t, ts.URL, "/layers")
	if code != http.StatusOK || !strings.Contains(body, id) {
		t.Errorf("layers: %s", body)
	}

	code, out = post(t, ts.URL, "/layers/"+id+"/accept", map[string]any{"value": 42})
	if code != http.StatusOK || out["reason"] != "accept" {
		t.Fatalf("accept: %d %v", code, out)
	}
	if len(s.Layers()) != 1 {
		t.Errorf("overlay still open")
	}

	code, _ = post(t, ts.URL, "/layers/"+id+"/dismiss", nil)
	if code != http.StatusNotFound {
		t.Errorf("dismiss closed layer: %d", code)
	}
	root := s.Layers()[0].ID
	code, _ = post(t, ts.URL, "/layers/"+root+"/accept", nil)
	if code != http.StatusConflict {
		t.Errorf("accept root: %d", code)
	}
}

func TestAPI_Errors(t *testing.T) {
	ts, _ := api(t)

	resp, err := http.Post(ts.URL+"/visit", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json: %d", resp.StatusCode)
	}

	if code, _ := post(t, ts.URL, "/visit", map[string]any{}); code != http.StatusBadRequest {
		t.Errorf("missing url: %d", code)
	}
	if code, _ := post(t, ts.URL, "/follow", map[string]any{"selector": "#none"}); code != http.StatusUnprocessableEntity {
		t.Errorf("missing link: %d", code)
	}
	if code, _ := post(t, ts.URL, "/render", map[string]any{"target": "#list"}); code != http.StatusBadRequest {
		t.Errorf("render without source: %d", code)
	}
	if code, _ := get(t, ts.URL, "/document?format=pdf"); code != http.StatusBadRequest {
		t.Errorf("bad format: %d", code)
	}
}

func TestAPI_Middleware(t *testing.T) {
	ts, _ := api(t)
	req, _ := http.NewRequest(http.MethodHead, ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("HEAD /health: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") != "req-1" || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers: %v", resp.Header)
	}
}
