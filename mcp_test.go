package fragnav

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "fragnav-test", Version: "0.1.0"}

func mcpSession(t *testing.T, s *Session) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	RegisterMCP(srv, s)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_FollowAndInspect(t *testing.T) {
	s, _, _ := newSession(t, nil)
	cs := mcpSession(t, s)

	text, isErr := callTool(t, cs, "fragnav_follow", map[string]any{"selector": "#more"})
	if isErr {
		t.Fatalf("follow: %s", text)
	}
	var sum RenderSummary
	if err := json.Unmarshal([]byte(text), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Target != "#items" || len(sum.Inserted) == 0 || sum.Status != 200 {
		t.Errorf("summary: %+v", sum)
	}

	text, _ = callTool(t, cs, "fragnav_document", map[string]any{"selector": "#items"})
	var doc struct{ Content string }
	json.Unmarshal([]byte(text), &doc)
	if !strings.Contains(doc.Content, "<li>two</li>") {
		t.Errorf("document: %s", text)
	}

	text, _ = callTool(t, cs, "fragnav_document", map[string]any{"format": "markdown", "layer": "root"})
	json.Unmarshal([]byte(text), &doc)
	if !strings.Contains(doc.Content, "- two") {
		t.Errorf("markdown: %s", text)
	}
}

func TestMCP_OverlayLifecycle(t *testing.T) {
	s, srv, _ := newSession(t, nil)
	cs := mcpSession(t, s)

	text, isErr := callTool(t, cs, "fragnav_render", map[string]any{"url": srv.URL + "/new", "layer": "new", "mode": "popup"})
	if isErr {
		t.Fatalf("render: %s", text)
	}
	var sum RenderSummary
	json.Unmarshal([]byte(text), &sum)
	if sum.Mode != "popup" {
		t.Fatalf("summary: %+v", sum)
	}

	text, _ = callTool(t, cs, "fragnav_layers", map[string]any{})
	var ls struct{ Layers []LayerInfo }
	json.Unmarshal([]byte(text), &ls)
	if len(ls.Layers) != 2 || ls.Layers[1].ID != sum.LayerID {
		t.Fatalf("layers: %s", text)
	}

	text, isErr = callTool(t, cs, "fragnav_dismiss", map[string]any{"layer": sum.LayerID, "value": map[string]any{"why": "cancel"}})
	if isErr || !strings.Contains(text, `"dismiss"`) {
		t.Fatalf("dismiss: %s", text)
	}
	if len(s.Layers()) != 1 {
		t.Errorf("overlay still open")
	}

	// Closing it twice is a tool error, not a protocol error.
	if _, isErr := callTool(t, cs, "fragnav_dismiss", map[string]any{"layer": sum.LayerID}); !isErr {
		t.Error("second dismiss should fail")
	}
}

func TestMCP_RenderNeedsSource(t *testing.T) {
	s, _, _ := newSession(t, nil)
	cs := mcpSession(t, s)
	if text, isErr := callTool(t, cs, "fragnav_render", map[string]any{"target": "#items"}); !isErr {
		t.Errorf("expected tool error, got %s", text)
	}
}

func TestMCP_History(t *testing.T) {
	s, _, _ := newSession(t, nil)
	cs := mcpSession(t, s)
	callTool(t, cs, "fragnav_follow", map[string]any{"selector": "#plain"})
	text, _ := callTool(t, cs, "fragnav_history", map[string]any{"limit": 1})
	var h struct {
		Entries []struct{ Location, Title string }
	}
	json.Unmarshal([]byte(text), &h)
	if len(h.Entries) != 1 || h.Entries[0].Title != "About" {
		t.Errorf("history: %s", text)
	}
}
