package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/mcpterm/internal/mcp"
)

// webHandler is a minimal streamable-HTTP MCP server exposing one
// tool, read.
func webHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{},
			"serverInfo":      map[string]any{"name": "web", "version": "1.0"},
		}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{{
			"name":        "read",
			"description": "Read a page",
			"inputSchema": map[string]any{"type": "object"},
		}}}
	case "tools/call":
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": "page"}}}
	default:
		result = map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func TestManager_HTTPServerGoneMarksDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(webHandler))

	m := NewManager(
		WithConnectTimeout(2*time.Second),
		WithToolTimeout(5*time.Second),
		WithReconnectOnInvoke(false),
	)
	t.Cleanup(func() { m.Close() })
	if err := m.AddServer(mcp.ServerConfig{Name: "web", Transport: mcp.TransportHTTP, URL: srv.URL}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	ctx := context.Background()
	if err := m.ConnectAll(ctx)["web"]; err != nil {
		t.Fatalf("connect web: %v", err)
	}
	res, err := m.Invoke(ctx, "web:read", map[string]any{})
	if err != nil || res.Text() != "page" {
		t.Fatalf("Invoke = %v, %v; want page", res, err)
	}
	m.ProcessEvents(ctx)

	srv.Close()

	_, err = m.Invoke(ctx, "web:read", map[string]any{})
	var te *mcp.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Invoke after server loss = %v, want *mcp.TransportError", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Status()[0].State != mcp.StateDisconnected || len(m.Catalog()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, catalog = %v; want disconnected and empty",
				m.Status()[0].State, catalogNames(m))
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err = m.Invoke(ctx, "web:read", map[string]any{})
	if !errors.Is(err, mcp.ErrNotConnected) {
		t.Errorf("second Invoke = %v, want ErrNotConnected", err)
	}

	for sawDisconnect := false; !sawDisconnect; {
		for _, ev := range m.ProcessEvents(ctx) {
			if ev.Kind == EventStateChanged && ev.Server == "web" && ev.State == mcp.StateDisconnected {
				sawDisconnect = true
			}
		}
		if !sawDisconnect && time.Now().After(deadline) {
			t.Fatal("no disconnected state change was queued")
		}
		time.Sleep(time.Millisecond)
	}
}
