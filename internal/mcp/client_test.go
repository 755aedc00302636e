package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nugget/mcpterm/internal/mcp"
	"github.com/nugget/mcpterm/internal/mcp/mcptest"
)

func newFilesServer() *mcptest.Server {
	srv := mcptest.NewServer("files")
	srv.AddTool("read", "Read a file",
		`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
		mcptest.TextTool("hello"))
	return srv
}

func connect(t *testing.T, srv *mcptest.Server, cfg mcp.ServerConfig) *mcp.Client {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = srv.Name
	}
	c := mcp.NewClient(cfg, mcp.WithDialer(srv.Dial))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_HandshakeSequence(t *testing.T) {
	srv := newFilesServer()
	c := connect(t, srv, mcp.ServerConfig{})

	want := []string{"initialize", "notifications/initialized", "tools/list"}
	if got := srv.Methods(); !reflect.DeepEqual(got, want) {
		t.Errorf("methods = %v, want %v", got, want)
	}
	if c.State() != mcp.StateReady {
		t.Errorf("State() = %v, want ready", c.State())
	}
	if info := c.Info(); info.Name != "files" || info.ProtocolVersion != "2024-11-05" {
		t.Errorf("Info() = %+v", info)
	}
	if c.ConnectedAt().IsZero() {
		t.Error("ConnectedAt should be set")
	}
}

func TestClient_ToolsPaginated(t *testing.T) {
	srv := mcptest.NewServer("many")
	srv.PageSize = 2
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		srv.AddTool(name, "tool "+name, "", mcptest.TextTool(name))
	}
	c := connect(t, srv, mcp.ServerConfig{})

	var names []string
	for _, tool := range c.Tools() {
		if tool.Server != "many" {
			t.Errorf("tool %s Server = %q, want many", tool.Name, tool.Server)
		}
		names = append(names, tool.Name)
	}
	if want := []string{"a", "b", "c", "d", "e"}; !reflect.DeepEqual(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestClient_CallTool(t *testing.T) {
	srv := newFilesServer()
	c := connect(t, srv, mcp.ServerConfig{})

	res, err := c.CallTool(context.Background(), "read", map[string]any{"path": "a.txt"}, time.Second)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text() != "hello" {
		t.Errorf("Text() = %q, want hello", res.Text())
	}

	calls := srv.Calls()
	if len(calls) != 1 || calls[0].Tool != "read" || calls[0].Args["path"] != "a.txt" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestClient_CallToolErrorResult(t *testing.T) {
	srv := mcptest.NewServer("s")
	srv.AddTool("fail", "", "", mcptest.ErrorTool("disk full"))
	c := connect(t, srv, mcp.ServerConfig{})

	res, err := c.CallTool(context.Background(), "fail", nil, time.Second)
	var te *mcp.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	if te.Tool != "s:fail" || te.Message != "disk full" {
		t.Errorf("ToolError = %+v", te)
	}
	if res == nil || !res.IsError {
		t.Errorf("result should be returned with IsError, got %+v", res)
	}
}

func TestClient_CallToolRPCError(t *testing.T) {
	srv := newFilesServer()
	c := connect(t, srv, mcp.ServerConfig{})

	_, err := c.CallTool(context.Background(), "missing", nil, time.Second)
	var rpcErr *mcp.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
}

func TestClient_CallToolTimeout(t *testing.T) {
	srv := newFilesServer()
	srv.Delay("read", 500*time.Millisecond)
	c := connect(t, srv, mcp.ServerConfig{})

	_, err := c.CallTool(context.Background(), "read", map[string]any{"path": "x"}, 20*time.Millisecond)
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// The connection survives a timed-out call.
	if c.State() != mcp.StateReady {
		t.Errorf("State() = %v, want ready", c.State())
	}
}

func TestClient_DefaultTimeoutFromConfig(t *testing.T) {
	srv := newFilesServer()
	srv.Delay("read", 500*time.Millisecond)
	c := connect(t, srv, mcp.ServerConfig{Timeout: 20 * time.Millisecond})

	_, err := c.CallTool(context.Background(), "read", map[string]any{"path": "x"}, 0)
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := mcp.NewClient(mcp.ServerConfig{Name: "idle"})
	_, err := c.CallTool(context.Background(), "read", nil, time.Second)
	if !errors.Is(err, mcp.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if c.State() != mcp.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
}

func TestClient_InitializeFailure(t *testing.T) {
	srv := newFilesServer()
	srv.InitializeError = &mcp.RPCError{Code: -32000, Message: "unsupported protocol"}

	c := mcp.NewClient(mcp.ServerConfig{Name: "files"}, mcp.WithDialer(srv.Dial))
	err := c.Connect(context.Background())

	var he *mcp.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HandshakeError", err)
	}
	if he.Step != "initialize" {
		t.Errorf("Step = %q, want initialize", he.Step)
	}
	if c.State() != mcp.StateFailed {
		t.Errorf("State() = %v, want failed", c.State())
	}
	if c.Err() == nil {
		t.Error("Err() should report the handshake failure")
	}
}

func TestClient_ToolsListTimeout(t *testing.T) {
	srv := newFilesServer()
	srv.Silence("tools/list")

	c := mcp.NewClient(mcp.ServerConfig{Name: "files", Timeout: 50 * time.Millisecond}, mcp.WithDialer(srv.Dial))
	err := c.Connect(context.Background())

	var he *mcp.HandshakeError
	if !errors.As(err, &he) || he.Step != "tools/list" {
		t.Fatalf("err = %v, want tools/list HandshakeError", err)
	}
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Errorf("err = %v, want it to wrap ErrTimeout", err)
	}
}

func TestClient_DialFailure(t *testing.T) {
	srv := newFilesServer()
	srv.DialError = errors.New("no such file")

	c := mcp.NewClient(mcp.ServerConfig{Name: "files"}, mcp.WithDialer(srv.Dial))
	err := c.Connect(context.Background())
	var ce *mcp.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	if c.State() != mcp.StateFailed {
		t.Errorf("State() = %v, want failed", c.State())
	}
}

func TestClient_ReconnectAfterFailure(t *testing.T) {
	srv := newFilesServer()
	srv.DialError = errors.New("not yet")

	c := mcp.NewClient(mcp.ServerConfig{Name: "files"}, mcp.WithDialer(srv.Dial))
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("first Connect should fail")
	}

	srv.DialError = nil
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("retry Connect: %v", err)
	}
	defer c.Close()
	if c.State() != mcp.StateReady {
		t.Errorf("State() = %v, want ready", c.State())
	}
}

func TestClient_StateHooksSeeEveryTransition(t *testing.T) {
	srv := newFilesServer()
	c := mcp.NewClient(mcp.ServerConfig{Name: "files"}, mcp.WithDialer(srv.Dial))
	defer c.Close()

	var first, second []mcp.State
	c.OnStateChange(func(s mcp.State, _ error) { first = append(first, s) })
	c.OnStateChange(func(s mcp.State, _ error) { second = append(second, s) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect(errors.New("ping failed"))

	want := []mcp.State{mcp.StateConnecting, mcp.StateReady, mcp.StateDisconnected}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("first hook saw %v, want %v", first, want)
	}
	if !reflect.DeepEqual(second, want) {
		t.Errorf("second hook saw %v, want %v", second, want)
	}
}

func TestClient_TransportLossDisconnects(t *testing.T) {
	srv := newFilesServer()
	c := connect(t, srv, mcp.ServerConfig{})

	changed := make(chan mcp.State, 4)
	c.OnStateChange(func(s mcp.State, _ error) { changed <- s })

	srv.Drop()

	select {
	case s := <-changed:
		if s != mcp.StateDisconnected {
			t.Errorf("state change = %v, want disconnected", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state change after transport loss")
	}

	_, err := c.CallTool(context.Background(), "read", map[string]any{"path": "x"}, time.Second)
	if !errors.Is(err, mcp.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestClient_NotificationsAndRefresh(t *testing.T) {
	srv := newFilesServer()
	c := mcp.NewClient(mcp.ServerConfig{Name: "files"}, mcp.WithDialer(srv.Dial))

	got := make(chan string, 1)
	c.OnNotification(func(method string, _ json.RawMessage) { got <- method })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	srv.AddTool("write", "Write a file", "", mcptest.TextTool("ok"))
	srv.Notify("notifications/tools/list_changed", nil)

	select {
	case m := <-got:
		if m != "notifications/tools/list_changed" {
			t.Errorf("method = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	tools, err := c.RefreshTools(context.Background())
	if err != nil {
		t.Fatalf("RefreshTools: %v", err)
	}
	if len(tools) != 2 || len(c.Tools()) != 2 {
		t.Errorf("tools after refresh = %d, want 2", len(tools))
	}
}

func TestClient_CloseThenCall(t *testing.T) {
	srv := newFilesServer()
	c := connect(t, srv, mcp.ServerConfig{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != mcp.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if err := c.Ping(context.Background()); !errors.Is(err, mcp.ErrNotConnected) {
		t.Errorf("Ping after Close = %v, want ErrNotConnected", err)
	}
}
