// Package mcptest provides an in-process MCP server for tests. A Server
// speaks JSON-RPC over a Transport that never leaves the process, so
// connection, session, and loop tests can run without subprocesses or
// sockets.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/mcpterm/internal/mcp"
)

// Handler implements a fake tool. Returning an error produces a
// JSON-RPC error response; tool-level failures return a result with
// IsError set.
type Handler func(ctx context.Context, args map[string]any) (*mcp.ToolResult, error)

// Call records one tools/call received by a Server.
type Call struct {
	Tool string
	Args map[string]any
}

type tool struct {
	def     mcp.Tool
	handler Handler
}

// Server is a scripted MCP server.
type Server struct {
	Name string

	// PageSize splits tools/list into pages of this size. Zero returns
	// everything in one page.
	PageSize int

	// InitializeError, when set, fails the initialize call.
	InitializeError *mcp.RPCError

	// DialError, when set, fails Dial.
	DialError error

	mu      sync.Mutex
	tools   map[string]tool
	delays  map[string]time.Duration
	silent  map[string]bool
	calls   []Call
	methods []string
	conns   []*Transport
}

// NewServer returns a server with no tools.
func NewServer(name string) *Server {
	return &Server{
		Name:   name,
		tools:  make(map[string]tool),
		delays: make(map[string]time.Duration),
		silent: make(map[string]bool),
	}
}

// AddTool registers a tool. schema is a JSON Schema document; empty
// means an object with no declared properties.
func (s *Server) AddTool(name, description, schema string, h Handler) {
	if schema == "" {
		schema = `{"type":"object","properties":{}}`
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = tool{
		def: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schema),
		},
		handler: h,
	}
}

// RemoveTool unregisters a tool.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tools, name)
}

// TextTool is a Handler returning fixed text.
func TextTool(text string) Handler {
	return func(context.Context, map[string]any) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}, nil
	}
}

// ErrorTool is a Handler returning a result flagged isError.
func ErrorTool(text string) Handler {
	return func(context.Context, map[string]any) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: text}},
			IsError: true,
		}, nil
	}
}

// Delay holds responses to tools/call for the named tool.
func (s *Server) Delay(toolName string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[toolName] = d
}

// Silence makes the server never answer the given method.
func (s *Server) Silence(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[method] = true
}

// Calls returns the tools/call requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Methods returns every request and notification method received, in
// arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// Dial is an mcp.DialFunc connecting to this server.
func (s *Server) Dial(ctx context.Context, _ mcp.ServerConfig, _ *slog.Logger) (mcp.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.DialError != nil {
		return nil, s.DialError
	}
	t := newTransport(s)
	s.mu.Lock()
	s.conns = append(s.conns, t)
	s.mu.Unlock()
	return t, nil
}

// Notify pushes a notification to every open connection.
func (s *Server) Notify(method string, params any) {
	frame, _ := json.Marshal(mcp.NewNotification(method, params))
	for _, t := range s.openConns() {
		t.deliver(frame)
	}
}

// Drop simulates the server going away: every open connection fails.
func (s *Server) Drop() {
	for _, t := range s.openConns() {
		t.fail(errors.New("connection reset by fake server"))
	}
}

func (s *Server) openConns() []*Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Transport(nil), s.conns...)
}

// Dialer routes dials to servers by configured name. Unknown names
// fail like an unreachable server.
func Dialer(servers ...*Server) mcp.DialFunc {
	byName := make(map[string]*Server, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}
	return func(ctx context.Context, cfg mcp.ServerConfig, logger *slog.Logger) (mcp.Transport, error) {
		s, ok := byName[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no fake server named %q", cfg.Name)
		}
		return s.Dial(ctx, cfg, logger)
	}
}

type request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

// accept parses and records one client frame in arrival order. It
// reports whether the frame needs a reply.
func (s *Server) accept(frame []byte) (request, bool) {
	var req request
	if err := json.Unmarshal(frame, &req); err != nil {
		return req, false
	}
	if req.Method == "" {
		return req, false // client's answer to a server request
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = append(s.methods, req.Method)
	return req, len(req.ID) > 0 && !s.silent[req.Method]
}

// respond computes the reply to an accepted request.
func (s *Server) respond(ctx context.Context, req request) []byte {
	result, rpcErr := s.dispatch(ctx, req)
	out, _ := json.Marshal(response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
	return out
}

func (s *Server) dispatch(ctx context.Context, req request) (any, *mcp.RPCError) {
	switch req.Method {
	case "initialize":
		if s.InitializeError != nil {
			return nil, s.InitializeError
		}
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": s.Name, "version": "0.0.1"},
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
		}, nil

	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(req.Params, &p)
		return s.listPage(p.Cursor), nil

	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}

		s.mu.Lock()
		s.calls = append(s.calls, Call{Tool: p.Name, Args: p.Arguments})
		t, ok := s.tools[p.Name]
		delay := s.delays[p.Name]
		s.mu.Unlock()

		if !ok {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "unknown tool: " + p.Name}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil
			}
		}
		res, err := t.handler(ctx, p.Arguments)
		if err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		}
		return res, nil
	}
	return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + req.Method}
}

// listPage returns tools sorted by name, paginated by PageSize. The
// cursor is the index of the first tool on the page.
func (s *Server) listPage(cursor string) map[string]any {
	s.mu.Lock()
	names := make([]string, 0, len(s.tools))
	for n := range s.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	defs := make([]mcp.Tool, 0, len(names))
	for _, n := range names {
		defs = append(defs, s.tools[n].def)
	}
	pageSize := s.PageSize
	s.mu.Unlock()

	start := 0
	fmt.Sscanf(cursor, "%d", &start)
	if pageSize <= 0 {
		return map[string]any{"tools": defs}
	}
	end := min(start+pageSize, len(defs))
	if start > end {
		start = end
	}
	out := map[string]any{"tools": defs[start:end]}
	if end < len(defs) {
		out["nextCursor"] = fmt.Sprintf("%d", end)
	}
	return out
}
