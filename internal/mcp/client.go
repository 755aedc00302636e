package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/mcpterm/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// maxToolPages bounds tools/list pagination against a server that
// keeps returning cursors.
const maxToolPages = 100

// State is the lifecycle state of a server connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ServerInfo is what the server reported about itself in initialize.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"-"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer replaces Dial, typically with an in-process transport.
func WithDialer(d DialFunc) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.dial = d
		}
	}
}

// Client is the connection to a single MCP server. It owns the
// Correlator and Transport for the current session, performs the
// handshake, caches the server's tools, and tracks connection state.
// A Client can be reconnected after it fails or is closed.
type Client struct {
	config ServerConfig
	dial   DialFunc
	logger *slog.Logger

	mu          sync.RWMutex
	state       State
	lastErr     error
	corr        *Correlator
	tools       []Tool
	info        ServerInfo
	connectedAt time.Time
	handlers    []NotificationHandler
	stateHooks  []func(State, error)
}

// NewClient creates a disconnected client for cfg.
func NewClient(cfg ServerConfig, opts ...ClientOption) *Client {
	c := &Client{
		config: cfg,
		dial:   Dial,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("mcp_server", cfg.Name)
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.config.Name }

// Config returns the server configuration.
func (c *Client) Config() ServerConfig { return c.config }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error behind the last transition to failed or
// disconnected, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Info returns the server's self-reported identity.
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// ConnectedAt returns when the current session became ready.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Tools returns the cached tool list from the last handshake or refresh.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tool(nil), c.tools...)
}

// OnNotification registers h for notifications on this and every
// later session.
func (c *Client) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	corr := c.corr
	c.mu.Unlock()
	if corr != nil {
		corr.OnNotification(h)
	}
}

// OnStateChange registers fn to be called after every state change.
func (c *Client) OnStateChange(fn func(State, error)) {
	c.mu.Lock()
	c.stateHooks = append(c.stateHooks, fn)
	c.mu.Unlock()
}

// setState records a transition and runs hooks outside the lock.
func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.lastErr = err
	hooks := slices.Clone(c.stateHooks)
	c.mu.Unlock()

	for _, h := range hooks {
		h(s, err)
	}
}

// Connect opens the transport and performs the handshake: initialize,
// notifications/initialized, then tools/list. Any failure tears the
// transport down and leaves the client failed. Connecting a ready
// client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("connect to %s: already connecting", c.config.Name)
	}
	c.state = StateConnecting
	c.lastErr = nil
	hooks := slices.Clone(c.stateHooks)
	c.mu.Unlock()
	for _, h := range hooks {
		h(StateConnecting, nil)
	}

	start := time.Now()
	t, err := c.dial(ctx, c.config, c.logger)
	if err != nil {
		var ce *ConnectError
		if !errors.As(err, &ce) {
			err = &ConnectError{Server: c.config.Name, Err: err}
		}
		c.logger.Warn("MCP server connect failed", "error", err)
		c.setState(StateFailed, err)
		return err
	}

	corr := NewCorrelator(t, c.logger)
	c.mu.RLock()
	for _, h := range c.handlers {
		corr.OnNotification(h)
	}
	c.mu.RUnlock()
	corr.Start()

	info, tools, err := c.handshake(ctx, corr)
	if err != nil {
		_ = corr.Close()
		c.logger.Warn("MCP server handshake failed", "error", err)
		c.setState(StateFailed, err)
		return err
	}

	c.mu.Lock()
	c.corr = corr
	c.info = info
	c.tools = tools
	c.connectedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("MCP server ready",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
		"tools", len(tools),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	c.setState(StateReady, nil)
	go c.watch(corr)
	return nil
}

// handshake runs initialize and the initial tools/list on corr.
func (c *Client) handshake(ctx context.Context, corr *Correlator) (ServerInfo, []Tool, error) {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	raw, err := corr.Call(ctx, "initialize", params, c.config.Timeout)
	if err != nil {
		return ServerInfo{}, nil, c.handshakeErr("initialize", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ServerInfo{}, nil, c.handshakeErr("initialize", fmt.Errorf("unmarshal initialize result: %w", err))
	}
	info := result.ServerInfo
	info.ProtocolVersion = result.ProtocolVersion

	if err := corr.Notify(ctx, "notifications/initialized", nil); err != nil {
		return ServerInfo{}, nil, c.handshakeErr("notifications/initialized", err)
	}

	tools, err := c.listTools(ctx, corr)
	if err != nil {
		return ServerInfo{}, nil, c.handshakeErr("tools/list", err)
	}
	return info, tools, nil
}

// handshakeErr reports transport failures before a session exists as
// connect errors and everything else as handshake errors.
func (c *Client) handshakeErr(step string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return &ConnectError{Server: c.config.Name, Err: err}
	}
	return &HandshakeError{Server: c.config.Name, Step: step, Err: err}
}

// listTools follows nextCursor until the server stops paginating.
func (c *Client) listTools(ctx context.Context, corr *Correlator) ([]Tool, error) {
	var (
		all    []Tool
		cursor string
	)
	for page := 0; ; page++ {
		if page >= maxToolPages {
			return nil, fmt.Errorf("tools/list: more than %d pages", maxToolPages)
		}

		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := corr.Call(ctx, "tools/list", params, c.config.Timeout)
		if err != nil {
			return nil, err
		}

		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		for _, t := range result.Tools {
			t.Server = c.config.Name
			all = append(all, t)
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.logger.Debug("discovered MCP tools", "count", len(all))
	return all, nil
}

// watch demotes the client to disconnected when the session's
// receive loop ends on its own.
func (c *Client) watch(corr *Correlator) {
	<-corr.Done()

	c.mu.Lock()
	if c.corr != corr {
		c.mu.Unlock()
		return
	}
	c.corr = nil
	c.mu.Unlock()

	err := corr.Err()
	_ = corr.Close()
	c.logger.Warn("MCP server connection lost", "error", err)
	c.setState(StateDisconnected, err)
}

// session returns the live correlator or ErrNotConnected.
func (c *Client) session() (*Correlator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady || c.corr == nil {
		return nil, fmt.Errorf("%s is %s: %w", c.config.Name, c.state, ErrNotConnected)
	}
	return c.corr, nil
}

// RefreshTools re-fetches the tool list, replacing the cache wholesale.
func (c *Client) RefreshTools(ctx context.Context) ([]Tool, error) {
	corr, err := c.session()
	if err != nil {
		return nil, err
	}
	tools, err := c.listTools(ctx, corr)
	if err != nil {
		return nil, fmt.Errorf("refresh tools: %w", err)
	}
	c.mu.Lock()
	if c.corr == corr {
		c.tools = tools
	}
	c.mu.Unlock()
	return tools, nil
}

// CallTool invokes a server-local tool by name. A zero timeout uses the
// server's configured default. A result flagged isError is returned
// together with a *ToolError. It fails fast with ErrNotConnected when
// the client is not ready; reconnecting is the caller's decision.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*ToolResult, error) {
	corr, err := c.session()
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	if args == nil {
		args = map[string]any{}
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := corr.Call(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	if result.IsError {
		return &result, &ToolError{Tool: QualifiedName(c.config.Name, name), Message: result.Text()}
	}
	return &result, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	corr, err := c.session()
	if err != nil {
		return err
	}
	_, err = corr.Call(ctx, "ping", nil, c.config.Timeout)
	return err
}

// Disconnect marks the client disconnected with cause and tears the
// session down. Used when an external liveness check fails.
func (c *Client) Disconnect(cause error) {
	c.mu.Lock()
	corr := c.corr
	c.corr = nil
	wasReady := c.state == StateReady
	c.mu.Unlock()

	if corr != nil {
		_ = corr.Close()
	}
	if wasReady {
		c.setState(StateDisconnected, cause)
	}
}

// Close shuts down the session and its transport. The client can be
// connected again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	corr := c.corr
	c.corr = nil
	prev := c.state
	c.mu.Unlock()

	var err error
	if corr != nil {
		c.logger.Info("closing MCP client")
		err = corr.Close()
	}
	if prev != StateDisconnected {
		c.setState(StateDisconnected, nil)
	}
	return err
}
