// Package session supervises the set of MCP servers for one mcpterm
// run. The Manager owns every server connection, merges their tools
// into a single namespaced catalog, routes invocations, and funnels
// notifications and state changes into one event queue that the
// conversation side drains between turns.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcpterm/internal/mcp"
)

// eventBuffer bounds the inbound event queue. Events beyond it are
// dropped with a warning rather than blocking a receive loop, except
// tools/list_changed, which is remembered per server until the next
// ProcessEvents.
const eventBuffer = 256

const methodToolsListChanged = "notifications/tools/list_changed"

// EventKind distinguishes entries in the event queue.
type EventKind int

const (
	// EventNotification is a server notification.
	EventNotification EventKind = iota
	// EventStateChanged reports a server connection state transition.
	EventStateChanged
	// EventToolsChanged reports that a server's tool list was refreshed.
	EventToolsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventNotification:
		return "notification"
	case EventStateChanged:
		return "state"
	case EventToolsChanged:
		return "tools"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one entry in the Manager's inbound queue.
type Event struct {
	Kind   EventKind
	Server string
	Time   time.Time

	// Notification.
	Method string
	Params json.RawMessage

	// State change.
	State mcp.State
	Err   error

	// Tools change.
	Tools int
}

// ServerStatus summarizes one server for status displays.
type ServerStatus struct {
	Name        string
	Description string
	Transport   string
	State       mcp.State
	Tools       int
	Err         error
	ConnectedAt time.Time
	Info        mcp.ServerInfo
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the Manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDialer replaces mcp.Dial for every server.
func WithDialer(d mcp.DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithConnectTimeout bounds each server's handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithToolTimeout sets the per-invocation timeout.
func WithToolTimeout(d time.Duration) Option {
	return func(m *Manager) { m.toolTimeout = d }
}

// WithReconnectOnInvoke controls whether Invoke makes one reconnect
// attempt when the target server is not ready.
func WithReconnectOnInvoke(enabled bool) Option {
	return func(m *Manager) { m.reconnectOnInvoke = enabled }
}

type entry struct {
	config mcp.ServerConfig
	client *mcp.Client
}

// Manager owns the server entries for one session.
type Manager struct {
	logger            *slog.Logger
	dial              mcp.DialFunc
	connectTimeout    time.Duration
	toolTimeout       time.Duration
	reconnectOnInvoke bool

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	catalog []mcp.Tool
	index   map[string]mcp.Tool

	events chan Event

	pendingMu      sync.Mutex
	pendingRefresh map[string]bool // list_changed that overflowed the queue
}

// NewManager returns a Manager with no servers.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:            slog.Default(),
		dial:              mcp.Dial,
		connectTimeout:    30 * time.Second,
		toolTimeout:       60 * time.Second,
		reconnectOnInvoke: true,
		entries:           make(map[string]*entry),
		index:             make(map[string]mcp.Tool),
		events:            make(chan Event, eventBuffer),
		pendingRefresh:    make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddServer registers a server in the disconnected state.
func (m *Manager) AddServer(cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("server name is required")
	}
	if strings.Contains(cfg.Name, mcp.NamespaceSeparator) {
		return fmt.Errorf("server name %q must not contain %q", cfg.Name, mcp.NamespaceSeparator)
	}

	client := mcp.NewClient(cfg,
		mcp.WithDialer(m.dial),
		mcp.WithLogger(m.logger),
	)

	m.mu.Lock()
	if _, exists := m.entries[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("server %q already added", cfg.Name)
	}
	m.entries[cfg.Name] = &entry{config: cfg, client: client}
	m.order = append(m.order, cfg.Name)
	m.mu.Unlock()

	name := cfg.Name
	client.OnNotification(func(method string, params json.RawMessage) {
		m.emit(Event{Kind: EventNotification, Server: name, Method: method, Params: params})
	})
	client.OnStateChange(func(s mcp.State, err error) {
		m.onStateChange(name, s, err)
	})

	m.logger.Debug("MCP server added", "mcp_server", name, "transport", cfg.Transport)
	return nil
}

// RemoveServer closes and forgets a server.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown server %q", name)
	}
	delete(m.entries, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	err := e.client.Close()
	m.rebuildCatalog()
	m.logger.Info("MCP server removed", "mcp_server", name)
	return err
}

// Servers returns server names in the order they were added.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) entry(name string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[name]
}

func (m *Manager) entriesInOrder() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.entries[n])
	}
	return out
}

// ConnectAll connects every server that is not ready, concurrently.
// One server's failure never blocks another. The result maps every
// attempted server to its outcome; nil means ready.
func (m *Manager) ConnectAll(ctx context.Context) map[string]error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[string]error)
	)
	for _, e := range m.entriesInOrder() {
		if e.client.State() == mcp.StateReady {
			outcomes[e.config.Name] = nil
			continue
		}
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			err := m.connect(ctx, e)
			mu.Lock()
			outcomes[e.config.Name] = err
			mu.Unlock()
		}(e)
	}
	wg.Wait()
	return outcomes
}

func (m *Manager) connect(ctx context.Context, e *entry) error {
	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}
	return e.client.Connect(ctx)
}

// Connect connects one server.
func (m *Manager) Connect(ctx context.Context, name string) error {
	e := m.entry(name)
	if e == nil {
		return fmt.Errorf("unknown server %q", name)
	}
	return m.connect(ctx, e)
}

// Reconnect tears down a server's session, if any, and connects again.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	e := m.entry(name)
	if e == nil {
		return fmt.Errorf("unknown server %q", name)
	}
	_ = e.client.Close()
	return m.connect(ctx, e)
}

// Catalog returns the namespaced tools of every ready server, in
// server order.
func (m *Manager) Catalog() []mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]mcp.Tool(nil), m.catalog...)
}

// Tool looks up a catalog entry by qualified name.
func (m *Manager) Tool(qualified string) (mcp.Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.index[qualified]
	return t, ok
}

// rebuildCatalog recomputes the catalog from ready servers.
func (m *Manager) rebuildCatalog() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var catalog []mcp.Tool
	index := make(map[string]mcp.Tool)
	for _, name := range m.order {
		e := m.entries[name]
		if e.client.State() != mcp.StateReady {
			continue
		}
		for _, t := range mcp.FilterTools(e.client.Tools(), e.config.IncludeTools, e.config.ExcludeTools) {
			catalog = append(catalog, t)
			index[t.QualifiedName()] = t
		}
	}
	m.catalog = catalog
	m.index = index
}

func (m *Manager) onStateChange(name string, s mcp.State, err error) {
	m.rebuildCatalog()
	m.emit(Event{Kind: EventStateChanged, Server: name, State: s, Err: err})
}

// Resolve maps a user-supplied name to a qualified catalog name. A
// bare tool name resolves when exactly one ready server provides it.
func (m *Manager) Resolve(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.index[name]; ok {
		return name, nil
	}
	if _, _, ok := mcp.SplitQualifiedName(name); ok {
		return "", &UnknownToolError{Name: name}
	}

	var matches []string
	for _, t := range m.catalog {
		if t.Name == name {
			matches = append(matches, t.QualifiedName())
		}
	}
	switch len(matches) {
	case 0:
		return "", &UnknownToolError{Name: name}
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &UnknownToolError{Name: name, Candidates: matches}
	}
}

// Invoke routes a call to the server owning qualified. Unknown servers
// and unknown tools fail with *UnknownToolError. A server that is not
// ready gets one reconnect attempt when enabled; otherwise the call
// fails with mcp.ErrNotConnected. Arguments are validated against the
// tool's schema before anything is sent.
func (m *Manager) Invoke(ctx context.Context, qualified string, args map[string]any) (*mcp.ToolResult, error) {
	server, toolName, ok := mcp.SplitQualifiedName(qualified)
	if !ok {
		return nil, &UnknownToolError{Name: qualified}
	}
	e := m.entry(server)
	if e == nil {
		return nil, &UnknownToolError{Name: qualified}
	}

	if state := e.client.State(); state != mcp.StateReady {
		if !m.reconnectOnInvoke || state == mcp.StateConnecting {
			return nil, fmt.Errorf("%s is %s: %w", server, state, mcp.ErrNotConnected)
		}
		m.logger.Info("reconnecting MCP server before invocation", "mcp_server", server, "state", state)
		if err := m.connect(ctx, e); err != nil {
			return nil, fmt.Errorf("%s: %w (reconnect failed: %v)", server, mcp.ErrNotConnected, err)
		}
	}

	tool, ok := m.Tool(qualified)
	if !ok {
		return nil, &UnknownToolError{Name: qualified, Server: server}
	}
	if err := tool.Validate(args); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := e.client.CallTool(ctx, toolName, args, m.toolTimeout)
	m.logger.Debug("MCP tool invoked",
		"tool", qualified,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"error", err,
	)
	return res, err
}

// RefreshTools re-fetches one server's tools and rebuilds the catalog.
func (m *Manager) RefreshTools(ctx context.Context, name string) error {
	e := m.entry(name)
	if e == nil {
		return fmt.Errorf("unknown server %q", name)
	}
	tools, err := e.client.RefreshTools(ctx)
	if err != nil {
		return err
	}
	m.rebuildCatalog()
	m.emit(Event{Kind: EventToolsChanged, Server: name, Tools: len(tools)})
	return nil
}

// Ping checks one ready server's liveness.
func (m *Manager) Ping(ctx context.Context, name string) error {
	e := m.entry(name)
	if e == nil {
		return fmt.Errorf("unknown server %q", name)
	}
	return e.client.Ping(ctx)
}

// MarkDown demotes a ready server to disconnected after an external
// liveness check failed. It does not reconnect.
func (m *Manager) MarkDown(name string, cause error) {
	if e := m.entry(name); e != nil {
		e.client.Disconnect(cause)
	}
}

// Status returns one entry per server in order.
func (m *Manager) Status() []ServerStatus {
	entries := m.entriesInOrder()
	out := make([]ServerStatus, 0, len(entries))
	for _, e := range entries {
		st := ServerStatus{
			Name:        e.config.Name,
			Description: e.config.Description,
			Transport:   e.config.Transport,
			State:       e.client.State(),
			Err:         e.client.Err(),
			ConnectedAt: e.client.ConnectedAt(),
			Info:        e.client.Info(),
		}
		if st.State == mcp.StateReady {
			st.Tools = len(mcp.FilterTools(e.client.Tools(), e.config.IncludeTools, e.config.ExcludeTools))
		}
		out = append(out, st)
	}
	return out
}

// Events exposes the inbound queue. A single consumer drains it.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case m.events <- ev:
	default:
		if ev.Kind == EventNotification && ev.Method == methodToolsListChanged {
			m.pendingMu.Lock()
			m.pendingRefresh[ev.Server] = true
			m.pendingMu.Unlock()
			m.logger.Debug("session event queue full, deferring tool refresh", "mcp_server", ev.Server)
			return
		}
		m.logger.Warn("session event queue full, dropping event",
			"kind", ev.Kind, "mcp_server", ev.Server, "method", ev.Method)
	}
}

// ProcessEvents drains every queued event without blocking and acts on
// the ones the session owns: a tools/list_changed notification
// refreshes that server's tools, including ones that arrived while the
// queue was full. Server log messages are logged. The drained events,
// plus any they caused, are returned in order for display.
func (m *Manager) ProcessEvents(ctx context.Context) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.events:
			out = append(out, ev)
			if ev.Kind != EventNotification {
				continue
			}
			switch ev.Method {
			case methodToolsListChanged:
				m.refreshAfterListChanged(ctx, ev.Server)
			case "notifications/message":
				m.logger.Info("MCP server log", "mcp_server", ev.Server, "params", string(ev.Params))
			default:
				m.logger.Debug("MCP notification", "mcp_server", ev.Server, "method", ev.Method)
			}
		default:
			pending := m.takePendingRefresh()
			if len(pending) == 0 {
				return out
			}
			for _, name := range pending {
				m.refreshAfterListChanged(ctx, name)
			}
		}
	}
}

func (m *Manager) refreshAfterListChanged(ctx context.Context, name string) {
	m.pendingMu.Lock()
	delete(m.pendingRefresh, name)
	m.pendingMu.Unlock()
	if err := m.RefreshTools(ctx, name); err != nil {
		m.logger.Warn("tool refresh after list_changed failed", "mcp_server", name, "error", err)
	}
}

// takePendingRefresh returns and clears the deferred refreshes, in
// server order.
func (m *Manager) takePendingRefresh() []string {
	order := m.Servers()
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.pendingRefresh) == 0 {
		return nil
	}
	var names []string
	for _, name := range order {
		if m.pendingRefresh[name] {
			names = append(names, name)
		}
	}
	clear(m.pendingRefresh)
	return names
}

// Close disconnects every server.
func (m *Manager) Close() error {
	var errs []error
	for _, e := range m.entriesInOrder() {
		if err := e.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.config.Name, err))
		}
	}
	return errors.Join(errs...)
}
