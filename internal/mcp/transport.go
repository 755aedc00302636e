package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Transport kinds accepted in ServerConfig.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportWS    = "ws"
)

// Transport moves opaque JSON-RPC frames to and from one MCP server.
// Implementations own the framing for their medium; they never inspect
// frame contents beyond what the medium requires.
type Transport interface {
	// Send delivers one frame. It is safe to call concurrently with
	// Receive and with other Send calls.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next inbound frame is available. It
	// returns an error wrapping ErrClosed once the peer has gone away
	// or Close has been called.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases all resources: for stdio the subprocess is
	// terminated, for network transports connections are dropped.
	// Close is idempotent.
	Close() error
}

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	// Name identifies the server and prefixes its tools in the
	// namespaced catalog. Must not contain NamespaceSeparator.
	Name string

	// Description is shown in status listings.
	Description string

	// Transport is one of TransportStdio, TransportHTTP, TransportWS.
	Transport string

	// Stdio.
	Command string
	Args    []string
	Env     []string // KEY=VALUE, appended to the parent environment
	Dir     string

	// HTTP and WebSocket.
	URL     string
	Headers map[string]string

	// Notifications opens the HTTP GET push channel for server
	// notifications.
	Notifications bool

	// Timeout is the default per-call RPC timeout. Zero means calls
	// are bounded only by their context.
	Timeout time.Duration

	// IncludeTools and ExcludeTools filter which tools reach the
	// catalog. A non-empty include list wins over the exclude list.
	IncludeTools []string
	ExcludeTools []string
}

// DialFunc opens a Transport for a server. Tests substitute in-process
// transports through it.
type DialFunc func(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (Transport, error)

// Dial opens the transport named by cfg.Transport. Failures are
// reported as *ConnectError.
func Dial(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		t   Transport
		err error
	)
	switch cfg.Transport {
	case TransportStdio, "":
		st := NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Logger:  logger,
		})
		err = st.Open(ctx)
		t = st
	case TransportHTTP:
		ht := NewHTTPTransport(HTTPConfig{
			URL:           cfg.URL,
			Headers:       cfg.Headers,
			Notifications: cfg.Notifications,
			Logger:        logger,
		})
		err = ht.Open(ctx)
		t = ht
	case TransportWS:
		t, err = DialWebSocket(ctx, WSConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		})
	default:
		err = fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, &ConnectError{Server: cfg.Name, Err: err}
	}
	return t, nil
}
