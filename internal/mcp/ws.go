package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket MCP transport.
type WSConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the upgrade request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport carries one JSON-RPC frame per WebSocket text message.
type WSTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	frames    chan []byte
	closing   chan struct{}
	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// DialWebSocket connects to cfg.URL, negotiating the "mcp" subprotocol,
// and starts the background reader.
func DialWebSocket(ctx context.Context, cfg WSConfig) (*WSTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, errors.New("ws transport requires a url")
	}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   1024 * 1024, // 1MB
		WriteBufferSize:  64 * 1024,   // 64KB
		Subprotocols:     []string{"mcp"},
		Proxy:            http.ProxyFromEnvironment,
	}

	logger.Info("connecting to MCP WebSocket", "url", cfg.URL)
	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(10 << 20) // 10 MiB max message size

	t := &WSTransport{
		conn:    conn,
		logger:  logger,
		frames:  make(chan []byte, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	defer close(t.done)
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("MCP WebSocket closed by server")
				t.readErr = ErrClosed
			} else {
				t.readErr = fmt.Errorf("websocket read: %w: %w", ErrClosed, err)
			}
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if !isJSONObject(data) {
			t.logger.Debug("skipping non-JSON WebSocket message", "message", string(data))
			continue
		}
		select {
		case t.frames <- data:
		case <-t.closing:
			t.readErr = ErrClosed
			return
		}
	}
}

// Send writes one frame as a text message.
func (t *WSTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closing:
		return ErrClosed
	case <-t.done:
		return t.readErr
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	t.logger.Log(ctx, LevelTrace, "MCP frame sent", "frame", string(frame))
	return nil
}

// Receive returns the next inbound frame.
func (t *WSTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.done:
		select {
		case f := <-t.frames:
			return f, nil
		default:
		}
		return nil, t.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and drops the connection.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
