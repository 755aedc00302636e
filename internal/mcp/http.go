package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nugget/mcpterm/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on streamable
// HTTP. It is captured from any response and echoed on later requests.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Notifications opens a long-lived GET event stream for
	// server-pushed messages once the first POST has succeeded.
	Notifications bool

	// Client overrides the HTTP client. Nil builds one via httpkit.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each outbound frame is one POST. The response body, either a single
// JSON message or an event stream, is split into frames that Receive
// returns, together with frames from the optional GET push channel.
type HTTPTransport struct {
	url           string
	httpClient    *http.Client
	logger        *slog.Logger
	notifications bool

	frames    chan []byte
	closing   chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	sessionID string

	streamOnce   sync.Once
	streamCtx    context.Context
	streamCancel context.CancelFunc
	wg           sync.WaitGroup
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit without an
// overall timeout: event streams are long-lived and calls are bounded
// by their contexts.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		url:           cfg.URL,
		httpClient:    client,
		logger:        logger,
		notifications: cfg.Notifications,
		frames:        make(chan []byte, 64),
		closing:       make(chan struct{}),
		streamCtx:     ctx,
		streamCancel:  cancel,
	}
}

// Open validates the endpoint. No request is made until the first
// Send; connection failures surface from there.
func (t *HTTPTransport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.url == "" {
		return errors.New("http transport requires a url")
	}
	if _, err := http.NewRequest(http.MethodPost, t.url, nil); err != nil {
		return fmt.Errorf("invalid url %q: %w", t.url, err)
	}
	return nil
}

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *HTTPTransport) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.url, rd)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
	} else {
		req.Header.Set("Accept", "text/event-stream")
	}
	if sid := t.SessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	return req, nil
}

func (t *HTTPTransport) captureSession(resp *http.Response) {
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		if t.sessionID != sid {
			t.logger.Debug("MCP HTTP session assigned", "session_id", sid)
		}
		t.sessionID = sid
		t.mu.Unlock()
	}
}

// Send posts one frame and queues every frame carried by the response.
// 202 Accepted with an empty body is the normal reply to notifications
// and responses.
func (t *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closing:
		return ErrClosed
	default:
	}

	req, err := t.newRequest(ctx, http.MethodPost, frame)
	if err != nil {
		return err
	}

	t.logger.Log(ctx, LevelTrace, "MCP frame sent", "frame", string(frame))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	t.captureSession(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, errBody)
	}

	if t.notifications {
		t.streamOnce.Do(t.startStream)
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		var pushErr error
		err := readSSE(resp.Body, func(ev sseEvent) bool {
			pushErr = t.push(ctx, ev.Data)
			return pushErr == nil
		})
		if pushErr != nil {
			return pushErr
		}
		if err != nil {
			return fmt.Errorf("read event stream: %w", err)
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	if body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return fmt.Errorf("unmarshal batch response: %w", err)
		}
		for _, m := range batch {
			if err := t.push(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}
	return t.push(ctx, body)
}

// push queues one inbound frame for Receive.
func (t *HTTPTransport) push(ctx context.Context, frame []byte) error {
	if !isJSONObject(frame) {
		t.logger.Debug("skipping non-JSON payload from MCP server", "payload", string(frame))
		return nil
	}
	select {
	case t.frames <- frame:
		return nil
	case <-t.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next frame from any response or the push channel.
func (t *HTTPTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startStream opens the GET push channel in the background and keeps
// reopening it with exponential backoff until Close. A 405 means the
// server offers no push channel, which is not an error.
func (t *HTTPTransport) startStream() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		op := func() error {
			err := t.stream(t.streamCtx)
			if t.streamCtx.Err() != nil {
				return backoff.Permanent(t.streamCtx.Err())
			}
			return err
		}
		notify := func(err error, d time.Duration) {
			t.logger.Debug("MCP event stream ended, reopening", "error", err, "delay", d)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(b, t.streamCtx), notify); err != nil &&
			!errors.Is(err, context.Canceled) {
			t.logger.Info("MCP event stream disabled", "reason", err)
		}
	}()
}

var errNoPushChannel = errors.New("server does not offer an event stream")

func (t *HTTPTransport) stream(ctx context.Context) error {
	req, err := t.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return backoff.Permanent(errNoPushChannel)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("event stream returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	t.logger.Debug("MCP event stream open", "url", t.url)
	var pushErr error
	err = readSSE(resp.Body, func(ev sseEvent) bool {
		pushErr = t.push(ctx, ev.Data)
		return pushErr == nil
	})
	if pushErr != nil {
		return backoff.Permanent(pushErr)
	}
	if err != nil {
		return err
	}
	return errors.New("event stream closed by server")
}

// Close stops the push channel and ends the server session with a
// best-effort DELETE. Pending Receive calls return ErrClosed.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.streamCancel()

		if sid := t.SessionID(); sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			req, err := t.newRequest(ctx, http.MethodDelete, nil)
			if err == nil {
				if resp, err := t.httpClient.Do(req); err == nil {
					httpkit.DrainAndClose(resp.Body, 1<<10)
				}
			}
			cancel()
		}

		t.wg.Wait()
	})
	return nil
}
