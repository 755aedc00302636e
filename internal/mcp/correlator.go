package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LevelTrace is below Debug and carries raw wire frames.
const LevelTrace = slog.Level(-8)

// replyTimeout bounds answers to server-initiated requests.
const replyTimeout = 10 * time.Second

// NotificationHandler receives inbound notifications. Handlers run on
// the connection's receive loop and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// callResult resolves one pending waiter.
type callResult struct {
	result json.RawMessage
	err    error
}

// Correlator multiplexes JSON-RPC calls over one Transport. It assigns
// request ids, keeps the pending table, and runs the receive loop that
// resolves waiters and dispatches notifications.
//
// Every waiter is resolved exactly once: whoever removes it from the
// pending table (the receive loop with a response, the caller on
// timeout, or the failure path) is the only one that completes it.
type Correlator struct {
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu        sync.Mutex
	pending   map[int64]chan callResult
	listeners []NotificationHandler
	failed    error // non-nil once the connection is unusable

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  sync.Once
}

// NewCorrelator wraps t. Call Start to begin receiving.
func NewCorrelator(t Transport, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Correlator{
		transport: t,
		logger:    logger,
		pending:   make(map[int64]chan callResult),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the receive loop. Subsequent calls are no-ops.
func (c *Correlator) Start() {
	c.start.Do(func() { go c.readLoop() })
}

// OnNotification registers h. Handlers are invoked in registration
// order for every inbound notification.
func (c *Correlator) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	c.listeners = append(c.listeners, h)
	c.mu.Unlock()
}

// Done is closed when the receive loop has exited.
func (c *Correlator) Done() <-chan struct{} { return c.done }

// Err returns the failure that made the connection unusable, or nil.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a request and waits for its response. A positive timeout
// bounds the wait; ctx cancellation abandons it. In both cases the
// waiter is removed so a late response is discarded.
func (c *Correlator) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		c.take(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	if err := c.transport.Send(ctx, frame); err != nil {
		if c.take(id) == nil {
			// Resolved by the failure path while we were sending.
			res := <-ch
			return res.result, res.err
		}
		if ctx.Err() != nil {
			return nil, c.abandoned(ctx, method, timeout)
		}
		terr := &TransportError{Err: err}
		c.sever(terr)
		return nil, terr
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		if c.take(id) == nil {
			res := <-ch
			return res.result, res.err
		}
		c.logger.Debug("abandoned MCP call", "method", method, "id", id, "error", ctx.Err())
		return nil, c.abandoned(ctx, method, timeout)
	}
}

// abandoned maps a finished context to the caller-facing error.
func (c *Correlator) abandoned(ctx context.Context, method string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Method: method, After: timeout}
	}
	return ctx.Err()
}

// Notify sends a notification. No response is expected.
func (c *Correlator) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	frame, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		terr := &TransportError{Err: err}
		c.sever(terr)
		return terr
	}
	return nil
}

// sever marks the connection unusable after a failed send and stops
// the receive loop, so Done fires even on transports whose Receive
// cannot observe the failure (HTTP).
func (c *Correlator) sever(err error) {
	c.logger.Warn("MCP send failed, closing connection", "error", err)
	c.fail(err)
	c.cancel()
}

// take removes and returns the waiter for id, or nil if it has already
// been resolved or abandoned.
func (c *Correlator) take(id int64) chan callResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ch
}

func (c *Correlator) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.transport.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				err = ErrClosed
			}
			c.fail(&TransportError{Err: err})
			return
		}
		c.logger.Log(c.ctx, LevelTrace, "MCP frame received", "frame", string(frame))
		c.dispatch(frame)
	}
}

// dispatch classifies one inbound frame.
func (c *Correlator) dispatch(frame []byte) {
	msg, kind, err := decodeMessage(frame)
	if err != nil {
		c.logger.Warn("discarding malformed MCP frame", "error", err)
		return
	}

	switch kind {
	case kindResponse:
		id, ok := msg.numericID()
		var ch chan callResult
		if ok {
			ch = c.take(id)
		}
		if ch == nil {
			c.logger.Debug("discarding MCP response with no pending call", "id", string(msg.ID))
			return
		}
		if msg.Error != nil {
			ch <- callResult{err: msg.Error}
			return
		}
		result := msg.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		ch <- callResult{result: result}

	case kindNotification:
		c.mu.Lock()
		listeners := append([]NotificationHandler(nil), c.listeners...)
		c.mu.Unlock()
		for _, h := range listeners {
			h(msg.Method, msg.Params)
		}

	case kindServerRequest:
		go c.reply(msg)
	}
}

// reply answers a server-initiated request. Only ping is supported.
func (c *Correlator) reply(msg *message) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == "ping" {
		resp.Result = json.RawMessage("{}")
	} else {
		c.logger.Debug("rejecting server request", "method", msg.Method)
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, replyTimeout)
	defer cancel()
	if err := c.transport.Send(ctx, frame); err != nil {
		c.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
	}
}

// fail marks the connection unusable and rejects every outstanding
// waiter with err.
func (c *Correlator) fail(err error) {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = err
	}
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Debug("rejecting pending MCP calls", "count", len(pending), "error", err)
	}
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// Close stops the receive loop, closes the transport, and rejects all
// outstanding calls. Close is idempotent.
func (c *Correlator) Close() error {
	c.cancel()
	err := c.transport.Close()
	c.fail(&TransportError{Err: ErrClosed})
	c.start.Do(func() { close(c.done) })
	<-c.done
	return err
}
