package mcptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/mcpterm/internal/mcp"
)

// Transport is the client end of an in-process connection to a Server.
// Each request is served on its own goroutine so delayed tools answer
// out of order.
type Transport struct {
	server *Server

	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error

	ctx    context.Context
	cancel context.CancelFunc
}

func newTransport(s *Server) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		server:  s,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Send hands a frame to the server.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return t.closeErr()
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	req, reply := t.server.accept(frame)
	if !reply {
		return nil
	}
	go func() {
		out := t.server.respond(t.ctx, req)
		if t.ctx.Err() == nil {
			t.deliver(out)
		}
	}()
	return nil
}

// Receive returns the next server frame.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.inbound:
		return f, nil
	case <-t.closed:
		return nil, t.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the connection.
func (t *Transport) Close() error {
	t.fail(mcp.ErrClosed)
	return nil
}

func (t *Transport) deliver(frame []byte) {
	select {
	case t.inbound <- frame:
	case <-t.closed:
	}
}

func (t *Transport) fail(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		if err != mcp.ErrClosed {
			err = fmt.Errorf("%w: %w", mcp.ErrClosed, err)
		}
		t.err = err
		t.mu.Unlock()
		t.cancel()
		close(t.closed)
	})
}

func (t *Transport) closeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
