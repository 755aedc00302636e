package mcp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below match these with errors.Is where
// the kind matters more than the detail.
var (
	// ErrClosed reports that the peer or the local side closed the
	// transport.
	ErrClosed = errors.New("mcp: transport closed")

	// ErrTimeout reports that a call did not resolve within its timeout.
	ErrTimeout = errors.New("mcp: call timed out")

	// ErrNotConnected reports an operation on a connection that is not
	// in the ready state.
	ErrNotConnected = errors.New("mcp: server not connected")
)

// ConnectError reports that a transport could not be opened, or that
// the server could not be reached before a session was established.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError reports a failure of initialize or the initial
// tools/list on an otherwise reachable server.
type HandshakeError struct {
	Server string
	Step   string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed at %s: %v", e.Server, e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError reports that the underlying transport failed while a
// call was outstanding or being sent. The connection is unusable
// afterwards.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is returned by a call that did not resolve in time.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Method, e.After)
	}
	return fmt.Sprintf("%s timed out", e.Method)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ToolError reports a tool that executed but flagged its result with
// isError. Message is the formatted result content.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s reported an error: %s", e.Tool, e.Message)
}

// InvalidArgumentsError reports arguments rejected by the tool's input
// schema before anything was sent to the server.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }
