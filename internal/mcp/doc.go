// Package mcp implements the client side of the Model Context Protocol
// for mcpterm: transports, JSON-RPC framing and correlation, and the
// per-server connection that performs the handshake and exposes tool
// discovery and invocation.
//
// MCP is JSON-RPC 2.0 carried over one of three transports: stdio
// (newline-delimited frames on a subprocess's stdin/stdout), streamable
// HTTP (one POST per outbound frame, responses as JSON or server-sent
// events, with an optional GET push channel), and WebSocket (one frame
// per text message).
//
// Layering, leaves first:
//
//	Transport   moves opaque frames: Send, Receive, Close
//	Correlator  assigns request ids, owns the pending table, runs the
//	            receive loop, dispatches notifications
//	Client      one server: handshake, tool catalog, tools/call, state
//
// Only the client role is implemented; mcpterm never acts as a server
// beyond answering ping.
package mcp
