package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/mcpterm/internal/mcp"
	"github.com/nugget/mcpterm/internal/session"
)

// ErrBusy is returned when a turn is started while another is running.
var ErrBusy = errors.New("a turn is already in progress")

// LoopLimitError ends a turn whose model kept requesting tools past the
// iteration cap. Messages from every completed round stay in history.
type LoopLimitError struct {
	Limit int
}

func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("tool loop limit reached after %d rounds without a final answer", e.Limit)
}

// cancelledPayload is the tool_result content for a directive whose
// execution was interrupted or never started because of cancellation.
const cancelledPayload = `{"error":"cancelled"}`

// errorKind classifies a tool failure for the structured payload.
func errorKind(err error) string {
	var (
		unknown    *session.UnknownToolError
		toolErr    *mcp.ToolError
		invalid    *mcp.InvalidArgumentsError
		rpcErr     *mcp.RPCError
		transport  *mcp.TransportError
		connectErr *mcp.ConnectError
	)
	switch {
	case errors.As(err, &unknown):
		return "unknown_tool"
	case errors.As(err, &invalid):
		return "invalid_arguments"
	case errors.As(err, &toolErr):
		return "tool_error"
	case errors.Is(err, mcp.ErrTimeout):
		return "timeout"
	case errors.Is(err, mcp.ErrNotConnected):
		return "not_connected"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.As(err, &transport), errors.As(err, &connectErr):
		return "transport_error"
	}
	return "error"
}

// errorPayload renders a tool failure as the JSON content of a
// tool_result message so the model can react to it.
func errorPayload(err error) string {
	payload := map[string]string{
		"error": err.Error(),
		"type":  errorKind(err),
	}
	var toolErr *mcp.ToolError
	if errors.As(err, &toolErr) {
		payload["error"] = toolErr.Message
	}
	b, _ := json.Marshal(payload)
	return string(b)
}
