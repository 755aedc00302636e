package transcript

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcpterm/internal/llm"
)

// Conversation records into one archived conversation. It satisfies
// the conversation loop's recorder interface.
type Conversation struct {
	store *Store
	id    string

	mu  sync.Mutex
	seq int
}

// ID returns the conversation's archive id.
func (c *Conversation) ID() string { return c.id }

// RecordMessage appends msg to the archive.
func (c *Conversation) RecordMessage(msg llm.Message) error {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	msgID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(b)
	}
	var toolCallID any
	if msg.ToolCallID != "" {
		toolCallID = msg.ToolCallID
	}

	now := time.Now().UTC()
	tx, err := c.store.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, seq, role, content, tool_calls, tool_call_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msgID.String(), c.id, seq, msg.Role, msg.Content, toolCalls, toolCallID, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, c.id); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return tx.Commit()
}

// RecordToolCall archives one tool invocation. qualified is the
// server:tool name that was invoked.
func (c *Conversation) RecordToolCall(call llm.ToolCall, qualified, result string, toolErr error, duration time.Duration) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate tool call id: %w", err)
	}

	args := call.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}

	var errText any
	if toolErr != nil {
		errText = toolErr.Error()
	}

	started := time.Now().UTC().Add(-duration)
	if _, err := c.store.db.Exec(`
		INSERT INTO tool_calls (id, conversation_id, call_id, tool_name, arguments, result, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), c.id, call.ID, qualified, string(argsJSON), result, errText, started, duration.Milliseconds()); err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}
