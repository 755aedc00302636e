package transcript

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/mcpterm/internal/llm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenDir(filepath.Join(t.TempDir(), "nested", "data"))
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationRecording(t *testing.T) {
	s := openTestStore(t)

	conv, err := s.Start("gpt-4o-mini")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if conv.ID() == "" {
		t.Fatal("conversation id should be set")
	}

	call := llm.ToolCall{ID: "call_1", Function: llm.FunctionCall{Name: "files__read", Arguments: map[string]any{"path": "a.txt"}}}
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "read a.txt"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		{Role: llm.RoleTool, Content: "hello", ToolCallID: "call_1"},
		{Role: llm.RoleAssistant, Content: "It says hello."},
	}
	for _, m := range msgs {
		if err := conv.RecordMessage(m); err != nil {
			t.Fatalf("RecordMessage: %v", err)
		}
	}
	if err := conv.RecordToolCall(call, "files:read", "hello", nil, 42*time.Millisecond); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}
	if err := conv.RecordToolCall(llm.ToolCall{ID: "call_2", Function: llm.FunctionCall{Name: "files__write"}},
		"files:write", `{"error":"denied"}`, errors.New("denied"), time.Millisecond); err != nil {
		t.Fatalf("RecordToolCall with error: %v", err)
	}

	got, err := s.Messages(conv.ID())
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("messages = %d, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if got[i].Role != msgs[i].Role || got[i].Content != msgs[i].Content || got[i].ToolCallID != msgs[i].ToolCallID {
			t.Errorf("message[%d] = %+v, want %+v", i, got[i], msgs[i])
		}
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Function.Arguments["path"] != "a.txt" {
		t.Errorf("tool calls not restored: %+v", got[1].ToolCalls)
	}

	calls, err := s.ToolCalls(conv.ID())
	if err != nil {
		t.Fatalf("ToolCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].Tool != "files:read" || calls[0].Arguments != `{"path":"a.txt"}` || calls[0].Duration != 42*time.Millisecond {
		t.Errorf("call[0] = %+v", calls[0])
	}
	if calls[1].Error != "denied" || calls[1].Arguments != "{}" {
		t.Errorf("call[1] = %+v", calls[1])
	}
}

func TestRecent(t *testing.T) {
	s := openTestStore(t)

	empty, err := s.Start("m")
	if err != nil {
		t.Fatal(err)
	}
	_ = empty // never written to; excluded from listings

	first, _ := s.Start("llama3.1")
	_ = first.RecordMessage(llm.Message{Role: llm.RoleUser, Content: "first question"})
	time.Sleep(5 * time.Millisecond)
	second, _ := s.Start("claude-sonnet-4-20250514")
	_ = second.RecordMessage(llm.Message{Role: llm.RoleUser, Content: "second question"})
	_ = second.RecordMessage(llm.Message{Role: llm.RoleAssistant, Content: "answer"})

	got, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() = %d conversations, want 2", len(got))
	}
	if got[0].ID != second.ID() || got[0].Messages != 2 || got[0].FirstUserMessage != "second question" {
		t.Errorf("newest = %+v", got[0])
	}
	if got[1].Model != "llama3.1" || got[1].CreatedAt.IsZero() {
		t.Errorf("older = %+v", got[1])
	}
}
