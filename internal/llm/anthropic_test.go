package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "Read the notes file."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are a helpful assistant." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != RoleUser {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "Tools are available."},
		{Role: RoleUser, Content: "Read notes.txt"},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{{
				ID: "toolu_abc123",
				Function: FunctionCall{
					Name:      "files__read",
					Arguments: map[string]any{"path": "notes.txt"},
				},
			}},
		},
		{Role: RoleTool, Content: "hello", ToolCallID: "toolu_abc123"},
	}

	result, _ := convertToAnthropic(messages)
	if len(result) != 3 { // user, assistant with tool_use, user with tool_result
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	assistant, ok := result[1].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected assistant content to be []anthropicContent")
	}
	if len(assistant) != 1 || assistant[0].Type != "tool_use" {
		t.Fatalf("expected one tool_use block, got %+v", assistant)
	}
	if assistant[0].ID != "toolu_abc123" {
		t.Errorf("tool_use ID = %s, want toolu_abc123", assistant[0].ID)
	}

	toolResult, ok := result[2].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected tool result content to be []anthropicContent")
	}
	if result[2].Role != RoleUser {
		t.Errorf("tool result role = %s, want user", result[2].Role)
	}
	if toolResult[0].Type != "tool_result" || toolResult[0].ToolUseID != "toolu_abc123" {
		t.Errorf("unexpected tool result block %+v", toolResult[0])
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		FunctionTool("files__read", "Read a file (from files server)", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		}),
		FunctionTool("clock__now", "Current time", nil),
		{"type": "function"}, // malformed, skipped
	}

	result := convertToolsToAnthropic(tools)
	if len(result) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(result))
	}
	if result[0].Name != "files__read" {
		t.Errorf("tool name = %s, want files__read", result[0].Name)
	}
	if result[0].Description != "Read a file (from files server)" {
		t.Errorf("unexpected description %q", result[0].Description)
	}
	schema, ok := result[1].InputSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("nil parameters should become an empty object schema, got %v", result[1].InputSchema)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	tests := []struct {
		name      string
		content   []anthropicContent
		wantText  string
		wantCalls []string
	}{
		{
			name:     "text only",
			content:  []anthropicContent{{Type: "text", Text: "Hello"}, {Type: "text", Text: " world"}},
			wantText: "Hello world",
		},
		{
			name: "text and tool use",
			content: []anthropicContent{
				{Type: "text", Text: "Checking."},
				{Type: "tool_use", ID: "toolu_1", Name: "files__read", Input: map[string]any{"path": "a"}},
			},
			wantText:  "Checking.",
			wantCalls: []string{"files__read"},
		},
		{
			name: "multiple tool uses",
			content: []anthropicContent{
				{Type: "tool_use", ID: "toolu_1", Name: "files__read", Input: map[string]any{}},
				{Type: "tool_use", ID: "toolu_2", Name: "clock__now"},
			},
			wantCalls: []string{"files__read", "clock__now"},
		},
		{
			name: "empty content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &anthropicResponse{
				Model:   "claude-sonnet-4-20250514",
				Content: tt.content,
				Usage:   anthropicUsage{InputTokens: 10, OutputTokens: 5},
			}
			got := convertFromAnthropic(resp)

			if got.Message.Role != RoleAssistant {
				t.Errorf("role = %q, want assistant", got.Message.Role)
			}
			if got.Message.Content != tt.wantText {
				t.Errorf("content = %q, want %q", got.Message.Content, tt.wantText)
			}
			if len(got.Message.ToolCalls) != len(tt.wantCalls) {
				t.Fatalf("tool calls = %d, want %d", len(got.Message.ToolCalls), len(tt.wantCalls))
			}
			for i, name := range tt.wantCalls {
				tc := got.Message.ToolCalls[i]
				if tc.Function.Name != name {
					t.Errorf("call[%d] = %q, want %q", i, tc.Function.Name, name)
				}
				if tc.Function.Arguments == nil {
					t.Errorf("call[%d] arguments should never be nil", i)
				}
			}
			if got.InputTokens != 10 || got.OutputTokens != 5 {
				t.Errorf("usage = %d/%d, want 10/5", got.InputTokens, got.OutputTokens)
			}
		})
	}
}

func TestClientsImplementInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
	var _ Client = (*OllamaClient)(nil)
	var _ Client = (*OpenAIClient)(nil)
	var _ Client = (*MultiClient)(nil)
}

func TestAnthropicChat(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"claude-test","role":"assistant","content":[{"type":"tool_use","id":"toolu_9","name":"files__read","input":{"path":"notes.txt"}}],"usage":{"input_tokens":3,"output_tokens":4}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", srv.URL, nil)
	resp, err := c.Chat(context.Background(), "claude-test", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "read it"},
	}, []map[string]any{FunctionTool("files__read", "Read", nil)})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotReq.System != "sys" || len(gotReq.Messages) != 1 || len(gotReq.Tools) != 1 {
		t.Errorf("unexpected request %+v", gotReq)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].ID != "toolu_9" {
		t.Fatalf("unexpected tool calls %+v", resp.Message.ToolCalls)
	}
	if resp.Message.ToolCalls[0].Function.Arguments["path"] != "notes.txt" {
		t.Errorf("arguments = %v", resp.Message.ToolCalls[0].Function.Arguments)
	}
}

func TestAnthropicChatStream(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":7}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"look."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"files__read"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	var tokens []string
	c := NewAnthropicClient("k", srv.URL, nil)
	resp, err := c.ChatStream(context.Background(), "claude-test", []Message{{Role: RoleUser, Content: "hi"}}, nil,
		func(ev StreamEvent) {
			if ev.Kind == KindToken {
				tokens = append(tokens, ev.Token)
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if got := strings.Join(tokens, ""); got != "Let me look." {
		t.Errorf("streamed tokens = %q", got)
	}
	if resp.Message.Content != "Let me look." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Arguments["path"] != "a.txt" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 12 {
		t.Errorf("usage = %d/%d, want 7/12", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicStreamTruncatedToolArguments(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":3}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_2","name":"files__read"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\": \"a.t"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	c := NewAnthropicClient("k", srv.URL, logger)
	resp, err := c.ChatStream(context.Background(), "claude-test", []Message{{Role: RoleUser, Content: "hi"}}, nil, func(StreamEvent) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v, want 1", resp.Message.ToolCalls)
	}
	args := resp.Message.ToolCalls[0].Function.Arguments
	if args == nil || len(args) != 0 {
		t.Errorf("arguments = %v, want empty object", args)
	}
	if !strings.Contains(logs.String(), "malformed tool arguments") {
		t.Errorf("expected a warning about malformed arguments, got %q", logs.String())
	}
}

func TestAnthropicStreamAccumulator(t *testing.T) {
	var logs bytes.Buffer
	var tokens []string
	st := &anthropicStream{
		logger:  slog.New(slog.NewTextHandler(&logs, nil)),
		onToken: func(ev StreamEvent) { tokens = append(tokens, ev.Token) },
	}
	for _, ev := range []anthropicStreamEvent{
		{Type: "message_start", Message: &anthropicResponse{Model: "claude-test", Usage: anthropicUsage{InputTokens: 9}}},
		{Type: "content_block_start", ContentBlock: &anthropicContent{Type: "text"}},
		{Type: "content_block_delta", Delta: &anthropicDelta{Type: "text_delta", Text: "Two "}},
		{Type: "content_block_delta", Delta: &anthropicDelta{Type: "text_delta", Text: "calls."}},
		{Type: "content_block_stop"},
		{Type: "content_block_start", ContentBlock: &anthropicContent{Type: "tool_use", ID: "toolu_a", Name: "files__read"}},
		{Type: "content_block_delta", Delta: &anthropicDelta{Type: "input_json_delta", PartialJSON: `{"path":`}},
		{Type: "content_block_delta", Delta: &anthropicDelta{Type: "input_json_delta", PartialJSON: `"a.txt"}`}},
		{Type: "content_block_stop"},
		{Type: "content_block_start", ContentBlock: &anthropicContent{Type: "tool_use", ID: "toolu_b", Name: "clock__now"}},
		{Type: "content_block_stop"},
		{Type: "ping"},
		{Type: "message_delta", Delta: &anthropicDelta{StopReason: "tool_use"}, Usage: &anthropicUsage{OutputTokens: 21}},
	} {
		st.apply(ev)
	}

	resp, err := st.result()
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if resp.Model != "claude-test" || resp.InputTokens != 9 || resp.OutputTokens != 21 {
		t.Errorf("model/usage = %s %d/%d", resp.Model, resp.InputTokens, resp.OutputTokens)
	}
	if resp.Message.Content != "Two calls." || strings.Join(tokens, "") != "Two calls." {
		t.Errorf("content = %q, tokens = %q", resp.Message.Content, tokens)
	}
	if st.stopReason != "tool_use" {
		t.Errorf("stopReason = %q", st.stopReason)
	}

	calls := resp.Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("tool calls = %+v, want 2", calls)
	}
	if calls[0].ID != "toolu_a" || calls[0].Function.Arguments["path"] != "a.txt" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].ID != "toolu_b" || calls[1].Function.Arguments == nil || len(calls[1].Function.Arguments) != 0 {
		t.Errorf("argument-less call = %+v, want empty object", calls[1])
	}
	if logs.Len() != 0 {
		t.Errorf("well-formed stream logged warnings: %s", logs.String())
	}
}

func TestAnthropicStreamKeepsFirstError(t *testing.T) {
	st := &anthropicStream{logger: slog.Default()}
	st.apply(anthropicStreamEvent{Type: "error", Error: &anthropicError{Type: "invalid_request_error", Message: "bad"}})
	st.apply(anthropicStreamEvent{Type: "error", Error: &anthropicError{Type: "overloaded_error", Message: "busy"}})

	_, err := st.result()
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if perr.Retryable || !strings.Contains(perr.Body, "invalid_request_error") {
		t.Errorf("err = %+v, want the first, non-retryable failure", perr)
	}
}

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     map[string]any
		wantWarn bool
	}{
		{"object", `{"path":"a"}`, map[string]any{"path": "a"}, false},
		{"blank", "  ", map[string]any{}, false},
		{"truncated", `{"path": "a.t`, map[string]any{}, true},
		{"null", "null", map[string]any{}, true},
		{"array", `[1,2]`, map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			got := decodeArguments(slog.New(slog.NewTextHandler(&logs, nil)), "files__read", tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("decodeArguments(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			if warned := strings.Contains(logs.String(), "malformed tool arguments"); warned != tt.wantWarn {
				t.Errorf("warned = %v, want %v (%s)", warned, tt.wantWarn, logs.String())
			}
		})
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", srv.URL, nil)
	_, err := c.ChatStream(context.Background(), "claude-test", []Message{{Role: RoleUser, Content: "hi"}}, nil, func(StreamEvent) {})
	if !IsRetryable(err) {
		t.Fatalf("overloaded stream error should be retryable, got %v", err)
	}
}

func TestAnthropicStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{529, true},
		{http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			c := NewAnthropicClient("k", srv.URL, nil)
			_, err := c.Chat(context.Background(), "claude-test", []Message{{Role: RoleUser, Content: "hi"}}, nil)

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %T: %v", err, err)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", pe.StatusCode, tt.status)
			}
			if pe.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tt.retryable)
			}
			if !strings.Contains(pe.Error(), "nope") {
				t.Errorf("error should carry the body excerpt: %v", pe)
			}
		})
	}
}

func TestAnthropicPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/models" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	if err := NewAnthropicClient("good", srv.URL, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping with good key: %v", err)
	}
	if err := NewAnthropicClient("bad", srv.URL, nil).Ping(context.Background()); err == nil {
		t.Error("Ping with bad key should fail")
	}
}
