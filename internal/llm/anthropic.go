package llm

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mcpterm/internal/httpkit"
)

const (
	// DefaultAnthropicURL is the API root used when none is configured.
	DefaultAnthropicURL = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// selects DefaultAnthropicURL.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Streaming responses can be long-lived; rely on ctx
			// deadlines for overall timeout control.
			httpkit.WithTimeout(0),
			// Long prompts can take a while before headers arrive.
			httpkit.WithResponseHeaderTimeout(120*time.Second),
			httpkit.WithHeaders(map[string]string{
				"x-api-key":         apiKey,
				"anthropic-version": anthropicAPIVersion,
			}),
		),
	}
}

// Anthropic request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role"`
	Content      []anthropicContent `json:"content"`
	Model        string             `json:"model"`
	StopReason   string             `json:"stop_reason"`
	StopSequence *string            `json:"stop_sequence"`
	Usage        anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event types for streaming
type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// Chat sends a non-streaming chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	// Convert messages and extract system prompt
	anthropicMsgs, systemPrompt := convertToAnthropic(messages)
	anthropicTools := convertToolsToAnthropic(tools)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"stream", stream,
		"system_len", len(systemPrompt),
	)

	req := anthropicRequest{
		Model:     model,
		Messages:  anthropicMsgs,
		System:    systemPrompt,
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
		Tools:     anthropicTools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, requestError(ctx, "anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := statusError("anthropic", resp)
		c.logger.Error("API error", "status", perr.StatusCode, "body", perr.Body)
		return nil, perr
	}

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

// Ping checks that the Anthropic API is reachable and the key is
// accepted by listing models, which costs no tokens.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return requestError(ctx, "anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("anthropic", resp)
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

func (c *AnthropicClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := convertFromAnthropic(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// handleStreaming reads the Messages API event stream. Only data lines
// matter; the event name is repeated inside the payload.
func (c *AnthropicClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	st := &anthropicStream{logger: c.logger, onToken: callback}
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			c.logger.Debug("skipping undecodable stream event", "error", err)
			continue
		}
		st.apply(ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, requestError(ctx, "anthropic", fmt.Errorf("read stream: %w", err))
	}

	resp, err := st.result()
	if err != nil {
		return nil, err
	}
	c.logger.Debug("stream complete",
		"stop_reason", st.stopReason,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)
	return resp, nil
}

// anthropicStream folds stream events into one response. Text deltas
// are forwarded to onToken as they arrive; a tool_use block's argument
// JSON is buffered until its content_block_stop.
type anthropicStream struct {
	logger  *slog.Logger
	onToken StreamCallback

	text  strings.Builder
	calls []ToolCall

	tool    *anthropicContent // open tool_use block
	toolArg strings.Builder

	model      string
	stopReason string
	usage      anthropicUsage
	failure    *anthropicError
}

func (s *anthropicStream) apply(ev anthropicStreamEvent) {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.model = ev.Message.Model
			s.usage = ev.Message.Usage
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			s.tool = ev.ContentBlock
			s.toolArg.Reset()
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.text.WriteString(ev.Delta.Text)
			if s.onToken != nil {
				s.onToken(StreamEvent{Kind: KindToken, Token: ev.Delta.Text})
			}
		case "input_json_delta":
			s.toolArg.WriteString(ev.Delta.PartialJSON)
		}
	case "content_block_stop":
		if s.tool == nil {
			return
		}
		s.calls = append(s.calls, ToolCall{
			ID: s.tool.ID,
			Function: FunctionCall{
				Name:      s.tool.Name,
				Arguments: decodeArguments(s.logger, s.tool.Name, s.toolArg.String()),
			},
		})
		s.tool = nil
	case "message_delta":
		if ev.Delta != nil {
			s.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			s.usage.OutputTokens = ev.Usage.OutputTokens
		}
	case "error":
		// overloaded_error and friends arrive after a 200 status.
		if ev.Error != nil && s.failure == nil {
			s.failure = ev.Error
		}
	}
}

func (s *anthropicStream) result() (*ChatResponse, error) {
	if f := s.failure; f != nil {
		msg := f.Type + ": " + f.Message
		return nil, &ProviderError{
			Provider:  "anthropic",
			Body:      msg,
			Retryable: f.Type == "overloaded_error" || f.Type == "api_error",
			Err:       errors.New(msg),
		}
	}
	return &ChatResponse{
		Model: s.model,
		Message: Message{
			Role:      RoleAssistant,
			Content:   s.text.String(),
			ToolCalls: s.calls,
		},
		Done:         true,
		InputTokens:  s.usage.InputTokens,
		OutputTokens: s.usage.OutputTokens,
	}, nil
}

// convertToAnthropic splits out the system prompt and maps the rest of
// the history to Messages API turns. Tool results travel as user turns
// carrying tool_result blocks.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var system []string
	var out []anthropicMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleUser:
			out = append(out, anthropicMessage{Role: "user", Content: msg.Content})
		case RoleAssistant:
			out = append(out, anthropicMessage{Role: "assistant", Content: assistantContent(msg)})
		case RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		}
	}
	return out, strings.Join(system, "\n\n")
}

// assistantContent is plain text unless the turn called tools, which
// become tool_use blocks. A call without a provider id gets a
// synthetic one so its result can still be paired.
func assistantContent(msg Message) any {
	if len(msg.ToolCalls) == 0 {
		return msg.Content
	}
	blocks := make([]anthropicContent, 0, len(msg.ToolCalls)+1)
	if msg.Content != "" {
		blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
	}
	for i, tc := range msg.ToolCalls {
		input := tc.Function.Arguments
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, anthropicContent{
			Type:  "tool_use",
			ID:    cmp.Or(tc.ID, fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)),
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return blocks
}

// convertToolsToAnthropic reads the OpenAI-style function definitions
// the loop builds. Entries without a function object are skipped.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	var out []anthropicTool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		t := anthropicTool{InputSchema: fn["parameters"]}
		t.Name, _ = fn["name"].(string)
		t.Description, _ = fn["description"].(string)
		if t.InputSchema == nil {
			t.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, t)
	}
	return out
}

// convertFromAnthropic maps a non-streamed reply. Text blocks are
// concatenated; tool_use input that is not an object becomes {}.
func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var text strings.Builder
	var calls []ToolCall
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			input, _ := b.Input.(map[string]any)
			if input == nil {
				input = map[string]any{}
			}
			calls = append(calls, ToolCall{
				ID:       b.ID,
				Function: FunctionCall{Name: b.Name, Arguments: input},
			})
		}
	}
	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      cmp.Or(resp.Role, RoleAssistant),
			Content:   text.String(),
			ToolCalls: calls,
		},
		Done:         true,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
