// Package agent implements the conversation loop: it sends the history
// and the live tool catalog to the model, executes the tool calls the
// model asks for through the session manager, feeds the results back,
// and repeats until the model answers in plain text.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nugget/mcpterm/internal/llm"
	"github.com/nugget/mcpterm/internal/mcp"
	"github.com/nugget/mcpterm/internal/prompts"
)

// State is the loop's position within a turn.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateExecutingTools
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is the tool side of the loop. *session.Manager satisfies it.
type Session interface {
	Catalog() []mcp.Tool
	Invoke(ctx context.Context, qualified string, args map[string]any) (*mcp.ToolResult, error)
}

// Recorder archives what the loop appends. Errors are logged and never
// end a turn.
type Recorder interface {
	RecordMessage(msg llm.Message) error
	RecordToolCall(call llm.ToolCall, qualified, result string, toolErr error, duration time.Duration) error
}

// Config holds loop limits.
type Config struct {
	// Model is the initial model name.
	Model string
	// MaxIterations caps model round trips per turn.
	MaxIterations int
	// ProviderRetries bounds retries of retryable provider errors.
	ProviderRetries int
	// RetryInterval is the first backoff delay between retries.
	RetryInterval time.Duration
}

// Response summarizes a completed turn.
type Response struct {
	Content      string
	Model        string
	Iterations   int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Loop is the core conversation loop. One turn runs at a time; the
// history is owned here and only changes through Send and Clear.
type Loop struct {
	logger   *slog.Logger
	llm      llm.Client
	session  Session
	recorder Recorder

	maxIter       int
	retries       int
	retryInterval time.Duration

	turn sync.Mutex // held for the length of a turn

	mu      sync.Mutex
	model   string
	history []llm.Message
	state   State
	onState func(State)
}

// NewLoop creates a new conversation loop.
func NewLoop(logger *slog.Logger, client llm.Client, sess Session, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Loop{
		logger:        logger.With("component", "agent"),
		llm:           client,
		session:       sess,
		model:         cfg.Model,
		maxIter:       cfg.MaxIterations,
		retries:       cfg.ProviderRetries,
		retryInterval: cfg.RetryInterval,
	}
}

// SetRecorder attaches an archive. Pass nil to detach.
func (l *Loop) SetRecorder(r Recorder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorder = r
}

// OnStateChange registers a callback for state transitions.
func (l *Loop) OnStateChange(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

// Model returns the current model name.
func (l *Loop) Model() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model
}

// SetModel switches the model used from the next completion on. The
// history is kept as is.
func (l *Loop) SetModel(model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Info("model switched", "from", l.model, "to", model)
	l.model = model
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// History returns a copy of the conversation so far.
func (l *Loop) History() []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]llm.Message, len(l.history))
	copy(out, l.history)
	return out
}

// Clear truncates the history. It fails with ErrBusy during a turn.
func (l *Loop) Clear() error {
	if !l.turn.TryLock() {
		return ErrBusy
	}
	defer l.turn.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = nil
	return nil
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	fn := l.onState
	l.mu.Unlock()

	if changed && fn != nil {
		fn(s)
	}
}

func (l *Loop) append(msg llm.Message) {
	l.mu.Lock()
	l.history = append(l.history, msg)
	rec := l.recorder
	l.mu.Unlock()

	if rec != nil {
		if err := rec.RecordMessage(msg); err != nil {
			l.logger.Warn("failed to archive message", "role", msg.Role, "error", err)
		}
	}
}

// Send runs one turn for the user's text. Tokens and tool activity are
// reported to callback when it is non-nil, which also selects streaming
// completions.
//
// The turn ends when the model answers without tool calls, when a
// non-retryable provider error occurs, when ctx is cancelled, or with
// *LoopLimitError once MaxIterations rounds have run. In every case
// each tool call the model issued has a matching tool result in history.
func (l *Loop) Send(ctx context.Context, text string, callback llm.StreamCallback) (*Response, error) {
	if !l.turn.TryLock() {
		return nil, ErrBusy
	}
	defer l.turn.Unlock()
	defer l.setState(StateIdle)

	start := time.Now()
	model := l.Model()
	resp := &Response{Model: model}

	l.logger.Info("turn started", "model", model, "history", len(l.History()))
	l.append(llm.Message{Role: llm.RoleUser, Content: text})

	for iter := 0; iter < l.maxIter; iter++ {
		l.setState(StateAwaitingModel)

		tools, names, system := l.catalog()
		messages := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, l.History()...)

		l.logger.Debug("calling model",
			"iteration", iter,
			"model", model,
			"messages", len(messages),
			"tools", len(tools),
		)

		chat, err := l.complete(ctx, model, messages, tools, callback)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("turn cancelled while awaiting model", "iteration", iter)
				return nil, ctx.Err()
			}
			l.logger.Error("model call failed", "iteration", iter, "error", err)
			return nil, err
		}

		resp.Iterations = iter + 1
		resp.InputTokens += chat.InputTokens
		resp.OutputTokens += chat.OutputTokens
		if chat.Model != "" {
			resp.Model = chat.Model
		}

		msg := chat.Message
		msg.Role = llm.RoleAssistant
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = "call_" + uuid.NewString()
			}
		}
		l.append(msg)

		if len(msg.ToolCalls) == 0 {
			resp.Content = msg.Content
			if resp.Content == "" {
				resp.Content = prompts.EmptyResponseFallback
			}
			resp.Duration = time.Since(start)
			if callback != nil {
				callback(llm.StreamEvent{Kind: llm.KindDone, Response: chat})
			}
			l.logger.Info("turn completed",
				"iterations", resp.Iterations,
				"tool_calls", resp.ToolCalls,
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
				"elapsed", resp.Duration.Round(time.Millisecond),
			)
			return resp, nil
		}

		l.setState(StateExecutingTools)
		for i, call := range msg.ToolCalls {
			if ctx.Err() != nil {
				l.cancelRemaining(msg.ToolCalls[i:])
				return nil, ctx.Err()
			}
			l.execute(ctx, call, names, callback)
			resp.ToolCalls++
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	l.logger.Warn("tool loop limit reached", "limit", l.maxIter)
	return nil, &LoopLimitError{Limit: l.maxIter}
}

// catalog builds the provider tool definitions, the wire-name to
// qualified-name map, and the system prompt from the live catalog.
func (l *Loop) catalog() ([]map[string]any, map[string]string, string) {
	var catalog []mcp.Tool
	if l.session != nil {
		catalog = l.session.Catalog()
	}

	tools := make([]map[string]any, 0, len(catalog))
	names := make(map[string]string, len(catalog))
	lines := make([]prompts.ToolLine, 0, len(catalog))
	for _, t := range catalog {
		qualified := t.QualifiedName()
		wire := mcp.WireName(qualified)
		if prev, dup := names[wire]; dup {
			l.logger.Warn("tool wire name collision, keeping first",
				"wire_name", wire, "kept", prev, "dropped", qualified)
			continue
		}
		names[wire] = qualified
		tools = append(tools, llm.FunctionTool(wire, prompts.ToolDescription(t.Description, t.Server), t.Schema()))
		lines = append(lines, prompts.ToolLine{Name: t.Name, Server: t.Server, Description: t.Description})
	}
	return tools, names, prompts.SystemPrompt(lines)
}

// complete calls the model, retrying retryable provider errors with
// exponential backoff.
func (l *Loop) complete(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	var chat *llm.ChatResponse
	op := func() error {
		var err error
		if callback != nil {
			chat, err = l.llm.ChatStream(ctx, model, messages, tools, callback)
		} else {
			chat, err = l.llm.Chat(ctx, model, messages, tools)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !llm.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.retries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		l.logger.Warn("provider error, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, errors.New("provider returned no response")
	}
	return chat, nil
}

// execute runs one directive and appends exactly one tool result.
func (l *Loop) execute(ctx context.Context, call llm.ToolCall, names map[string]string, callback llm.StreamCallback) {
	qualified, ok := names[call.Function.Name]
	if !ok {
		// Not a name we offered; the session reports it as unknown.
		qualified = call.Function.Name
	}
	args := call.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}

	if callback != nil {
		c := call
		callback(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &c, ToolName: qualified})
	}

	log := l.logger.With("tool", qualified, "call_id", call.ID)
	log.Debug("executing tool", "args", args)

	start := time.Now()
	var (
		content string
		toolErr error
	)
	if l.session == nil {
		toolErr = mcp.ErrNotConnected
	} else {
		var result *mcp.ToolResult
		result, toolErr = l.session.Invoke(ctx, qualified, args)
		if toolErr == nil {
			content = result.Text()
		}
	}
	elapsed := time.Since(start)

	switch {
	case toolErr != nil && ctx.Err() != nil:
		content = cancelledPayload
		toolErr = ctx.Err()
		log.Info("tool call cancelled", "elapsed", elapsed)
	case toolErr != nil:
		content = errorPayload(toolErr)
		log.Warn("tool call failed", "error", toolErr, "elapsed", elapsed)
	default:
		log.Debug("tool call completed", "result_len", len(content), "elapsed", elapsed)
	}

	l.append(llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID})
	l.record(call, qualified, content, toolErr, elapsed)

	if callback != nil {
		ev := llm.StreamEvent{Kind: llm.KindToolCallDone, ToolName: qualified, ToolResult: content}
		if toolErr != nil {
			ev.ToolError = toolErr.Error()
		}
		callback(ev)
	}
}

// cancelRemaining appends a cancelled result for each directive that
// never ran.
func (l *Loop) cancelRemaining(calls []llm.ToolCall) {
	for _, call := range calls {
		l.append(llm.Message{Role: llm.RoleTool, Content: cancelledPayload, ToolCallID: call.ID})
		l.record(call, call.Function.Name, cancelledPayload, context.Canceled, 0)
	}
	l.logger.Info("turn cancelled while executing tools", "skipped", len(calls))
}

func (l *Loop) record(call llm.ToolCall, qualified, result string, toolErr error, d time.Duration) {
	l.mu.Lock()
	rec := l.recorder
	l.mu.Unlock()
	if rec == nil {
		return
	}
	if err := rec.RecordToolCall(call, qualified, result, toolErr, d); err != nil {
		l.logger.Warn("failed to archive tool call", "tool", qualified, "error", err)
	}
}
