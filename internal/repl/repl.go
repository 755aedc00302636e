// Package repl runs the interactive terminal session: it reads lines,
// parses them into intents, and drives the conversation loop and the
// session manager.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nugget/mcpterm/internal/agent"
	"github.com/nugget/mcpterm/internal/llm"
	"github.com/nugget/mcpterm/internal/mcp"
	"github.com/nugget/mcpterm/internal/render"
	"github.com/nugget/mcpterm/internal/session"
	"github.com/nugget/mcpterm/internal/transcript"
	"github.com/nugget/mcpterm/internal/usage"
)

// historyLimit is how many archived conversations /history lists.
const historyLimit = 20

// Conversation is the part of agent.Loop the REPL drives.
type Conversation interface {
	Send(ctx context.Context, text string, callback llm.StreamCallback) (*agent.Response, error)
	Model() string
	SetModel(model string)
	State() agent.State
	Clear() error
	SetRecorder(r agent.Recorder)
}

// Sessions is the part of session.Manager the REPL uses.
type Sessions interface {
	Catalog() []mcp.Tool
	Tool(qualified string) (mcp.Tool, bool)
	Resolve(name string) (string, error)
	Invoke(ctx context.Context, qualified string, args map[string]any) (*mcp.ToolResult, error)
	Status() []session.ServerStatus
	Reconnect(ctx context.Context, name string) error
	RemoveServer(name string) error
	ProcessEvents(ctx context.Context) []session.Event
}

// ModelLister lists locally installed models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

// Config wires a REPL.
type Config struct {
	In       io.Reader
	Out      *render.Renderer
	Loop     Conversation
	Sessions Sessions

	// Models lists models for /models. Nil disables the command.
	Models ModelLister
	// Archive records conversations. Nil disables /history.
	Archive *transcript.Store
	// Usage records per-turn token usage. Nil disables /usage.
	Usage *usage.Store
	// Provider names the provider serving a model, for usage records.
	Provider func(model string) string
	// Interrupts delivers user interrupts (SIGINT). An interrupt
	// cancels the running turn; at the prompt it is ignored.
	Interrupts <-chan os.Signal
	// Stream prints model tokens as they arrive instead of rendering
	// the finished reply as markdown.
	Stream bool

	Logger *slog.Logger
}

// REPL is one interactive session.
type REPL struct {
	in         io.Reader
	out        *render.Renderer
	loop       Conversation
	sessions   Sessions
	models     ModelLister
	archive    *transcript.Store
	usage      *usage.Store
	provider   func(string) string
	interrupts <-chan os.Signal
	stream     bool
	logger     *slog.Logger
	started    time.Time

	conversationID string
}

// New creates a REPL from cfg.
func New(cfg Config) *REPL {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &REPL{
		in:         cfg.In,
		out:        cfg.Out,
		loop:       cfg.Loop,
		sessions:   cfg.Sessions,
		models:     cfg.Models,
		archive:    cfg.Archive,
		usage:      cfg.Usage,
		provider:   cfg.Provider,
		interrupts: cfg.Interrupts,
		stream:     cfg.Stream,
		logger:     logger.With("component", "repl"),
		started:    time.Now(),
	}
}

// Run reads and handles input until /exit, end of input, or ctx is
// cancelled.
func (r *REPL) Run(ctx context.Context) error {
	if r.archive != nil {
		r.startConversation()
	}
	done := make(chan struct{})
	defer close(done)
	lines := readLines(r.in, done)

	for {
		r.drainEvents(ctx)
		r.out.ShowPrompt(r.loop.Model())

		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-r.interrupts:
			r.out.Info("\n(use /exit to quit)")
			continue
		case l, ok := <-lines:
			if !ok {
				r.out.Info("")
				return nil
			}
			line = l
		}

		intent, err := Parse(line)
		if err != nil {
			r.out.Error(err)
			continue
		}
		if intent.Kind == KindExit {
			return nil
		}
		r.Handle(ctx, intent)
	}
}

// Handle executes one intent.
func (r *REPL) Handle(ctx context.Context, intent Intent) {
	switch intent.Kind {
	case KindNone, KindExit:
	case KindSend:
		r.send(ctx, intent.Text)
	case KindHelp:
		r.out.Help(helpLines())
	case KindTools:
		r.out.Tools(r.sessions.Catalog())
	case KindToolHelp:
		t, err := r.resolveTool(intent.Name)
		if err != nil {
			r.out.Error(err)
			return
		}
		r.out.ToolHelp(t)
	case KindStatus:
		r.out.Status(r.loop.Model(), r.loop.State().String(), r.started, r.sessions.Status())
	case KindServers:
		r.out.Servers(r.sessions.Status())
	case KindModel:
		r.switchModel(intent.Name)
	case KindModels:
		r.listModels(ctx)
	case KindClear:
		r.clear()
	case KindReconnect:
		r.reconnect(ctx, intent.Name)
	case KindRemove:
		if err := r.sessions.RemoveServer(intent.Name); err != nil {
			r.out.Error(err)
			return
		}
		r.out.Info("removed %s", intent.Name)
	case KindCall:
		r.call(ctx, intent.Name, intent.Text)
	case KindHistory:
		r.history()
	case KindUsage:
		r.showUsage()
	}
}

// send runs one conversation turn. An interrupt cancels it.
func (r *REPL) send(ctx context.Context, text string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-r.interrupts:
			r.logger.Info("turn interrupted by user")
			cancel()
		case <-turnCtx.Done():
		}
	}()

	callback := r.out.StreamEvent
	if !r.stream {
		callback = func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				return
			}
			r.out.StreamEvent(ev)
		}
	}

	resp, err := r.loop.Send(turnCtx, text, callback)
	if err != nil {
		r.out.Finish("")
		var limit *agent.LoopLimitError
		switch {
		case errors.Is(err, context.Canceled):
			r.out.Info("interrupted")
		case errors.As(err, &limit):
			r.out.Error(fmt.Errorf("%w; ask a narrower question or raise session.max_iterations", err))
		default:
			r.out.Error(err)
		}
		return
	}

	r.out.Finish(resp.Content)
	r.out.TurnSummary(&render.TurnStats{
		Model:        resp.Model,
		Duration:     resp.Duration,
		ToolCalls:    resp.ToolCalls,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	r.recordUsage(ctx, resp)
}

// recordUsage appends the turn to the usage ledger. Failures are
// logged; they never fail the turn.
func (r *REPL) recordUsage(ctx context.Context, resp *agent.Response) {
	if r.usage == nil {
		return
	}
	rec := usage.Record{
		ConversationID: r.conversationID,
		Model:          resp.Model,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		ToolCalls:      resp.ToolCalls,
		Duration:       resp.Duration,
		Source:         usage.SourceChat,
	}
	if r.provider != nil {
		rec.Provider = r.provider(resp.Model)
	}
	if err := r.usage.Record(ctx, rec); err != nil {
		r.logger.Warn("failed to record usage", "error", err)
	}
}

// showUsage prints today's per-model token totals.
func (r *REPL) showUsage() {
	if r.usage == nil {
		r.out.Info("usage ledger is disabled (set data_dir)")
		return
	}
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	byModel, err := r.usage.SummaryByModel(start, now.Add(time.Minute))
	if err != nil {
		r.out.Error(fmt.Errorf("read usage: %w", err))
		return
	}
	r.out.Usage("today", byModel)
}

func (r *REPL) switchModel(name string) {
	if name == "" {
		r.out.Info("model: %s", r.loop.Model())
		return
	}
	r.loop.SetModel(name)
	r.out.Info("model switched to %s", name)
}

func (r *REPL) listModels(ctx context.Context) {
	if r.models == nil {
		r.out.Error(errors.New("model listing needs an Ollama provider"))
		return
	}
	models, err := r.models.ListModels(ctx)
	if err != nil {
		r.out.Error(fmt.Errorf("list models: %w", err))
		return
	}
	r.out.Models(r.loop.Model(), models)
}

// clear empties the history and starts a new archived conversation.
func (r *REPL) clear() {
	if err := r.loop.Clear(); err != nil {
		r.out.Error(err)
		return
	}
	if r.archive != nil {
		r.startConversation()
	}
	r.out.Info("conversation cleared")
}

func (r *REPL) startConversation() {
	r.conversationID = ""
	conv, err := r.archive.Start(r.loop.Model())
	if err != nil {
		r.logger.Warn("failed to start archived conversation", "error", err)
		r.loop.SetRecorder(nil)
		return
	}
	r.conversationID = conv.ID()
	r.loop.SetRecorder(conv)
	r.logger.Debug("archiving conversation", "conversation_id", conv.ID())
}

// reconnect retries one server, or every server that is not ready.
func (r *REPL) reconnect(ctx context.Context, name string) {
	var targets []string
	if name != "" {
		targets = []string{name}
	} else {
		for _, st := range r.sessions.Status() {
			if st.State != mcp.StateReady {
				targets = append(targets, st.Name)
			}
		}
		if len(targets) == 0 {
			r.out.Info("all servers are ready")
			return
		}
	}
	for _, t := range targets {
		if err := r.sessions.Reconnect(ctx, t); err != nil {
			r.out.Error(fmt.Errorf("reconnect %s: %w", t, err))
			continue
		}
		r.out.Info("reconnected %s", t)
	}
}

func (r *REPL) resolveTool(name string) (mcp.Tool, error) {
	qualified, err := r.sessions.Resolve(name)
	if err != nil {
		return mcp.Tool{}, err
	}
	t, ok := r.sessions.Tool(qualified)
	if !ok {
		return mcp.Tool{}, &session.UnknownToolError{Name: name}
	}
	return t, nil
}

// call invokes a tool directly, outside the conversation.
func (r *REPL) call(ctx context.Context, name, rawArgs string) {
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			r.out.Error(fmt.Errorf("arguments must be a JSON object: %w", err))
			return
		}
	}
	qualified, err := r.sessions.Resolve(name)
	if err != nil {
		r.out.Error(err)
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.interrupts:
			cancel()
		case <-callCtx.Done():
		}
	}()

	r.out.ToolStart(qualified, args)
	res, err := r.sessions.Invoke(callCtx, qualified, args)
	if err != nil {
		r.out.Error(err)
		return
	}
	r.out.ToolResult(res)
}

func (r *REPL) history() {
	if r.archive == nil {
		r.out.Info("conversation archive is disabled (set data_dir)")
		return
	}
	convs, err := r.archive.Recent(historyLimit)
	if err != nil {
		r.out.Error(fmt.Errorf("read archive: %w", err))
		return
	}
	r.out.History(convs)
}

// drainEvents processes queued server events between turns.
func (r *REPL) drainEvents(ctx context.Context) {
	for _, ev := range r.sessions.ProcessEvents(ctx) {
		r.out.Event(ev)
	}
}

// readLines delivers input lines. A line ending in a backslash
// continues onto the next one. The channel closes at end of input.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	ch := make(chan string)
	send := func(s string) bool {
		select {
		case ch <- s:
			return true
		case <-done:
			return false
		}
	}
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var pending []string
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r")
			if strings.HasSuffix(line, "\\") {
				pending = append(pending, strings.TrimSuffix(line, "\\"))
				continue
			}
			pending = append(pending, line)
			if !send(strings.Join(pending, "\n")) {
				return
			}
			pending = nil
		}
		if len(pending) > 0 {
			send(strings.Join(pending, "\n"))
		}
	}()
	return ch
}
