package repl

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/nugget/mcpterm/internal/agent"
	"github.com/nugget/mcpterm/internal/llm"
	"github.com/nugget/mcpterm/internal/mcp"
	"github.com/nugget/mcpterm/internal/render"
	"github.com/nugget/mcpterm/internal/session"
	"github.com/nugget/mcpterm/internal/transcript"
	"github.com/nugget/mcpterm/internal/usage"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// fakeLoop stands in for agent.Loop.
type fakeLoop struct {
	mu        sync.Mutex
	model     string
	sent      []string
	reply     string
	err       error
	block     bool
	started   chan struct{}
	clears    int
	recorders []agent.Recorder
}

func (f *fakeLoop) Send(ctx context.Context, text string, callback llm.StreamCallback) (*agent.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	block, reply, err := f.block, f.reply, f.err
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	callback(llm.StreamEvent{Kind: llm.KindToken, Token: reply})
	callback(llm.StreamEvent{Kind: llm.KindDone})
	return &agent.Response{Content: reply, Model: f.Model(), Duration: time.Second}, nil
}

func (f *fakeLoop) Model() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

func (f *fakeLoop) SetModel(model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = model
}

func (f *fakeLoop) State() agent.State { return agent.StateIdle }

func (f *fakeLoop) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeLoop) SetRecorder(r agent.Recorder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorders = append(f.recorders, r)
}

type invocation struct {
	name string
	args map[string]any
}

// fakeSessions stands in for session.Manager.
type fakeSessions struct {
	tools       []mcp.Tool
	status      []session.ServerStatus
	events      []session.Event
	invocations []invocation
	reconnected []string
	removed     []string
	invokeErr   error
}

func (f *fakeSessions) Catalog() []mcp.Tool { return f.tools }

func (f *fakeSessions) Tool(qualified string) (mcp.Tool, bool) {
	for _, t := range f.tools {
		if t.QualifiedName() == qualified {
			return t, true
		}
	}
	return mcp.Tool{}, false
}

func (f *fakeSessions) Resolve(name string) (string, error) {
	if strings.Contains(name, ":") {
		return name, nil
	}
	var matches []string
	for _, t := range f.tools {
		if t.Name == name {
			matches = append(matches, t.QualifiedName())
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", &session.UnknownToolError{Name: name}
	default:
		return "", &session.UnknownToolError{Name: name, Candidates: matches}
	}
}

func (f *fakeSessions) Invoke(_ context.Context, qualified string, args map[string]any) (*mcp.ToolResult, error) {
	f.invocations = append(f.invocations, invocation{qualified, args})
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "result of " + qualified}}}, nil
}

func (f *fakeSessions) Status() []session.ServerStatus { return f.status }

func (f *fakeSessions) Reconnect(_ context.Context, name string) error {
	f.reconnected = append(f.reconnected, name)
	return nil
}

func (f *fakeSessions) RemoveServer(name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeSessions) ProcessEvents(context.Context) []session.Event {
	out := f.events
	f.events = nil
	return out
}

type fakeLister struct {
	models []llm.ModelInfo
	err    error
}

func (f *fakeLister) ListModels(context.Context) ([]llm.ModelInfo, error) { return f.models, f.err }

type harness struct {
	repl     *REPL
	loop     *fakeLoop
	sessions *fakeSessions
	out      *bytes.Buffer
	errOut   *bytes.Buffer
}

func newHarness(t *testing.T, input string, mutate func(*Config)) *harness {
	t.Helper()
	var out, errOut bytes.Buffer
	h := &harness{
		loop: &fakeLoop{model: "gpt-4o-mini", reply: "hi there"},
		sessions: &fakeSessions{
			tools: []mcp.Tool{
				{Name: "read", Server: "files", Description: "Read a file"},
				{Name: "search", Server: "web", Description: "Search the web"},
				{Name: "search", Server: "docs", Description: "Search docs"},
			},
		},
		out:    &out,
		errOut: &errOut,
	}
	cfg := Config{
		In:       strings.NewReader(input),
		Out:      render.New(&out, &errOut, true),
		Loop:     h.loop,
		Sessions: h.sessions,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.repl = New(cfg)
	return h
}

func TestRun_Script(t *testing.T) {
	h := newHarness(t, "hello\n/model claude-sonnet\n\n/exit\nnever sent\n", nil)

	if err := h.repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.loop.sent) != 1 || h.loop.sent[0] != "hello" {
		t.Errorf("sent = %q, want [hello]", h.loop.sent)
	}
	if h.loop.Model() != "claude-sonnet" {
		t.Errorf("model = %q", h.loop.Model())
	}
	out := h.out.String()
	for _, want := range []string{"gpt-4o-mini › ", "hi there", "model switched to claude-sonnet", "claude-sonnet › "} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "hi there") != 1 {
		t.Errorf("reply printed more than once:\n%s", out)
	}
}

func TestRun_EndOfInput(t *testing.T) {
	h := newHarness(t, "first\nsecond", nil)
	if err := h.repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(h.loop.sent, ","); got != "first,second" {
		t.Errorf("sent = %q", got)
	}
}

func TestRun_LineContinuation(t *testing.T) {
	h := newHarness(t, "line one\\\nline two\n/exit\n", nil)
	if err := h.repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.loop.sent) != 1 || h.loop.sent[0] != "line one\nline two" {
		t.Errorf("sent = %q", h.loop.sent)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	h := newHarness(t, "/bogus\n/exit\n", nil)
	if err := h.repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(h.errOut.String(), "unknown command /bogus") {
		t.Errorf("stderr = %q", h.errOut.String())
	}
}

func TestRun_DrainsEventsBeforePrompt(t *testing.T) {
	h := newHarness(t, "/exit\n", nil)
	h.sessions.events = []session.Event{
		{Kind: session.EventToolsChanged, Server: "files", Tools: 4},
		{Kind: session.EventStateChanged, Server: "web", State: mcp.StateDisconnected, Err: errors.New("eof")},
	}
	if err := h.repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := h.out.String()
	for _, want := range []string{"[files] tools refreshed (4)", "[web] disconnected: eof"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSend_InterruptCancelsTurn(t *testing.T) {
	interrupts := make(chan os.Signal, 1)
	h := newHarness(t, "", func(c *Config) { c.Interrupts = interrupts })
	h.loop.block = true
	h.loop.started = make(chan struct{})

	done := make(chan struct{})
	go func() {
		h.repl.Handle(context.Background(), Intent{Kind: KindSend, Text: "long task"})
		close(done)
	}()

	<-h.loop.started
	interrupts <- os.Interrupt

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("turn was not cancelled by interrupt")
	}
	if !strings.Contains(h.out.String(), "interrupted") {
		t.Errorf("output = %q", h.out.String())
	}
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"loop limit", &agent.LoopLimitError{Limit: 10}, "raise session.max_iterations"},
		{"provider", &llm.ProviderError{Provider: "openai", StatusCode: 401, Err: errors.New("bad key")}, "openai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "", nil)
			h.loop.err = tt.err
			h.repl.Handle(context.Background(), Intent{Kind: KindSend, Text: "x"})
			if !strings.Contains(h.errOut.String(), tt.want) {
				t.Errorf("stderr = %q, want it to contain %q", h.errOut.String(), tt.want)
			}
		})
	}
}

func TestHandle_Call(t *testing.T) {
	tests := []struct {
		name     string
		intent   Intent
		wantCall *invocation
		wantOut  string
		wantErr  string
	}{
		{
			name:     "qualified with args",
			intent:   Intent{Kind: KindCall, Name: "files:read", Text: `{"path":"/tmp/x"}`},
			wantCall: &invocation{"files:read", map[string]any{"path": "/tmp/x"}},
			wantOut:  "result of files:read",
		},
		{
			name:     "short name without args",
			intent:   Intent{Kind: KindCall, Name: "read"},
			wantCall: &invocation{"files:read", map[string]any{}},
			wantOut:  "result of files:read",
		},
		{
			name:    "ambiguous short name",
			intent:  Intent{Kind: KindCall, Name: "search"},
			wantErr: "ambiguous tool",
		},
		{
			name:    "bad json",
			intent:  Intent{Kind: KindCall, Name: "read", Text: `{"path":`},
			wantErr: "arguments must be a JSON object",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "", nil)
			h.repl.Handle(context.Background(), tt.intent)

			if tt.wantCall == nil {
				if len(h.sessions.invocations) != 0 {
					t.Errorf("unexpected invocations %+v", h.sessions.invocations)
				}
			} else {
				if len(h.sessions.invocations) != 1 {
					t.Fatalf("invocations = %+v", h.sessions.invocations)
				}
				got := h.sessions.invocations[0]
				if got.name != tt.wantCall.name || len(got.args) != len(tt.wantCall.args) {
					t.Errorf("invocation = %+v, want %+v", got, *tt.wantCall)
				}
				for k, v := range tt.wantCall.args {
					if got.args[k] != v {
						t.Errorf("arg %s = %v, want %v", k, got.args[k], v)
					}
				}
			}
			if tt.wantOut != "" && !strings.Contains(h.out.String(), tt.wantOut) {
				t.Errorf("stdout = %q, want %q", h.out.String(), tt.wantOut)
			}
			if tt.wantErr != "" && !strings.Contains(h.errOut.String(), tt.wantErr) {
				t.Errorf("stderr = %q, want %q", h.errOut.String(), tt.wantErr)
			}
		})
	}
}

func TestHandle_ToolHelp(t *testing.T) {
	h := newHarness(t, "", nil)
	h.repl.Handle(context.Background(), Intent{Kind: KindToolHelp, Name: "read"})
	if !strings.Contains(h.out.String(), "files:read") || !strings.Contains(h.out.String(), "Read a file") {
		t.Errorf("stdout = %q", h.out.String())
	}

	h.repl.Handle(context.Background(), Intent{Kind: KindToolHelp, Name: "missing"})
	if !strings.Contains(h.errOut.String(), `unknown tool "missing"`) {
		t.Errorf("stderr = %q", h.errOut.String())
	}
}

func TestHandle_Reconnect(t *testing.T) {
	h := newHarness(t, "", nil)
	h.sessions.status = []session.ServerStatus{
		{Name: "files", State: mcp.StateReady},
		{Name: "web", State: mcp.StateFailed},
		{Name: "docs", State: mcp.StateDisconnected},
	}

	h.repl.Handle(context.Background(), Intent{Kind: KindReconnect})
	if got := strings.Join(h.sessions.reconnected, ","); got != "web,docs" {
		t.Errorf("reconnected = %q, want web,docs", got)
	}

	h.sessions.reconnected = nil
	h.repl.Handle(context.Background(), Intent{Kind: KindReconnect, Name: "files"})
	if got := strings.Join(h.sessions.reconnected, ","); got != "files" {
		t.Errorf("reconnected = %q, want files", got)
	}
}

func TestHandle_Remove(t *testing.T) {
	h := newHarness(t, "", nil)
	h.repl.Handle(context.Background(), Intent{Kind: KindRemove, Name: "web"})
	if len(h.sessions.removed) != 1 || h.sessions.removed[0] != "web" {
		t.Errorf("removed = %v", h.sessions.removed)
	}
}

func TestHandle_Models(t *testing.T) {
	h := newHarness(t, "", nil)
	h.repl.Handle(context.Background(), Intent{Kind: KindModels})
	if !strings.Contains(h.errOut.String(), "needs an Ollama provider") {
		t.Errorf("stderr = %q", h.errOut.String())
	}

	h = newHarness(t, "", func(c *Config) {
		c.Models = &fakeLister{models: []llm.ModelInfo{{Name: "llama3", Size: 1 << 30}}}
	})
	h.repl.Handle(context.Background(), Intent{Kind: KindModels})
	if !strings.Contains(h.out.String(), "llama3") {
		t.Errorf("stdout = %q", h.out.String())
	}
}

func TestHandle_ClearStartsNewArchivedConversation(t *testing.T) {
	store, err := transcript.Open(filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	h := newHarness(t, "/clear\n/exit\n", func(c *Config) { c.Archive = store })
	if err := h.repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.loop.clears != 1 {
		t.Errorf("clears = %d, want 1", h.loop.clears)
	}
	if len(h.loop.recorders) != 2 {
		t.Fatalf("recorders set %d times, want 2", len(h.loop.recorders))
	}
	first, ok1 := h.loop.recorders[0].(*transcript.Conversation)
	second, ok2 := h.loop.recorders[1].(*transcript.Conversation)
	if !ok1 || !ok2 || first.ID() == second.ID() {
		t.Errorf("expected two distinct conversations, got %v and %v", h.loop.recorders[0], h.loop.recorders[1])
	}
}

func TestHandle_History(t *testing.T) {
	h := newHarness(t, "", nil)
	h.repl.Handle(context.Background(), Intent{Kind: KindHistory})
	if !strings.Contains(h.out.String(), "archive is disabled") {
		t.Errorf("stdout = %q", h.out.String())
	}

	store, err := transcript.Open(filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	conv, err := store.Start("gpt-4o")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := conv.RecordMessage(llm.Message{Role: llm.RoleUser, Content: "list my files"}); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}

	h = newHarness(t, "", func(c *Config) { c.Archive = store })
	h.repl.Handle(context.Background(), Intent{Kind: KindHistory})
	if !strings.Contains(h.out.String(), "list my files") {
		t.Errorf("stdout = %q", h.out.String())
	}
}

func TestSend_RecordsUsage(t *testing.T) {
	ledger, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer ledger.Close()

	var asked []string
	h := newHarness(t, "hello\n/usage\n/exit\n", func(c *Config) {
		c.Usage = ledger
		c.Provider = func(model string) string {
			asked = append(asked, model)
			return llm.ProviderOpenAI
		}
	})
	if err := h.repl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(asked) != 1 || asked[0] != "gpt-4o-mini" {
		t.Errorf("provider lookups = %q", asked)
	}
	byModel, err := ledger.SummaryByModel(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if got := byModel["gpt-4o-mini"]; got == nil || got.Turns != 1 {
		t.Errorf("usage = %+v, want one gpt-4o-mini turn", byModel)
	}
	if !strings.Contains(h.out.String(), "TURNS") {
		t.Errorf("/usage output missing table:\n%s", h.out.String())
	}
}

func TestHandle_UsageDisabled(t *testing.T) {
	h := newHarness(t, "", nil)
	h.repl.Handle(context.Background(), Intent{Kind: KindUsage})
	if !strings.Contains(h.out.String(), "usage ledger is disabled") {
		t.Errorf("stdout = %q", h.out.String())
	}
}

func TestHandle_Status(t *testing.T) {
	h := newHarness(t, "", nil)
	h.sessions.status = []session.ServerStatus{{Name: "files", Transport: "stdio", State: mcp.StateReady, Tools: 1}}
	h.repl.Handle(context.Background(), Intent{Kind: KindStatus})
	out := h.out.String()
	for _, want := range []string{"model:   gpt-4o-mini", "state:   idle", "files"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
