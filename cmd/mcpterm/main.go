// Mcpterm is a terminal chat client that lets a language model use the
// tools of one or more MCP servers.
//
// It connects to every configured server (stdio subprocesses, HTTP, or
// WebSocket endpoints), merges their tools into one namespaced catalog,
// and runs an interactive conversation in which the model may call
// those tools. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpterm [chat]                      Start an interactive session
//	mcpterm ask <question>              Ask a single question
//	mcpterm tools                       List the tool catalog
//	mcpterm tool <name> [--key value]   Invoke one tool directly
//	mcpterm servers [status]            Connect and report server status
//	mcpterm servers list                List configured servers
//	mcpterm servers add <name> [flags]  Add a server to the config file
//	mcpterm servers remove <name>       Remove a server from the config file
//	mcpterm init [dir]                  Write an example configuration
//	mcpterm version                     Print version and build information
//	mcpterm -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/mcpterm/internal/agent"
	"github.com/nugget/mcpterm/internal/buildinfo"
	"github.com/nugget/mcpterm/internal/config"
	"github.com/nugget/mcpterm/internal/connwatch"
	"github.com/nugget/mcpterm/internal/llm"
	"github.com/nugget/mcpterm/internal/mcp"
	"github.com/nugget/mcpterm/internal/render"
	"github.com/nugget/mcpterm/internal/repl"
	"github.com/nugget/mcpterm/internal/session"
	"github.com/nugget/mcpterm/internal/transcript"
	"github.com/nugget/mcpterm/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	model      string
	noColor    bool
	stream     bool
}

// run is the real entry point for the mcpterm command. All OS-level
// dependencies are injected as parameters; args is os.Args[1:].
// Arguments are parsed by hand because the flag package relies on
// package-level globals, which makes run unsafe to call from parallel
// tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if command != "" {
			// Everything after the command belongs to it, including
			// "--key value" pairs for the tool command.
			cmdArgs = append(cmdArgs, arg)
			continue
		}
		switch {
		case arg == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "-config="):
			opts.configPath = strings.TrimPrefix(arg, "-config=")
		case (arg == "-o" || arg == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(arg, "-o="):
			opts.outputFmt = strings.TrimPrefix(arg, "-o=")
		case strings.HasPrefix(arg, "--output="):
			opts.outputFmt = strings.TrimPrefix(arg, "--output=")
		case (arg == "-m" || arg == "-model") && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case strings.HasPrefix(arg, "-model="):
			opts.model = strings.TrimPrefix(arg, "-model=")
		case arg == "-no-color":
			opts.noColor = true
		case arg == "-stream":
			opts.stream = true
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(arg, "-"):
			command = arg
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok || opts.outputFmt == "json" {
		opts.noColor = true
	}

	switch command {
	case "", "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: mcpterm ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "tool":
		if len(cmdArgs) == 0 {
			return errors.New("usage: mcpterm tool <name> [--key value ...]")
		}
		toolArgs, err := parseToolArgs(cmdArgs[1:])
		if err != nil {
			return err
		}
		return runTool(ctx, stdout, stderr, opts, cmdArgs[0], toolArgs)
	case "servers":
		return runServers(ctx, stdin, stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpterm - chat with a language model that can use MCP server tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpterm [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat                         Interactive session (default)")
	fmt.Fprintln(w, "  ask <question>               Ask a single question and print the answer")
	fmt.Fprintln(w, "  tools                        List the tools of every connected server")
	fmt.Fprintln(w, "  tool <name> [--key value]    Invoke a tool directly")
	fmt.Fprintln(w, "  servers [status]             Connect to each server and report status")
	fmt.Fprintln(w, "  servers list                 List configured servers without connecting")
	fmt.Fprintln(w, "  servers add <name> [flags]   Add a server (--transport, --command, --arg, --url, ...)")
	fmt.Fprintln(w, "  servers remove <name>        Remove a server (--force skips the prompt)")
	fmt.Fprintln(w, "  init [dir]                   Write an example mcpterm.yaml (default: .)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -m, -model <name> Model to start with (default: models.default)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -stream           Print model tokens as they arrive")
	fmt.Fprintln(w, "  -no-color         Disable colored output")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mcpterm.yaml, $XDG_CONFIG_HOME/mcpterm/config.yaml (or ~/.config/mcpterm/config.yaml),")
	fmt.Fprintln(w, "  /etc/mcpterm/config.yaml")
	return nil
}

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	closers  []io.Closer
	sessions *session.Manager
	llm      *llm.MultiClient
	ollama   *llm.OllamaClient
	archive  *transcript.Store
	usage    *usage.Store
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// setup loads .env and the configuration, builds the logger, and
// creates (but does not connect) the session manager.
func setup(stderr io.Writer, opts options) (*app, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.model != "" {
		cfg.Models.Default = opts.model
	}

	logger, logCloser, err := config.NewLogger(cfg.LogLevel, cfg.LogFile, stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}
	logger.Info("starting mcpterm", "version", buildinfo.Version, "commit", buildinfo.GitCommit)
	logger.Info("config loaded", "path", cfgPath, "servers", len(cfg.Servers))

	a.sessions = session.NewManager(
		session.WithLogger(logger),
		session.WithConnectTimeout(cfg.Session.ConnectTimeout),
		session.WithToolTimeout(cfg.Session.ToolTimeout),
		session.WithReconnectOnInvoke(cfg.Session.ReconnectEnabled()),
	)
	a.closers = append(a.closers, a.sessions)
	for _, s := range cfg.EnabledServers() {
		if err := a.sessions.AddServer(s.MCP()); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// loadConfig locates and parses the YAML configuration file. When no
// file is found the defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg := config.Default()
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

// connect starts every server and reports failures without aborting:
// a session runs with whatever servers came up.
func (a *app) connect(ctx context.Context, stderr io.Writer) {
	for name, err := range a.sessions.ConnectAll(ctx) {
		if err != nil {
			fmt.Fprintf(stderr, "warning: server %s unavailable: %v\n", name, err)
		}
	}
}

// startConversation builds the LLM client, the archive and usage
// ledger when data_dir is set, and the conversation loop.
func (a *app) startConversation() *agent.Loop {
	a.llm, a.ollama = createLLMClient(a.cfg, a.logger)

	if a.cfg.DataDir != "" {
		store, err := transcript.OpenDir(a.cfg.DataDir)
		if err != nil {
			// The archive is optional; the session still works.
			a.logger.Warn("transcript archive unavailable", "data_dir", a.cfg.DataDir, "error", err)
		} else {
			a.archive = store
			a.closers = append(a.closers, store)
		}
		ledger, err := usage.OpenDir(a.cfg.DataDir)
		if err != nil {
			a.logger.Warn("usage ledger unavailable", "data_dir", a.cfg.DataDir, "error", err)
		} else {
			a.usage = ledger
			a.closers = append(a.closers, ledger)
		}
	}

	return agent.NewLoop(a.logger, a.llm, a.sessions, agent.Config{
		Model:           a.cfg.Models.Default,
		MaxIterations:   a.cfg.Session.MaxIterations,
		ProviderRetries: a.cfg.Session.ProviderRetries,
	})
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Ollama is registered when a URL is configured and is
// the fallback for models no rule matches; Anthropic and OpenAI are
// registered when they are configured. Explicit model entries pin a
// model to a provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, *llm.OllamaClient) {
	var ollama *llm.OllamaClient
	var fallback llm.Client
	if cfg.Models.OllamaURL != "" {
		ollama = llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
		fallback = ollama
	}

	var providers []string
	var anthropic *llm.AnthropicClient
	var openai *llm.OpenAIClient
	if cfg.Anthropic.APIKey != "" {
		anthropic = llm.NewAnthropicClient(cfg.Anthropic.APIKey, "", logger)
		providers = append(providers, llm.ProviderAnthropic)
	}
	// Keyless OpenAI-compatible endpoints (local servers) are used
	// when a non-default URL is configured.
	if cfg.OpenAI.APIKey != "" || (cfg.Models.OpenAIURL != "" && cfg.Models.OpenAIURL != llm.DefaultOpenAIURL) {
		openai = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.Models.OpenAIURL, logger)
		providers = append(providers, llm.ProviderOpenAI)
	}
	if fallback == nil {
		switch {
		case openai != nil:
			fallback = openai
		case anthropic != nil:
			fallback = anthropic
		}
	}

	multi := llm.NewMultiClient(fallback)
	if ollama != nil {
		multi.AddProvider(llm.ProviderOllama, ollama)
		providers = append(providers, llm.ProviderOllama)
	}
	if anthropic != nil {
		multi.AddProvider(llm.ProviderAnthropic, anthropic)
	}
	if openai != nil {
		multi.AddProvider(llm.ProviderOpenAI, openai)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", multi.Provider(cfg.Models.Default),
		"providers", providers,
	)
	return multi, ollama
}

// runChat handles the interactive session. SIGINT cancels the running
// turn rather than the process; /exit or end of input ends it.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	a, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	out := render.New(stdout, stderr, opts.noColor)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	a.connect(ctx, stderr)

	loop := a.startConversation()

	if a.cfg.Session.HealthInterval > 0 {
		watch := connwatch.NewManager(a.logger)
		watch.WatchServers(ctx, a.sessions, a.cfg.Session.HealthInterval)
		defer watch.Stop()
	}

	cfg := repl.Config{
		In:         stdin,
		Out:        out,
		Loop:       loop,
		Sessions:   a.sessions,
		Archive:    a.archive,
		Usage:      a.usage,
		Provider:   a.llm.Provider,
		Interrupts: interrupts,
		Stream:     opts.stream,
		Logger:     a.logger,
	}
	if a.ollama != nil {
		cfg.Models = a.ollama
	}

	out.Banner(buildinfo.Version, a.sessions.Status())
	return repl.New(cfg).Run(ctx)
}

// runAsk handles "mcpterm ask <question>": one turn, answer on stdout.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	a, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	a.connect(ctx, stderr)

	loop := a.startConversation()
	var conversationID string
	if a.archive != nil {
		if conv, err := a.archive.Start(loop.Model()); err == nil {
			loop.SetRecorder(conv)
			conversationID = conv.ID()
		} else {
			a.logger.Warn("failed to start archived conversation", "error", err)
		}
	}

	resp, err := loop.Send(ctx, question, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if a.usage != nil {
		rec := usage.Record{
			ConversationID: conversationID,
			Model:          resp.Model,
			Provider:       a.llm.Provider(resp.Model),
			InputTokens:    resp.InputTokens,
			OutputTokens:   resp.OutputTokens,
			ToolCalls:      resp.ToolCalls,
			Duration:       resp.Duration,
			Source:         usage.SourceAsk,
		}
		if err := a.usage.Record(ctx, rec); err != nil {
			a.logger.Warn("failed to record usage", "error", err)
		}
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"content":       resp.Content,
			"model":         resp.Model,
			"iterations":    resp.Iterations,
			"tool_calls":    resp.ToolCalls,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"duration_ms":   resp.Duration.Milliseconds(),
		})
	}
	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runTools handles "mcpterm tools": connect and print the catalog.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	a.connect(ctx, stderr)
	catalog := a.sessions.Catalog()

	if opts.outputFmt == "json" {
		out := make([]map[string]any, 0, len(catalog))
		for _, t := range catalog {
			out = append(out, map[string]any{
				"name":        t.QualifiedName(),
				"server":      t.Server,
				"description": t.Description,
				"inputSchema": t.Schema(),
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	render.New(stdout, stderr, opts.noColor).Tools(catalog)
	return nil
}

// runTool handles "mcpterm tool <name> [--key value ...]".
func runTool(ctx context.Context, stdout, stderr io.Writer, opts options, name string, args map[string]any) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	a, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	a.connect(ctx, stderr)

	qualified, err := a.sessions.Resolve(name)
	if err != nil {
		return err
	}
	res, err := a.sessions.Invoke(ctx, qualified, args)
	if err != nil {
		var toolErr *mcp.ToolError
		if errors.As(err, &toolErr) && opts.outputFmt == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(map[string]any{"tool": qualified, "error": toolErr.Message})
		}
		return err
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"tool": qualified, "content": res.Content, "text": res.Text()})
	}
	render.New(stdout, stderr, opts.noColor).ToolResult(res)
	return nil
}

// parseToolArgs turns "--key value" pairs into tool arguments. Values
// that parse as JSON (numbers, booleans, objects, arrays, quoted
// strings) keep their JSON type; anything else is a string. A flag
// without a value is true.
func parseToolArgs(args []string) (map[string]any, error) {
	out := make(map[string]any)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") || len(arg) == 2 {
			return nil, fmt.Errorf("unexpected argument %q (want --key value)", arg)
		}
		key := strings.TrimPrefix(arg, "--")
		var value string
		if k, v, ok := strings.Cut(key, "="); ok {
			key, value = k, v
		} else if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			value = args[i+1]
			i++
		} else {
			out[key] = true
			continue
		}

		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}
