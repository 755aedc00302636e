// Package render formats conversation output, tool listings, and
// session status for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/nugget/mcpterm/internal/config"
	"github.com/nugget/mcpterm/internal/llm"
	"github.com/nugget/mcpterm/internal/mcp"
	"github.com/nugget/mcpterm/internal/session"
	"github.com/nugget/mcpterm/internal/transcript"
	"github.com/nugget/mcpterm/internal/usage"
)

// resultPreview caps how much of a tool result is echoed inline.
const resultPreview = 400

var (
	userStyle      = color.New(color.FgCyan, color.Bold)
	assistantStyle = color.New(color.FgGreen, color.Bold)
	toolStyle      = color.New(color.FgYellow)
	dimStyle       = color.New(color.FgHiBlack)
	errorStyle     = color.New(color.FgRed)
	readyStyle     = color.New(color.FgGreen)
)

// Renderer writes user-facing output. Diagnostics go to errOut so
// stdout stays clean when piped.
type Renderer struct {
	out    io.Writer
	errOut io.Writer

	// streamed is set while a token line is open; tokens records that
	// the current reply arrived as tokens at all.
	streamed bool
	tokens   bool
}

// New creates a Renderer. noColor disables ANSI styling process-wide.
func New(out, errOut io.Writer, noColor bool) *Renderer {
	if noColor {
		color.NoColor = true
	}
	return &Renderer{out: out, errOut: errOut}
}

// Prompt returns the input prompt for the current model.
func (r *Renderer) Prompt(model string) string {
	return userStyle.Sprintf("%s ›", model) + " "
}

// ShowPrompt writes the input prompt without a newline.
func (r *Renderer) ShowPrompt(model string) {
	fmt.Fprint(r.out, r.Prompt(model))
}

// Banner prints the session greeting.
func (r *Renderer) Banner(version string, servers []session.ServerStatus) {
	ready := 0
	tools := 0
	for _, s := range servers {
		if s.State == mcp.StateReady {
			ready++
			tools += s.Tools
		}
	}
	fmt.Fprintln(r.out, dimStyle.Sprintf("mcpterm %s: %d/%d servers ready, %d tools. /help for commands.",
		version, ready, len(servers), tools))
}

// StreamEvent is an llm.StreamCallback that prints tokens as they
// arrive and announces tool calls.
func (r *Renderer) StreamEvent(ev llm.StreamEvent) {
	switch ev.Kind {
	case llm.KindToken:
		if !r.streamed {
			fmt.Fprint(r.out, assistantStyle.Sprint("assistant ›")+" ")
			r.streamed = true
		}
		r.tokens = true
		fmt.Fprint(r.out, ev.Token)
	case llm.KindToolCallStart:
		r.endStream()
		if ev.ToolCall != nil {
			name := ev.ToolName
			if name == "" {
				name = ev.ToolCall.Function.Name
			}
			r.ToolStart(name, ev.ToolCall.Function.Arguments)
		}
	case llm.KindToolCallDone:
		r.ToolDone(ev.ToolName, ev.ToolResult, ev.ToolError)
	case llm.KindDone:
		r.endStream()
	}
}

func (r *Renderer) endStream() {
	if r.streamed {
		fmt.Fprintln(r.out)
		r.streamed = false
	}
}

// Assistant prints a complete assistant reply, rendering markdown.
func (r *Renderer) Assistant(content string) {
	r.endStream()
	if strings.TrimSpace(content) == "" {
		return
	}
	body := Markdown(content)
	if strings.Contains(body, "\n") {
		fmt.Fprintln(r.out, assistantStyle.Sprint("assistant ›"))
		fmt.Fprintln(r.out, body)
		return
	}
	fmt.Fprintf(r.out, "%s %s\n", assistantStyle.Sprint("assistant ›"), body)
}

// Finish closes the current reply. Content that was not already
// streamed as tokens is rendered as markdown.
func (r *Renderer) Finish(content string) {
	r.endStream()
	if !r.tokens {
		r.Assistant(content)
	}
	r.tokens = false
}

// TurnSummary prints the dim footer after a turn.
func (r *Renderer) TurnSummary(resp *TurnStats) {
	if resp == nil {
		return
	}
	parts := []string{resp.Model, resp.Duration.Round(time.Millisecond).String()}
	if resp.ToolCalls > 0 {
		parts = append(parts, fmt.Sprintf("%d tool calls", resp.ToolCalls))
	}
	if resp.InputTokens+resp.OutputTokens > 0 {
		parts = append(parts, fmt.Sprintf("%s in / %s out tokens",
			humanize.Comma(int64(resp.InputTokens)), humanize.Comma(int64(resp.OutputTokens))))
	}
	fmt.Fprintln(r.out, dimStyle.Sprint("  "+strings.Join(parts, " · ")))
}

// TurnStats is what a turn footer displays.
type TurnStats struct {
	Model        string
	Duration     time.Duration
	ToolCalls    int
	InputTokens  int
	OutputTokens int
}

// ToolStart announces a tool invocation.
func (r *Renderer) ToolStart(name string, args map[string]any) {
	a := "{}"
	if len(args) > 0 {
		if data, err := json.Marshal(args); err == nil {
			a = string(data)
		}
	}
	fmt.Fprintln(r.out, toolStyle.Sprintf("→ tool %s %s", name, truncate(a, resultPreview)))
}

// ToolDone prints the (truncated) result or error of a tool call.
func (r *Renderer) ToolDone(name, result, errText string) {
	if errText != "" {
		fmt.Fprintln(r.out, errorStyle.Sprintf("  ✗ %s: %s", name, truncate(errText, resultPreview)))
		return
	}
	fmt.Fprintln(r.out, dimStyle.Sprint(indent(truncate(result, resultPreview), "  ")))
}

// ToolResult prints the full text of a directly invoked tool.
func (r *Renderer) ToolResult(res *mcp.ToolResult) {
	fmt.Fprintln(r.out, res.Text())
}

// Info prints a dim informational line.
func (r *Renderer) Info(format string, args ...any) {
	r.endStream()
	fmt.Fprintln(r.out, dimStyle.Sprintf(format, args...))
}

// Error prints an error line to errOut.
func (r *Renderer) Error(err error) {
	r.endStream()
	fmt.Fprintln(r.errOut, errorStyle.Sprintf("error: %v", err))
}

// Event describes a drained session event. Notifications other than
// tools/list_changed are left to the log.
func (r *Renderer) Event(ev session.Event) {
	switch ev.Kind {
	case session.EventStateChanged:
		if ev.Err != nil {
			r.Info("[%s] %s: %v", ev.Server, ev.State, ev.Err)
			return
		}
		r.Info("[%s] %s", ev.Server, ev.State)
	case session.EventToolsChanged:
		r.Info("[%s] tools refreshed (%d)", ev.Server, ev.Tools)
	}
}

// Tools prints the catalog as a table of qualified name and
// description.
func (r *Renderer) Tools(tools []mcp.Tool) {
	if len(tools) == 0 {
		fmt.Fprintln(r.out, "No tools available.")
		return
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.QualifiedName(), firstLine(t.Description))
	}
	_ = tw.Flush()
}

// ToolHelp prints a tool's description and parameter list.
func (r *Renderer) ToolHelp(t mcp.Tool) {
	fmt.Fprintln(r.out, headingStyle.Sprint(t.QualifiedName()))
	if t.Description != "" {
		fmt.Fprintln(r.out, indent(t.Description, "  "))
	}
	params := t.Params()
	if len(params) == 0 {
		fmt.Fprintln(r.out, "  (no parameters)")
		return
	}
	fmt.Fprintln(r.out)
	for _, p := range params {
		req := "optional"
		if p.Required {
			req = "required"
		}
		line := fmt.Sprintf("  --%s (%s) (%s)", p.Name, p.Type, req)
		if p.Description != "" {
			line += ": " + p.Description
		}
		fmt.Fprintln(r.out, line)
	}
}

// Servers prints one row per configured server.
func (r *Renderer) Servers(servers []session.ServerStatus) {
	if len(servers) == 0 {
		fmt.Fprintln(r.out, "No servers configured.")
		return
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTRANSPORT\tSTATE\tTOOLS\tDETAIL")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.Transport, stateText(s.State), s.Tools, serverDetail(s))
	}
	_ = tw.Flush()
}

// ServerConfigs prints configured servers without connecting to them.
func (r *Renderer) ServerConfigs(servers []config.ServerConfig) {
	if len(servers) == 0 {
		fmt.Fprintln(r.out, "No servers configured.")
		return
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTRANSPORT\tTARGET\tDESCRIPTION")
	for _, s := range servers {
		transport := s.Transport
		if transport == "" {
			transport = mcp.TransportStdio
		}
		target := s.URL
		if transport == mcp.TransportStdio {
			target = strings.Join(append([]string{s.Command}, s.Args...), " ")
		}
		name := s.Name
		if s.Disabled {
			name += dimStyle.Sprint(" (disabled)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, transport, truncate(target, 60), s.Description)
	}
	_ = tw.Flush()
}

// Status prints the session overview: model, uptime, and servers.
func (r *Renderer) Status(model, loopState string, started time.Time, servers []session.ServerStatus) {
	fmt.Fprintf(r.out, "model:   %s\n", model)
	fmt.Fprintf(r.out, "state:   %s\n", loopState)
	fmt.Fprintf(r.out, "started: %s\n", humanize.Time(started))
	fmt.Fprintln(r.out)
	r.Servers(servers)
}

// Models prints locally available Ollama models with size and age.
func (r *Renderer) Models(current string, models []llm.ModelInfo) {
	if len(models) == 0 {
		fmt.Fprintln(r.out, "No models found.")
		return
	}
	sorted := append([]llm.ModelInfo(nil), models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tMODEL\tSIZE\tMODIFIED")
	for _, m := range sorted {
		mark := ""
		if m.Name == current || "ollama/"+m.Name == current {
			mark = "*"
		}
		modified := "-"
		if !m.ModifiedAt.IsZero() {
			modified = humanize.Time(m.ModifiedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, m.Name, humanize.Bytes(uint64(max(m.Size, 0))), modified)
	}
	_ = tw.Flush()
}

// History prints archived conversations, newest first.
func (r *Renderer) History(convs []transcript.Summary) {
	if len(convs) == 0 {
		fmt.Fprintln(r.out, "No archived conversations.")
		return
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UPDATED\tMODEL\tMESSAGES\tTOOLS\tFIRST MESSAGE")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			humanize.Time(c.UpdatedAt), c.Model, c.Messages, c.ToolCalls,
			truncate(firstLine(c.FirstUserMessage), 60))
	}
	_ = tw.Flush()
}

// Usage prints per-model token totals for the named period.
func (r *Renderer) Usage(period string, byModel map[string]*usage.Summary) {
	if len(byModel) == 0 {
		fmt.Fprintf(r.out, "No usage recorded %s.\n", period)
		return
	}
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	var total usage.Summary
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tTURNS\tTOOL CALLS\tIN\tOUT")
	for _, m := range models {
		s := byModel[m]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", m, s.Turns, s.TotalToolCalls,
			humanize.Comma(s.TotalInputTokens), humanize.Comma(s.TotalOutputTokens))
		total.Turns += s.Turns
		total.TotalToolCalls += s.TotalToolCalls
		total.TotalInputTokens += s.TotalInputTokens
		total.TotalOutputTokens += s.TotalOutputTokens
	}
	if len(models) > 1 {
		fmt.Fprintf(tw, "total\t%d\t%d\t%s\t%s\n", total.Turns, total.TotalToolCalls,
			humanize.Comma(total.TotalInputTokens), humanize.Comma(total.TotalOutputTokens))
	}
	_ = tw.Flush()
}

// Help prints command usage lines.
func (r *Renderer) Help(lines [][2]string) {
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for _, l := range lines {
		fmt.Fprintf(tw, "  %s\t%s\n", l[0], l[1])
	}
	_ = tw.Flush()
}

func stateText(s mcp.State) string {
	switch s {
	case mcp.StateReady:
		return readyStyle.Sprint(s.String())
	case mcp.StateFailed:
		return errorStyle.Sprint(s.String())
	default:
		return dimStyle.Sprint(s.String())
	}
}

func serverDetail(s session.ServerStatus) string {
	if s.Err != nil {
		return truncate(s.Err.Error(), 80)
	}
	if s.State != mcp.StateReady {
		return s.Description
	}
	parts := []string{}
	if s.Info.Name != "" {
		info := s.Info.Name
		if s.Info.Version != "" {
			info += " " + s.Info.Version
		}
		parts = append(parts, info)
	}
	if !s.ConnectedAt.IsZero() {
		parts = append(parts, "up "+strings.TrimSuffix(humanize.Time(s.ConnectedAt), " ago"))
	}
	if len(parts) == 0 {
		return s.Description
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
