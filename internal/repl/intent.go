package repl

import (
	"fmt"
	"strings"
)

// Kind identifies what the user asked for.
type Kind int

const (
	KindNone Kind = iota
	KindSend
	KindHelp
	KindTools
	KindToolHelp
	KindStatus
	KindServers
	KindModel
	KindModels
	KindClear
	KindReconnect
	KindRemove
	KindCall
	KindHistory
	KindUsage
	KindExit
)

// Intent is one parsed line of input.
type Intent struct {
	Kind Kind
	// Name is the command's first argument: a tool, server, or model.
	Name string
	// Text is the message for KindSend, or the raw JSON arguments for
	// KindCall.
	Text string
}

type command struct {
	name    string
	aliases []string
	kind    Kind
	usage   string
	help    string
	// needsName makes the first argument mandatory.
	needsName bool
}

var commands = []command{
	{name: "help", kind: KindHelp, usage: "/help", help: "Show this message"},
	{name: "tools", kind: KindTools, usage: "/tools", help: "List available tools"},
	{name: "tool", kind: KindToolHelp, usage: "/tool <name>", help: "Show a tool's parameters", needsName: true},
	{name: "status", kind: KindStatus, usage: "/status", help: "Show session status"},
	{name: "servers", kind: KindServers, usage: "/servers", help: "List MCP servers"},
	{name: "model", kind: KindModel, usage: "/model [name]", help: "Show or switch the model"},
	{name: "models", kind: KindModels, usage: "/models", help: "List local Ollama models"},
	{name: "clear", kind: KindClear, usage: "/clear", help: "Start a new conversation"},
	{name: "reconnect", kind: KindReconnect, usage: "/reconnect [server]", help: "Reconnect one server, or every server that is not ready"},
	{name: "remove", kind: KindRemove, usage: "/remove <server>", help: "Disconnect and forget a server", needsName: true},
	{name: "call", kind: KindCall, usage: "/call <tool> [json]", help: "Invoke a tool directly", needsName: true},
	{name: "history", kind: KindHistory, usage: "/history", help: "List archived conversations"},
	{name: "usage", kind: KindUsage, usage: "/usage", help: "Show today's token usage by model"},
	{name: "exit", aliases: []string{"quit"}, kind: KindExit, usage: "/exit", help: "Quit"},
}

// UsageError reports a malformed command.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Usage
}

// Parse turns one line of input into an Intent. Lines that do not
// start with "/" are messages. Blank input is KindNone.
func Parse(line string) (Intent, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Intent{Kind: KindNone}, nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		return Intent{Kind: KindSend, Text: trimmed}, nil
	}

	word, rest, _ := strings.Cut(strings.TrimPrefix(trimmed, "/"), " ")
	word = strings.ToLower(word)
	rest = strings.TrimSpace(rest)

	cmd, ok := lookup(word)
	if !ok {
		return Intent{}, fmt.Errorf("unknown command /%s (try /help)", word)
	}

	intent := Intent{Kind: cmd.kind}
	name, args, _ := strings.Cut(rest, " ")
	intent.Name = name
	if cmd.kind == KindCall {
		intent.Text = strings.TrimSpace(args)
	}
	if cmd.needsName && intent.Name == "" {
		return Intent{}, &UsageError{Usage: cmd.usage}
	}
	return intent, nil
}

func lookup(word string) (command, bool) {
	for _, c := range commands {
		if c.name == word {
			return c, true
		}
		for _, a := range c.aliases {
			if a == word {
				return c, true
			}
		}
	}
	return command{}, false
}

// helpLines returns usage and description pairs for /help.
func helpLines() [][2]string {
	out := make([][2]string, 0, len(commands))
	for _, c := range commands {
		out = append(out, [2]string{c.usage, c.help})
	}
	return out
}
