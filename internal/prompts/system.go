package prompts

import (
	"fmt"
	"strings"
)

// ToolLine is one catalog entry as listed in the system prompt.
type ToolLine struct {
	Name        string
	Server      string
	Description string
}

// noToolsText replaces the tool list when no server is ready.
const noToolsText = "No tools available"

// baseSystemTemplate is sent ahead of the history on every completion.
// The single format verb is the tool list.
const baseSystemTemplate = `You are a helpful AI assistant with access to MCP (Model Context Protocol) tools.
You can help users by calling these tools when appropriate.

Available MCP tools:
%s

When using tools:
1. Choose the most appropriate tool for the user's request
2. Provide clear explanations of what you're doing
3. Interpret and summarize tool results for the user
4. If a tool fails, explain what went wrong and suggest alternatives`

// SystemPrompt returns the system prompt listing tools as
// "- name (from server): description".
func SystemPrompt(tools []ToolLine) string {
	if len(tools) == 0 {
		return fmt.Sprintf(baseSystemTemplate, noToolsText)
	}
	lines := make([]string, len(tools))
	for i, t := range tools {
		lines[i] = fmt.Sprintf("- %s (from %s): %s", t.Name, t.Server, t.Description)
	}
	return fmt.Sprintf(baseSystemTemplate, strings.Join(lines, "\n"))
}

// ToolDescription returns the model-facing description of a tool,
// tagged with its server so same-named tools can be told apart.
func ToolDescription(description, server string) string {
	return fmt.Sprintf("%s (from %s server)", description, server)
}
