package prompts

import (
	"strings"
	"testing"
)

func TestSystemPrompt(t *testing.T) {
	tests := []struct {
		name    string
		tools   []ToolLine
		wantSub []string
		wantNot []string
	}{
		{
			name:    "no tools",
			wantSub: []string{"Available MCP tools:\nNo tools available"},
		},
		{
			name: "tools listed in order",
			tools: []ToolLine{
				{Name: "read", Server: "files", Description: "Read a file"},
				{Name: "now", Server: "clock", Description: "Current time"},
			},
			wantSub: []string{
				"- read (from files): Read a file\n- now (from clock): Current time",
			},
			wantNot: []string{noToolsText},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SystemPrompt(tt.tools)
			for _, sub := range tt.wantSub {
				if !strings.Contains(got, sub) {
					t.Errorf("prompt should contain %q, got:\n%s", sub, got)
				}
			}
			for _, sub := range tt.wantNot {
				if strings.Contains(got, sub) {
					t.Errorf("prompt should NOT contain %q", sub)
				}
			}
		})
	}
}

func TestToolDescription(t *testing.T) {
	if got := ToolDescription("Read a file", "files"); got != "Read a file (from files server)" {
		t.Errorf("ToolDescription() = %q", got)
	}
}
