package repl

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Intent
	}{
		{"", Intent{Kind: KindNone}},
		{"   ", Intent{Kind: KindNone}},
		{"what files are in /tmp?", Intent{Kind: KindSend, Text: "what files are in /tmp?"}},
		{"  hello  ", Intent{Kind: KindSend, Text: "hello"}},
		{"/help", Intent{Kind: KindHelp}},
		{"/HELP", Intent{Kind: KindHelp}},
		{"/tools", Intent{Kind: KindTools}},
		{"/tool files:read", Intent{Kind: KindToolHelp, Name: "files:read"}},
		{"/status", Intent{Kind: KindStatus}},
		{"/servers", Intent{Kind: KindServers}},
		{"/model", Intent{Kind: KindModel}},
		{"/model ollama/llama3", Intent{Kind: KindModel, Name: "ollama/llama3"}},
		{"/models", Intent{Kind: KindModels}},
		{"/clear", Intent{Kind: KindClear}},
		{"/reconnect", Intent{Kind: KindReconnect}},
		{"/reconnect files", Intent{Kind: KindReconnect, Name: "files"}},
		{"/remove web", Intent{Kind: KindRemove, Name: "web"}},
		{"/call read", Intent{Kind: KindCall, Name: "read"}},
		{`/call files:read {"path": "/tmp/a b"}`, Intent{Kind: KindCall, Name: "files:read", Text: `{"path": "/tmp/a b"}`}},
		{"/history", Intent{Kind: KindHistory}},
		{"/usage", Intent{Kind: KindUsage}},
		{"/exit", Intent{Kind: KindExit}},
		{"/quit", Intent{Kind: KindExit}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.line, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		line      string
		wantUsage string
	}{
		{"/frobnicate", ""},
		{"/tool", "/tool <name>"},
		{"/remove", "/remove <server>"},
		{"/call", "/call <tool> [json]"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := Parse(tt.line)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.line)
			}
			var usage *UsageError
			if tt.wantUsage == "" {
				if errors.As(err, &usage) {
					t.Errorf("unknown command returned usage error %v", err)
				}
				return
			}
			if !errors.As(err, &usage) || usage.Usage != tt.wantUsage {
				t.Errorf("Parse(%q) error = %v, want usage %q", tt.line, err, tt.wantUsage)
			}
		})
	}
}

func TestHelpLinesCoverCommands(t *testing.T) {
	lines := helpLines()
	if len(lines) != len(commands) {
		t.Fatalf("help has %d lines, want %d", len(lines), len(commands))
	}
	for _, l := range lines {
		if l[0] == "" || l[1] == "" {
			t.Errorf("incomplete help line %q", l)
		}
	}
}
