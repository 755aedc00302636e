package render

import (
	"os"
	"testing"

	"github.com/fatih/color"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text",
			in:   "hello world",
			want: "hello world",
		},
		{
			name: "emphasis stripped",
			in:   "this is **bold** and *soft*",
			want: "this is bold and soft",
		},
		{
			name: "heading and paragraph",
			in:   "# Title\n\nBody text.",
			want: "Title\n\nBody text.",
		},
		{
			name: "bullet list",
			in:   "- one\n- two\n- three",
			want: "• one\n• two\n• three",
		},
		{
			name: "ordered list keeps start",
			in:   "3. c\n4. d",
			want: "3. c\n4. d",
		},
		{
			name: "nested list",
			in:   "- outer\n  - inner",
			want: "• outer\n  • inner",
		},
		{
			name: "fenced code indented",
			in:   "```go\nfmt.Println(1)\n```",
			want: "    fmt.Println(1)",
		},
		{
			name: "inline code",
			in:   "run `ls -la` now",
			want: "run ls -la now",
		},
		{
			name: "link with label",
			in:   "see [docs](https://example.com)",
			want: "see docs (https://example.com)",
		},
		{
			name: "autolink",
			in:   "<https://example.com>",
			want: "https://example.com",
		},
		{
			name: "blockquote",
			in:   "> quoted",
			want: "│ quoted",
		},
		{
			name: "soft break kept",
			in:   "line one\nline two",
			want: "line one\nline two",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Markdown(tt.in); got != tt.want {
				t.Errorf("Markdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
