package mcp

import (
	"reflect"
	"testing"
)

func TestSplitQualifiedName(t *testing.T) {
	tests := []struct {
		in           string
		server, tool string
		ok           bool
	}{
		{"files:read", "files", "read", true},
		{"db:ns:query", "db", "ns:query", true},
		{"read", "", "", false},
		{":read", "", "", false},
		{"files:", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			server, tool, ok := SplitQualifiedName(tt.in)
			if server != tt.server || tool != tt.tool || ok != tt.ok {
				t.Errorf("SplitQualifiedName(%q) = %q, %q, %v; want %q, %q, %v",
					tt.in, server, tool, ok, tt.server, tt.tool, tt.ok)
			}
		})
	}
}

func TestWireName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"files:read", "files__read"},
		{"my-server:read-file", "my-server__read-file"},
		{"home assistant:get.state", "home_assistant__get_state"},
		{"bare", "bare"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := WireName(tt.in); got != tt.want {
				t.Errorf("WireName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterTools(t *testing.T) {
	all := []Tool{{Name: "read"}, {Name: "write"}, {Name: "delete"}}
	names := func(ts []Tool) []string {
		var out []string
		for _, t := range ts {
			out = append(out, t.Name)
		}
		return out
	}

	tests := []struct {
		name             string
		include, exclude []string
		want             []string
	}{
		{"no filters", nil, nil, []string{"read", "write", "delete"}},
		{"include", []string{"read"}, nil, []string{"read"}},
		{"exclude", nil, []string{"delete"}, []string{"read", "write"}},
		{"include wins", []string{"write"}, []string{"write"}, []string{"write"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(FilterTools(all, tt.include, tt.exclude))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterTools() = %v, want %v", got, tt.want)
			}
		})
	}
}
