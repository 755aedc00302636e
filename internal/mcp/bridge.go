package mcp

import (
	"regexp"
	"strings"
)

// NamespaceSeparator joins a server name and a tool name into the
// qualified name used by the catalog and by users.
const NamespaceSeparator = ":"

// wireSeparator replaces NamespaceSeparator in names handed to LLM
// providers, which only accept [a-zA-Z0-9_-] in function names.
const wireSeparator = "__"

// sanitizeRe matches characters that are not alphanumeric, underscore,
// or hyphen.
var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// QualifiedName joins a server name and a server-local tool name.
func QualifiedName(server, tool string) string {
	return server + NamespaceSeparator + tool
}

// SplitQualifiedName splits "server:tool" at the first separator. The
// tool part may itself contain the separator.
func SplitQualifiedName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, NamespaceSeparator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// WireName generates the provider-safe function name for a qualified
// tool name: "files:read-file" becomes "files__read-file". The mapping
// is not guaranteed reversible; callers keep a lookup table.
func WireName(qualified string) string {
	server, tool, ok := SplitQualifiedName(qualified)
	if !ok {
		return sanitize(qualified)
	}
	return sanitize(server) + wireSeparator + sanitize(tool)
}

// sanitize replaces characters providers reject with underscores and
// trims leading and trailing underscores.
func sanitize(name string) string {
	s := sanitizeRe.ReplaceAllString(name, "_")
	return strings.Trim(s, "_")
}

// FilterTools applies include and exclude lists by server-local tool
// name. A non-empty include list wins; otherwise excluded names are
// dropped. The input slice is not modified.
func FilterTools(tools []Tool, include, exclude []string) []Tool {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)
	if includeSet == nil && excludeSet == nil {
		return tools
	}

	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if len(includeSet) > 0 {
			if !includeSet[t.Name] {
				continue
			}
		} else if excludeSet[t.Name] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
