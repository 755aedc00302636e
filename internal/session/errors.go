package session

import (
	"fmt"
	"strings"
)

// UnknownToolError reports a qualified name that does not resolve to a
// tool in the catalog: the server is unknown, or the server does not
// expose the tool, or a short name matches tools on several servers.
type UnknownToolError struct {
	Name string
	// Server is set when the server exists but lacks the tool.
	Server string
	// Candidates lists qualified names when a short name is ambiguous.
	Candidates []string
}

func (e *UnknownToolError) Error() string {
	switch {
	case len(e.Candidates) > 0:
		return fmt.Sprintf("ambiguous tool %q: could be %s", e.Name, strings.Join(e.Candidates, ", "))
	case e.Server != "":
		return fmt.Sprintf("unknown tool %q: server %s does not provide it", e.Name, e.Server)
	default:
		return fmt.Sprintf("unknown tool %q", e.Name)
	}
}
