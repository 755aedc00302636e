package mcp

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseEvent is one server-sent event. Only the fields MCP uses are kept.
type sseEvent struct {
	Event string
	ID    string
	Data  []byte
}

// readSSE parses a text/event-stream body and calls fn for each
// complete event that carries data. Multi-line data fields are joined
// with newlines. Parsing stops at EOF, on a read error, or when fn
// returns false.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	var (
		ev   sseEvent
		data [][]byte
	)
	flush := func() bool {
		defer func() {
			ev = sseEvent{}
			data = data[:0]
		}()
		if len(data) == 0 {
			return true
		}
		ev.Data = bytes.Join(data, []byte("\n"))
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if !flush() {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		case "data":
			data = append(data, []byte(value))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	return nil
}
