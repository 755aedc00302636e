package connwatch

import (
	"context"
	"time"

	"github.com/nugget/mcpterm/internal/mcp"
	"github.com/nugget/mcpterm/internal/session"
)

// Sessions is the part of session.Manager the server watchers use.
type Sessions interface {
	Status() []session.ServerStatus
	Ping(ctx context.Context, name string) error
	MarkDown(name string, cause error)
}

// WatchServers starts one watcher per configured server. A server is
// probed only while ready; a failed ping demotes it to disconnected.
func (m *Manager) WatchServers(ctx context.Context, sessions Sessions, interval time.Duration) {
	for _, st := range sessions.Status() {
		name := st.Name
		m.Watch(ctx, WatcherConfig{
			Name:         name,
			PollInterval: interval,
			Active:       func() bool { return serverReady(sessions, name) },
			Probe:        func(ctx context.Context) error { return sessions.Ping(ctx, name) },
			OnDown:       func(err error) { sessions.MarkDown(name, err) },
		})
	}
}

func serverReady(sessions Sessions, name string) bool {
	for _, st := range sessions.Status() {
		if st.Name == name {
			return st.State == mcp.StateReady
		}
	}
	return false
}
