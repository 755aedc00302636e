// Package connwatch monitors the liveness of connected MCP servers.
//
// Each Watcher polls one server on a fixed interval while the server
// is active (ready). A failed probe is reported once through OnDown;
// the next report needs a healthy probe or an inactive period first. The
// watcher never reconnects; bringing a server back is left to the
// session (explicit /reconnect or reconnect-on-invoke).
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Defaults applied to zero-value WatcherConfig fields.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name identifies the server in logs and status.
	Name string

	// Probe checks liveness. Must be safe for concurrent use.
	Probe ProbeFunc

	// Active reports whether the server is currently ready. Probes
	// are skipped while it returns false. Nil means always active.
	Active func() bool

	// PollInterval is the time between probes (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe may take (default: 10s).
	ProbeTimeout time.Duration

	// OnDown is called when an active server fails a probe. Called in
	// a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the last observed liveness of a watched server.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Alive     bool      `json:"alive"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures"`
}

// Watcher monitors a single server's liveness.
type Watcher struct {
	config WatcherConfig
	alive  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsAlive reports whether the last probe succeeded.
func (w *Watcher) IsAlive() bool {
	return w.alive.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current liveness status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Alive:     w.alive.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// reported is set once OnDown fired, until the server is seen
	// healthy or inactive again.
	reported := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if w.config.Active != nil && !w.config.Active() {
			w.alive.Store(false)
			reported = false
			continue
		}

		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.recordResult(err)

		if err == nil {
			reported = false
			if !w.alive.Swap(true) {
				logger.Debug("server alive", "mcp_server", w.config.Name)
			}
			continue
		}

		w.alive.Store(false)
		if reported {
			continue
		}
		reported = true
		logger.Warn("server failed liveness probe",
			"mcp_server", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	}
	w.mu.Unlock()
}

// Manager coordinates the watchers of one session.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs in a background
// goroutine until ctx is cancelled or Stop is called. Watching a name
// that is already watched replaces the old watcher.
//
// Panics if Name is empty or Probe is nil; these are programming errors.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops and forgets the named watcher.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Status returns the liveness status of every watched server.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
