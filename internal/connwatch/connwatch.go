// Package connwatch watches connected tool servers and reports when
// one goes away or comes back.
//
// A server can be lost two ways. A subprocess exits, which its
// connection signals by closing a channel; that loss is final. A
// remote server stops answering pings; the watcher keeps probing and
// reports recovery. Transitions are delivered through OnDown and
// OnReady, each called in its own goroutine.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
)

// ProbeFunc checks whether a server is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Defaults for zero-value WatcherConfig fields.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name identifies the server in logs and Status.
	Name string

	// Exited is closed when the server's process ends. Nil for servers
	// without a process.
	Exited <-chan struct{}

	// Probe, if set, is called every PollInterval.
	Probe        ProbeFunc
	PollInterval time.Duration
	ProbeTimeout time.Duration

	// OnDown is called when the server becomes unreachable or exits.
	OnDown func(err error)

	// OnReady is called when a probed server answers again after a
	// failure. Never called after an exit.
	OnReady func()

	Logger *slog.Logger
}

// ServerStatus is the health of a watched server.
type ServerStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Exited    bool      `json:"exited"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one server. It starts out ready, since servers are
// only watched once connected.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	exited atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the server is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent failure, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServerStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Exited:    w.exited.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger

	var tick <-chan time.Time
	if w.config.Probe != nil {
		ticker := time.NewTicker(w.config.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.config.Exited:
			w.exited.Store(true)
			w.ready.Store(false)
			w.recordResult(mcp.ErrBackendExited)
			logger.Warn("tool server exited", "mcp_server", w.config.Name)
			if w.config.OnDown != nil {
				go w.config.OnDown(mcp.ErrBackendExited)
			}
			return

		case <-tick:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			w.recordResult(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Warn("tool server became unreachable",
					"mcp_server", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("tool server recovered", "mcp_server", w.config.Name)
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			case !wasReady:
				logger.Debug("tool server still unreachable",
					"mcp_server", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Manager coordinates the watchers of one session.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is cancelled, Stop is
// called, or the server exits.
//
// Panics if Name is empty or if neither Exited nor Probe is set.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Exited == nil && cfg.Probe == nil {
		panic("connwatch: WatcherConfig needs Exited or Probe")
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
	w.ready.Store(true)

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health of all watched servers.
func (m *Manager) Status() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServerStatus, len(m.watchers))
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
