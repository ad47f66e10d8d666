// Package session owns everything one chat session needs: the backend
// connections, the tool registry built from them, the dispatcher, and
// the conversation loop. Turns run one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/agent"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/config"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/connwatch"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/llm"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tools"
)

// ErrNoEngine is returned by Chat when the session was started
// without an engine client.
var ErrNoEngine = errors.New("session: no engine configured")

// Backend is a connected tool server. *mcp.Client satisfies it.
type Backend interface {
	tools.Source
	Ping(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

// Connector opens a connection to one configured server.
type Connector func(ctx context.Context, server config.ServerConfig) (Backend, error)

// MCPConnector connects with mcp.Connect.
func MCPConnector(dispatch config.DispatchConfig, logger *slog.Logger) Connector {
	return func(ctx context.Context, s config.ServerConfig) (Backend, error) {
		spec := mcp.LaunchSpec{MaxInFlight: dispatch.MaxInFlight}
		if s.Transport == config.TransportHTTP {
			spec.URL, spec.Headers = s.URL, s.Headers
		} else {
			spec.Command, spec.Args, spec.Env = s.Command, s.Args, s.EnvList()
		}
		c, err := mcp.Connect(ctx, s.Name, spec, mcp.ConnectOptions{
			HandshakeTimeout: dispatch.ConnectTimeout,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options configures Start.
type Options struct {
	Servers  []config.ServerConfig
	Dispatch config.DispatchConfig
	// Engine may be nil for sessions that only inspect tools.
	Engine llm.Client
	Loop   agent.Options

	// HistoryTurns is how many completed turns are replayed to the
	// engine. Zero keeps no history.
	HistoryTurns int

	Recorder tools.Recorder
	Tracer   trace.Tracer
	Logger   *slog.Logger

	// Connect defaults to MCPConnector.
	Connect Connector
}

// Failure records a server that could not be brought into the session.
type Failure struct {
	Server string
	Err    error
}

// Session is a running chat session.
type Session struct {
	logger     *slog.Logger
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	loop       *agent.Loop
	watch      *connwatch.Manager
	stopWatch  context.CancelFunc

	backends []Backend
	servers  []string
	failures []Failure

	historyTurns int
	turnMu       sync.Mutex
	history      []llm.Content

	closeOnce sync.Once
	closeErr  error
}

// Start connects to every configured server concurrently and registers
// their tools in configuration order, so collisions resolve the same
// way on every run. A server that fails to connect or list its tools
// is recorded in Failures and left out.
func Start(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connect := opts.Connect
	if connect == nil {
		connect = MCPConnector(opts.Dispatch, logger)
	}

	registry := tools.NewRegistry(
		tools.WithRegistryLogger(logger.With("component", "registry")),
		tools.WithSchemaValidation(opts.Dispatch.Validate()),
	)
	dopts := []tools.DispatcherOption{
		tools.WithLogger(logger.With("component", "dispatcher")),
	}
	if opts.Dispatch.CallTimeout > 0 {
		dopts = append(dopts, tools.WithCallTimeout(opts.Dispatch.CallTimeout))
	}
	if opts.Tracer != nil {
		dopts = append(dopts, tools.WithTracer(opts.Tracer))
	}
	if opts.Recorder != nil {
		dopts = append(dopts, tools.WithRecorder(opts.Recorder))
	}
	dispatcher := tools.NewDispatcher(registry, dopts...)

	loopOpts := opts.Loop
	if loopOpts.Logger == nil {
		loopOpts.Logger = logger.With("component", "agent")
	}
	if loopOpts.Tracer == nil {
		loopOpts.Tracer = opts.Tracer
	}
	if loopOpts.MaxToolRounds == 0 {
		loopOpts.MaxToolRounds = opts.Dispatch.MaxToolRounds
	}

	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		logger:       logger,
		registry:     registry,
		dispatcher:   dispatcher,
		watch:        connwatch.NewManager(logger.With("component", "connwatch")),
		stopWatch:    stopWatch,
		historyTurns: opts.HistoryTurns,
	}
	if opts.Engine != nil {
		s.loop = agent.NewLoop(opts.Engine, registry, dispatcher, loopOpts)
	}

	conns := connectAll(ctx, connect, opts.Servers)
	for i, srv := range opts.Servers {
		c := conns[i]
		if c.err != nil {
			s.fail(srv.Name, c.err)
			continue
		}
		if err := s.bridge(ctx, c.backend, srv, opts.Dispatch); err != nil {
			_ = c.backend.Close()
			s.fail(srv.Name, err)
			continue
		}
		s.backends = append(s.backends, c.backend)
		s.servers = append(s.servers, srv.Name)
		s.watchBackend(watchCtx, c.backend, srv, opts.Dispatch)
	}

	logger.Info("session started",
		"servers", len(s.servers),
		"failed", len(s.failures),
		"tools", registry.Len(),
	)
	return s, nil
}

type connection struct {
	backend Backend
	err     error
}

// connectAll dials every server at once and returns the outcomes in
// the order of servers.
func connectAll(ctx context.Context, connect Connector, servers []config.ServerConfig) []connection {
	out := make([]connection, len(servers))
	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := connect(ctx, srv)
			out[i] = connection{backend: b, err: err}
		}()
	}
	wg.Wait()
	return out
}

func (s *Session) fail(server string, err error) {
	s.failures = append(s.failures, Failure{Server: server, Err: err})
	s.logger.Warn("tool server unavailable", "mcp_server", server, "error", err)
}

func (s *Session) bridge(ctx context.Context, b Backend, srv config.ServerConfig, dispatch config.DispatchConfig) error {
	if dispatch.ListTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dispatch.ListTimeout)
		defer cancel()
	}
	n, collisions, err := tools.BridgeTools(ctx, b, s.registry,
		tools.Filter{Include: srv.IncludeTools, Exclude: srv.ExcludeTools},
		s.logger.With("mcp_server", srv.Name))
	if err != nil {
		return err
	}
	s.logger.Info("tool server connected",
		"mcp_server", srv.Name,
		"tools", n,
		"collisions", len(collisions),
	)
	return nil
}

// watchBackend removes a server's tools when its process exits or it
// stops answering pings, and restores them when a pinged server
// recovers.
func (s *Session) watchBackend(ctx context.Context, b Backend, srv config.ServerConfig, dispatch config.DispatchConfig) {
	cfg := connwatch.WatcherConfig{
		Name:   srv.Name,
		Exited: b.Done(),
		OnDown: func(err error) {
			n := s.registry.Unregister(srv.Name)
			s.logger.Warn("removed tools of lost server", "mcp_server", srv.Name, "tools", n, "error", err)
		},
	}
	if srv.Transport == config.TransportHTTP && dispatch.HealthInterval > 0 {
		cfg.Probe = b.Ping
		cfg.PollInterval = dispatch.HealthInterval
		cfg.OnReady = func() {
			if err := s.bridge(ctx, b, srv, dispatch); err != nil {
				s.logger.Warn("failed to restore tools of recovered server", "mcp_server", srv.Name, "error", err)
			}
		}
	}
	if cfg.Exited == nil && cfg.Probe == nil {
		return
	}
	s.watch.Watch(ctx, cfg)
}

// Chat runs one turn. Concurrent calls are serialized. Only engine
// failures are returned as errors; failed tool calls appear in
// Turn.Warnings.
func (s *Session) Chat(ctx context.Context, message string) (*agent.Turn, error) {
	if s.loop == nil {
		return nil, ErrNoEngine
	}
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	turn, err := s.loop.Run(ctx, s.history, message)
	if err != nil {
		return turn, err
	}
	// A turn without an answer is left out so it never reaches the
	// engine as an empty model message.
	if s.historyTurns > 0 && turn.Answer != "" {
		s.history = append(s.history, llm.UserText(message), llm.ModelText(turn.Answer))
		if max := 2 * s.historyTurns; len(s.history) > max {
			s.history = append([]llm.Content(nil), s.history[len(s.history)-max:]...)
		}
	}
	return turn, nil
}

// Tools returns the registered tools in advertisement order.
func (s *Session) Tools() []*tools.Descriptor {
	return s.registry.List()
}

// Servers returns the servers that joined the session, in
// configuration order.
func (s *Session) Servers() []string {
	return append([]string(nil), s.servers...)
}

// Failures returns the servers that could not join.
func (s *Session) Failures() []Failure {
	return append([]Failure(nil), s.failures...)
}

// Health returns the watch status of each connected server.
func (s *Session) Health() map[string]connwatch.ServerStatus {
	return s.watch.Status()
}

// Summary is the one-line startup report.
func (s *Session) Summary() string {
	total := len(s.servers) + len(s.failures)
	return fmt.Sprintf("connected %d of %d servers, %d tools", len(s.servers), total, s.registry.Len())
}

// Close stops watching, removes every server's tools and closes its
// connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopWatch()
		s.watch.Stop()

		var errs []error
		for i, b := range s.backends {
			s.registry.Unregister(s.servers[i])
			if err := b.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.servers[i], err))
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("session closed", "servers", len(s.backends))
	})
	return s.closeErr
}
