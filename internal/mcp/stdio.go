package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/config"
)

// defaultStopTimeout is how long Close waits for the subprocess to exit
// after stdin is closed before killing it.
const defaultStopTimeout = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment, so they override inherited values.
	Env []string

	// MaxInFlight bounds concurrent requests on this transport. Zero
	// or one serializes requests; servers that handle pipelined
	// requests may be given more.
	MaxInFlight int

	// StopTimeout overrides defaultStopTimeout.
	StopTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. A reader goroutine routes responses to waiting callers
// by request ID, so several requests may be outstanding at once.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	sem    chan struct{}

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	reader  *bufio.Reader
	writeMu sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool
	pending map[int64]chan *Response

	done      chan struct{} // closed when stdout reaches EOF
	exited    chan struct{} // closed after cmd.Wait returns
	exitErr   error         // cmd.Wait result, valid after exited
	closeOnce sync.Once
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start is called.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	slots := cfg.MaxInFlight
	if slots < 1 {
		slots = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		sem:     make(chan struct{}, slots),
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Start launches the subprocess and the reader goroutine. The process
// lifetime is independent of ctx; only Close or the process itself
// ends it. Start may be called once.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return errors.New("stdio transport already started")
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// stderr is diagnostics only, never protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses
	t.started = true

	go t.drainStderr(stderrPipe)
	go t.readLoop()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// Done returns a channel closed when the subprocess stops producing
// output, whether it crashed, exited or was closed.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// acquire takes an in-flight slot, honoring ctx cancellation.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; a cancelled caller must not
	// proceed just because a slot happened to be free.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// Send writes a request to the subprocess and waits for the response
// with the same ID. A context timeout abandons the wait without
// killing the subprocess; a late response is discarded.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	ch := make(chan *Response, 1)
	if err := t.register(req.ID, ch); err != nil {
		return nil, err
	}

	if err := t.write(ctx, req); err != nil {
		t.unregister(req.ID)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.unregister(req.ID)
		return nil, ctx.Err()
	case <-t.done:
		// The response may have been routed just before EOF.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		t.unregister(req.ID)
		return nil, t.exitError()
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.write(ctx, notif)
}

// Close terminates the subprocess and releases resources. It closes
// stdin, waits up to StopTimeout for a graceful exit, then kills.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		started := t.started
		t.mu.Unlock()

		if !started {
			close(t.done)
			close(t.exited)
			return
		}

		t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)
		t.stdin.Close()

		select {
		case <-t.exited:
		case <-time.After(t.config.StopTimeout):
			t.logger.Warn("MCP subprocess did not exit gracefully, killing",
				"pid", t.cmd.Process.Pid,
			)
			_ = t.cmd.Process.Kill()
			<-t.exited
		}
	})
	return nil
}

func (t *StdioTransport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.started {
		return errors.New("stdio transport not started")
	}
	select {
	case <-t.done:
		return t.exitErrorLocked()
	default:
	}
	return nil
}

func (t *StdioTransport) register(id int64, ch chan *Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.started {
		return errors.New("stdio transport not started")
	}
	select {
	case <-t.done:
		return t.exitErrorLocked()
	default:
	}
	if _, dup := t.pending[id]; dup {
		return fmt.Errorf("request id %d already in flight", id)
	}
	t.pending[id] = ch
	return nil
}

func (t *StdioTransport) unregister(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *StdioTransport) exitError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErrorLocked()
}

// exitErrorLocked reports why the transport stopped. Caller must hold t.mu.
func (t *StdioTransport) exitErrorLocked() error {
	if t.closed {
		return ErrClosed
	}
	if t.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrBackendExited, t.exitErr)
	}
	return ErrBackendExited
}

// write encodes msg as a single line on stdin. Writes are serialized
// so concurrent frames never interleave.
func (t *StdioTransport) write(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.logger.Log(ctx, config.LevelTrace, "MCP stdio send", "frame", string(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w: %w", ErrBackendExited, err)
	}
	return nil
}

// readLoop routes each stdout line to the caller waiting on its ID.
// On EOF it closes done, which fails every outstanding Send, and then
// reaps the process.
func (t *StdioTransport) readLoop() {
	defer func() {
		err := t.cmd.Wait()
		t.mu.Lock()
		closed := t.closed
		t.exitErr = err
		t.mu.Unlock()

		switch {
		case closed:
			t.logger.Info("MCP subprocess stopped")
		case err != nil:
			t.logger.Warn("MCP subprocess exited with error", "error", err)
		default:
			t.logger.Warn("MCP subprocess exited")
		}
		close(t.exited)
	}()

	for {
		line, err := t.reader.ReadBytes('\n')
		if len(line) > 0 {
			t.route(line)
		}
		if err != nil {
			if err != io.EOF {
				t.logger.Warn("MCP subprocess read error", "error", err)
			}
			t.mu.Lock()
			abandoned := len(t.pending)
			clear(t.pending)
			t.mu.Unlock()
			if abandoned > 0 {
				t.logger.Warn("MCP subprocess gone with requests in flight", "pending", abandoned)
			}
			close(t.done)
			return
		}
	}
}

func (t *StdioTransport) route(line []byte) {
	t.logger.Log(context.Background(), config.LevelTrace, "MCP stdio recv", "frame", string(line))

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
		return
	}

	switch {
	case msg.isResponse():
		t.mu.Lock()
		ch, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.mu.Unlock()

		if ok {
			ch <- msg.response()
		} else {
			t.logger.Debug("discarding MCP response for unknown or abandoned id", "id", *msg.ID)
		}

	case msg.isServerRequest():
		go t.answer(&msg)

	default:
		t.logger.Debug("MCP server notification", "method", msg.Method)
	}
}

// answer replies to requests the server sends us. Only ping is
// supported; the client advertises no other capabilities.
func (t *StdioTransport) answer(msg *inbound) {
	r := reply{JSONRPC: jsonrpcVersion, ID: *msg.ID}
	if msg.Method == "ping" {
		r.Result = struct{}{}
	} else {
		r.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	if err := t.write(context.Background(), r); err != nil {
		t.logger.Debug("failed to answer MCP server request", "method", msg.Method, "error", err)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}
