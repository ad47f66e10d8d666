package tools

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
)

// fakeBackend is an in-memory Source. Handlers are keyed by tool name;
// a missing handler echoes the "text" argument.
type fakeBackend struct {
	name     string
	defs     []mcp.ToolDefinition
	listErr  error
	handlers map[string]func(ctx context.Context, args map[string]any) (*mcp.CallResult, error)

	calls atomic.Int32
	mu    sync.Mutex
	seen  []string
}

func newFakeBackend(name string, tools ...string) *fakeBackend {
	b := &fakeBackend{name: name, handlers: map[string]func(context.Context, map[string]any) (*mcp.CallResult, error){}}
	for _, t := range tools {
		b.defs = append(b.defs, mcp.ToolDefinition{Name: t, InputSchema: map[string]any{"type": "object"}})
	}
	return b
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.defs, nil
}

func (b *fakeBackend) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.seen = append(b.seen, name)
	b.mu.Unlock()

	if h, ok := b.handlers[name]; ok {
		return h(ctx, args)
	}
	text, _ := args["text"].(string)
	return textResult(text), nil
}

func textResult(s string) *mcp.CallResult {
	return &mcp.CallResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// memRecorder collects dispatch results.
type memRecorder struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (m *memRecorder) Record(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return m.err
}

func (m *memRecorder) all() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
