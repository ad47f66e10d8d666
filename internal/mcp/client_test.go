package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeTransport answers requests from per-method queues. The last
// queued answer for a method repeats once the queue is drained.
type fakeTransport struct {
	mu      sync.Mutex
	answers map[string][]answer
	sent    []Request
	notifs  []Notification
	closes  int
}

type answer struct {
	resp *Response
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{answers: make(map[string][]answer)}
}

func (f *fakeTransport) result(method string, v any) {
	data, _ := json.Marshal(v)
	f.answers[method] = append(f.answers[method], answer{resp: &Response{JSONRPC: jsonrpcVersion, Result: data}})
}

func (f *fakeTransport) rpcError(method string, code int, msg string) {
	f.answers[method] = append(f.answers[method], answer{resp: &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}})
}

func (f *fakeTransport) fail(method string, err error) {
	f.answers[method] = append(f.answers[method], answer{err: err})
}

func (f *fakeTransport) Send(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *req)

	q := f.answers[req.Method]
	if len(q) == 0 {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	a := q[0]
	if len(q) > 1 {
		f.answers[req.Method] = q[1:]
	}
	if a.err != nil {
		return nil, a.err
	}
	out := *a.resp
	out.ID = req.ID
	return &out, nil
}

func (f *fakeTransport) Notify(_ context.Context, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifs = append(f.notifs, *n)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func initialized(t *testing.T, f *fakeTransport) *Client {
	t.Helper()
	f.result("initialize", initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: "notes-server", Version: "0.3.1"},
	})
	c := NewClient("notes", f, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func TestClient_Initialize(t *testing.T) {
	f := newFakeTransport()
	c := initialized(t, f)

	if len(f.sent) != 1 || f.sent[0].Method != "initialize" {
		t.Fatalf("sent = %+v, want one initialize", f.sent)
	}
	params, _ := f.sent[0].Params.(map[string]any)
	info, _ := params["clientInfo"].(map[string]any)
	if info["name"] != "mcpchat" {
		t.Errorf("clientInfo.name = %v, want mcpchat", info["name"])
	}

	if len(f.notifs) != 1 || f.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifs = %+v, want notifications/initialized", f.notifs)
	}

	name, version := c.ServerInfo()
	if name != "notes-server" || version != "0.3.1" {
		t.Errorf("ServerInfo() = %q, %q", name, version)
	}
}

func TestClient_InitializeRPCError(t *testing.T) {
	f := newFakeTransport()
	f.rpcError("initialize", CodeInvalidParams, "unsupported protocol version")

	c := NewClient("notes", f, nil)
	err := c.Initialize(context.Background())

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("Initialize error = %v, want RPCError %d", err, CodeInvalidParams)
	}
	if len(f.notifs) != 0 {
		t.Error("initialized notification sent after failed handshake")
	}
}

func TestClient_ListTools(t *testing.T) {
	f := newFakeTransport()
	c := initialized(t, f)
	f.result("tools/list", toolsListResult{Tools: []ToolDefinition{
		{Name: "create_note", Description: "Create a note", InputSchema: map[string]any{"type": "object"}},
		{Name: "search_notes", Description: "Search notes"},
	}})

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "create_note" || tools[1].Name != "search_notes" {
		t.Fatalf("tools = %+v", tools)
	}

	// Cached: no second tools/list.
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools (cached): %v", err)
	}
	if len(f.sent) != 2 {
		t.Errorf("sent %d requests, want 2 (initialize + one tools/list)", len(f.sent))
	}
}

func TestClient_ListToolsPaginated(t *testing.T) {
	f := newFakeTransport()
	c := initialized(t, f)
	f.result("tools/list", toolsListResult{
		Tools:      []ToolDefinition{{Name: "a"}},
		NextCursor: "page-2",
	})
	f.result("tools/list", toolsListResult{Tools: []ToolDefinition{{Name: "b"}}})

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[1].Name != "b" {
		t.Fatalf("tools = %+v, want a then b", tools)
	}

	last := f.sent[len(f.sent)-1]
	params, _ := last.Params.(map[string]any)
	if params["cursor"] != "page-2" {
		t.Errorf("second tools/list params = %v, want cursor page-2", last.Params)
	}
}

func TestClient_ListToolsEmptyIsNotNil(t *testing.T) {
	f := newFakeTransport()
	c := initialized(t, f)
	f.result("tools/list", map[string]any{})

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if tools == nil || len(tools) != 0 {
		t.Errorf("tools = %#v, want empty non-nil slice", tools)
	}
}

func TestClient_ListToolsProtocolError(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeTransport)
	}{
		{"rpc error", func(f *fakeTransport) { f.rpcError("tools/list", CodeInternalError, "boom") }},
		{"malformed", func(f *fakeTransport) { f.result("tools/list", map[string]any{"tools": "nope"}) }},
		{"nameless tool", func(f *fakeTransport) {
			f.result("tools/list", toolsListResult{Tools: []ToolDefinition{{Description: "?"}}})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport()
			c := initialized(t, f)
			tt.setup(f)

			_, err := c.ListTools(context.Background())
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProtocolError", err)
			}
			if pe.Server != "notes" || pe.Method != "tools/list" {
				t.Errorf("ProtocolError = %+v", pe)
			}
		})
	}
}

func TestClient_CallTool(t *testing.T) {
	f := newFakeTransport()
	c := initialized(t, f)
	f.result("tools/call", CallResult{Content: []ContentBlock{
		{Type: "text", Text: "note 42 created"},
	}})

	res, err := c.CallTool(context.Background(), "create_note", map[string]any{"title": "groceries"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text() != "note 42 created" {
		t.Errorf("Text() = %q", res.Text())
	}

	params, _ := f.sent[len(f.sent)-1].Params.(map[string]any)
	if params["name"] != "create_note" {
		t.Errorf("tools/call name = %v", params["name"])
	}
}

func TestClient_CallToolNilArgs(t *testing.T) {
	f := newFakeTransport()
	c := initialized(t, f)
	f.result("tools/call", CallResult{})

	if _, err := c.CallTool(context.Background(), "list_notes", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	data, _ := json.Marshal(f.sent[len(f.sent)-1].Params)
	if string(data) != `{"arguments":{},"name":"list_notes"}` {
		t.Errorf("params = %s, want empty arguments object", data)
	}
}

func TestClient_CallToolErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fakeTransport)
		wantKind InvocationKind
		wantMsg  string
	}{
		{
			name: "isError result",
			setup: func(f *fakeTransport) {
				f.result("tools/call", CallResult{
					Content: []ContentBlock{{Type: "text", Text: "note not found"}},
					IsError: true,
				})
			},
			wantKind: KindInvocationFailed,
			wantMsg:  "note not found",
		},
		{
			name:     "rpc error",
			setup:    func(f *fakeTransport) { f.rpcError("tools/call", CodeMethodNotFound, "Method not found") },
			wantKind: KindInvocationFailed,
			wantMsg:  "Method not found",
		},
		{
			name:     "deadline",
			setup:    func(f *fakeTransport) { f.fail("tools/call", context.DeadlineExceeded) },
			wantKind: KindTimeout,
		},
		{
			name:     "process gone",
			setup:    func(f *fakeTransport) { f.fail("tools/call", ErrBackendExited) },
			wantKind: KindBackendUnavailable,
		},
		{
			name:     "closed",
			setup:    func(f *fakeTransport) { f.fail("tools/call", ErrClosed) },
			wantKind: KindBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport()
			c := initialized(t, f)
			tt.setup(f)

			_, err := c.CallTool(context.Background(), "get_note", map[string]any{"id": 7})
			var ie *InvocationError
			if !errors.As(err, &ie) {
				t.Fatalf("error = %v, want *InvocationError", err)
			}
			if ie.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ie.Kind, tt.wantKind)
			}
			if ie.Tool != "get_note" || ie.Server != "notes" {
				t.Errorf("InvocationError = %+v", ie)
			}
			if tt.wantMsg != "" && !strings.Contains(ie.Err.Error(), tt.wantMsg) {
				t.Errorf("inner error = %q, want it to mention %q", ie.Err, tt.wantMsg)
			}
		})
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	f := newFakeTransport()
	c := NewClient("notes", f, nil)
	for range 3 {
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if f.closes != 1 {
		t.Errorf("transport closed %d times, want 1", f.closes)
	}
}

func TestClient_DoneWithoutProcess(t *testing.T) {
	c := NewClient("notes", newFakeTransport(), nil)
	if c.Done() != nil {
		t.Error("Done() should be nil for transports without a process")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want InvocationKind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindTimeout},
		{ErrBackendExited, KindBackendUnavailable},
		{fmt.Errorf("%w: connection refused", ErrUnavailable), KindBackendUnavailable},
		{&InvocationError{Kind: KindTimeout, Err: errors.New("x")}, KindTimeout},
		{errors.New("something else"), KindInvocationFailed},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{"single text", []ContentBlock{{Type: "text", Text: "hello"}}, "hello"},
		{"joined", []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"image with mime", []ContentBlock{{Type: "image", MimeType: "image/png"}}, "[image image/png]"},
		{"image bare", []ContentBlock{{Type: "image"}}, "[image]"},
		{"resource", []ContentBlock{{Type: "resource"}}, "[resource]"},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
