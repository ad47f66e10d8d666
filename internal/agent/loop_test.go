package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/llm"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tools"
)

// scriptedEngine returns its responses in order and records requests.
type scriptedEngine struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []*llm.Request
}

func (e *scriptedEngine) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.requests)
	e.requests = append(e.requests, req)
	if i < len(e.errs) && e.errs[i] != nil {
		return nil, e.errs[i]
	}
	if i >= len(e.responses) {
		return nil, errors.New("script exhausted")
	}
	return e.responses[i], nil
}

func (e *scriptedEngine) Provider() string { return "scripted" }

// backend serves echo, and fails anything named "broken".
type backend struct{ name string }

func (b backend) Name() string { return b.name }

func (b backend) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	if name == "broken" {
		return nil, &mcp.InvocationError{Server: b.name, Tool: name, Kind: mcp.KindBackendUnavailable, Err: mcp.ErrBackendExited}
	}
	text, _ := args["text"].(string)
	return &mcp.CallResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLoop(t *testing.T, engine llm.Client, opts Options) *Loop {
	t.Helper()
	reg := tools.NewRegistry(tools.WithRegistryLogger(quietLogger()))
	reg.Register(backend{name: "demo"}, []mcp.ToolDefinition{
		{Name: "echo", Description: "Echo text", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		}},
		{Name: "broken", Description: "Always fails"},
	})
	d := tools.NewDispatcher(reg, tools.WithLogger(quietLogger()))
	opts.Logger = quietLogger()
	return NewLoop(engine, reg, d, opts)
}

func TestRun_NoToolCallsReturnsFirstResponse(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{{Text: "Hello, world."}}}
	loop := newTestLoop(t, engine, Options{})

	turn, err := loop.Run(context.Background(), nil, "hi")
	require.NoError(t, err)

	assert.Equal(t, "Hello, world.", turn.Answer)
	assert.Equal(t, StateDone, turn.State)
	assert.Zero(t, turn.Rounds)
	assert.Empty(t, turn.Requests)
	require.Len(t, engine.requests, 1)

	req := engine.requests[0]
	require.NotNil(t, req.Tools)
	require.Len(t, req.Tools.FunctionDeclarations, 2)
	assert.Equal(t, "echo", req.Tools.FunctionDeclarations[0].Name)
	assert.Equal(t, []string{"text"}, req.Tools.FunctionDeclarations[0].Parameters.Required)
	assert.Equal(t, map[string]any{}, req.Tools.FunctionDeclarations[1].Parameters.Properties)
	assert.Equal(t, []llm.Content{llm.UserText("hi")}, req.Contents)
}

func TestRun_SuccessAndFailureBothResubmitted(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{
		{FunctionCalls: []llm.FunctionCall{
			{Name: "echo", Args: map[string]any{"text": "hi"}},
			{Name: "broken", Args: map[string]any{}},
		}},
		{Text: "Echoed hi, but the other tool is down."},
	}}
	loop := newTestLoop(t, engine, Options{})

	turn, err := loop.Run(context.Background(), nil, "do both")
	require.NoError(t, err)

	assert.Equal(t, "Echoed hi, but the other tool is down.", turn.Answer)
	assert.Equal(t, 1, turn.Rounds)
	require.Len(t, turn.Results, 2)
	assert.True(t, turn.Results[0].Success)
	assert.Equal(t, tools.KindBackendUnavailable, turn.Results[1].ErrorKind())
	require.Len(t, turn.Warnings, 1)
	assert.Contains(t, turn.Warnings[0], "broken")
	assert.Len(t, turn.Failures(), 1)

	require.Len(t, engine.requests, 2)
	second := engine.requests[1]
	assert.Nil(t, second.Tools, "budget of one round is spent")
	require.Len(t, second.Contents, 3)

	assert.Equal(t, llm.RoleModel, second.Contents[1].Role)
	require.Len(t, second.Contents[1].Parts, 2)
	assert.Equal(t, "echo", second.Contents[1].Parts[0].FunctionCall.Name)

	responses := second.Contents[2].Parts
	require.Len(t, responses, 2)
	ok := responses[0].FunctionResponse
	assert.Equal(t, "echo", ok.Name)
	assert.Equal(t, map[string]any{"content": "hi"}, ok.Response)
	assert.False(t, ok.IsError)

	bad := responses[1].FunctionResponse
	assert.Equal(t, "broken", bad.Name)
	assert.True(t, bad.IsError)
	errObj := bad.Response["error"].(map[string]any)
	assert.Equal(t, "BackendUnavailable", errObj["kind"])
	assert.NotEmpty(t, errObj["message"])

	// Each response correlates with its request by call ID.
	assert.Equal(t, second.Contents[1].Parts[0].FunctionCall.ID, ok.ID)
	assert.Equal(t, turn.Requests[1].ID, bad.ID)
}

func TestRun_UnknownToolIsData(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{
		{FunctionCalls: []llm.FunctionCall{{Name: "teleport"}}},
		{Text: "I can't do that."},
	}}
	loop := newTestLoop(t, engine, Options{})

	turn, err := loop.Run(context.Background(), nil, "beam me up")
	require.NoError(t, err)
	assert.Equal(t, "I can't do that.", turn.Answer)
	require.Len(t, turn.Results, 1)
	assert.Equal(t, tools.KindUnknownTool, turn.Results[0].ErrorKind())
}

func TestRun_KeepsEngineCallIDs(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{
		{FunctionCalls: []llm.FunctionCall{{ID: "toolu_9", Name: "echo", Args: map[string]any{"text": "x"}}}},
		{Text: "done"},
	}}
	loop := newTestLoop(t, engine, Options{})

	turn, err := loop.Run(context.Background(), nil, "echo x")
	require.NoError(t, err)
	assert.Equal(t, "toolu_9", turn.Requests[0].ID)
	assert.Equal(t, "toolu_9", turn.Results[0].CallID)
	assert.Equal(t, turn.ID, turn.Results[0].TurnID)
	assert.Equal(t, "toolu_9", engine.requests[1].Contents[2].Parts[0].FunctionResponse.ID)
}

func TestRun_ToolsPastBudgetAreRefused(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{
		{FunctionCalls: []llm.FunctionCall{{Name: "echo", Args: map[string]any{"text": "1"}}}},
		{FunctionCalls: []llm.FunctionCall{{Name: "echo", Args: map[string]any{"text": "2"}}}},
	}}
	loop := newTestLoop(t, engine, Options{MaxToolRounds: 1})

	turn, err := loop.Run(context.Background(), nil, "loop forever")
	require.NoError(t, err)

	assert.True(t, turn.Unsupported)
	assert.Equal(t, UnsupportedNotice, turn.Answer)
	assert.Len(t, turn.Requests, 1, "second request must not be dispatched")
	assert.Len(t, engine.requests, 2)
	require.NotEmpty(t, turn.Warnings)
	assert.Contains(t, turn.Warnings[len(turn.Warnings)-1], "not run")
}

func TestRun_UnsupportedKeepsEngineText(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{
		{FunctionCalls: []llm.FunctionCall{{Name: "echo", Args: map[string]any{"text": "1"}}}},
		{Text: "partial answer", FunctionCalls: []llm.FunctionCall{{Name: "echo"}}},
	}}
	loop := newTestLoop(t, engine, Options{})

	turn, err := loop.Run(context.Background(), nil, "q")
	require.NoError(t, err)
	assert.True(t, turn.Unsupported)
	assert.Equal(t, "partial answer", turn.Answer)
}

func TestRun_MultipleRoundsWhenConfigured(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{
		{FunctionCalls: []llm.FunctionCall{{Name: "echo", Args: map[string]any{"text": "1"}}}},
		{FunctionCalls: []llm.FunctionCall{{Name: "echo", Args: map[string]any{"text": "2"}}}},
		{Text: "both done"},
	}}
	loop := newTestLoop(t, engine, Options{MaxToolRounds: 2})

	turn, err := loop.Run(context.Background(), nil, "twice")
	require.NoError(t, err)
	assert.False(t, turn.Unsupported)
	assert.Equal(t, 2, turn.Rounds)
	assert.Equal(t, "both done", turn.Answer)
	assert.NotNil(t, engine.requests[1].Tools)
	assert.Nil(t, engine.requests[2].Tools)
	assert.Len(t, engine.requests[2].Contents, 5)
}

func TestRun_EngineErrors(t *testing.T) {
	tests := []struct {
		name      string
		engine    *scriptedEngine
		wantPhase string
	}{
		{
			name:      "initial",
			engine:    &scriptedEngine{errs: []error{errors.New("503")}},
			wantPhase: "initial",
		},
		{
			name: "resubmit",
			engine: &scriptedEngine{
				responses: []*llm.Response{{FunctionCalls: []llm.FunctionCall{{Name: "echo", Args: map[string]any{"text": "x"}}}}},
				errs:      []error{nil, errors.New("connection reset")},
			},
			wantPhase: "resubmit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := newTestLoop(t, tt.engine, Options{})
			turn, err := loop.Run(context.Background(), nil, "hi")

			var ee *EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.wantPhase, ee.Phase)
			require.NotNil(t, turn)
			assert.Equal(t, StateFailed, turn.State)
			assert.Empty(t, turn.Answer)
		})
	}
}

func TestRun_HistoryAndSystemPrompt(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{{Text: "4"}}}
	loop := newTestLoop(t, engine, Options{System: "be terse", Model: "m1", MaxTokens: 99})

	history := []llm.Content{llm.UserText("2+1?"), llm.ModelText("3")}
	_, err := loop.Run(context.Background(), history, "2+2?")
	require.NoError(t, err)

	req := engine.requests[0]
	assert.Equal(t, "be terse", req.System)
	assert.Equal(t, "m1", req.Model)
	assert.Equal(t, 99, req.MaxTokens)
	require.Len(t, req.Contents, 3)
	assert.Equal(t, "3", req.Contents[1].Parts[0].Text)
	assert.Len(t, history, 2, "history must not be modified")
}

func TestRun_NoToolsRegistered(t *testing.T) {
	engine := &scriptedEngine{responses: []*llm.Response{{Text: "plain"}}}
	reg := tools.NewRegistry()
	loop := NewLoop(engine, reg, tools.NewDispatcher(reg), Options{Logger: quietLogger()})

	turn, err := loop.Run(context.Background(), nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "plain", turn.Answer)
	assert.Nil(t, engine.requests[0].Tools)
}

func TestResponsePayload(t *testing.T) {
	ok := ResponsePayload(tools.Result{Success: true, Payload: &tools.Payload{
		Content:    "3 rows",
		Structured: []byte(`{"rows":3}`),
	}})
	assert.Equal(t, "3 rows", ok["content"])
	assert.Equal(t, map[string]any{"rows": float64(3)}, ok["structured"])

	failed := ResponsePayload(tools.Result{Error: &tools.ErrorInfo{Kind: tools.KindTimeout, Message: "slow"}})
	assert.Equal(t, map[string]any{"error": map[string]any{"kind": "Timeout", "message": "slow"}}, failed)
}
