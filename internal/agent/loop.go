// Package agent drives a conversation turn: it offers the registered
// tools to the engine, dispatches the calls the engine asks for, and
// hands the results back for the final answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/llm"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/schema"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tools"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tracing"
)

// UnsupportedNotice is the answer when the engine keeps asking for
// tools past the round budget and gives no text of its own.
const UnsupportedNotice = "The model requested further tool calls, which are not supported in a single turn."

// Catalog lists the tools to advertise. *tools.Registry satisfies it.
type Catalog interface {
	Definitions() []mcp.ToolDefinition
}

// Dispatcher runs tool calls. *tools.Dispatcher satisfies it.
type Dispatcher interface {
	DispatchAll(ctx context.Context, calls []tools.Call) []tools.Result
}

// Options configures a Loop.
type Options struct {
	// Model overrides the engine client's configured model.
	Model     string
	System    string
	MaxTokens int

	// MaxToolRounds is how many dispatch rounds a turn may run.
	// Values below 1 mean 1.
	MaxToolRounds int

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Loop runs turns against one engine. It keeps no conversation state;
// callers pass prior history into Run.
type Loop struct {
	engine     llm.Client
	catalog    Catalog
	dispatcher Dispatcher

	model     string
	system    string
	maxTokens int
	maxRounds int

	logger *slog.Logger
	tracer trace.Tracer
}

// NewLoop creates a loop.
func NewLoop(engine llm.Client, catalog Catalog, dispatcher Dispatcher, opts Options) *Loop {
	l := &Loop{
		engine:     engine,
		catalog:    catalog,
		dispatcher: dispatcher,
		model:      opts.Model,
		system:     opts.System,
		maxTokens:  opts.MaxTokens,
		maxRounds:  opts.MaxToolRounds,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
	}
	if l.maxRounds < 1 {
		l.maxRounds = 1
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.tracer == nil {
		l.tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return l
}

// Run answers message. history holds earlier exchanges and is not
// modified. Only engine failures are returned as errors, wrapped in
// *EngineError; tool failures are reported to the engine as data and
// listed in Turn.Warnings.
func (l *Loop) Run(ctx context.Context, history []llm.Content, message string) (*Turn, error) {
	turn := &Turn{
		ID:          newID(),
		UserMessage: message,
		State:       StateIdle,
		Started:     time.Now(),
	}

	ctx, span := l.tracer.Start(ctx, tracing.SpanTurn,
		trace.WithAttributes(attribute.String(tracing.AttrTurnID, turn.ID)))
	defer span.End()
	ctx = tools.WithTurnID(ctx, turn.ID)

	contents := make([]llm.Content, 0, len(history)+3)
	contents = append(contents, history...)
	contents = append(contents, llm.UserText(message))

	decls := schema.AdaptAll(l.catalog.Definitions())

	l.logger.Info("turn started",
		"turn_id", turn.ID,
		"history", len(history),
		"tools", len(decls.FunctionDeclarations),
	)

	err := l.run(ctx, turn, contents, decls)
	turn.Duration = time.Since(turn.Started)
	span.SetAttributes(
		attribute.Int(tracing.AttrRound, turn.Rounds),
		attribute.Int(tracing.AttrToolCalls, len(turn.Requests)),
	)

	if err != nil {
		turn.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("turn failed", "turn_id", turn.ID, "error", err)
		return turn, err
	}

	turn.State = StateDone
	span.SetStatus(codes.Ok, "")
	l.logger.Info("turn completed",
		"turn_id", turn.ID,
		"rounds", turn.Rounds,
		"tool_calls", len(turn.Requests),
		"failures", len(turn.Failures()),
		"unsupported", turn.Unsupported,
		"elapsed", turn.Duration.Round(time.Millisecond),
	)
	return turn, nil
}

func (l *Loop) run(ctx context.Context, turn *Turn, contents []llm.Content, decls schema.Tools) error {
	for {
		req := &llm.Request{
			Model:     l.model,
			System:    l.system,
			Contents:  contents,
			MaxTokens: l.maxTokens,
		}
		// Once the budget is spent the engine gets no declarations, so
		// it has to answer in text.
		if turn.Rounds < l.maxRounds && len(decls.FunctionDeclarations) > 0 {
			req.Tools = &decls
		}

		phase := "initial"
		turn.State = StateAwaitingEngine
		if turn.Rounds > 0 {
			phase = "resubmit"
			turn.State = StateAwaitingFinal
		}

		resp, err := l.generate(ctx, req, turn.Rounds)
		if err != nil {
			return &EngineError{Phase: phase, Err: err}
		}

		if len(resp.FunctionCalls) == 0 {
			turn.Answer = resp.Text
			return nil
		}

		if turn.Rounds >= l.maxRounds {
			turn.Unsupported = true
			turn.Answer = resp.Text
			if turn.Answer == "" {
				turn.Answer = UnsupportedNotice
			}
			turn.Warnings = append(turn.Warnings, fmt.Sprintf(
				"engine requested %d more tool call(s) after the limit of %d round(s); they were not run",
				len(resp.FunctionCalls), l.maxRounds))
			l.logger.Warn("engine requested tools past the round limit",
				"turn_id", turn.ID,
				"calls", len(resp.FunctionCalls),
				"max_rounds", l.maxRounds,
			)
			return nil
		}

		turn.State = StateDispatchingTools
		calls, requested := l.prepareCalls(turn.ID, resp.FunctionCalls)
		results := l.dispatcher.DispatchAll(ctx, calls)
		turn.Rounds++
		turn.Requests = append(turn.Requests, calls...)
		turn.Results = append(turn.Results, results...)

		for _, r := range results {
			if !r.Success {
				turn.Warnings = append(turn.Warnings,
					fmt.Sprintf("tool %s failed (%s): %s", r.ToolName, r.Error.Kind, r.Error.Message))
			}
		}

		contents = append(contents,
			llm.ModelCalls(resp.Text, requested),
			functionResponses(calls, results),
		)
	}
}

func (l *Loop) generate(ctx context.Context, req *llm.Request, round int) (*llm.Response, error) {
	ctx, span := l.tracer.Start(ctx, tracing.SpanGenerate, trace.WithAttributes(
		attribute.String(tracing.AttrModel, req.Model),
		attribute.Int(tracing.AttrRound, round),
	))
	defer span.End()

	resp, err := l.engine.Generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int(tracing.AttrToolCalls, len(resp.FunctionCalls)))
	return resp, nil
}

// prepareCalls gives every requested call an ID, keeping the engine's
// own when it issued one, and returns the calls for dispatch together
// with the engine-side record of them.
func (l *Loop) prepareCalls(turnID string, fcs []llm.FunctionCall) ([]tools.Call, []llm.FunctionCall) {
	calls := make([]tools.Call, len(fcs))
	requested := make([]llm.FunctionCall, len(fcs))
	for i, fc := range fcs {
		if fc.ID == "" {
			fc.ID = newID()
		}
		requested[i] = fc
		calls[i] = tools.Call{ID: fc.ID, TurnID: turnID, Name: fc.Name, Args: fc.Args}
		l.logger.Debug("engine requested tool", "turn_id", turnID, "tool", fc.Name, "call_id", fc.ID)
	}
	return calls, requested
}

// functionResponses builds the message that reports results to the
// engine, in the order the calls were issued.
func functionResponses(calls []tools.Call, results []tools.Result) llm.Content {
	parts := make([]llm.Part, len(results))
	for i, r := range results {
		parts[i] = llm.Part{FunctionResponse: &llm.FunctionResponse{
			ID:       calls[i].ID,
			Name:     calls[i].Name,
			Response: ResponsePayload(r),
			IsError:  !r.Success,
		}}
	}
	return llm.Content{Role: llm.RoleUser, Parts: parts}
}

// ResponsePayload is the object the engine sees for a result:
// {"content": ...} on success, {"error": {"kind", "message"}} on
// failure.
func ResponsePayload(r tools.Result) map[string]any {
	if !r.Success {
		kind, msg := tools.KindInvocationFailed, "unknown failure"
		if r.Error != nil {
			kind, msg = r.Error.Kind, r.Error.Message
		}
		return map[string]any{
			"error": map[string]any{"kind": string(kind), "message": msg},
		}
	}

	out := map[string]any{"content": ""}
	if r.Payload == nil {
		return out
	}
	out["content"] = r.Payload.Content
	if len(r.Payload.Structured) > 0 {
		var structured any
		if err := json.Unmarshal(r.Payload.Structured, &structured); err == nil {
			out["structured"] = structured
		}
	}
	return out
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
