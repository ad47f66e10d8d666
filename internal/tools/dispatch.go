package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tracing"
)

// DefaultCallTimeout bounds a single tool call when no other timeout
// is configured.
const DefaultCallTimeout = 60 * time.Second

// Resolver looks up the descriptor for a tool name. *Registry
// satisfies it.
type Resolver interface {
	Resolve(name string) (*Descriptor, error)
}

// Recorder receives every dispatch result. Recording failures are
// logged and never change the result.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithRecorder attaches a ledger for dispatch results.
func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithCallTimeout bounds each call. Zero or negative disables the
// dispatcher's own bound; the caller's context still applies.
func WithCallTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// Dispatcher routes calls to the backend that owns the tool and turns
// every outcome into a Result. Dispatch never returns an error and
// never panics.
type Dispatcher struct {
	resolver Resolver
	logger   *slog.Logger
	tracer   trace.Tracer
	recorder Recorder
	timeout  time.Duration
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over the given resolver.
func NewDispatcher(resolver Resolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		timeout:  DefaultCallTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch performs one call. Unknown names fail with KindUnknownTool
// without contacting any backend. Arguments that do not match the
// tool's input schema fail with KindInvocationFailed before the call.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	if call.ID == "" {
		call.ID = newCallID()
	}
	if call.TurnID == "" {
		call.TurnID = TurnIDFromContext(ctx)
	}

	ctx, span := d.tracer.Start(ctx, tracing.SpanDispatch,
		trace.WithAttributes(
			attribute.String(tracing.AttrToolName, call.Name),
			attribute.String(tracing.AttrCallID, call.ID),
			attribute.String(tracing.AttrTurnID, call.TurnID),
		),
	)
	defer span.End()

	start := d.now()
	res := d.dispatch(ctx, call)
	res.CallID = call.ID
	res.TurnID = call.TurnID
	res.ToolName = call.Name
	res.Time = start
	res.Duration = d.now().Sub(start)

	if res.Success {
		span.SetStatus(codes.Ok, "")
		d.logger.Info("tool call completed",
			"tool", call.Name,
			"backend", res.Backend,
			"call_id", call.ID,
			"elapsed", res.Duration.Round(time.Millisecond),
		)
	} else {
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, string(res.Error.Kind)))
		span.SetStatus(codes.Error, res.Error.Message)
		d.logger.Warn("tool call failed",
			"tool", call.Name,
			"backend", res.Backend,
			"call_id", call.ID,
			"kind", res.Error.Kind,
			"error", res.Error.Message,
			"elapsed", res.Duration.Round(time.Millisecond),
		)
	}
	if res.Backend != "" {
		span.SetAttributes(attribute.String(tracing.AttrToolBackend, res.Backend))
	}

	if d.recorder != nil {
		if err := d.recorder.Record(context.WithoutCancel(ctx), res); err != nil {
			d.logger.Warn("failed to record tool call", "call_id", call.ID, "error", err)
		}
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call) Result {
	desc, err := d.resolver.Resolve(call.Name)
	if err != nil {
		return failure(KindUnknownTool, err.Error())
	}

	if err := desc.validateArgs(call.Args); err != nil {
		r := failure(KindInvocationFailed, fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		r.Backend = desc.Backend
		return r
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx = WithTurnID(ctx, call.TurnID)

	cr, err := d.invoke(ctx, desc, call)
	r := toResult(cr, err)
	r.Backend = desc.Backend
	return r
}

type invocation struct {
	result *mcp.CallResult
	err    error
}

// invoke runs the backend call in its own goroutine so a backend that
// ignores cancellation still cannot hold the caller past ctx.
func (d *Dispatcher) invoke(ctx context.Context, desc *Descriptor, call Call) (*mcp.CallResult, error) {
	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("tool invoker panicked",
					"tool", call.Name,
					"backend", desc.Backend,
					"panic", p,
				)
				done <- invocation{err: fmt.Errorf("tool %s panicked: %v", call.Name, p)}
			}
		}()
		cr, err := desc.invoker.CallTool(ctx, call.Name, call.Args)
		done <- invocation{result: cr, err: err}
	}()

	select {
	case inv := <-done:
		return inv.result, inv.err
	case <-ctx.Done():
		return nil, &mcp.InvocationError{
			Server: desc.Backend,
			Tool:   call.Name,
			Kind:   mcp.KindTimeout,
			Err:    ctx.Err(),
		}
	}
}

func toResult(cr *mcp.CallResult, err error) Result {
	if err == nil {
		if cr == nil {
			return Result{Success: true, Payload: &Payload{}}
		}
		return Result{
			Success: true,
			Payload: &Payload{Content: cr.Text(), Structured: cr.StructuredContent},
		}
	}

	var te *mcp.ToolError
	if errors.As(err, &te) {
		return failure(KindInvocationFailed, te.Message)
	}
	return failure(ErrorKind(mcp.Classify(err)), err.Error())
}

func failure(kind ErrorKind, msg string) Result {
	return Result{Error: &ErrorInfo{Kind: kind, Message: msg}}
}

// DispatchAll performs the calls concurrently and returns their
// results in the order of calls.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.Dispatch(ctx, c)
		}()
	}
	wg.Wait()
	return results
}

func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
