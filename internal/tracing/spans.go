package tracing

// Span names.
const (
	SpanDispatch = "tools.dispatch"
	SpanTurn     = "agent.turn"
	SpanGenerate = "engine.generate"
)

// Span attribute keys.
const (
	AttrToolName    = "mcp.tool.name"
	AttrToolBackend = "mcp.tool.backend"
	AttrCallID      = "mcp.call.id"
	AttrTurnID      = "turn.id"
	AttrErrorKind   = "error.kind"
	AttrModel       = "llm.model"
	AttrRound       = "agent.round"
	AttrToolCalls   = "agent.tool_calls"
)
