package tools

import (
	"encoding/json"
	"time"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
)

// ErrorKind classifies a failed dispatch.
type ErrorKind string

const (
	KindUnknownTool        ErrorKind = "UnknownTool"
	KindTimeout            ErrorKind = ErrorKind(mcp.KindTimeout)
	KindBackendUnavailable ErrorKind = ErrorKind(mcp.KindBackendUnavailable)
	KindInvocationFailed   ErrorKind = ErrorKind(mcp.KindInvocationFailed)
)

// Call is one tool invocation requested by the engine.
type Call struct {
	// ID correlates the result with the request. The dispatcher fills
	// in a fresh ID when empty.
	ID string

	// TurnID is the conversation turn that produced the call.
	TurnID string

	Name string
	Args map[string]any
}

// Payload is the content of a successful call.
type Payload struct {
	Content    string          `json:"content"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// ErrorInfo describes a failed call.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is the uniform outcome of Dispatch. Exactly one of Payload
// and Error is set.
type Result struct {
	CallID   string        `json:"call_id"`
	TurnID   string        `json:"turn_id,omitempty"`
	ToolName string        `json:"tool"`
	Backend  string        `json:"backend,omitempty"`
	Success  bool          `json:"success"`
	Payload  *Payload      `json:"payload,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Time     time.Time     `json:"timestamp"`
	Duration time.Duration `json:"duration"`
}

// ErrorKind returns the failure kind, or "" on success.
func (r Result) ErrorKind() ErrorKind {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}
