package llm

import (
	"strings"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/schema"
)

// Role identifies who produced a Content.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Content is one message in the conversation.
type Content struct {
	Role  Role
	Parts []Part
}

// Part is a single piece of a message. Exactly one field is set.
type Part struct {
	Text             string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

// FunctionCall is a tool invocation requested by the engine.
type FunctionCall struct {
	// ID is the provider's call identifier when it issues one.
	// Gemini does not; Anthropic does.
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse carries a tool's outcome back to the engine.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
	IsError  bool
}

// Request is one engine submission.
type Request struct {
	// Model overrides the client's configured model when set.
	Model    string
	System   string
	Contents []Content

	// Tools is the advertised tool set. Nil sends no declarations.
	Tools *schema.Tools

	MaxTokens int
}

// Response is the engine's reply: free text, function calls, or both.
type Response struct {
	Model         string
	Text          string
	FunctionCalls []FunctionCall
	FinishReason  string

	InputTokens  int
	OutputTokens int
}

// UserText builds a user message holding text.
func UserText(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// ModelText builds a model message holding text.
func ModelText(text string) Content {
	return Content{Role: RoleModel, Parts: []Part{{Text: text}}}
}

// ModelCalls records the calls the engine asked for, so a follow-up
// submission can reference them.
func ModelCalls(text string, calls []FunctionCall) Content {
	parts := make([]Part, 0, len(calls)+1)
	if text != "" {
		parts = append(parts, Part{Text: text})
	}
	for i := range calls {
		parts = append(parts, Part{FunctionCall: &calls[i]})
	}
	return Content{Role: RoleModel, Parts: parts}
}

func joinText(parts []string) string {
	return strings.Join(parts, "")
}
