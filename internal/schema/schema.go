// Package schema translates MCP tool descriptors into the
// function-calling dialect the reasoning engine expects.
//
// MCP servers describe arguments with a JSON Schema object under
// inputSchema. The engine wants
//
//	{"functionDeclarations": [{"name", "description",
//	  "parameters": {"type": "object", "properties", "required"}}]}
//
// Adapt never fails: a descriptor without properties or required gets
// an empty object and an empty list.
package schema

import (
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
)

// Tools is the envelope sent to the engine alongside a prompt.
type Tools struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

// Parameters is the object schema of a function's arguments.
type Parameters struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

// droppedKeys are JSON Schema keywords the engine rejects.
var droppedKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
}

// Adapt converts one MCP tool definition. The input is not modified.
func Adapt(td mcp.ToolDefinition) FunctionDeclaration {
	params := Parameters{
		Type:       "object",
		Properties: map[string]any{},
		Required:   []string{},
	}

	if props, ok := td.InputSchema["properties"].(map[string]any); ok {
		for name, node := range props {
			params.Properties[name] = clean(node)
		}
	}
	params.Required = append(params.Required, stringList(td.InputSchema["required"])...)

	return FunctionDeclaration{
		Name:        td.Name,
		Description: td.Description,
		Parameters:  params,
	}
}

// AdaptAll converts definitions in order.
func AdaptAll(defs []mcp.ToolDefinition) Tools {
	out := Tools{FunctionDeclarations: make([]FunctionDeclaration, 0, len(defs))}
	for _, td := range defs {
		out.FunctionDeclarations = append(out.FunctionDeclarations, Adapt(td))
	}
	return out
}

// clean deep-copies a schema node, dropping rejected keywords at every
// level.
func clean(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			if droppedKeys[k] {
				continue
			}
			out[k] = clean(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = clean(child)
		}
		return out
	default:
		return v
	}
}

// stringList accepts the shapes a decoded "required" may take and
// ignores anything that is not a string.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
