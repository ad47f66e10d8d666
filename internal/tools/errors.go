// Package tools merges the tools of every connected MCP server into one
// name-keyed registry and dispatches invocations to the owning server.
//
// This file defines the lookup error returned by Registry.Resolve.
package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool matches any *UnknownToolError via errors.Is.
var ErrUnknownTool = errors.New("unknown tool")

// UnknownToolError is returned when a name is not in the registry,
// either because no server advertised it or because its server has
// gone away. The dispatcher turns it into a KindUnknownTool result.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}

// Is reports whether target is ErrUnknownTool.
func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}
