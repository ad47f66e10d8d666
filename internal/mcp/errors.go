package mcp

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackendExited reports that the server process ended while a
	// request was outstanding or before it was sent.
	ErrBackendExited = errors.New("mcp backend exited")

	// ErrClosed reports use of a connection after Close.
	ErrClosed = errors.New("mcp connection closed")

	// ErrUnavailable reports that a remote server could not be reached
	// or answered with a server-side failure.
	ErrUnavailable = errors.New("mcp backend unavailable")
)

// ConnectionError is returned by Connect when a backend cannot be
// spawned or fails the initialize handshake. It is fatal to that one
// backend only.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to MCP server %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is returned when a backend answers a capability query
// with an error or a malformed payload.
type ProtocolError struct {
	Server string
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("MCP server %s: %s: %v", e.Server, e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// InvocationKind classifies a failed tools/call.
type InvocationKind string

const (
	KindTimeout            InvocationKind = "Timeout"
	KindBackendUnavailable InvocationKind = "BackendUnavailable"
	KindInvocationFailed   InvocationKind = "InvocationFailed"
)

// InvocationError is returned by Client.CallTool for every failure.
type InvocationError struct {
	Server string
	Tool   string
	Kind   InvocationKind
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("MCP tool %s on %s: %s: %v", e.Tool, e.Server, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ToolError carries the text of a tools/call result flagged isError.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// Classify maps a transport or protocol error onto an InvocationKind.
func Classify(err error) InvocationKind {
	var ie *InvocationError
	switch {
	case errors.As(err, &ie):
		return ie.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrBackendExited), errors.Is(err, ErrClosed), errors.Is(err, ErrUnavailable):
		return KindBackendUnavailable
	default:
		return KindInvocationFailed
	}
}
