// Package mcp implements the client side of MCP (Model Context
// Protocol): one Client per tool server, reached either by spawning a
// subprocess and speaking newline-delimited JSON-RPC 2.0 on its
// stdin/stdout, or by posting to a streamable-HTTP endpoint.
//
// Connect performs the initialize handshake. ListTools returns the
// server's capability descriptors and CallTool invokes one of them.
// The stdio transport correlates responses by request ID, so several
// calls may be outstanding on one connection; StdioConfig.MaxInFlight
// caps how many.
//
// Failures are typed: ConnectionError from Connect, ProtocolError from
// ListTools and InvocationError (with an InvocationKind) from CallTool.
package mcp
