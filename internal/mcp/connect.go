package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultHandshakeTimeout bounds the initialize exchange.
const DefaultHandshakeTimeout = 30 * time.Second

// LaunchSpec describes how to reach one tool server. A non-empty
// Command selects the stdio transport; otherwise URL selects
// streamable HTTP.
type LaunchSpec struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE overrides

	URL     string
	Headers map[string]string

	// MaxInFlight bounds concurrent requests on a stdio connection.
	MaxInFlight int
}

// ConnectOptions tunes Connect.
type ConnectOptions struct {
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Connect launches or dials the server described by spec and performs
// the initialize handshake. On failure nothing is left running and the
// error is a *ConnectionError. The caller owns the returned Client and
// must Close it.
func Connect(ctx context.Context, name string, spec LaunchSpec, opts ConnectOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	var transport Transport
	switch {
	case spec.Command != "":
		st := NewStdioTransport(StdioConfig{
			Command:     spec.Command,
			Args:        spec.Args,
			Env:         spec.Env,
			MaxInFlight: spec.MaxInFlight,
			Logger:      logger.With("mcp_server", name),
		})
		if err := st.Start(ctx); err != nil {
			return nil, &ConnectionError{Server: name, Err: err}
		}
		transport = st
	case spec.URL != "":
		transport = NewHTTPTransport(HTTPConfig{
			URL:     spec.URL,
			Headers: spec.Headers,
			Logger:  logger.With("mcp_server", name),
		})
	default:
		return nil, &ConnectionError{Server: name, Err: errors.New("launch spec has neither command nor url")}
	}

	client := NewClient(name, transport, logger)

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		_ = client.Close()
		return nil, &ConnectionError{Server: name, Err: err}
	}

	return client, nil
}
