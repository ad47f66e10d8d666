package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/agent"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/audit"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/buildinfo"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/config"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/llm"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/session"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tracing"
)

// app is a running session plus the resources it was built from.
type app struct {
	logger  *slog.Logger
	session *session.Session
	tracing *tracing.Provider
	ledger  *audit.Store
}

// openApp wires tracing, the audit ledger, the engine client (when
// withEngine is set) and the session. Servers that fail to start are
// reported by the session, not returned here.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, stderr io.Writer, withEngine bool) (*app, error) {
	logger.Info("starting", "build", buildinfo.String())

	servers, err := cfg.Servers()
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger}

	a.tracing, err = tracing.NewProvider(cfg.Tracing, stderr)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	opts := session.Options{
		Servers:      servers,
		Dispatch:     cfg.Dispatch,
		HistoryTurns: cfg.Engine.HistoryTurns,
		Tracer:       a.tracing.Tracer(),
		Logger:       logger,
		Loop: agent.Options{
			System:    cfg.Engine.SystemPrompt,
			MaxTokens: cfg.Engine.MaxTokens,
		},
	}

	if cfg.Audit.Enabled {
		a.ledger, err = audit.NewStore(cfg.Audit.Path)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		opts.Recorder = a.ledger
		logger.Info("audit ledger open", "path", cfg.Audit.Path)
	}

	if withEngine {
		opts.Engine, err = llm.New(cfg.Engine, logger.With("component", "llm"))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.session, err = session.Start(ctx, opts)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close shuts the session down first so no new spans or audit records
// arrive while the sinks are flushed.
func (a *app) Close() error {
	var errs []error
	if a.session != nil {
		errs = append(errs, a.session.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// engineKeyHint names where the API key for provider comes from.
func engineKeyHint(provider string) string {
	if provider == config.ProviderAnthropic {
		return "ANTHROPIC_API_KEY"
	}
	return "GEMINI_API_KEY"
}
