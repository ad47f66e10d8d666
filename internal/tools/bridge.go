package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
)

// Source is a backend that can list its tools and serve calls to them.
// *mcp.Client satisfies it.
type Source interface {
	Invoker
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
}

// Filter limits which of a backend's tools are bridged.
//   - If Include is non-empty, only tools named in it are registered.
//   - Otherwise tools named in Exclude are skipped.
type Filter struct {
	Include []string
	Exclude []string
}

func (f Filter) apply(defs []mcp.ToolDefinition) []mcp.ToolDefinition {
	include := toSet(f.Include)
	exclude := toSet(f.Exclude)
	if len(include) == 0 && len(exclude) == 0 {
		return defs
	}

	out := make([]mcp.ToolDefinition, 0, len(defs))
	for _, td := range defs {
		if len(include) > 0 {
			if !include[td.Name] {
				continue
			}
		} else if exclude[td.Name] {
			continue
		}
		out = append(out, td)
	}
	return out
}

// BridgeTools lists a backend's tools and registers those that pass
// the filter. A listing failure leaves the registry untouched and is
// returned as-is (a *mcp.ProtocolError for MCP clients).
func BridgeTools(ctx context.Context, src Source, registry *Registry, filter Filter, logger *slog.Logger) (int, []Collision, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := src.ListTools(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list tools from %s: %w", src.Name(), err)
	}

	kept := filter.apply(defs)
	collisions := registry.Register(src, kept)

	for _, td := range kept {
		logger.Debug("bridged MCP tool",
			"tool", td.Name,
			"backend", src.Name(),
		)
	}
	if skipped := len(defs) - len(kept); skipped > 0 {
		logger.Debug("filtered MCP tools", "backend", src.Name(), "skipped", skipped)
	}

	return len(kept), collisions, nil
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
