package llm

import (
	"fmt"
	"log/slog"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/config"
)

// New builds the engine client selected by cfg, rate limited when
// cfg.RequestsPerMinute is set.
func New(cfg config.EngineConfig, logger *slog.Logger) (Client, error) {
	var c Client
	switch cfg.Provider {
	case config.ProviderGemini, "":
		c = NewGeminiClient(GeminiOptions{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		})
	case config.ProviderAnthropic:
		ac, err := NewAnthropicClient(AnthropicOptions{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		c = ac
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
	return WithRateLimit(c, cfg.RequestsPerMinute), nil
}
