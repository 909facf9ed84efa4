// File: internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/config"
)

// NewClient builds the configured provider's client behind the planner's rate limit.
func NewClient(ctx context.Context, cfg config.PlannerConfig, logger *zap.Logger) (Client, error) {
	var (
		inner Client
		err   error
	)
	switch cfg.LLM.Provider {
	case config.ProviderGemini:
		inner, err = NewGeminiClient(cfg.LLM, logger)
	case config.ProviderGenAI:
		inner, err = NewGenAIClient(ctx, cfg.LLM, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.LLM.Provider, config.ProviderGemini, config.ProviderGenAI)
	}
	if err != nil {
		return nil, err
	}
	return NewRateLimited(inner, cfg.RequestsPerMinute, logger), nil
}
