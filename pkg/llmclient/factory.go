package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atomhq/atom-core/api/schemas"
	"github.com/atomhq/atom-core/internal/config"
)

// NewClient builds the tiered LLM router from configuration: one client per
// configured model, wired to the fast and powerful tiers.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no LLM models configured under llm.models")
	}

	clients := make(map[string]schemas.LLMClient)
	for name, modelCfg := range cfg.Models {
		var (
			client schemas.LLMClient
			err    error
		)
		switch modelCfg.Provider {
		case config.ProviderGemini:
			client, err = NewGeminiClient(ctx, modelCfg, logger)
		default:
			return nil, fmt.Errorf("unknown LLM provider %q for model %q", modelCfg.Provider, name)
		}
		if err != nil {
			return nil, fmt.Errorf("create LLM client for model %q: %w", name, err)
		}
		clients[name] = client
		logger.Info("Instantiated LLM client",
			zap.String("name", name),
			zap.String("provider", string(modelCfg.Provider)),
			zap.String("model", modelCfg.Model),
		)
	}

	fast, ok := clients[cfg.DefaultFastModel]
	if !ok {
		return nil, fmt.Errorf("default fast model %q not found in defined models", cfg.DefaultFastModel)
	}
	powerful, ok := clients[cfg.DefaultPowerfulModel]
	if !ok {
		return nil, fmt.Errorf("default powerful model %q not found in defined models", cfg.DefaultPowerfulModel)
	}

	return NewRouter(logger, fast, powerful)
}
