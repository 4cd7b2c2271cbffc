package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atomhq/atom-core/api/schemas"
)

// Router implements schemas.LLMClient and dispatches requests to different
// underlying clients based on the requested tier.
type Router struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
}

// NewRouter creates a router with the specified clients for each tier.
func NewRouter(logger *zap.Logger, fast, powerful schemas.LLMClient) (*Router, error) {
	if fast == nil {
		return nil, fmt.Errorf("fast tier client cannot be nil")
	}
	if powerful == nil {
		return nil, fmt.Errorf("powerful tier client cannot be nil")
	}
	return &Router{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fast,
			schemas.TierPowerful: powerful,
		},
	}, nil
}

// Generate selects the client for the request's tier and forwards the call.
// An unspecified tier defaults to powerful.
func (r *Router) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful
	}

	client, ok := r.clients[tier]
	if !ok {
		return "", fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}
