// Package llmclient provides the LLM collaborator used by the perception
// layer. Requests are routed by capability tier; the only contract the core
// relies on is "prompt in, text out, bounded time".
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/atomhq/atom-core/api/schemas"
	"github.com/atomhq/atom-core/internal/config"
)

// GeminiClient implements schemas.LLMClient on the Google Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		client: client,
		model:  cfg.Model,
		cfg:    cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Generate sends the prompts to the Gemini API and returns the generated text.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Options.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.UserPrompt), genCfg)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini API returned no content")
	}

	c.logger.Debug("LLM generation complete",
		zap.String("model", c.model),
		zap.Int("response_chars", len(text)),
	)
	return text, nil
}
