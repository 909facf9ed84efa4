// File: internal/llmclient/genai_client.go
package llmclient

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/sightline/internal/config"
)

// GenAIClient generates through the official Google Gen AI SDK.
type GenAIClient struct {
	client *genai.Client
	model  string
	config config.LLMModelConfig
	logger *zap.Logger
}

var _ Client = (*GenAIClient)(nil)

// NewGenAIClient creates an SDK-backed client for the Gemini API backend.
// cfg.Endpoint, when set, overrides the SDK base URL.
func NewGenAIClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions.BaseURL = cfg.Endpoint
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIClient{
		client: client,
		model:  cfg.Model,
		config: cfg,
		logger: logger.Named("llm_client.genai"),
	}, nil
}

// Generate sends the prompt and optional screenshot as one user turn.
func (c *GenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	if c.config.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.APITimeout)
		defer cancel()
	}

	parts := []*genai.Part{genai.NewPartFromText(req.UserPrompt)}
	if len(req.Image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Image, req.mime()))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, c.generationConfig(req))
	if err != nil {
		return "", fmt.Errorf("genai generate content failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		reason := ""
		if len(resp.Candidates) > 0 {
			reason = string(resp.Candidates[0].FinishReason)
		}
		return "", fmt.Errorf("genai returned no text (Reason: %s)", reason)
	}

	fields := []zap.Field{zap.Duration("duration", time.Since(start))}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("completion_tokens", u.CandidatesTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount))
	}
	c.logger.Info("LLM generation complete.", fields...)
	return text, nil
}

// Close releases nothing; the SDK client has no teardown.
func (c *GenAIClient) Close() error { return nil }

func (c *GenAIClient) generationConfig(req Request) *genai.GenerateContentConfig {
	temp := c.config.Temperature
	if req.Temperature > 0 {
		temp = req.Temperature
	}
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}
	if c.config.TopP > 0 {
		gc.TopP = genai.Ptr(c.config.TopP)
	}
	if c.config.TopK > 0 {
		gc.TopK = genai.Ptr(float32(c.config.TopK))
	}
	if c.config.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.ForceJSON {
		gc.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	categories := make([]string, 0, len(c.config.SafetyFilters))
	for cat := range c.config.SafetyFilters {
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	for _, cat := range categories {
		gc.SafetySettings = append(gc.SafetySettings, &genai.SafetySetting{
			Category:  genai.HarmCategory(cat),
			Threshold: genai.HarmBlockThreshold(c.config.SafetyFilters[cat]),
		})
	}
	return gc
}
