package llm

import (
	"context"
	"fmt"

	"hivequery/internal/config"
)

// NewFromConfig builds a client for the configured provider.
func NewFromConfig(ctx context.Context, cfg config.ModelConfig) (Client, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.ParsedTimeout(),
		}), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
