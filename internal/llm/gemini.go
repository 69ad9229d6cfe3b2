package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient implements Client via the Google GenAI SDK. It is a remote
// provider: the router never selects it for confidential queries.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Complete sends a prompt and returns the completion.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("gemini: empty completion")
	}
	return text, nil
}

// Healthy issues a minimal generation probe.
func (c *GeminiClient) Healthy(ctx context.Context) bool {
	_, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text("ping"), nil)
	return err == nil
}

// Local reports false: Gemini inference leaves the machine.
func (c *GeminiClient) Local() bool { return false }
