// Package llm provides the language-model client layer used for query
// refinement, response analysis, and final synthesis. The default provider is
// a local Ollama instance; a Gemini client is available behind the same
// interface for deployments that allow remote models.
package llm

import (
	"context"
	"errors"
)

// Client is the interface all model providers implement.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// Healthy reports whether the provider is reachable. Callers select the
	// heuristic fallback path when it is not.
	Healthy(ctx context.Context) bool
	// Local reports whether inference stays on this machine. Confidential
	// queries must only ever reach local clients.
	Local() bool
}

// ErrUnavailable signals the model endpoint could not be reached. Callers
// fall back to heuristics rather than failing the query.
var ErrUnavailable = errors.New("llm: model unavailable")
