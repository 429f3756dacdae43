// Package models contains shared data models used across the FrameHunter codebase.
package models

import "context"

// GenerativeProvider is the core interface that all generative text integrations must implement.
// Never call specific AI providers directly; always inject this interface.
type GenerativeProvider interface {
	// Complete returns the model's answer to a single-turn prompt.
	// Implementations must honour the context deadline.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Name returns the provider identifier (e.g., "ollama", "bedrock").
	Name() string
}

// CompletionRequest is the input to a generative call.
type CompletionRequest struct {
	System    string
	User      string
	MaxTokens int
}
