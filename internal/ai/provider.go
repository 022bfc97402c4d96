// Package ai defines the vision-language model surface consumed by the
// analysis orchestrators. Never call a specific model API directly — always
// inject the Provider interface.
package ai

import (
	"context"
	"errors"
)

// ErrEmptyPrompt is returned when a generation request carries no prompt text.
var ErrEmptyPrompt = errors.New("generation request has no prompt text")

// ToolHandler is a named side-effecting callback the model may invoke during
// generation. Invoke returns the tool's textual result, which is fed back to
// the model for the next round.
type ToolHandler struct {
	Name        string
	Description string
	Invoke      func(ctx context.Context, args map[string]any) (string, error)
}

// GenerateRequest is a structured prompt: text plus ordered media references,
// with sampling parameters and optional tool callbacks.
type GenerateRequest struct {
	Prompt      string
	MediaURIs   []string
	MIMEType    string
	Temperature float64
	TopP        float64
	Tools       []ToolHandler
}

// Usage carries the model's reported token counters for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateResult is the outcome of one generation: the final text plus the
// accumulated usage counters across all tool-call rounds.
type GenerateResult struct {
	Text  string
	Usage Usage
}

// Provider is the AI generation capability.
type Provider interface {
	// Generate runs one generation, driving bounded tool-call round-trips
	// when the request carries tool handlers.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)

	// Name returns the provider identifier (e.g., "gemini", "mock").
	Name() string
}
