// Package llm provides a provider-neutral LLM client interface with typed
// errors and streaming support, plus adapters for the OpenAI and Anthropic
// APIs.
package llm

import (
	"context"

	"github.com/conclave-ai/conclave/pkg/models"
)

// Message is one chat message sent to a provider.
type Message struct {
	Role    models.MessageRole
	Content string
}

// Params are per-call generation parameters.
type Params struct {
	Temperature *float64
	MaxTokens   int
}

// Result is a completed (non-streaming) provider response.
type Result struct {
	Content      string
	TokensIn     int
	TokensOut    int
	FinishReason string
}

// StreamChunk is one streamed fragment of a provider response.
// Final chunks carry the aggregated token counts.
type StreamChunk struct {
	ContentDelta string
	TokensDelta  int
	Final        bool
	TokensIn     int
	TokensOut    int
}

// Client is a single LLM provider connection.
//
// GenerateStream returns a chunk channel and an error channel; both are
// closed when the call completes. At most one error is delivered.
type Client interface {
	// Provider returns the provider identifier ("openai", "anthropic").
	Provider() string

	Generate(ctx context.Context, model string, messages []Message, params Params) (Result, error)

	GenerateStream(ctx context.Context, model string, messages []Message, params Params) (<-chan StreamChunk, <-chan error)
}

// Registry maps provider names to configured clients.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a registry from the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Provider()] = c
	}
	return r
}

// Get returns the client for a provider name.
func (r *Registry) Get(provider string) (Client, bool) {
	c, ok := r.clients[provider]
	return c, ok
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
