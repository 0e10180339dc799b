// Package embedding provides the text-embedding boundary used by the
// memory store and RAG retriever. The dimension is deployment-fixed and
// must match the embedding column of the memories table.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Provider computes fixed-dimension embeddings for text.
type Provider interface {
	// Dim returns the deployment-fixed embedding dimension.
	Dim() int

	Embed(ctx context.Context, text string) ([]float32, error)

	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIProvider computes embeddings via the OpenAI embeddings API.
type OpenAIProvider struct {
	api   openai.Client
	model string
	dim   int
}

// NewOpenAIProvider creates an OpenAI embedding provider. The requested
// dimension is passed to the API so stored vectors always match.
func NewOpenAIProvider(apiKey, model string, dim int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dim)
	}
	return &OpenAIProvider{
		api:   openai.NewClient(option.WithAPIKey(apiKey)),
		model: model,
		dim:   dim,
	}, nil
}

// Dim returns the configured embedding dimension.
func (p *OpenAIProvider) Dim() int { return p.dim }

// Embed computes the embedding of one text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch computes embeddings for a batch of texts in one call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Dimensions: openai.Int(int64(p.dim)),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: got %d, want %d", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		if len(vec) != p.dim {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), p.dim)
		}
		out[i] = vec
	}
	return out, nil
}

// Cosine returns the cosine similarity of two equal-length vectors,
// or 0 when either has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
