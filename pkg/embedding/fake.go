package embedding

import (
	"context"
	"hash/fnv"
	"strings"
)

// FakeProvider produces deterministic embeddings from token hashes so
// tests get stable, text-sensitive vectors without network access.
// Texts sharing words land near each other, which is enough to exercise
// similarity ranking.
type FakeProvider struct {
	Dimension int
}

// NewFakeProvider creates a fake provider with the given dimension.
func NewFakeProvider(dim int) *FakeProvider {
	if dim <= 0 {
		dim = 64
	}
	return &FakeProvider{Dimension: dim}
}

// Dim returns the configured dimension.
func (f *FakeProvider) Dim() int { return f.Dimension }

// Embed hashes each word into a bucket and accumulates counts.
func (f *FakeProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.Dimension)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[int(h.Sum32())%f.Dimension]++
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (f *FakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
