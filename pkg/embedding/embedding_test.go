package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Mismatched lengths and zero vectors degrade to 0.
	assert.Equal(t, 0.0, Cosine([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestFakeProviderDeterministic(t *testing.T) {
	f := NewFakeProvider(32)
	ctx := context.Background()

	a1, err := f.Embed(ctx, "database connection timeout")
	require.NoError(t, err)
	a2, err := f.Embed(ctx, "database connection timeout")
	require.NoError(t, err)
	b, err := f.Embed(ctx, "quarterly revenue forecast")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Len(t, a1, 32)

	// Identical texts score 1; unrelated texts score lower.
	assert.InDelta(t, 1.0, Cosine(a1, a2), 1e-9)
	assert.Less(t, Cosine(a1, b), 0.99)
}

func TestFakeProviderBatch(t *testing.T) {
	f := NewFakeProvider(16)
	vecs, err := f.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 16)
	}
}
