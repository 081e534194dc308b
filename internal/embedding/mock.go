package embedding

import (
	"context"
	"math"

	"github.com/hyperjump/qamatch/internal/vector"
)

// MockProvider is a deterministic provider for tests and offline runs. It returns a
// unit vector derived from the text hash so that the same text always gets the same embedding.
type MockProvider struct {
	dimensions int
}

// NewMockProvider returns a provider that produces deterministic embeddings of the given dimensions.
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockProvider{dimensions: dimensions}
}

// Embed implements Provider.
func (e *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := HashString(text)
		emb := make([]float32, e.dimensions)
		for j := range emb {
			emb[j] = float32(math.Sin(float64(h*(j+1)))*0.1 + 0.01)
		}
		vector.NormalizeL2(emb)
		out[i] = emb
	}
	return out, nil
}

// Meta implements Provider.
func (e *MockProvider) Meta() Meta {
	return Meta{ProviderID: "mock", Model: "hash", Dim: e.dimensions}
}

// Close is a no-op for MockProvider.
func (e *MockProvider) Close() error {
	return nil
}
