package dataset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/storage"
)

func TestEmbeddingCache_SaveLoad(t *testing.T) {
	kv := storage.NewMemoryKV(0)
	cache := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "openai", Dim: 2}, nil)
	ctx := context.Background()

	cache.Save(ctx, "qa", []models.QARecord{
		{Question: "a", NodeID: "n1", Embedding: []float32{1, 0}},
		{Question: "b"},
		{Question: "c", Embedding: []float32{0, 1}},
	})
	raw, found, err := kv.Get(ctx, "qa_dataset_cache_qa")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"providerId":"openai","dim":2,"items":[{"key":"n1","embedding":[1,0]},{"key":"c","embedding":[0,1]}]}`, raw)

	entry, ok := cache.Load(ctx, "qa")
	require.True(t, ok)
	assert.Equal(t, "openai", entry.ProviderID)
	assert.Len(t, entry.Items, 2)

	_, ok = cache.Load(ctx, "missing")
	assert.False(t, ok)
}

func TestEmbeddingCache_LegacyArray(t *testing.T) {
	kv := storage.NewMemoryKV(0)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "qa_dataset_cache_old", `[{"key":"a","embedding":[1,2,3]}]`))
	cache := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "openai", Dim: 3}, nil)

	entry, ok := cache.Load(ctx, "old")
	require.True(t, ok)
	assert.Equal(t, "unknown", entry.ProviderID)
	assert.Equal(t, 3, entry.Dim)

	items := []models.QARecord{{Question: "a"}}
	merged := cache.Merge(ctx, "old", items)
	assert.Nil(t, merged[0].Embedding, "unknown provider must not merge")
}

func TestEmbeddingCache_Malformed(t *testing.T) {
	kv := storage.NewMemoryKV(0)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "qa_dataset_cache_bad", `{"providerId":"openai"}`))
	require.NoError(t, kv.Set(ctx, "qa_dataset_cache_junk", `not json`))
	cache := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "openai", Dim: 3}, nil)
	_, ok := cache.Load(ctx, "bad")
	assert.False(t, ok)
	_, ok = cache.Load(ctx, "junk")
	assert.False(t, ok)
}

func TestEmbeddingCache_MergeProviderMismatch(t *testing.T) {
	kv := storage.NewMemoryKV(0)
	ctx := context.Background()
	writer := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "openai", Dim: 1536}, nil)
	writer.Save(ctx, "qa", []models.QARecord{{Question: "a", Embedding: make([]float32, 1536)}})

	reader := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "openai", Dim: 768}, nil)
	items := []models.QARecord{{Question: "a"}, {Question: "b"}}
	merged := reader.Merge(ctx, "qa", items)
	assert.Equal(t, items, merged)

	other := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "onnx", Dim: 1536}, nil)
	assert.Nil(t, other.Merge(ctx, "qa", items)[0].Embedding)
}

func TestEmbeddingCache_MergeUnspecifiedDim(t *testing.T) {
	kv := storage.NewMemoryKV(0)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "qa_dataset_cache_qa", `{"providerId":"openai","items":[{"key":"a","embedding":[1,0]}]}`))
	cache := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "openai", Dim: 1536}, nil)

	items := []models.QARecord{{Question: "a"}, {Question: "z", Embedding: []float32{9}}}
	merged := cache.Merge(ctx, "qa", items)
	assert.Equal(t, []float32{1, 0}, merged[0].Embedding)
	assert.Equal(t, []float32{9}, merged[1].Embedding, "existing embeddings are kept")
	assert.Nil(t, items[0].Embedding, "input slice is not modified")
}

func TestEmbeddingCache_WriteFailureSwallowed(t *testing.T) {
	kv := storage.NewMemoryKV(16)
	cache := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "openai", Dim: 4}, nil)
	ctx := context.Background()
	cache.Save(ctx, "qa", []models.QARecord{{Question: "a", Embedding: []float32{1, 2, 3, 4}}})
	_, found, _ := kv.Get(ctx, "qa_dataset_cache_qa")
	assert.False(t, found)

	require.NoError(t, cache.Delete(ctx, "qa"))
}
