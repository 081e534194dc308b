package dataset

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/storage"
)

// CacheKeyPrefix prefixes the KV key of a dataset's cached embeddings.
const CacheKeyPrefix = "qa_dataset_cache_"

// CacheItem is one cached embedding, keyed by models.QARecord.Key.
type CacheItem struct {
	Key       string    `json:"key"`
	Embedding []float32 `json:"embedding"`
}

// CacheEntry is the persisted payload, tagged with the embedding space it came from.
type CacheEntry struct {
	ProviderID string      `json:"providerId"`
	Dim        int         `json:"dim"`
	Items      []CacheItem `json:"items"`
}

// EmbeddingCache persists per-record embeddings so they survive restarts.
type EmbeddingCache struct {
	kv     storage.KV
	meta   embedding.Meta
	logger *zap.Logger
}

// NewEmbeddingCache stores entries in kv tagged with the active provider meta.
func NewEmbeddingCache(kv storage.KV, meta embedding.Meta, logger *zap.Logger) *EmbeddingCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingCache{kv: kv, meta: meta, logger: logger}
}

// Meta returns the provider meta entries are tagged with.
func (c *EmbeddingCache) Meta() embedding.Meta { return c.meta }

// Save overwrites the entry for id with the embedded records of items.
// Write failures are logged and swallowed.
func (c *EmbeddingCache) Save(ctx context.Context, id string, items []models.QARecord) {
	entry := CacheEntry{ProviderID: c.meta.ProviderID, Dim: c.meta.Dim, Items: []CacheItem{}}
	for i := range items {
		if items[i].HasEmbedding() {
			entry.Items = append(entry.Items, CacheItem{Key: items[i].Key(), Embedding: items[i].Embedding})
		}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("encode embedding cache", zap.String("dataset", id), zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, CacheKeyPrefix+id, string(data)); err != nil {
		c.logger.Warn("failed to cache dataset embeddings",
			zap.String("dataset", id), zap.Int("items", len(entry.Items)), zap.Error(err))
		return
	}
	c.logger.Debug("cached dataset embeddings", zap.String("dataset", id), zap.Int("items", len(entry.Items)))
}

// Load returns the cached entry for id. Bare arrays written before entries
// were tagged load as provider "unknown".
func (c *EmbeddingCache) Load(ctx context.Context, id string) (*CacheEntry, bool) {
	raw, found, err := c.kv.Get(ctx, CacheKeyPrefix+id)
	if err != nil {
		c.logger.Warn("read embedding cache", zap.String("dataset", id), zap.Error(err))
		return nil, false
	}
	if !found || raw == "" {
		return nil, false
	}
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		var items []CacheItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, false
		}
		entry := &CacheEntry{ProviderID: "unknown", Items: items}
		if len(items) > 0 {
			entry.Dim = len(items[0].Embedding)
		}
		return entry, true
	}
	var tagged struct {
		ProviderID string       `json:"providerId"`
		Dim        int          `json:"dim"`
		Items      *[]CacheItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &tagged); err != nil || tagged.Items == nil {
		return nil, false
	}
	return &CacheEntry{ProviderID: tagged.ProviderID, Dim: tagged.Dim, Items: *tagged.Items}, true
}

// Compatible reports whether entry was produced in the active embedding space.
// A zero cached dim counts as unspecified.
func (c *EmbeddingCache) Compatible(entry *CacheEntry) bool {
	if entry.ProviderID != c.meta.ProviderID {
		return false
	}
	return entry.Dim == 0 || entry.Dim == c.meta.Dim
}

// Merge attaches cached embeddings to records that lack one. items is
// returned unchanged when the cache is missing or incompatible.
func (c *EmbeddingCache) Merge(ctx context.Context, id string, items []models.QARecord) []models.QARecord {
	entry, ok := c.Load(ctx, id)
	if !ok {
		return items
	}
	if !c.Compatible(entry) {
		c.logger.Info("ignoring embedding cache from another provider",
			zap.String("dataset", id),
			zap.String("cached_provider", entry.ProviderID),
			zap.Int("cached_dim", entry.Dim),
			zap.String("provider", c.meta.ProviderID),
			zap.Int("dim", c.meta.Dim))
		return items
	}
	byKey := make(map[string][]float32, len(entry.Items))
	for _, it := range entry.Items {
		byKey[it.Key] = it.Embedding
	}
	out := make([]models.QARecord, len(items))
	attached := 0
	for i := range items {
		out[i] = items[i]
		if items[i].HasEmbedding() {
			continue
		}
		if emb, ok := byKey[items[i].Key()]; ok && len(emb) > 0 {
			out[i].Embedding = emb
			attached++
		}
	}
	c.logger.Debug("merged cached embeddings", zap.String("dataset", id), zap.Int("attached", attached))
	return out
}

// Delete drops the cached entry for id.
func (c *EmbeddingCache) Delete(ctx context.Context, id string) error {
	return c.kv.Delete(ctx, CacheKeyPrefix+id)
}
