// Package dataset loads QA datasets from the asset store, merges cached
// embeddings into them and keeps the merged result in memory.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/qamatch/internal/assets"
	"github.com/hyperjump/qamatch/internal/compact"
	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/pkg/utils"
)

// Store produces the canonical record sequence per dataset id.
type Store struct {
	src     assets.Source
	cache   *EmbeddingCache
	compact *compact.Loader
	logger  *zap.Logger

	bundled map[string][]models.QARecord

	mu       sync.RWMutex
	datasets map[string]*models.Dataset
	group    singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithEmbeddingCache merges cached embeddings into every load.
func WithEmbeddingCache(c *EmbeddingCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithCompactLoader lets Info report compact index state and row counts.
func WithCompactLoader(l *compact.Loader) Option {
	return func(s *Store) { s.compact = l }
}

// WithBundled registers records used when the asset store has none for id.
func WithBundled(id string, records []models.QARecord) Option {
	return func(s *Store) { s.bundled[id] = records }
}

// NewStore creates a store reading <id>.items.json from src. src may be nil
// when only bundled records are used.
func NewStore(src assets.Source, opts ...Option) *Store {
	s := &Store{
		src:      src,
		logger:   zap.NewNop(),
		bundled:  make(map[string][]models.QARecord),
		datasets: make(map[string]*models.Dataset),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the dataset for id. The merged result is cached; an empty
// result is returned but not cached so the next call tries again.
func (s *Store) Load(ctx context.Context, id string) (*models.Dataset, error) {
	if err := models.ValidateDatasetID(id); err != nil {
		return nil, err
	}
	if ds, ok := s.cached(id); ok {
		return ds, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Joined callers must not inherit the cancellation of whoever started the load.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(id, func() (any, error) {
		if ds, ok := s.cached(id); ok {
			return ds, nil
		}
		return s.load(loadCtx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Dataset), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) cached(id string) (*models.Dataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[id]
	return ds, ok
}

func (s *Store) load(ctx context.Context, id string) (*models.Dataset, error) {
	items := s.fetchItems(ctx, id)
	source := "assets"
	if len(items) == 0 {
		if bundled := s.bundled[id]; len(bundled) > 0 {
			items = append([]models.QARecord(nil), bundled...)
			source = "bundled"
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cache != nil && len(items) > 0 {
		items = s.cache.Merge(ctx, id, items)
	}
	ds := models.NewDataset(id, items)
	if len(items) == 0 {
		s.logger.Warn("no items loaded for dataset; not caching empty result", zap.String("dataset", id))
		return ds, nil
	}
	s.logger.Info("dataset loaded",
		zap.String("dataset", id),
		zap.String("source", source),
		zap.Int("items", len(items)),
		zap.Bool("has_embeddings", ds.HasEmbeddings))
	s.Put(id, ds)
	return ds, nil
}

// fetchItems reads <id>.items.json, retrying once when the first read fails or is empty.
func (s *Store) fetchItems(ctx context.Context, id string) []models.QARecord {
	if s.src == nil {
		return nil
	}
	name := id + compact.SuffixItems
	var items []models.QARecord
	for attempt := 0; attempt < 2 && len(items) == 0; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		got, err := s.readItems(ctx, name)
		switch {
		case err != nil:
			s.logger.Warn("items fetch failed", zap.String("asset", name), zap.Int("attempt", attempt+1), zap.Error(err))
		case len(got) == 0:
			s.logger.Warn("items array is empty", zap.String("asset", name), zap.Int("attempt", attempt+1))
		default:
			items = got
		}
	}
	return items
}

func (s *Store) readItems(ctx context.Context, name string) ([]models.QARecord, error) {
	data, err := assets.ReadAll(ctx, s.src, name)
	if err != nil {
		return nil, err
	}
	return DecodeRecords(data)
}

// DecodeRecords parses a JSON array of QA records.
func DecodeRecords(data []byte) ([]models.QARecord, error) {
	var items []models.QARecord
	if err := json.Unmarshal(data, &items); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "" {
			return nil, fmt.Errorf("items JSON is not an array: %w", err)
		}
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}

// Put replaces the cached dataset for id.
func (s *Store) Put(id string, ds *models.Dataset) {
	s.mu.Lock()
	s.datasets[id] = ds
	s.mu.Unlock()
}

// Invalidate drops the cached dataset for id.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	delete(s.datasets, id)
	s.mu.Unlock()
}

// EmbeddingCache returns the attached cache, or nil.
func (s *Store) EmbeddingCache() *EmbeddingCache { return s.cache }

// Compact returns the attached compact index loader, or nil.
func (s *Store) Compact() *compact.Loader { return s.compact }

// Info summarizes dataset id. When no items load but a compact index is
// present, Count falls back to the index row count.
func (s *Store) Info(ctx context.Context, id string) (*models.DatasetInfo, error) {
	ds, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &models.DatasetInfo{
		ID:            id,
		Name:          utils.NiceName(id),
		Count:         len(ds.Items),
		Categories:    ds.Categories(),
		HasEmbeddings: ds.HasEmbeddings,
		CompactIndex:  compact.StateUnknown.String(),
	}
	if s.compact != nil {
		idx, ok := s.compact.Get(ctx, id)
		if ok && info.Count == 0 {
			info.Count = idx.Meta.Rows
		}
		info.CompactIndex = s.compact.Describe(id)
	}
	return info, nil
}

var demoID = regexp.MustCompile(`^demo(\b|[-_])`)

// Visible drops demo datasets (ids "demo", "demo-*", "demo_*" and similar)
// and fills empty names from the id.
func Visible(refs []models.DatasetRef) []models.DatasetRef {
	out := make([]models.DatasetRef, 0, len(refs))
	for _, r := range refs {
		lower := strings.ToLower(r.ID)
		if lower == "demo" || demoID.MatchString(lower) {
			continue
		}
		if r.Name == "" {
			r.Name = utils.NiceName(r.ID)
		}
		out = append(out, r)
	}
	return out
}
