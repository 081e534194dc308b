// Package matcher finds the single best QA record for a free-text question.
package matcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/qamatch/internal/compact"
	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/metrics"
	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/vector"
)

// Datasets is the part of dataset.Store the matcher reads.
type Datasets interface {
	Load(ctx context.Context, id string) (*models.Dataset, error)
}

// Indexes is the part of compact.Loader the matcher reads.
type Indexes interface {
	Get(ctx context.Context, id string) (*compact.Index, bool)
}

// Config holds matching settings.
type Config struct {
	Enabled   bool
	Threshold float64
}

// Matcher scores a query against a dataset's compact index, falling back to
// per-record embeddings.
type Matcher struct {
	datasets Datasets
	indexes  Indexes
	provider embedding.Provider
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Matcher) { m.metrics = mt }
}

// New creates a matcher. indexes may be nil to score per-record embeddings only.
// A zero threshold means models.DefaultThreshold.
func New(datasets Datasets, indexes Indexes, provider embedding.Provider, cfg Config, opts ...Option) *Matcher {
	if cfg.Threshold == 0 {
		cfg.Threshold = models.DefaultThreshold
	}
	m := &Matcher{
		datasets: datasets,
		indexes:  indexes,
		provider: provider,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the configured acceptance threshold.
func (m *Matcher) Threshold() float64 { return m.cfg.Threshold }

// Enabled reports whether matching is switched on.
func (m *Matcher) Enabled() bool { return m.cfg.Enabled }

// FindBestMatch uses the configured threshold.
func (m *Matcher) FindBestMatch(ctx context.Context, query, datasetID string) (*models.MatchResult, error) {
	return m.FindBestMatchWithThreshold(ctx, query, datasetID, m.cfg.Threshold)
}

// FindBestMatchWithThreshold returns the best record whose cosine similarity
// is at least threshold, or nil when nothing qualifies. Embedding failures
// are returned as errors; a missing or unusable compact index is not.
func (m *Matcher) FindBestMatchWithThreshold(ctx context.Context, query, datasetID string, threshold float64) (*models.MatchResult, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	if err := models.ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	start := time.Now()
	res, path, err := m.match(ctx, query, datasetID, threshold)

	outcome := "miss"
	switch {
	case err != nil:
		outcome = "error"
	case res != nil:
		outcome = "hit"
	}
	m.metrics.ObserveMatch(path, outcome, time.Since(start))
	fields := []zap.Field{
		zap.String("dataset", datasetID),
		zap.String("path", path),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", time.Since(start)),
	}
	if res != nil {
		fields = append(fields, zap.Float64("similarity", res.Similarity), zap.Int("item", res.ItemIndex))
	}
	if err != nil {
		m.logger.Warn("match failed", append(fields, zap.Error(err))...)
	} else {
		m.logger.Debug("match", fields...)
	}
	return res, err
}

const pathNone = "none"

func (m *Matcher) match(ctx context.Context, query, datasetID string, threshold float64) (*models.MatchResult, string, error) {
	ds, err := m.datasets.Load(ctx, datasetID)
	if err != nil {
		return nil, pathNone, err
	}
	if len(ds.Items) == 0 {
		return nil, pathNone, nil
	}

	var q []float32
	if m.indexes != nil {
		if idx, ok := m.indexes.Get(ctx, datasetID); ok {
			q, err = embedding.EmbedOne(ctx, m.provider, query)
			if err != nil {
				return nil, string(models.PathCompact), err
			}
			if len(q) == 0 {
				return nil, string(models.PathCompact), nil
			}
			res, found, err := scanCompact(idx, ds, q)
			if err != nil {
				if errors.Is(err, vector.ErrDimensionMismatch) {
					m.logger.Warn("query does not fit compact index",
						zap.String("dataset", datasetID), zap.Int("query_dim", len(q)), zap.Int("source_dim", idx.SourceDim))
					return nil, string(models.PathCompact), nil
				}
				return nil, string(models.PathCompact), err
			}
			if found {
				if !models.Accepts(res.Similarity, threshold) {
					return nil, string(models.PathCompact), nil
				}
				return res, string(models.PathCompact), nil
			}
			// No row mapped to a loaded record; try per-record embeddings.
		}
	}

	if !ds.HasEmbeddings {
		return nil, pathNone, nil
	}
	if q == nil {
		q, err = embedding.EmbedOne(ctx, m.provider, query)
		if err != nil {
			return nil, string(models.PathLegacy), err
		}
		if len(q) == 0 {
			return nil, string(models.PathLegacy), nil
		}
	}
	res, found := scanLegacy(ds, q)
	if !found || !models.Accepts(res.Similarity, threshold) {
		return nil, string(models.PathLegacy), nil
	}
	return res, string(models.PathLegacy), nil
}

// scanCompact projects q and scans every index row, skipping rows whose
// record is missing. Strict > keeps the first of equal candidates.
func scanCompact(idx *compact.Index, ds *models.Dataset, q []float32) (*models.MatchResult, bool, error) {
	proj, err := idx.Project(q)
	if err != nil {
		return nil, false, err
	}
	item, sim, ok := idx.Best(proj, func(item int) bool { return item < len(ds.Items) })
	if !ok {
		return nil, false, nil
	}
	return result(ds, item, sim, models.PathCompact), true, nil
}

func result(ds *models.Dataset, item int, sim float64, path models.MatchPath) *models.MatchResult {
	rec := ds.Items[item]
	rec.Embedding = nil
	return &models.MatchResult{Record: rec, Similarity: sim, ItemIndex: item, Path: path}
}

// scanLegacy compares q with every record embedding of the same dimension.
func scanLegacy(ds *models.Dataset, q []float32) (*models.MatchResult, bool) {
	bestItem := -1
	var best float64
	for i := range ds.Items {
		emb := ds.Items[i].Embedding
		if len(emb) != len(q) {
			continue
		}
		sim, err := vector.CosineSimilarity(q, emb)
		if err != nil {
			continue
		}
		if bestItem < 0 || sim > best {
			bestItem, best = i, sim
		}
	}
	if bestItem < 0 {
		return nil, false
	}
	return result(ds, bestItem, best, models.PathLegacy), true
}
