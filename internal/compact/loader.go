package compact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/qamatch/internal/assets"
	"github.com/hyperjump/qamatch/internal/metrics"
)

// State is the cached knowledge about a dataset's compact index.
type State int

const (
	StateUnknown State = iota
	StateAbsent
	StatePresent
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePresent:
		return "present"
	default:
		return "unknown"
	}
}

type entry struct {
	state    State
	index    *Index
	missing  bool // absent because meta does not exist, as opposed to a failed fetch
	probedAt time.Time
}

// Loader fetches and caches compact indexes per dataset id.
type Loader struct {
	src          assets.Source
	logger       *zap.Logger
	metrics      *metrics.Metrics
	reprobeAfter time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ld *Loader) { ld.metrics = m }
}

// WithReprobeAfter lets absent ids be fetched again once d has passed. Zero keeps them absent
// until Invalidate.
func WithReprobeAfter(d time.Duration) Option {
	return func(ld *Loader) { ld.reprobeAfter = d }
}

// NewLoader creates a loader reading from src.
func NewLoader(src assets.Source, opts ...Option) *Loader {
	l := &Loader{
		src:     src,
		logger:  zap.NewNop(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get returns the index for id, or false when none is usable. The first call
// per id performs the fetch; later calls are served from cache.
func (l *Loader) Get(ctx context.Context, id string) (*Index, bool) {
	if idx, settled := l.cached(id); settled {
		return idx, idx != nil
	}
	if ctx.Err() != nil {
		return nil, false
	}
	// The shared fetch is detached from the caller that started it, so one
	// caller giving up does not fail the others waiting on the same id.
	fetchCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(id, func() (any, error) {
		if idx, settled := l.cached(id); settled {
			return idx, nil
		}
		return l.load(fetchCtx, id), nil
	})
	select {
	case res := <-ch:
		idx, _ := res.Val.(*Index)
		return idx, idx != nil
	case <-ctx.Done():
		return nil, false
	}
}

// cached reports the cached index, with settled=false when a fetch is needed.
func (l *Loader) cached(id string) (*Index, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	switch e.state {
	case StatePresent:
		return e.index, true
	case StateAbsent:
		if l.reprobeAfter > 0 && l.now().Sub(e.probedAt) >= l.reprobeAfter {
			return nil, false
		}
		return nil, true
	}
	return nil, false
}

func (l *Loader) load(ctx context.Context, id string) *Index {
	idx, err := l.fetch(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			// Leave the id unknown; an interrupted fetch says nothing about the asset.
			return nil
		}
		missing := errors.Is(err, errMetaMissing)
		if missing {
			l.logger.Debug("no compact index", zap.String("dataset", id))
			l.metrics.CompactLoad("missing")
		} else {
			l.logger.Warn("compact index unusable", zap.String("dataset", id), zap.Error(err))
			l.metrics.CompactLoad("error")
		}
		l.store(id, &entry{state: StateAbsent, missing: missing, probedAt: l.now()})
		return nil
	}
	l.logger.Info("compact index loaded",
		zap.String("dataset", id),
		zap.Int("rows", idx.Meta.Rows),
		zap.Int("pca_dim", idx.Meta.PCADim),
		zap.String("quant", string(idx.Meta.Quant)))
	l.metrics.CompactLoad("present")
	l.store(id, &entry{state: StatePresent, index: idx, probedAt: l.now()})
	return idx
}

var errMetaMissing = errors.New("meta missing")

func (l *Loader) fetch(ctx context.Context, id string) (*Index, error) {
	raw, err := assets.ReadAll(ctx, l.src, id+SuffixMeta)
	if err != nil {
		if assets.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %w", errMetaMissing, err)
		}
		return nil, err
	}
	meta, err := ParseMeta(raw)
	if err != nil {
		return nil, err
	}

	embName, compName, meanName := meta.BlobNames()
	var emb, comps, mean []byte
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range []struct {
		name string
		dst  *[]byte
	}{{embName, &emb}, {compName, &comps}, {meanName, &mean}} {
		g.Go(func() error {
			data, err := assets.ReadAll(gctx, l.src, job.name)
			if err != nil {
				return err
			}
			*job.dst = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewIndex(meta, emb, comps, mean)
}

func (l *Loader) store(id string, e *entry) {
	l.mu.Lock()
	l.entries[id] = e
	l.mu.Unlock()
}

// State reports the cached state for id without fetching.
func (l *Loader) State(id string) State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.entries[id]; ok {
		return e.state
	}
	return StateUnknown
}

// Describe is State with the absent reason spelled out ("absent (missing)" or "absent (error)").
func (l *Loader) Describe(id string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return StateUnknown.String()
	}
	if e.state == StateAbsent {
		if e.missing {
			return "absent (missing)"
		}
		return "absent (error)"
	}
	return e.state.String()
}

// Invalidate forgets id so the next Get fetches again.
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
}

// InvalidateAll forgets every id.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	l.entries = make(map[string]*entry)
	l.mu.Unlock()
}
