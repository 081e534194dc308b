// Package precompute fills in missing record embeddings with batched,
// concurrent, retried calls to an embedding provider.
package precompute

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/metrics"
	"github.com/hyperjump/qamatch/internal/models"
)

// EmbedFunc embeds a batch of texts, one vector per text in order.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// ProgressFunc receives (processed, total) after each finished batch. Calls are serialized.
type ProgressFunc func(done, total int)

// Options tunes a run. Zero BatchSize, Concurrency, InitialDelay and MaxDelay
// take the defaults; MaxRetries is used as given.
type Options struct {
	BatchSize         int
	Concurrency       int
	MaxRetries        int // retries after the first attempt
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting
}

// DefaultOptions returns settings suited to the hosted embedding API.
func DefaultOptions() Options {
	return Options{
		BatchSize:    32,
		Concurrency:  20,
		MaxRetries:   5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = def.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	return o
}

// Result summarizes a run. Total counts the records that needed an embedding
// and had a question, or all records when none needed one.
type Result struct {
	RunID   string        `json:"run_id"`
	Updated int           `json:"updated"`
	Total   int           `json:"total"`
	Retries int           `json:"retries"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// BatchError reports a batch that failed for good. Start and End are the
// 0-based half-open range of the batch within the work list.
type BatchError struct {
	Start    int
	End      int
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedding failed after %d attempt(s) (batch %d-%d): %v", e.Attempts, e.Start+1, e.End, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Store is the part of dataset.Store a run reads and updates.
type Store interface {
	Load(ctx context.Context, id string) (*models.Dataset, error)
	Put(id string, ds *models.Dataset)
}

// Saver persists merged embeddings; dataset.EmbeddingCache implements it.
type Saver interface {
	Save(ctx context.Context, id string, items []models.QARecord)
}

// Precomputer runs embedding jobs against a store.
type Precomputer struct {
	store   Store
	saver   Saver
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
}

// Option configures a Precomputer.
type Option func(*Precomputer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Precomputer) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Precomputer) { p.metrics = m }
}

// WithSaver persists results after each successful run.
func WithSaver(s Saver) Option {
	return func(p *Precomputer) { p.saver = s }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Precomputer) { p.sleep = fn }
}

// New creates a Precomputer updating store.
func New(store Store, opts ...Option) *Precomputer {
	p := &Precomputer{
		store:  store,
		logger: zap.NewNop(),
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the delay before retry number attempt+1:
// base = min(max, initial*2^attempt), jittered uniformly in [0.5, 1.5)*base, capped at max.
func Backoff(opts Options, attempt int, jitter float64) time.Duration {
	base := opts.MaxDelay
	if attempt < 32 {
		if d := opts.InitialDelay << attempt; d > 0 && d < base {
			base = d
		}
	}
	d := time.Duration(float64(base) * (0.5 + jitter))
	if d > opts.MaxDelay {
		d = opts.MaxDelay
	}
	return d
}

type work struct {
	item int // position in the dataset
	text string
}

// Run embeds every record of datasetID that lacks an embedding and has a
// non-empty question. On success the merged records are saved and put back
// into the store. The first batch that fails for good cancels the others.
func (p *Precomputer) Run(ctx context.Context, datasetID string, embed EmbedFunc, opts Options, onProgress ProgressFunc) (*Result, error) {
	opts = opts.withDefaults()
	started := time.Now()
	res := &Result{RunID: uuid.NewString()}
	logger := p.logger.With(zap.String("dataset", datasetID), zap.String("run_id", res.RunID))

	ds, err := p.store.Load(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	items := ds.Items

	missing := 0
	var todo []work
	for i := range items {
		if items[i].HasEmbedding() {
			continue
		}
		missing++
		if text := strings.TrimSpace(items[i].Question); text != "" {
			todo = append(todo, work{item: i, text: text})
		}
	}
	if missing == 0 {
		res.Total = len(items)
		return res, nil
	}
	res.Total = len(todo)

	type span struct{ start, end int }
	var batches []span
	for start := 0; start < len(todo); start += opts.BatchSize {
		batches = append(batches, span{start, min(start+opts.BatchSize, len(todo))})
	}
	workers := max(1, min(opts.Concurrency, len(batches)))
	logger.Info("precompute started",
		zap.Int("items", len(todo)),
		zap.Int("batches", len(batches)),
		zap.Int("workers", workers))

	var progressMu sync.Mutex
	done := 0
	report := func(n int) {
		if onProgress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		done += n
		onProgress(done, len(todo))
	}
	report(0)

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(1, int(opts.RequestsPerSecond)))
	}

	computed := make([][]float32, len(todo))
	var next, updated, retries atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				b := int(next.Add(1) - 1)
				if b >= len(batches) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				sp := batches[b]
				texts := make([]string, 0, sp.end-sp.start)
				for _, wk := range todo[sp.start:sp.end] {
					texts = append(texts, wk.text)
				}
				vecs, n, err := p.embedWithRetry(gctx, logger, embed, texts, sp.start, sp.end, opts, limiter)
				retries.Add(int64(n))
				if err != nil {
					p.metrics.Batch("failed")
					return err
				}
				p.metrics.Batch("ok")
				if len(vecs) != len(texts) {
					logger.Warn("provider returned a short batch",
						zap.Int("start", sp.start+1), zap.Int("end", sp.end),
						zap.Int("want", len(texts)), zap.Int("got", len(vecs)))
				}
				got := 0
				for i := 0; i < len(vecs) && i < len(texts); i++ {
					if len(vecs[i]) > 0 {
						computed[sp.start+i] = vecs[i]
						got++
					}
				}
				updated.Add(int64(got))
				report(len(vecs))
			}
		})
	}
	err = g.Wait()
	res.Retries = int(retries.Load())
	if err != nil {
		logger.Error("precompute failed", zap.Int("retries", res.Retries), zap.Error(err))
		return nil, err
	}
	res.Updated = int(updated.Load())
	p.metrics.ItemsEmbedded(res.Updated)

	byKey := make(map[string][]float32, len(todo))
	for i, wk := range todo {
		if computed[i] != nil {
			byKey[items[wk.item].Key()] = computed[i]
		}
	}
	merged := make([]models.QARecord, len(items))
	for i := range items {
		merged[i] = items[i]
		if !items[i].HasEmbedding() {
			merged[i].Embedding = byKey[items[i].Key()]
		}
	}
	if p.saver != nil {
		p.saver.Save(ctx, datasetID, merged)
	}
	p.store.Put(datasetID, models.NewDataset(datasetID, merged))

	res.Elapsed = time.Since(started)
	logger.Info("precompute finished",
		zap.Int("updated", res.Updated),
		zap.Int("total", res.Total),
		zap.Int("retries", res.Retries),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// embedWithRetry returns the vectors and the number of retries it made.
func (p *Precomputer) embedWithRetry(ctx context.Context, logger *zap.Logger, embed EmbedFunc, texts []string, start, end int, opts Options, limiter *rate.Limiter) ([][]float32, int, error) {
	var lastErr error
	attempts, retried := 0, 0
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, retried, err
			}
		}
		attempts++
		vecs, err := embed(ctx, texts)
		if err == nil {
			return vecs, retried, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, retried, ctx.Err()
		}
		if attempt >= opts.MaxRetries || !embedding.Retryable(err) {
			break
		}
		delay := Backoff(opts, attempt, p.jitter())
		status, _ := embedding.StatusCode(err)
		logger.Warn("embedding batch failed, retrying",
			zap.Int("start", start+1), zap.Int("end", end),
			zap.Int("attempt", attempt+1), zap.Int("status", status),
			zap.Duration("delay", delay), zap.Error(err))
		retried++
		p.metrics.Retry()
		if err := p.sleep(ctx, delay); err != nil {
			return nil, retried, err
		}
	}
	return nil, retried, &BatchError{Start: start, End: end, Attempts: attempts, Err: lastErr}
}
