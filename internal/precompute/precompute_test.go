package precompute

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/models"
)

type memStore struct {
	mu  sync.Mutex
	ds  map[string]*models.Dataset
	put int
}

func newMemStore(id string, items []models.QARecord) *memStore {
	return &memStore{ds: map[string]*models.Dataset{id: models.NewDataset(id, items)}}
}

func (s *memStore) Load(_ context.Context, id string) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.ds[id]; ok {
		return ds, nil
	}
	return models.NewDataset(id, nil), nil
}

func (s *memStore) Put(id string, ds *models.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ds[id] = ds
	s.put++
}

type recordingSaver struct {
	items []models.QARecord
	calls int
}

func (r *recordingSaver) Save(_ context.Context, _ string, items []models.QARecord) {
	r.items = items
	r.calls++
}

func questions(n int) []models.QARecord {
	items := make([]models.QARecord, n)
	for i := range items {
		items[i] = models.QARecord{Question: fmt.Sprintf("q%03d", i), Answer: "a"}
	}
	return items
}

func noSleep(delays *[]time.Duration, mu *sync.Mutex) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*delays = append(*delays, d)
		return nil
	}
}

func vectorsFor(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i + 1), 1}
	}
	return out
}

func TestRunRetriesRateLimitedBatch(t *testing.T) {
	store := newMemStore("qa", questions(100))
	saver := &recordingSaver{}
	var mu sync.Mutex
	var delays []time.Duration
	p := New(store, WithSaver(saver), WithSleep(noSleep(&delays, &mu)))

	calls := map[string]int{}
	embed := func(_ context.Context, texts []string) ([][]float32, error) {
		mu.Lock()
		calls[texts[0]]++
		n := calls[texts[0]]
		mu.Unlock()
		if texts[0] == "q040" && n <= 3 {
			return nil, &embedding.HTTPError{StatusCode: http.StatusTooManyRequests}
		}
		return vectorsFor(texts), nil
	}

	opts := DefaultOptions()
	opts.BatchSize = 10
	opts.Concurrency = 4
	res, err := p.Run(context.Background(), "qa", embed, opts, nil)
	require.NoError(t, err)

	assert.Equal(t, 100, res.Updated)
	assert.Equal(t, 100, res.Total)
	assert.Equal(t, 3, res.Retries)
	assert.Equal(t, 4, calls["q040"])
	assert.Len(t, delays, 3)
	assert.NotEmpty(t, res.RunID)

	ds, _ := store.Load(context.Background(), "qa")
	assert.True(t, ds.HasEmbeddings)
	for _, it := range ds.Items {
		assert.True(t, it.HasEmbedding(), it.Question)
	}
	assert.Equal(t, 1, saver.calls)
	assert.Len(t, saver.items, 100)
}

func TestRunDoesNotRetryClientErrors(t *testing.T) {
	store := newMemStore("qa", questions(5))
	var mu sync.Mutex
	var delays []time.Duration
	p := New(store, WithSleep(noSleep(&delays, &mu)))

	var calls int
	embed := func(context.Context, []string) ([][]float32, error) {
		calls++
		return nil, &embedding.HTTPError{StatusCode: http.StatusBadRequest}
	}
	_, err := p.Run(context.Background(), "qa", embed, DefaultOptions(), nil)
	require.Error(t, err)

	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
	assert.Equal(t, 0, store.put)
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	store := newMemStore("qa", questions(3))
	var mu sync.Mutex
	var delays []time.Duration
	p := New(store, WithSleep(noSleep(&delays, &mu)))

	var calls int
	embed := func(context.Context, []string) ([][]float32, error) {
		calls++
		return nil, errors.New("connection reset")
	}
	opts := DefaultOptions()
	opts.MaxRetries = 2
	_, err := p.Run(context.Background(), "qa", embed, opts, nil)
	require.Error(t, err)

	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
	assert.Contains(t, err.Error(), "(batch 1-3)")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRunNothingMissing(t *testing.T) {
	items := []models.QARecord{
		{Question: "a", Embedding: []float32{1}},
		{Question: "b", Embedding: []float32{1}},
	}
	p := New(newMemStore("qa", items))
	embed := func(context.Context, []string) ([][]float32, error) {
		t.Fatal("embed must not be called")
		return nil, nil
	}
	res, err := p.Run(context.Background(), "qa", embed, DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 2, res.Total)
}

func TestRunSkipsEmptyQuestions(t *testing.T) {
	items := []models.QARecord{
		{Question: "keep"},
		{Question: "   "},
		{Question: "done", Embedding: []float32{3, 4}},
	}
	store := newMemStore("qa", items)
	p := New(store)

	var seen []string
	embed := func(_ context.Context, texts []string) ([][]float32, error) {
		seen = append(seen, texts...)
		return vectorsFor(texts), nil
	}
	res, err := p.Run(context.Background(), "qa", embed, DefaultOptions(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"keep"}, seen)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Total)

	ds, _ := store.Load(context.Background(), "qa")
	assert.True(t, ds.Items[0].HasEmbedding())
	assert.False(t, ds.Items[1].HasEmbedding())
	assert.Equal(t, []float32{3, 4}, ds.Items[2].Embedding)
}

func TestRunReportsProgressInOrder(t *testing.T) {
	p := New(newMemStore("qa", questions(25)))
	embed := func(_ context.Context, texts []string) ([][]float32, error) {
		return vectorsFor(texts), nil
	}
	var got [][2]int
	opts := DefaultOptions()
	opts.BatchSize = 10
	opts.Concurrency = 3
	_, err := p.Run(context.Background(), "qa", embed, opts, func(done, total int) {
		got = append(got, [2]int{done, total})
	})
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, [2]int{0, 25}, got[0])
	assert.Equal(t, [2]int{25, 25}, got[3])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i][0], got[i-1][0])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newMemStore("qa", questions(50))
	p := New(store)
	ctx, cancel := context.WithCancel(context.Background())

	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		cancel()
		return nil, ctx.Err()
	}
	opts := DefaultOptions()
	opts.BatchSize = 5
	opts.Concurrency = 1
	_, err := p.Run(ctx, "qa", embed, opts, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.put)
}

func TestRunRateLimited(t *testing.T) {
	p := New(newMemStore("qa", questions(4)))
	embed := func(_ context.Context, texts []string) ([][]float32, error) {
		return vectorsFor(texts), nil
	}
	opts := DefaultOptions()
	opts.BatchSize = 1
	opts.RequestsPerSecond = 1000
	res, err := p.Run(context.Background(), "qa", embed, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Updated)
}

func TestBackoff(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 250*time.Millisecond, Backoff(opts, 0, 0))
	assert.Equal(t, 500*time.Millisecond, Backoff(opts, 0, 0.5))
	assert.Equal(t, 2*time.Second, Backoff(opts, 2, 0.5))
	assert.Equal(t, 8*time.Second, Backoff(opts, 4, 0.99))
	assert.Equal(t, 4*time.Second, Backoff(opts, 10, 0))
}

func TestBatchErrorMessage(t *testing.T) {
	err := &BatchError{Start: 32, End: 64, Attempts: 6, Err: errors.New("boom")}
	assert.Equal(t, "embedding failed after 6 attempt(s) (batch 33-64): boom", err.Error())
	assert.ErrorContains(t, fmt.Errorf("wrap: %w", err), "boom")
}
