package dataset

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/qamatch/internal/assets"
	"github.com/hyperjump/qamatch/internal/compact"
	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/storage"
)

type countingSource struct {
	inner assets.Source
	mu    sync.Mutex
	opens map[string]int
}

func newCountingSource(dir string) *countingSource {
	return &countingSource{inner: assets.NewDirSource(dir), opens: map[string]int{}}
}

func (c *countingSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	c.mu.Lock()
	c.opens[name]++
	c.mu.Unlock()
	return c.inner.Open(ctx, name)
}

func (c *countingSource) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[name]
}

const threeItems = `[
	{"question":"Was ist Wasser?","answer":"H2O","subject":"Chemie","id":"w"},
	{"question":"Was ist Feuer?","answer":"Verbrennung","category":"Physik","node_id":"f"},
	{"question":"Was ist Luft?","answer":"Gasgemisch","category":"Physik"}
]`

func writeAsset(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestStore_LoadIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeAsset(t, dir, "qa.items.json", threeItems)
	src := newCountingSource(dir)
	store := NewStore(src)
	ctx := context.Background()

	first, err := store.Load(ctx, "qa")
	require.NoError(t, err)
	second, err := store.Load(ctx, "qa")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, src.count("qa.items.json"))
	require.Len(t, first.Items, 3)
	assert.Equal(t, "Chemie", first.Items[0].Category)
	assert.Equal(t, "w", first.Items[0].NodeID)
	assert.False(t, first.HasEmbeddings)
}

func TestStore_ConcurrentLoadFetchesOnce(t *testing.T) {
	dir := t.TempDir()
	writeAsset(t, dir, "qa.items.json", threeItems)
	src := newCountingSource(dir)
	store := NewStore(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ds, err := store.Load(context.Background(), "qa")
			assert.NoError(t, err)
			assert.Len(t, ds.Items, 3)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, src.count("qa.items.json"))
}

func TestStore_EmptyResultNotCached(t *testing.T) {
	dir := t.TempDir()
	writeAsset(t, dir, "qa.items.json", `[]`)
	src := newCountingSource(dir)
	store := NewStore(src)
	ctx := context.Background()

	ds, err := store.Load(ctx, "qa")
	require.NoError(t, err)
	assert.Empty(t, ds.Items)
	assert.Equal(t, 2, src.count("qa.items.json"), "empty items are retried once")

	writeAsset(t, dir, "qa.items.json", threeItems)
	ds, err = store.Load(ctx, "qa")
	require.NoError(t, err)
	assert.Len(t, ds.Items, 3)
	assert.Equal(t, 3, src.count("qa.items.json"))
}

func TestStore_NotAnArray(t *testing.T) {
	dir := t.TempDir()
	writeAsset(t, dir, "qa.items.json", `{"question":"x"}`)
	ds, err := NewStore(assets.NewDirSource(dir)).Load(context.Background(), "qa")
	require.NoError(t, err)
	assert.Empty(t, ds.Items)
}

func TestStore_BundledFallback(t *testing.T) {
	bundled := []models.QARecord{{Question: "Was ist Wasser?", Answer: "H2O"}}
	store := NewStore(assets.NewDirSource(t.TempDir()), WithBundled("local", bundled))
	ds, err := store.Load(context.Background(), "local")
	require.NoError(t, err)
	require.Len(t, ds.Items, 1)

	// Asset records take priority over bundled ones.
	dir := t.TempDir()
	writeAsset(t, dir, "local.items.json", threeItems)
	store = NewStore(assets.NewDirSource(dir), WithBundled("local", bundled))
	ds, err = store.Load(context.Background(), "local")
	require.NoError(t, err)
	assert.Len(t, ds.Items, 3)
}

func TestStore_MergesCachedEmbeddings(t *testing.T) {
	dir := t.TempDir()
	writeAsset(t, dir, "qa.items.json", threeItems)
	kv := storage.NewMemoryKV(0)
	cache := NewEmbeddingCache(kv, embedding.Meta{ProviderID: "mock", Dim: 2}, nil)
	ctx := context.Background()
	cache.Save(ctx, "qa", []models.QARecord{
		{Question: "Was ist Feuer?", NodeID: "f", Embedding: []float32{0, 1}},
		{Question: "Was ist Luft?", Embedding: []float32{1, 0}},
	})

	ds, err := NewStore(assets.NewDirSource(dir), WithEmbeddingCache(cache)).Load(ctx, "qa")
	require.NoError(t, err)
	assert.True(t, ds.HasEmbeddings)
	assert.Nil(t, ds.Items[0].Embedding)
	assert.Equal(t, []float32{0, 1}, ds.Items[1].Embedding)
	assert.Equal(t, []float32{1, 0}, ds.Items[2].Embedding)
}

func TestStore_InvalidateAndPut(t *testing.T) {
	dir := t.TempDir()
	writeAsset(t, dir, "qa.items.json", threeItems)
	src := newCountingSource(dir)
	store := NewStore(src)
	ctx := context.Background()

	_, err := store.Load(ctx, "qa")
	require.NoError(t, err)
	store.Invalidate("qa")
	_, err = store.Load(ctx, "qa")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("qa.items.json"))

	replaced := models.NewDataset("qa", []models.QARecord{{Question: "x", Embedding: []float32{1}}})
	store.Put("qa", replaced)
	got, err := store.Load(ctx, "qa")
	require.NoError(t, err)
	assert.Same(t, replaced, got)

	_, err = store.Load(ctx, "../qa")
	assert.Error(t, err)
}

func TestStore_Info(t *testing.T) {
	dir := t.TempDir()
	recs := []models.QARecord{
		{Question: "a", Embedding: []float32{1, 0, 0}},
		{Question: "b", Embedding: []float32{0, 1, 0}},
		{Question: "c", Embedding: []float32{0, 0, 1}},
	}
	idx, err := compact.Build(recs, compact.BuildOptions{DatasetID: "qa_Klexikon-Prod", PCADim: 2})
	require.NoError(t, err)
	require.NoError(t, compact.WriteAssets(dir, idx, recs))
	require.NoError(t, os.Remove(filepath.Join(dir, "qa_Klexikon-Prod.items.json")))

	src := assets.NewDirSource(dir)
	store := NewStore(src, WithCompactLoader(compact.NewLoader(src)))
	info, err := store.Info(context.Background(), "qa_Klexikon-Prod")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Count, "count falls back to compact rows")
	assert.Equal(t, "present", info.CompactIndex)
	assert.Equal(t, "qa Klexikon Prod", info.Name)

	writeAsset(t, dir, "other.items.json", threeItems)
	info, err = store.Info(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Count)
	assert.Equal(t, []string{"Chemie", "Physik"}, info.Categories)
	assert.Equal(t, "absent (missing)", info.CompactIndex)
}

func TestVisible(t *testing.T) {
	refs := []models.DatasetRef{
		{ID: "demo"}, {ID: "Demo-Set"}, {ID: "demo_small"}, {ID: "demonstration"},
		{ID: "qa_Klexikon-Prod-180825"}, {ID: "x", Name: "Custom"},
	}
	got := Visible(refs)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"demonstration", "qa_Klexikon-Prod-180825", "x"}, ids)
	assert.Equal(t, "qa Klexikon Prod 180825", got[1].Name)
	assert.Equal(t, "Custom", got[2].Name)
}

type gateSource struct {
	inner   assets.Source
	name    string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if name == g.name {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.inner.Open(ctx, name)
}

func TestStore_LoadSurvivesCancelledFirstCaller(t *testing.T) {
	dir := t.TempDir()
	writeAsset(t, dir, "qa.items.json", threeItems)
	src := &gateSource{
		inner:   assets.NewDirSource(dir),
		name:    "qa.items.json",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := NewStore(src)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := store.Load(ctxA, "qa")
		errA <- err
	}()
	<-src.entered

	type result struct {
		ds  *models.Dataset
		err error
	}
	resB := make(chan result, 1)
	go func() {
		ds, err := store.Load(context.Background(), "qa")
		resB <- result{ds, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(src.release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Len(t, r.ds.Items, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("live caller did not return")
	}
}
