package embedding

import (
	"context"
	"errors"
	"testing"
)

func TestQueryCache_GetSet(t *testing.T) {
	c := NewQueryCache(2)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", []float32{1, 2, 3})
	v, ok := c.Get("a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("b", []float32{4, 5})
	c.Set("c", []float32{6}) // evicts a
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to remain")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d", c.Len())
	}
}

// recordingProvider counts texts it was asked to embed.
type recordingProvider struct {
	*MockProvider
	calls [][]string
	err   error
}

func (r *recordingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	r.calls = append(r.calls, append([]string(nil), texts...))
	if r.err != nil {
		return nil, r.err
	}
	return r.MockProvider.Embed(ctx, texts)
}

func TestCachedProvider_forwardsOnlyMisses(t *testing.T) {
	inner := &recordingProvider{MockProvider: NewMockProvider(8)}
	p := NewCachedProvider(inner, 16)
	ctx := context.Background()

	first, err := p.Embed(ctx, []string{"Was ist Wasser?", "Was ist Feuer?"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Embed(ctx, []string{"Was ist Feuer?", "Was ist Luft?", "Was ist Wasser?"})
	if err != nil {
		t.Fatal(err)
	}
	if len(inner.calls) != 2 || len(inner.calls[1]) != 1 || inner.calls[1][0] != "Was ist Luft?" {
		t.Fatalf("inner calls = %v", inner.calls)
	}
	if second[0][0] != first[1][0] || second[2][0] != first[0][0] {
		t.Error("cached vectors must be returned in request order")
	}
	if p.Meta().ProviderID != "mock" {
		t.Errorf("Meta should pass through, got %+v", p.Meta())
	}
}

func TestCachedProvider_errorsNotCached(t *testing.T) {
	inner := &recordingProvider{MockProvider: NewMockProvider(4), err: errors.New("boom")}
	p := NewCachedProvider(inner, 4)
	if _, err := p.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error")
	}
	inner.err = nil
	if _, err := p.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatal(err)
	}
	if len(inner.calls) != 2 {
		t.Errorf("expected a retry to reach the provider, calls = %d", len(inner.calls))
	}
}

func TestNewCachedProvider_disabled(t *testing.T) {
	inner := NewMockProvider(4)
	if p := NewCachedProvider(inner, 0); p != Provider(inner) {
		t.Error("capacity 0 should return the provider unchanged")
	}
}
