package matcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/hyperjump/qamatch/internal/compact"
	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/models"
)

func benchRecords(b *testing.B, n, dim int) []models.QARecord {
	b.Helper()
	p := embedding.NewMockProvider(dim)
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("Frage Nummer %d zum Thema %d", i, i%17)
	}
	vecs, err := p.Embed(context.Background(), texts)
	if err != nil {
		b.Fatal(err)
	}
	recs := make([]models.QARecord, n)
	for i := range recs {
		recs[i] = models.QARecord{Question: texts[i], Answer: "a", Embedding: vecs[i]}
	}
	return recs
}

func BenchmarkFindBestMatch_legacy(b *testing.B) {
	recs := benchRecords(b, 2000, 384)
	m := New(newStore("bench", recs), nil, embedding.NewCachedProvider(embedding.NewMockProvider(384), 16), enabled(0.1))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.FindBestMatch(ctx, "Frage Nummer 42 zum Thema 8", "bench")
	}
}

func benchCompact(b *testing.B, float32Rows bool) {
	recs := benchRecords(b, 2000, 384)
	idx, err := compact.Build(recs, compact.BuildOptions{DatasetID: "bench", PCADim: 128, Float32: float32Rows})
	if err != nil {
		b.Fatal(err)
	}
	m := New(newStore("bench", recs), staticIndexes{"bench": idx}, embedding.NewCachedProvider(embedding.NewMockProvider(384), 16), enabled(0.1))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.FindBestMatch(ctx, "Frage Nummer 42 zum Thema 8", "bench")
	}
}

func BenchmarkFindBestMatch_compactInt8(b *testing.B)    { benchCompact(b, false) }
func BenchmarkFindBestMatch_compactFloat32(b *testing.B) { benchCompact(b, true) }
