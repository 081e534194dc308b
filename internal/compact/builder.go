package compact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/vector"
)

// DefaultPCADim is the target dimension when BuildOptions.PCADim is zero.
const DefaultPCADim = 256

// BuildOptions controls index construction.
type BuildOptions struct {
	DatasetID  string
	PCADim     int
	DisablePCA bool // keep the source dimension and use an identity projection
	Float32    bool // store float32 rows instead of int8
	ProviderID string
	Model      string
}

// Build fits a PCA over the embedded records and returns the reduced index.
// Records without an embedding are skipped; row r maps to the position of its
// record in records.
func Build(records []models.QARecord, opts BuildOptions) (*Index, error) {
	if err := models.ValidateDatasetID(opts.DatasetID); err != nil {
		return nil, err
	}
	var rowToItem []int
	sourceDim := 0
	for i := range records {
		if !records[i].HasEmbedding() {
			continue
		}
		if sourceDim == 0 {
			sourceDim = len(records[i].Embedding)
		}
		if len(records[i].Embedding) != sourceDim {
			return nil, fmt.Errorf("item %d: embedding dim %d, want %d: %w",
				i, len(records[i].Embedding), sourceDim, vector.ErrDimensionMismatch)
		}
		rowToItem = append(rowToItem, i)
	}
	n := len(rowToItem)
	if n == 0 {
		return nil, errors.New("no embeddings to index")
	}

	x := mat.NewDense(n, sourceDim, nil)
	for r, i := range rowToItem {
		for j, v := range records[i].Embedding {
			x.Set(r, j, float64(v))
		}
	}
	mean := make([]float64, sourceDim)
	for j := 0; j < sourceDim; j++ {
		var s float64
		for r := 0; r < n; r++ {
			s += x.At(r, j)
		}
		mean[j] = s / float64(n)
	}
	for r := 0; r < n; r++ {
		for j := 0; j < sourceDim; j++ {
			x.Set(r, j, x.At(r, j)-mean[j])
		}
	}

	pcaDim := opts.PCADim
	if pcaDim <= 0 {
		pcaDim = DefaultPCADim
	}
	var comps *mat.Dense
	if opts.DisablePCA {
		pcaDim = sourceDim
		comps = mat.NewDense(sourceDim, pcaDim, nil)
		for i := 0; i < sourceDim; i++ {
			comps.Set(i, i, 1)
		}
	} else {
		var svd mat.SVD
		if ok := svd.Factorize(x, mat.SVDThin); !ok {
			return nil, errors.New("svd did not converge")
		}
		var v mat.Dense
		svd.VTo(&v)
		_, k := v.Dims()
		if pcaDim > k {
			pcaDim = k
		}
		comps = mat.DenseCopyOf(v.Slice(0, sourceDim, 0, pcaDim))
	}

	var proj mat.Dense
	proj.Mul(x, comps)

	idx := &Index{
		Meta: Meta{
			Version:        1,
			ProviderID:     opts.ProviderID,
			Model:          opts.Model,
			DatasetID:      opts.DatasetID,
			SourceDim:      sourceDim,
			PCADim:         pcaDim,
			Quant:          QuantInt8,
			Rows:           n,
			RowToItemIndex: rowToItem,
		},
		Components: make([]float32, 0, sourceDim*pcaDim),
		Mean:       make([]float32, sourceDim),
		SourceDim:  sourceDim,
	}
	if opts.Float32 {
		idx.Meta.Quant = QuantFloat32
	}
	for i := 0; i < sourceDim; i++ {
		idx.Mean[i] = float32(mean[i])
		for j := 0; j < pcaDim; j++ {
			idx.Components = append(idx.Components, float32(comps.At(i, j)))
		}
	}
	row := make([]float32, pcaDim)
	for r := 0; r < n; r++ {
		for j := 0; j < pcaDim; j++ {
			row[j] = float32(proj.At(r, j))
		}
		vector.NormalizeL2(row)
		if opts.Float32 {
			idx.Float32 = append(idx.Float32, row...)
		} else {
			idx.Int8 = append(idx.Int8, vector.QuantizeInt8Normalized(row)...)
		}
	}
	idx.Meta.Files = &Files{
		Embeddings:    opts.DatasetID + SuffixEmbeddings,
		PCAComponents: opts.DatasetID + SuffixComponents,
		PCAMean:       opts.DatasetID + SuffixMean,
	}
	return idx, nil
}

// WriteAssets writes the five asset files of idx into dir. The items file
// holds records in their original order, trimmed and without embeddings, so
// row_to_item_index stays valid against it.
func WriteAssets(dir string, idx *Index, records []models.QARecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}
	id := idx.Meta.DatasetID
	emb := vector.Int8sToBytes(idx.Int8)
	if idx.Meta.Quant == QuantFloat32 {
		emb = vector.Float32sToBytes(idx.Float32)
	}
	meta, err := json.Marshal(idx.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	compactItems := make([]models.QARecord, len(records))
	for i, r := range records {
		compactItems[i] = models.QARecord{
			Question:   strings.TrimSpace(r.Question),
			Answer:     strings.TrimSpace(r.Answer),
			URL:        r.URL,
			Category:   r.Category,
			Type:       r.Type,
			Difficulty: r.Difficulty,
			Level:      r.Level,
			NodeID:     r.NodeID,
		}
	}
	items, err := json.Marshal(compactItems)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{id + SuffixEmbeddings, emb},
		{id + SuffixComponents, vector.Float32sToBytes(idx.Components)},
		{id + SuffixMean, vector.Float32sToBytes(idx.Mean)},
		{id + SuffixItems, items},
		// meta last: its presence is what flips a dataset to the compact path
		{id + SuffixMeta, meta},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}
