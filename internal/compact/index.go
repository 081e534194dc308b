// Package compact loads and builds the PCA-reduced, optionally int8-quantized
// embedding index published next to each dataset.
package compact

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperjump/qamatch/internal/vector"
)

// Quant is the element encoding of the index rows.
type Quant string

const (
	QuantInt8    Quant = "int8"
	QuantFloat32 Quant = "float32"
)

// Asset file suffixes appended to the dataset id.
const (
	SuffixMeta       = ".meta.json"
	SuffixEmbeddings = ".embeddings.bin"
	SuffixComponents = ".pca_components.bin"
	SuffixMean       = ".pca_mean.bin"
	SuffixItems      = ".items.json"
)

// Files names the binary blobs of an index.
type Files struct {
	Embeddings    string `json:"embeddings"`
	PCAComponents string `json:"pca_components"`
	PCAMean       string `json:"pca_mean"`
}

// Meta describes a compact index. It is the content of <id>.meta.json.
type Meta struct {
	Version        int    `json:"version,omitempty"`
	ProviderID     string `json:"providerId,omitempty"`
	Model          string `json:"model,omitempty"`
	DatasetID      string `json:"dataset_id"`
	SourceDim      int    `json:"source_dim,omitempty"`
	PCADim         int    `json:"pca_dim"`
	Quant          Quant  `json:"quant"`
	Rows           int    `json:"rows"`
	Files          *Files `json:"files,omitempty"`
	RowToItemIndex []int  `json:"row_to_item_index"`
}

// ParseMeta decodes and sanity-checks a meta document.
func ParseMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if m.DatasetID == "" {
		return nil, errors.New("meta: missing dataset_id")
	}
	if m.Quant != QuantInt8 && m.Quant != QuantFloat32 {
		return nil, fmt.Errorf("meta: unsupported quant %q", m.Quant)
	}
	if m.Rows < 0 || m.PCADim <= 0 {
		return nil, fmt.Errorf("meta: invalid shape rows=%d pca_dim=%d", m.Rows, m.PCADim)
	}
	return &m, nil
}

// BlobNames returns the embeddings, components and mean asset names.
// Names listed in meta.files win over the <dataset_id><suffix> defaults.
func (m *Meta) BlobNames() (emb, comps, mean string) {
	emb = m.DatasetID + SuffixEmbeddings
	comps = m.DatasetID + SuffixComponents
	mean = m.DatasetID + SuffixMean
	if m.Files != nil {
		if m.Files.Embeddings != "" {
			emb = m.Files.Embeddings
		}
		if m.Files.PCAComponents != "" {
			comps = m.Files.PCAComponents
		}
		if m.Files.PCAMean != "" {
			mean = m.Files.PCAMean
		}
	}
	return emb, comps, mean
}

// Index is a loaded compact index. Exactly one of Int8 and Float32 is set,
// holding Rows*PCADim values in row-major order.
type Index struct {
	Meta       Meta
	Int8       []int8
	Float32    []float32
	Components []float32
	Mean       []float32
	SourceDim  int
}

// NewIndex decodes the blobs against meta and validates every shape invariant.
func NewIndex(meta *Meta, emb, comps, mean []byte) (*Index, error) {
	idx := &Index{Meta: *meta}
	var err error
	if idx.Components, err = vector.Float32sFromBytes(comps); err != nil {
		return nil, fmt.Errorf("components: %w", err)
	}
	if idx.Mean, err = vector.Float32sFromBytes(mean); err != nil {
		return nil, fmt.Errorf("mean: %w", err)
	}
	idx.SourceDim = len(idx.Mean)

	switch meta.Quant {
	case QuantInt8:
		idx.Int8 = vector.Int8sFromBytes(emb)
	case QuantFloat32:
		if idx.Float32, err = vector.Float32sFromBytes(emb); err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
	}
	if err := idx.validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (x *Index) validate() error {
	m := &x.Meta
	n := len(x.Int8)
	if m.Quant == QuantFloat32 {
		n = len(x.Float32)
	}
	if n != m.Rows*m.PCADim {
		return fmt.Errorf("embeddings hold %d values, want rows*pca_dim=%d", n, m.Rows*m.PCADim)
	}
	if x.SourceDim == 0 {
		return errors.New("empty pca mean")
	}
	if m.SourceDim != 0 && m.SourceDim != x.SourceDim {
		return fmt.Errorf("mean has %d values, meta source_dim is %d", x.SourceDim, m.SourceDim)
	}
	if len(x.Components) != x.SourceDim*m.PCADim {
		return fmt.Errorf("components hold %d values, want source_dim*pca_dim=%d", len(x.Components), x.SourceDim*m.PCADim)
	}
	if len(m.RowToItemIndex) != m.Rows {
		return fmt.Errorf("row_to_item_index has %d entries, want %d", len(m.RowToItemIndex), m.Rows)
	}
	for r, i := range m.RowToItemIndex {
		if i < 0 {
			return fmt.Errorf("row %d maps to negative item index %d", r, i)
		}
	}
	return nil
}

// Rows returns the number of indexed rows.
func (x *Index) Rows() int { return x.Meta.Rows }

// Project maps a source-space query into the index space (PCA + L2 normalize).
func (x *Index) Project(query []float32) ([]float32, error) {
	return vector.PCAProjectNormalize(query, x.Mean, x.Components, x.Meta.PCADim)
}

// Best scans every row against the projected, normalized query q and returns
// the item index of the row with the highest cosine. Rows whose item is
// rejected by keep are skipped; a nil keep accepts all. Ties keep the first
// row. ok is false when no row qualifies.
func (x *Index) Best(q []float32, keep func(item int) bool) (item int, score float64, ok bool) {
	d := x.Meta.PCADim
	var q8 []int8
	if x.Meta.Quant == QuantInt8 {
		q8 = vector.QuantizeInt8Normalized(q)
	}
	item = -1
	for r := 0; r < x.Meta.Rows; r++ {
		it := x.Meta.RowToItemIndex[r]
		if keep != nil && !keep(it) {
			continue
		}
		var s float64
		if q8 != nil {
			s = vector.CosineFromInt8Dot(vector.DotInt8(q8, x.Int8[r*d:(r+1)*d]))
		} else {
			s = vector.InnerProduct(q, x.Float32[r*d:(r+1)*d])
		}
		if item < 0 || s > score {
			item, score = it, s
		}
	}
	return item, score, item >= 0
}
