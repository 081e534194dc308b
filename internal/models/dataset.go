package models

import (
	"fmt"
	"regexp"
	"sort"
)

// Dataset is the merged, in-memory record sequence for one dataset id.
// Items keep source order; compact index rows refer to positions in Items.
type Dataset struct {
	ID            string     `json:"id"`
	Items         []QARecord `json:"items"`
	HasEmbeddings bool       `json:"has_embeddings"`
}

// NewDataset builds a dataset and derives HasEmbeddings.
func NewDataset(id string, items []QARecord) *Dataset {
	return &Dataset{ID: id, Items: items, HasEmbeddings: AnyEmbedding(items)}
}

// AnyEmbedding reports whether at least one record carries an embedding.
func AnyEmbedding(items []QARecord) bool {
	for i := range items {
		if items[i].HasEmbedding() {
			return true
		}
	}
	return false
}

// Categories returns the distinct non-empty categories, sorted.
func (d *Dataset) Categories() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for i := range d.Items {
		c := d.Items[i].Category
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// DatasetInfo summarizes a dataset for listings and status output.
type DatasetInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Count         int      `json:"count"`
	Categories    []string `json:"categories"`
	HasEmbeddings bool     `json:"has_embeddings"`
	CompactIndex  string   `json:"compact_index"`
}

// DatasetRef is a dataset listed in configuration.
type DatasetRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var datasetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateDatasetID rejects ids that are empty or could escape the asset directory.
func ValidateDatasetID(id string) error {
	if !datasetIDPattern.MatchString(id) {
		return fmt.Errorf("invalid dataset id %q", id)
	}
	return nil
}
