// Package models defines core data structures for QA records, datasets, and match results.
package models

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// QARecord is one question/answer entry of a dataset.
type QARecord struct {
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	URL        string    `json:"url,omitempty"`
	Category   string    `json:"category,omitempty"`
	Type       string    `json:"type,omitempty"`
	Difficulty string    `json:"difficulty,omitempty"`
	Level      string    `json:"level,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`

	// Raw is the source object as loaded, kept for export.
	Raw map[string]any `json:"-"`
}

// Key is the stable cache key of a record: NodeID if present, else the question verbatim.
// Two records with identical questions and no node id share a key.
func (r *QARecord) Key() string {
	if r.NodeID != "" {
		return r.NodeID
	}
	return r.Question
}

// HasEmbedding reports whether a full-precision embedding is attached.
func (r *QARecord) HasEmbedding() bool {
	return len(r.Embedding) > 0
}

// WithEmbedding returns a copy of r carrying emb.
func (r QARecord) WithEmbedding(emb []float32) QARecord {
	r.Embedding = emb
	return r
}

// rawRecord accepts the field aliases found in published datasets.
type rawRecord struct {
	Question   flexString `json:"question"`
	Answer     flexString `json:"answer"`
	URL        flexString `json:"url"`
	WWWURL     flexString `json:"wwwurl"`
	Category   flexString `json:"category"`
	Subject    flexString `json:"subject"`
	Type       flexString `json:"type"`
	Difficulty flexString `json:"difficulty"`
	Level      flexString `json:"level"`
	NodeID     flexString `json:"node_id"`
	ID         flexString `json:"id"`
	Embedding  []float32  `json:"embedding"`
}

// UnmarshalJSON normalizes aliases: url|wwwurl, category|subject, node_id|id.
// Scalar tags may be strings or numbers.
func (r *QARecord) UnmarshalJSON(data []byte) error {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*r = QARecord{
		Question:   string(raw.Question),
		Answer:     string(raw.Answer),
		URL:        firstNonEmpty(raw.URL, raw.WWWURL),
		Category:   firstNonEmpty(raw.Category, raw.Subject),
		Type:       string(raw.Type),
		Difficulty: string(raw.Difficulty),
		Level:      string(raw.Level),
		NodeID:     firstNonEmpty(raw.NodeID, raw.ID),
		Embedding:  raw.Embedding,
		Raw:        all,
	}
	return nil
}

func firstNonEmpty(values ...flexString) string {
	for _, v := range values {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// flexString decodes a JSON string, number or boolean into its text form; null becomes "".
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	*f = flexString(strconv.FormatBool(b))
	return nil
}
