package models

import "fmt"

// Similarity threshold bounds and default for accepting a match.
const (
	MinThreshold     = 0.1
	MaxThreshold     = 0.9
	DefaultThreshold = 0.5
)

// MatchPath names the scoring path that produced a match.
type MatchPath string

const (
	// PathCompact is the PCA-reduced (int8 or float32) index scan.
	PathCompact MatchPath = "compact"
	// PathLegacy is the full-precision per-record embedding scan.
	PathLegacy MatchPath = "legacy"
)

// MatchResult is the best-matching record with its cosine similarity.
type MatchResult struct {
	Record     QARecord  `json:"record"`
	Similarity float64   `json:"similarity"`
	ItemIndex  int       `json:"item_index"`
	Path       MatchPath `json:"path"`
}

// MatchRequest is the body of a match API call.
type MatchRequest struct {
	Query     string   `json:"query"`
	DatasetID string   `json:"dataset_id,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// MatchResponse is the response of a match API call. Match is nil when no
// record met the threshold; callers fall back to an unconditioned answer.
type MatchResponse struct {
	Match     *MatchResult `json:"match"`
	DatasetID string       `json:"dataset_id"`
	Threshold float64      `json:"threshold"`
	QueryTime int64        `json:"query_time_ms"`
}

// ValidateThreshold reports whether t is within [MinThreshold, MaxThreshold].
func ValidateThreshold(t float64) error {
	if t < MinThreshold || t > MaxThreshold {
		return fmt.Errorf("threshold %.3f out of range [%.1f, %.1f]", t, MinThreshold, MaxThreshold)
	}
	return nil
}

// Accepts reports whether a similarity meets the threshold (inclusive).
func Accepts(similarity, threshold float64) bool {
	return similarity >= threshold
}
