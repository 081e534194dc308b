// Package cli provides output writers for the qamatch command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/precompute"
	"github.com/hyperjump/qamatch/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json"; empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text or json)", s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteMatch writes a match response to w in the given format.
func WriteMatch(w io.Writer, resp *models.MatchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	if resp.Match == nil {
		fmt.Fprintf(w, "No match in %q at threshold %.2f (%dms)\n", resp.DatasetID, resp.Threshold, resp.QueryTime)
		return nil
	}
	m := resp.Match
	fmt.Fprintf(w, "Match in %q (%s path, %dms)\n", resp.DatasetID, m.Path, resp.QueryTime)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Similarity: %.4f | Item: %d\n", m.Similarity, m.ItemIndex)
	fmt.Fprintf(w, "Question:   %s\n", m.Record.Question)
	fmt.Fprintf(w, "\n%s\n", utils.Truncate(m.Record.Answer, 400))
	if m.Record.URL != "" {
		fmt.Fprintf(w, "\nURL: %s\n", m.Record.URL)
	}
	if m.Record.Category != "" {
		fmt.Fprintf(w, "Category: %s\n", m.Record.Category)
	}
	return nil
}

// WriteInfo writes a dataset summary.
func WriteInfo(w io.Writer, info *models.DatasetInfo, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, info)
	}
	fmt.Fprintf(w, "Dataset:        %s (%s)\n", info.ID, info.Name)
	fmt.Fprintf(w, "Records:        %d\n", info.Count)
	fmt.Fprintf(w, "Embeddings:     %t\n", info.HasEmbeddings)
	fmt.Fprintf(w, "Compact index:  %s\n", info.CompactIndex)
	if len(info.Categories) > 0 {
		fmt.Fprintf(w, "Categories:     %s\n", utils.Truncate(strings.Join(info.Categories, ", "), 200))
	}
	return nil
}

// WriteDatasets writes the dataset listing.
func WriteDatasets(w io.Writer, refs []models.DatasetRef, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, refs)
	}
	if len(refs) == 0 {
		fmt.Fprintln(w, "No datasets configured.")
		return nil
	}
	for _, r := range refs {
		fmt.Fprintf(w, "  %-30s %s\n", r.ID, r.Name)
	}
	return nil
}

// WritePrecompute writes the outcome of an embedding run.
func WritePrecompute(w io.Writer, res *precompute.Result, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	if res.Updated == 0 && res.Retries == 0 && res.Elapsed == 0 {
		fmt.Fprintf(w, "Nothing to do: all %d records already have embeddings.\n", res.Total)
		return nil
	}
	fmt.Fprintf(w, "Embedded %d of %d records in %s (%d retries, run %s)\n",
		res.Updated, res.Total, res.Elapsed.Round(time.Millisecond), res.Retries, res.RunID)
	return nil
}

// ProgressPrinter returns a progress callback that rewrites one line on w.
func ProgressPrinter(w io.Writer) func(done, total int) {
	return func(done, total int) {
		pct := 100.0
		if total > 0 {
			pct = float64(done) * 100 / float64(total)
		}
		fmt.Fprintf(w, "\rEmbedding %d/%d (%.0f%%)", done, total, pct)
		if done >= total {
			fmt.Fprintln(w)
		}
	}
}
