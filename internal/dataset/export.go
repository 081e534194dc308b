package dataset

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/qamatch/internal/models"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

// ExportRecords rebuilds each record from its original fields with url and
// category normalized and the embedding attached when present.
func ExportRecords(ds *models.Dataset) []map[string]any {
	out := make([]map[string]any, len(ds.Items))
	for i := range ds.Items {
		it := &ds.Items[i]
		rec := make(map[string]any, len(it.Raw)+3)
		for k, v := range it.Raw {
			rec[k] = v
		}
		if it.Raw == nil {
			rec["question"] = it.Question
			rec["answer"] = it.Answer
			putIf(rec, "type", it.Type)
			putIf(rec, "difficulty", it.Difficulty)
			putIf(rec, "level", it.Level)
			putIf(rec, "node_id", it.NodeID)
		}
		putIf(rec, "url", it.URL)
		putIf(rec, "category", it.Category)
		delete(rec, "embedding")
		if it.HasEmbedding() {
			rec["embedding"] = it.Embedding
		}
		out[i] = rec
	}
	return out
}

func putIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// Export writes ds to w as JSON or an xlsx workbook.
func Export(w io.Writer, ds *models.Dataset, format string) error {
	switch format {
	case "", FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ExportRecords(ds))
	case FormatXLSX:
		return exportXLSX(w, ds)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

var xlsxColumns = []string{"question", "answer", "url", "category", "type", "difficulty", "level", "node_id", "embedding_dim"}

func exportXLSX(w io.Writer, ds *models.Dataset) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "QA"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	header := make([]any, len(xlsxColumns))
	for i, c := range xlsxColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i := range ds.Items {
		it := &ds.Items[i]
		row := []any{it.Question, it.Answer, it.URL, it.Category, it.Type, it.Difficulty, it.Level, it.NodeID, len(it.Embedding)}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
