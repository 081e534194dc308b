package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/qamatch/internal/models"
)

// ReadRecordsFile loads bundled records from a .json array or an .xlsx sheet.
func ReadRecordsFile(path string) ([]models.QARecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return readRecordsXLSX(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read records: %w", err)
		}
		return DecodeRecords(data)
	}
}

// readRecordsXLSX reads the first sheet; row 1 holds column names using the
// same field names (and aliases) as the JSON format.
func readRecordsXLSX(path string) ([]models.QARecord, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("get rows for sheet %q: %w", sheets[0], err)
	}
	if len(rows) < 2 {
		return nil, nil
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	records := make([]models.QARecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		obj := make(map[string]any, len(header))
		for i, cell := range row {
			if i >= len(header) || header[i] == "" || header[i] == "embedding" || cell == "" {
				continue
			}
			obj[header[i]] = cell
		}
		if len(obj) == 0 {
			continue
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		var rec models.QARecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
