// Package ingest reads batch submissions from CSV and XLSX uploads.
package ingest

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/model"
)

// ErrMissingPartyColumn is returned when no header maps to the party name.
var ErrMissingPartyColumn = eris.New("ingest: missing required column party_name")

// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
var ErrUnsupportedFormat = eris.New("ingest: file must be CSV or XLSX")

var headerAliases = map[string]string{
	"party":       "party",
	"parties":     "party",
	"party_name":  "party",
	"party_names": "party",
	"case_name":   "party",
	"citation":    "citation",
	"cite":        "citation",
	"notes":       "notes",
	"note":        "notes",
}

type columns struct {
	party, citation, notes int
}

func mapHeader(header []string) (columns, error) {
	cols := columns{party: -1, citation: -1, notes: -1}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
		switch headerAliases[key] {
		case "party":
			if cols.party < 0 {
				cols.party = i
			}
		case "citation":
			if cols.citation < 0 {
				cols.citation = i
			}
		case "notes":
			if cols.notes < 0 {
				cols.notes = i
			}
		}
	}
	if cols.party < 0 {
		return cols, ErrMissingPartyColumn
	}
	return cols, nil
}

func (c columns) submission(row []string) (model.Submission, bool) {
	s := model.Submission{
		PartyName: cell(row, c.party),
		Citation:  cell(row, c.citation),
		Notes:     cell(row, c.notes),
	}
	// Rows without a party name are skipped, matching the upload form.
	return s, s.PartyName != ""
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// collect maps header-led rows from a stream into submissions.
func collect(rows <-chan []string, errs <-chan error) ([]model.Submission, error) {
	var (
		cols   columns
		out    []model.Submission
		header = true
		mapErr error
	)
	for row := range rows {
		if mapErr != nil {
			continue
		}
		if header {
			if blank(row) {
				continue
			}
			cols, mapErr = mapHeader(row)
			header = false
			continue
		}
		if s, ok := cols.submission(row); ok {
			out = append(out, s)
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	if mapErr != nil {
		return nil, mapErr
	}
	if header {
		return nil, eris.New("ingest: file is empty")
	}
	return out, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Read dispatches on the file name extension, falling back to the content
// type when the name has none.
func Read(ctx context.Context, name, contentType string, r io.Reader) ([]model.Submission, error) {
	ext := strings.ToLower(filepath.Ext(name))
	ct := strings.ToLower(contentType)
	switch {
	case ext == ".csv" || ext == "" && strings.Contains(ct, "csv"):
		return ReadCSV(ctx, r)
	case ext == ".xlsx" || ext == "" && (strings.Contains(ct, "spreadsheet") || strings.Contains(ct, "excel")):
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read upload")
		}
		return ReadXLSX(ctx, data)
	default:
		return nil, eris.Wrapf(ErrUnsupportedFormat, "ingest: %s", name)
	}
}
