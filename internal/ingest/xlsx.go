package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/casecrawl/casecrawl/internal/model"
)

// ReadXLSX parses the first sheet of an XLSX workbook.
func ReadXLSX(ctx context.Context, data []byte) ([]model.Submission, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("ingest: workbook has no sheets")
	}
	rows, errs := streamSheet(ctx, f.Sheets[0])
	return collect(rows, errs)
}

// ReadXLSXFile opens path and parses it like ReadXLSX.
func ReadXLSXFile(ctx context.Context, path string) ([]model.Submission, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("ingest: workbook has no sheets")
	}
	rows, errs := streamSheet(ctx, f.Sheets[0])
	return collect(rows, errs)
}

func streamSheet(ctx context.Context, sheet *xlsx.Sheet) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			select {
			case rowCh <- rowToStrings(row):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: xlsx cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
