package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/model"
)

// ReadCSV parses a CSV upload whose first non-blank row is the header.
func ReadCSV(ctx context.Context, r io.Reader) ([]model.Submission, error) {
	rows, errs := streamCSV(ctx, r)
	return collect(rows, errs)
}

// streamCSV sends rows on a channel. Both channels close when reading ends.
func streamCSV(ctx context.Context, r io.Reader) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "ingest: csv cancelled")
				return
			}
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "ingest: csv read row")
				return
			}
			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: csv cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
