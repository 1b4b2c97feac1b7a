package sheets

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gridware/go-sheet-sync/ledger"
	"github.com/gridware/go-sheet-sync/schema"
)

var _ ledger.RowWriter = (*RecordWriter)(nil)

// RecordWriter adapts the range API to the Ledger's one-write-per-record
// contract: a record becomes one full row, placed by the resolved column
// mapping, written in a single call so the row is atomic from the caller's
// perspective. Records without a row yet are appended.
type RecordWriter struct {
	client  *Client
	sheet   string
	mapping schema.Mapping
	width   int
}

// NewRecordWriter builds a writer for one sheet using a resolved mapping.
func NewRecordWriter(client *Client, sheet string, mapping schema.Mapping) (*RecordWriter, error) {
	if client == nil {
		return nil, errors.New("[NewRecordWriter] client is required")
	}
	if len(mapping) == 0 {
		return nil, errors.New("[NewRecordWriter] column mapping is required")
	}

	width := 0
	for _, idx := range mapping {
		if idx+1 > width {
			width = idx + 1
		}
	}

	return &RecordWriter{
		client:  client,
		sheet:   sheet,
		mapping: mapping,
		width:   width,
	}, nil
}

// WriteRow places the record's fields into their physical columns and writes
// the whole row range. It returns the sheet row the record occupies after the
// write: for an append, the row reported by the store's updated range, so the
// caller can update that row in place next time instead of appending a
// duplicate.
func (w *RecordWriter) WriteRow(ctx context.Context, record ledger.Record) (int, error) {
	row := make([]string, w.width)
	for name, value := range record.Fields {
		idx, ok := w.mapping[name]
		if !ok || idx >= w.width {
			continue
		}
		row[idx] = value
	}

	if record.Row <= 0 {
		placedRange, err := w.client.Append(ctx, fmt.Sprintf("%s!A:%s", w.sheet, columnLetter(w.width-1)), [][]string{row})
		if err != nil {
			return 0, errors.Wrapf(err, "[RecordWriter.WriteRow] append record %q", record.ID)
		}
		return rowFromRange(placedRange), nil
	}

	rangeRef := fmt.Sprintf("%s!A%d:%s%d", w.sheet, record.Row, columnLetter(w.width-1), record.Row)
	if err := w.client.UpdateRange(ctx, rangeRef, [][]string{row}); err != nil {
		return 0, errors.Wrapf(err, "[RecordWriter.WriteRow] update record %q range %s", record.ID, rangeRef)
	}
	return record.Row, nil
}

// rowFromRange extracts the starting row number from an A1 range reference
// like "Tasks!A7:G7". Returns 0 when the reference has no row component.
func rowFromRange(a1 string) int {
	if i := strings.Index(a1, "!"); i >= 0 {
		a1 = a1[i+1:]
	}
	if i := strings.Index(a1, ":"); i >= 0 {
		a1 = a1[:i]
	}
	digits := strings.TrimLeft(a1, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz$")
	row, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return row
}

// columnLetter converts a zero-based column index to its A1 letter ("A", "J",
// "AA", ...).
func columnLetter(index int) string {
	letters := ""
	for index >= 0 {
		letters = string(rune('A'+index%26)) + letters
		index = index/26 - 1
	}
	return letters
}
