package sheets

import (
	"fmt"

	"github.com/gridware/go-sheet-sync/ledger"
	"github.com/gridware/go-sheet-sync/schema"
)

// DecodeRecords turns raw range values into records using a resolved column
// mapping. values[0] is the header row; data starts on sheet row 2. Rows with
// no mapped id column get a synthetic row-based id so they stay addressable.
func DecodeRecords(values [][]string, mapping schema.Mapping) []ledger.Record {
	if len(values) < 2 {
		return nil
	}

	records := make([]ledger.Record, 0, len(values)-1)
	for i, row := range values[1:] {
		if len(row) == 0 {
			continue
		}

		fields := make(map[string]string, len(mapping))
		for name, idx := range mapping {
			if idx < len(row) {
				fields[name] = row[idx]
			}
		}

		sheetRow := i + 2 // 1-based, after the header
		id := fields["id"]
		if id == "" {
			id = fmt.Sprintf("row-%d", sheetRow)
			fields["id"] = id
		}

		records = append(records, ledger.Record{
			ID:     id,
			Row:    sheetRow,
			Fields: fields,
		})
	}
	return records
}
