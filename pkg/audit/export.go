package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportNDJSON writes matching records as newline-delimited JSON.
func (l *Log) ExportNDJSON(ctx context.Context, q Query, w io.Writer) error {
	records, err := l.Search(ctx, q)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding audit record %d: %w", rec.Seq, err)
		}
	}
	return nil
}

// csvHeader is the column order for CSV export.
var csvHeader = []string{"seq", "ts", "principal", "action", "resource", "params_hash", "outcome", "prev_hash"}

// ExportCSV writes matching records as CSV with a header row. Timestamps
// are RFC 3339.
func (l *Log) ExportCSV(ctx context.Context, q Query, w io.Writer) error {
	records, err := l.Search(ctx, q)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatUint(rec.Seq, 10),
			rec.TS.Format(time.RFC3339Nano),
			rec.Principal,
			rec.Action,
			rec.Resource,
			rec.ParamsHash,
			rec.Outcome,
			rec.PrevHash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
