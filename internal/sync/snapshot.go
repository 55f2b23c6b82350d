package sync

import (
	"context"
	"fmt"
	"log"
	"slices"

	"github.com/portfolio-tools/imgsync/internal/retry"
	"github.com/portfolio-tools/imgsync/internal/sheet"
)

// Row is one data row of the remote sheet.
type Row struct {
	// Num is the 1-based sheet row number.
	Num    int
	Values []string
}

// Get returns the value of a 1-based column, or "" past the end of the row.
func (r Row) Get(col int) string {
	if col < 1 || col > len(r.Values) {
		return ""
	}
	return r.Values[col-1]
}

// FileID returns the join key of the row.
func (r Row) FileID() string {
	return r.Get(sheet.ColFileID)
}

// Status returns the row's Status value.
func (r Row) Status() string {
	return r.Get(sheet.ColStatus)
}

// Edited reports whether the row is protected from overwrites.
func (r Row) Edited() bool {
	return r.Status() == sheet.StatusEdited
}

// Snapshot is the state of the remote sheet at the start of a run. It is
// never carried across runs.
type Snapshot struct {
	// Rows holds data rows by File ID. When two rows share a File ID the
	// later row wins.
	Rows map[string]Row

	// NewCells resets every "New" status to empty.
	NewCells []sheet.Cell

	// RowCount is the number of rows below the header, including rows with
	// no File ID.
	RowCount int

	// HeaderRepaired is set when the header row was rewritten.
	HeaderRepaired bool
}

// Lookup returns the row for a File ID.
func (s *Snapshot) Lookup(fileID string) (Row, bool) {
	r, ok := s.Rows[fileID]
	return r, ok
}

// ReadSnapshot reads the worksheet, rewriting the header row first when it
// differs from the canonical header. Both calls are retried under policy.
func ReadSnapshot(ctx context.Context, ws sheet.Sheet, policy retry.Policy, logger *log.Logger) (*Snapshot, error) {
	var values [][]string
	read := func(ctx context.Context) error {
		v, err := ws.Values(ctx)
		if err != nil {
			return err
		}
		values = v
		return nil
	}

	if err := policy.Do(ctx, read); err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}

	snap := &Snapshot{Rows: make(map[string]Row)}

	if len(values) == 0 || !headerOK(values[0]) {
		cells := make([]sheet.Cell, len(sheet.Header))
		for i, h := range sheet.Header {
			cells[i] = sheet.Cell{Row: 1, Col: i + 1, Value: h}
		}
		err := policy.Do(ctx, func(ctx context.Context) error {
			return ws.UpdateCells(ctx, cells)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		if logger != nil {
			logger.Printf("Repaired header row")
		}
		snap.HeaderRepaired = true
	}

	if len(values) <= 1 {
		return snap, nil
	}

	data := values[1:]
	snap.RowCount = len(data)
	for i, vals := range data {
		row := Row{Num: i + 2, Values: vals}
		if row.Status() == sheet.StatusNew {
			snap.NewCells = append(snap.NewCells, sheet.Cell{Row: row.Num, Col: sheet.ColStatus, Value: sheet.StatusNone})
		}
		if id := row.FileID(); id != "" {
			snap.Rows[id] = row
		}
	}
	return snap, nil
}

func headerOK(row []string) bool {
	if len(row) < len(sheet.Header) {
		return false
	}
	return slices.Equal(row[:len(sheet.Header)], sheet.Header)
}
