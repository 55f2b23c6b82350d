// Package sheet models the remote tabular store the sync engine writes to:
// named worksheets holding a grid of string cells addressed by 1-based row
// and column, with a fixed 10-column header row.
//
// Rows are only ever written whole (appends) or as single-cell replacements
// (patches), so a reader never observes a half-written field.
package sheet

import (
	"context"
	"errors"
	"strconv"
)

// ErrNoSheet is returned by Book.Worksheet when the worksheet does not exist.
var ErrNoSheet = errors.New("worksheet not found")

// Column positions, 1-based.
const (
	ColYear = iota + 1
	ColClient
	ColTitle
	ColSubtitle
	ColDetail
	ColTags
	ColPreviewURL
	ColThumbnail
	ColFileID
	ColStatus

	NumCols = ColStatus
)

// Header is the canonical header row.
var Header = []string{
	"Year", "Client", "Title", "Subtitle", "Detail",
	"Tags", "Preview URL", "Thumbnail", "File ID", "Status",
}

// Status values recognized in the Status column.
const (
	StatusNone   = ""
	StatusEdited = "Edited"
	StatusNew    = "New"
)

// Default size for newly created worksheets.
const (
	DefaultRows = 1000
	DefaultCols = NumCols
)

// Cell is a single-cell patch.
type Cell struct {
	Row   int
	Col   int
	Value string
}

// Sheet is one worksheet.
type Sheet interface {
	// Values returns every row up to the last non-empty one. Rows are padded
	// to the width of the widest row.
	Values(ctx context.Context) ([][]string, error)

	// UpdateCells writes all cells or none.
	UpdateCells(ctx context.Context, cells []Cell) error

	// AppendRows writes rows after the last non-empty row, all or none.
	AppendRows(ctx context.Context, rows [][]string) error
}

// Book is a collection of worksheets.
type Book interface {
	Worksheet(ctx context.Context, name string) (Sheet, error)
	AddWorksheet(ctx context.Context, name string, rows, cols int) (Sheet, error)
}

// OpenOrCreate returns the named worksheet, creating it with the default
// size if it does not exist.
func OpenOrCreate(ctx context.Context, b Book, name string) (Sheet, bool, error) {
	s, err := b.Worksheet(ctx, name)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, ErrNoSheet) {
		return nil, false, err
	}
	s, err = b.AddWorksheet(ctx, name, DefaultRows, DefaultCols)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// ColumnName returns the spreadsheet letter for a 1-based column (1 -> A).
func ColumnName(col int) string {
	var name []byte
	for col > 0 {
		col--
		name = append([]byte{byte('A' + col%26)}, name...)
		col /= 26
	}
	return string(name)
}

// A1 returns the A1 reference of a cell, e.g. G2.
func A1(row, col int) string {
	return ColumnName(col) + strconv.Itoa(row)
}
