package sheet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store is a Book kept in an embedded SQLite database. Each worksheet is a
// sparse table of non-empty cells.
//
// The database runs with WAL so the status and export commands can read
// while a sync run writes.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens or creates the store at path and initializes its schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS worksheets (
		name TEXT PRIMARY KEY,
		row_count INTEGER NOT NULL,
		col_count INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cells (
		sheet TEXT NOT NULL,
		row_num INTEGER NOT NULL,
		col_num INTEGER NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (sheet, row_num, col_num),
		FOREIGN KEY (sheet) REFERENCES worksheets(name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_cells_row ON cells(sheet, row_num);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Worksheet returns the named worksheet or ErrNoSheet.
func (s *Store) Worksheet(ctx context.Context, name string) (Sheet, error) {
	var n string
	err := s.conn.QueryRowContext(ctx, `SELECT name FROM worksheets WHERE name = ?`, name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSheet, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up worksheet %s: %w", name, err)
	}
	return &worksheet{store: s, name: name}, nil
}

// AddWorksheet creates an empty worksheet. It fails if the name is taken.
func (s *Store) AddWorksheet(ctx context.Context, name string, rows, cols int) (Sheet, error) {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO worksheets (name, row_count, col_count, created_at) VALUES (?, ?, ?, ?)`,
		name, rows, cols, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to create worksheet %s: %w", name, err)
	}
	return &worksheet{store: s, name: name}, nil
}

// Worksheets returns the names of all worksheets.
func (s *Store) Worksheets(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT name FROM worksheets ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list worksheets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan worksheet: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worksheets: %w", err)
	}
	return names, nil
}

type worksheet struct {
	store *Store
	name  string
}

func (w *worksheet) Values(ctx context.Context) ([][]string, error) {
	rows, err := w.store.conn.QueryContext(ctx, `
	SELECT row_num, col_num, value
	FROM cells
	WHERE sheet = ? AND value != ''
	ORDER BY row_num, col_num
	`, w.name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", w.name, err)
	}
	defer rows.Close()

	type cell struct {
		row, col int
		value    string
	}
	var cells []cell
	maxRow, maxCol := 0, 0
	for rows.Next() {
		var c cell
		if err := rows.Scan(&c.row, &c.col, &c.value); err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		cells = append(cells, c)
		maxRow = max(maxRow, c.row)
		maxCol = max(maxCol, c.col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cells: %w", err)
	}

	grid := make([][]string, maxRow)
	for i := range grid {
		grid[i] = make([]string, maxCol)
	}
	for _, c := range cells {
		grid[c.row-1][c.col-1] = c.value
	}
	return grid, nil
}

func (w *worksheet) UpdateCells(ctx context.Context, cells []Cell) error {
	if len(cells) == 0 {
		return nil
	}
	for _, c := range cells {
		if c.Row < 1 || c.Col < 1 {
			return fmt.Errorf("invalid cell %d,%d", c.Row, c.Col)
		}
	}

	tx, err := w.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	maxRow, maxCol := 0, 0
	for _, c := range cells {
		if err := upsertCell(ctx, tx, w.name, c); err != nil {
			return err
		}
		maxRow = max(maxRow, c.Row)
		maxCol = max(maxCol, c.Col)
	}
	if err := growLocked(ctx, tx, w.name, maxRow, maxCol); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (w *worksheet) AppendRows(ctx context.Context, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(row_num), 0) FROM cells WHERE sheet = ? AND value != ''`,
		w.name).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to find last row: %w", err)
	}

	maxCol := 0
	for i, row := range rows {
		r := last + i + 1
		for j, v := range row {
			if err := upsertCell(ctx, tx, w.name, Cell{Row: r, Col: j + 1, Value: v}); err != nil {
				return err
			}
		}
		maxCol = max(maxCol, len(row))
	}
	if err := growLocked(ctx, tx, w.name, last+len(rows), maxCol); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertCell(ctx context.Context, tx *sql.Tx, sheet string, c Cell) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO cells (sheet, row_num, col_num, value)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(sheet, row_num, col_num) DO UPDATE SET
		value = excluded.value
	`, sheet, c.Row, c.Col, c.Value)
	if err != nil {
		return fmt.Errorf("failed to write cell %s: %w", A1(c.Row, c.Col), err)
	}
	return nil
}

// growLocked widens the worksheet's recorded size to cover writes.
func growLocked(ctx context.Context, tx *sql.Tx, sheet string, rows, cols int) error {
	_, err := tx.ExecContext(ctx, `
	UPDATE worksheets SET
		row_count = MAX(row_count, ?),
		col_count = MAX(col_count, ?)
	WHERE name = ?
	`, rows, cols, sheet)
	if err != nil {
		return fmt.Errorf("failed to resize worksheet %s: %w", sheet, err)
	}
	return nil
}

// Size returns the recorded row and column count of a worksheet.
func (s *Store) Size(ctx context.Context, name string) (rows, cols int, err error) {
	err = s.conn.QueryRowContext(ctx,
		`SELECT row_count, col_count FROM worksheets WHERE name = ?`, name).Scan(&rows, &cols)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoSheet, name)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read worksheet size: %w", err)
	}
	return rows, cols, nil
}
