package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/retry"
	"github.com/portfolio-tools/imgsync/internal/sheet"
)

var errRateLimited = errors.New("429 rate limited")

// memSheet is an in-memory worksheet with failure hooks.
type memSheet struct {
	rows [][]string

	failUpdate func(cells []sheet.Cell) error
	failAppend func(rows [][]string) error

	updateCalls int
	appendCalls int
}

func newMemSheet(rows ...[]string) *memSheet {
	return &memSheet{rows: rows}
}

func (m *memSheet) Values(ctx context.Context) ([][]string, error) {
	last := m.lastRow()
	out := make([][]string, last)
	for i := range out {
		out[i] = append([]string(nil), m.rows[i]...)
	}
	return out, nil
}

func (m *memSheet) UpdateCells(ctx context.Context, cells []sheet.Cell) error {
	m.updateCalls++
	if m.failUpdate != nil {
		if err := m.failUpdate(cells); err != nil {
			return err
		}
	}
	for _, c := range cells {
		m.set(c.Row, c.Col, c.Value)
	}
	return nil
}

func (m *memSheet) AppendRows(ctx context.Context, rows [][]string) error {
	m.appendCalls++
	if m.failAppend != nil {
		if err := m.failAppend(rows); err != nil {
			return err
		}
	}
	last := m.lastRow()
	for i, r := range rows {
		for j, v := range r {
			m.set(last+i+1, j+1, v)
		}
	}
	return nil
}

func (m *memSheet) set(row, col int, v string) {
	for len(m.rows) < row {
		m.rows = append(m.rows, nil)
	}
	r := m.rows[row-1]
	for len(r) < col {
		r = append(r, "")
	}
	r[col-1] = v
	m.rows[row-1] = r
}

func (m *memSheet) lastRow() int {
	for i := len(m.rows) - 1; i >= 0; i-- {
		for _, v := range m.rows[i] {
			if v != "" {
				return i + 1
			}
		}
	}
	return 0
}

// cell returns a value, or "" outside the grid.
func (m *memSheet) cell(row, col int) string {
	if row > len(m.rows) || col > len(m.rows[row-1]) {
		return ""
	}
	return m.rows[row-1][col-1]
}

// memBook holds memSheets by name.
type memBook struct {
	sheets map[string]*memSheet
}

func (b *memBook) Worksheet(ctx context.Context, name string) (sheet.Sheet, error) {
	s, ok := b.sheets[name]
	if !ok {
		return nil, sheet.ErrNoSheet
	}
	return s, nil
}

func (b *memBook) AddWorksheet(ctx context.Context, name string, rows, cols int) (sheet.Sheet, error) {
	if b.sheets == nil {
		b.sheets = make(map[string]*memSheet)
	}
	s := newMemSheet()
	b.sheets[name] = s
	return s, nil
}

// fakeStore publishes to memory and can fail a number of times per key.
type fakeStore struct {
	published map[string]string
	failures  map[string]int
	calls     []string
	before    func(key string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{published: map[string]string{}, failures: map[string]int{}}
}

func (f *fakeStore) EnsurePublic(ctx context.Context, key, localPath string) (string, error) {
	f.calls = append(f.calls, key)
	if f.before != nil {
		f.before(key)
	}
	if f.failures[key] > 0 {
		f.failures[key]--
		return "", errRateLimited
	}
	url := "https://cdn.example.com/" + key + "\r\n"
	f.published[key] = url
	return url, nil
}

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func fastPolicy(name string, mult float64) retry.Policy {
	return retry.Policy{Name: name, MaxAttempts: 3, Initial: time.Millisecond, Multiplier: mult}
}

func fastExecutorConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig()
	cfg.UpdatePause = 0
	cfg.AppendPause = 0
	cfg.RowPause = 0
	cfg.Settle = 0
	cfg.ThumbnailPause = 0
	cfg.ClearNewPause = 0
	cfg.UpdateRetry = fastPolicy("update cells", 3)
	cfg.AppendRetry = fastPolicy("append rows", 2)
	cfg.Logger = discard()
	return cfg
}

func testCache(t *testing.T, dir string) *cache.Cache {
	t.Helper()
	cfg := cache.DefaultConfig(filepath.Join(dir, "image_cache.json"))
	cfg.Logger = discard()
	c, err := cache.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	return c
}

// writeImages creates files with the given names and contents.
func writeImages(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
}

func header() []string {
	return append([]string(nil), sheet.Header...)
}

func dataRow(fileID, title, status string) []string {
	r := make([]string, sheet.NumCols)
	r[sheet.ColTitle-1] = title
	r[sheet.ColFileID-1] = fileID
	r[sheet.ColStatus-1] = status
	return r
}
