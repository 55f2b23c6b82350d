package export

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/portfolio-tools/imgsync/internal/naming"
	"github.com/portfolio-tools/imgsync/internal/sheet"
)

// staticSheet serves a fixed grid.
type staticSheet [][]string

func (s staticSheet) Values(context.Context) ([][]string, error) { return s, nil }

func (s staticSheet) UpdateCells(context.Context, []sheet.Cell) error { return nil }

func (s staticSheet) AppendRows(context.Context, [][]string) error { return nil }

func ptr[T any](v T) *T { return &v }

func testVocab() *naming.Vocabulary {
	return naming.NewVocabulary([]naming.Category{
		{ID: "print", Subcategories: []naming.Subcategory{{Tag: "poster"}, {Tag: "flyer"}}},
		{ID: "web", Subcategories: []naming.Subcategory{{Tag: "banner"}}},
	})
}

func TestItems(t *testing.T) {
	ws := staticSheet{
		append(append([]string{}, sheet.Header...), "Order"),
		{"2024", "Acme", "Poster", "Spring", "Spring / 01", "misc, poster", "https://cdn/a.jpg", "=IMAGE(G2)", "a.jpg", "", "3"},
		{"2023", "Globex", "Banner", "", "", "banner", "https://cdn/b.jpg", "https://cdn/b_thumb.jpg", "b.jpg", "Edited", "x"},
		{"2022", "Initech", "", "", "", "", "https://cdn/c.jpg", "", "c.jpg", "", ""},
		{"2022", "Initech", "Card", "", "", "", "", "", "d.jpg", "", ""},
		{"2021", "Umbrella", "Logo"},
	}

	items, err := New(testVocab(), log.New(io.Discard, "", 0)).Items(context.Background(), ws)
	if err != nil {
		t.Fatalf("Items() failed: %v", err)
	}

	want := []Item{
		{
			Title: "Poster", Subtitle: "Spring", Year: "2024", Client: "Acme", Detail: "Spring / 01",
			Tags: []string{"misc", "poster"}, PreviewURL: "https://cdn/a.jpg", Thumbnail: "https://cdn/a.jpg",
			FileID: "a.jpg", MainCategory: ptr("print"), Order: ptr(3),
		},
		{
			Title: "Banner", Year: "2023", Client: "Globex",
			Tags: []string{"banner"}, PreviewURL: "https://cdn/b.jpg", Thumbnail: "https://cdn/b_thumb.jpg",
			FileID: "b.jpg", MainCategory: ptr("web"),
		},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("Items() mismatch (-want +got):\n%s", diff)
	}
}

func TestItems_EmptySheet(t *testing.T) {
	items, err := New(nil, log.New(io.Discard, "", 0)).Items(context.Background(), staticSheet{})
	if err != nil {
		t.Fatalf("Items() failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Items() = %v, want none", items)
	}
}

func TestExport_WritesJSON(t *testing.T) {
	ws := staticSheet{
		sheet.Header,
		{"2024", "Acme", "Poster", "", "", "unmapped", "https://cdn/a.jpg?x=1&y=2", "", "a.jpg", "", ""},
	}
	path := filepath.Join(t.TempDir(), "data", "gallery_data.json")

	n, err := New(testVocab(), log.New(io.Discard, "", 0)).Export(context.Background(), ws, path)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Export() = %d items, want 1", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if v, ok := raw[0]["mainCategory"]; !ok || v != nil {
		t.Errorf("mainCategory = %v (present %v), want null", v, ok)
	}
	if _, ok := raw[0]["order"]; ok {
		t.Error("order should be omitted when the column is absent")
	}
	if raw[0]["previewURL"] != "https://cdn/a.jpg?x=1&y=2" {
		t.Errorf("previewURL = %v", raw[0]["previewURL"])
	}
}

func TestWrite_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := Write(path, nil); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "[]\n" {
		t.Errorf("Write(nil) = %q, want []", data)
	}
}
