// Package export turns the worksheet into the gallery JSON consumed by the
// portfolio site.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/portfolio-tools/imgsync/internal/naming"
	"github.com/portfolio-tools/imgsync/internal/sheet"
)

// Item is one gallery entry.
type Item struct {
	Title        string   `json:"title"`
	Subtitle     string   `json:"subtitle"`
	Year         string   `json:"year"`
	Client       string   `json:"client"`
	Detail       string   `json:"detail"`
	Tags         []string `json:"tags"`
	PreviewURL   string   `json:"previewURL"`
	Thumbnail    string   `json:"thumbnail"`
	FileID       string   `json:"fileId"`
	MainCategory *string  `json:"mainCategory"`
	Order        *int     `json:"order,omitempty"`
}

// Exporter builds gallery items from worksheet rows.
type Exporter struct {
	vocab  *naming.Vocabulary
	logger *log.Logger
}

// New returns an exporter. A nil vocabulary leaves every mainCategory null.
func New(vocab *naming.Vocabulary, logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.New(os.Stderr, "[export] ", log.LstdFlags)
	}
	return &Exporter{vocab: vocab, logger: logger}
}

// column names accepted for each field, matched case-insensitively.
var columns = map[string][]string{
	"year":      {"Year"},
	"client":    {"Client"},
	"title":     {"Title"},
	"subtitle":  {"Subtitle"},
	"detail":    {"Detail"},
	"tags":      {"Tags"},
	"preview":   {"Preview URL", "PreviewURL"},
	"thumbnail": {"Thumbnail"},
	"fileid":    {"File ID", "FileID"},
	"order":     {"Order"},
}

// Items reads ws and returns one item per row that has both a title and a
// preview URL. Columns are located by header name, so extra columns such
// as Order may appear anywhere.
func (e *Exporter) Items(ctx context.Context, ws sheet.Sheet) ([]Item, error) {
	values, err := ws.Values(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read worksheet: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	index := headerIndex(values[0])
	get := func(row []string, field string) string {
		i, ok := index[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var items []Item
	skipped := 0
	for _, row := range values[1:] {
		title, preview := get(row, "title"), get(row, "preview")
		if title == "" || preview == "" {
			skipped++
			continue
		}

		tags := splitTags(get(row, "tags"))
		item := Item{
			Title:      title,
			Subtitle:   get(row, "subtitle"),
			Year:       get(row, "year"),
			Client:     get(row, "client"),
			Detail:     get(row, "detail"),
			Tags:       tags,
			PreviewURL: preview,
			Thumbnail:  thumbnail(get(row, "thumbnail"), preview),
			FileID:     get(row, "fileid"),
		}
		if c := e.vocab.MainCategory(tags); c != "" {
			item.MainCategory = &c
		}
		if o := get(row, "order"); o != "" {
			if n, err := strconv.Atoi(o); err == nil {
				item.Order = &n
			}
		}
		items = append(items, item)
	}

	if skipped > 0 {
		e.logger.Printf("Skipped %d rows without a title or preview URL", skipped)
	}
	return items, nil
}

// Export writes the gallery JSON for ws to path and returns the number of
// items written.
func (e *Exporter) Export(ctx context.Context, ws sheet.Sheet, path string) (int, error) {
	items, err := e.Items(ctx, ws)
	if err != nil {
		return 0, err
	}
	if err := Write(path, items); err != nil {
		return 0, err
	}
	e.logger.Printf("Wrote %d items to %s", len(items), path)
	return len(items), nil
}

// Write stores items as indented JSON at path, replacing it atomically.
func Write(path string, items []Item) error {
	if items == nil {
		items = []Item{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("failed to encode gallery: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("failed to write gallery file: %w", err)
	}
	return nil
}

func headerIndex(header []string) map[string]int {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, ok := byName[key]; !ok {
			byName[key] = i
		}
	}

	index := make(map[string]int, len(columns))
	for field, names := range columns {
		for _, n := range names {
			if i, ok := byName[strings.ToLower(n)]; ok {
				index[field] = i
				break
			}
		}
	}
	return index
}

func splitTags(s string) []string {
	tags := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// thumbnail returns the stored thumbnail, or the preview URL when the cell
// is empty or holds a formula rather than a URL.
func thumbnail(cell, preview string) string {
	if cell == "" || strings.HasPrefix(cell, "=") {
		return preview
	}
	return cell
}
