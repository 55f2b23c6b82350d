// Package organize discovers image files and orders them for synchronization.
//
// Files are grouped by base identity (the filename without its sequence
// number) so that the shots of one asset stay together, and each group is
// ordered by sequence number.
package organize

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/portfolio-tools/imgsync/internal/naming"
)

// DefaultExtensions are the image extensions picked up by Scan.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// Item is one local image with its parsed metadata.
type Item struct {
	Path string
	Name string
	Size int64
	Meta naming.Metadata
}

// NewItem parses the filename of path.
func NewItem(path string, size int64) Item {
	return Item{
		Path: path,
		Name: filepath.Base(path),
		Size: size,
		Meta: naming.Parse(path),
	}
}

// Scan walks root recursively and returns an Item for every file whose
// extension (case-insensitive) is in exts. Results are in lexical path order.
// Unreadable entries below root are logged to stderr and skipped.
func Scan(root string, exts []string) ([]Item, error) {
	return Scanner{Extensions: exts}.Scan(root)
}

// Scanner finds image files under a directory.
type Scanner struct {
	// Extensions are matched case-insensitively (default: DefaultExtensions).
	Extensions []string

	// Logger receives skipped entries (default: stderr logger).
	Logger *log.Logger
}

// Scan walks root. A directory that cannot be read and a file that vanishes
// during the walk are logged and skipped; only a failure on root itself is
// returned.
func (s Scanner) Scan(root string) ([]Item, error) {
	if s.Logger == nil {
		s.Logger = log.New(os.Stderr, "[scan] ", log.LstdFlags)
	}
	exts := s.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}

	var items []Item
	if err := filepath.WalkDir(root, s.visit(root, want, &items)); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return items, nil
}

func (s Scanner) visit(root string, want map[string]bool, items *[]Item) fs.WalkDirFunc {
	return func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				s.Logger.Printf("Warning: skipping unreadable directory %s: %v", path, err)
				return fs.SkipDir
			}
			s.Logger.Printf("Warning: skipping %s: %v", path, err)
			return nil
		}
		if d.IsDir() || !want[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.Logger.Printf("Warning: skipping %s: %v", path, err)
			return nil
		}
		*items = append(*items, NewItem(path, info.Size()))
		return nil
	}
}

// Organize groups items by base identity and sorts each group by ascending
// sequence number (absent sequence counts as 0). Groups appear in the order
// their first member appears in items, and the sort within a group is stable.
func Organize(items []Item) []Item {
	var order []string
	groups := make(map[string][]Item)
	for _, it := range items {
		key := it.Meta.BaseIdentity
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}

	out := make([]Item, 0, len(items))
	for _, key := range order {
		g := groups[key]
		sort.SliceStable(g, func(i, j int) bool {
			return g[i].Meta.SequenceNumber() < g[j].Meta.SequenceNumber()
		})
		out = append(out, g...)
	}
	return out
}
