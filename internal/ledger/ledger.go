// Package ledger persists the files that failed during a sync run so the
// next run retries them first.
//
// The ledger file is a JSON array of filenames. It is replaced wholesale at
// the end of every run: it lists only the failures of the most recent run.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Ledger reads and writes the failure list at a fixed path.
type Ledger struct {
	path string
}

// New returns a ledger stored at path.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Load returns the filenames recorded by the previous run. A missing file
// is an empty ledger.
func (l *Ledger) Load() ([]string, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("failed to decode ledger %s: %w", l.path, err)
	}
	return names, nil
}

// Save replaces the ledger with names. Duplicates are dropped, keeping the
// first occurrence.
func (l *Ledger) Save(names []string) error {
	names = Dedup(names)
	if names == nil {
		names = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(names); err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if err := atomic.WriteFile(l.path, &buf); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

// Dedup returns names without repeats, in first-seen order.
func Dedup(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Prioritize moves the items named in failed to the front, in ledger order,
// and keeps the remaining items in their original order. Names in failed
// that match no item are returned as missing.
func Prioritize[T any](items []T, name func(T) string, failed []string) (ordered []T, missing []string) {
	if len(failed) == 0 {
		return items, nil
	}

	index := make(map[string][]int)
	for i, it := range items {
		n := name(it)
		index[n] = append(index[n], i)
	}

	taken := make(map[int]bool)
	ordered = make([]T, 0, len(items))
	for _, f := range Dedup(failed) {
		idx, ok := index[f]
		if !ok {
			missing = append(missing, f)
			continue
		}
		for _, i := range idx {
			ordered = append(ordered, items[i])
			taken[i] = true
		}
	}
	for i, it := range items {
		if !taken[i] {
			ordered = append(ordered, it)
		}
	}
	return ordered, missing
}
