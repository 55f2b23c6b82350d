// Package cache provides the content-addressed cache that records which image
// contents have already been uploaded and where.
//
// Every content hash moves through a small state machine:
//
//	Unseen --BeginPending--> Pending --Commit--> Committed
//	                            |
//	                            +------Abort----> Unseen
//
// Pending is written to disk before an upload starts. A process that dies
// mid-upload leaves the hash Pending, and the next run retries it instead of
// treating it as done. Committed entries beyond the configured limit are
// evicted oldest first; pending entries are never evicted.
//
// The file format is shared with earlier tooling:
//
//	{
//	  "processed_files": {"<md5>": "pending" | <unix seconds>},
//	  "last_processed": "<ISO-8601>" | null,
//	  "gcs_urls": {"<md5>": "<public url>"},
//	  "file_hashes": {"<filename>": "<md5>"}
//	}
package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// ErrInvalidTransition is returned when a state change is not allowed from
// the entry's current state.
var ErrInvalidTransition = errors.New("invalid cache state transition")

// ErrLocked is returned by AcquireLock when another process holds the lock.
var ErrLocked = errors.New("another sync run holds the lock")

// State is the processing state of one content hash.
type State int

const (
	// Unseen hashes have no entry.
	Unseen State = iota
	// Pending hashes have an upload in flight or interrupted.
	Pending
	// Committed hashes were uploaded and confirmed.
	Committed
)

func (s State) String() string {
	switch s {
	case Unseen:
		return "unseen"
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

// Entry is the cached view of one content hash.
type Entry struct {
	State       State
	CommittedAt time.Time
	URL         string
}

// Config holds cache settings.
type Config struct {
	// Path of the JSON cache file.
	Path string

	// Limit is the maximum number of committed entries kept on save.
	// Zero disables eviction.
	Limit int

	// CheckpointEvery saves the cache after this many commits since the last
	// save. Zero disables mid-run checkpoints.
	CheckpointEvery int

	// Logger for cache activity (default: stderr logger).
	Logger *log.Logger

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns the defaults for a cache stored at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		Limit:           1000,
		CheckpointEvery: 50,
		Logger:          log.New(os.Stderr, "[cache] ", log.LstdFlags),
		Now:             time.Now,
	}
}

// Stats summarizes the cache contents.
type Stats struct {
	Committed     int
	Pending       int
	URLs          int
	Names         int
	LastProcessed time.Time
}

// Cache is the in-memory cache backed by a JSON file. It is safe for
// concurrent use.
type Cache struct {
	mu  sync.Mutex
	cfg Config

	entries       map[string]status
	urls          map[string]string
	names         map[string]string
	lastProcessed time.Time

	commitsSinceSave int
}

// Open loads the cache file named in cfg. A missing file yields an empty
// cache. A file that cannot be decoded is logged and treated as empty; a
// single unreadable processed_files entry is logged and dropped.
func Open(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]status),
		urls:    make(map[string]string),
		names:   make(map[string]string),
	}

	data, err := os.ReadFile(cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var f loadFormat
	if err := json.Unmarshal(data, &f); err != nil {
		cfg.Logger.Printf("Warning: failed to decode cache file %s, starting empty: %v", cfg.Path, err)
		return c, nil
	}
	for h, raw := range f.ProcessedFiles {
		var s status
		if err := json.Unmarshal(raw, &s); err != nil {
			cfg.Logger.Printf("Warning: ignoring cache entry %s: %v", h, err)
			continue
		}
		c.entries[h] = s
	}
	for h, u := range f.URLs {
		c.urls[h] = u
	}
	for n, h := range f.FileHashes {
		c.names[n] = h
	}
	if f.LastProcessed != nil {
		if t, ok := parseTimestamp(*f.LastProcessed); ok {
			c.lastProcessed = t
		}
	}
	return c, nil
}

// Path returns the cache file path.
func (c *Cache) Path() string {
	return c.cfg.Path
}

// HashOf returns the content hash of the file at path.
func (c *Cache) HashOf(path string) (string, error) {
	return HashFile(path)
}

// Lookup returns the entry for hash.
func (c *Cache) Lookup(hash string) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{URL: c.urls[hash]}
	s, ok := c.entries[hash]
	switch {
	case !ok:
		e.State = Unseen
	case s.pending:
		e.State = Pending
	default:
		e.State = Committed
		e.CommittedAt = s.time()
	}
	return e
}

// IsAlreadyProcessed reports whether hash has a committed entry.
func (c *Cache) IsAlreadyProcessed(hash string) bool {
	return c.Lookup(hash).State == Committed
}

// BeginPending marks hash as pending and saves the cache before returning,
// so the marker is on disk before any upload is attempted. Re-entering
// Pending is allowed; a committed hash cannot go back to Pending.
func (c *Cache) BeginPending(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[hash]; ok && !s.pending {
		return fmt.Errorf("%w: %s is committed", ErrInvalidTransition, hash)
	}
	c.entries[hash] = status{pending: true}
	if err := c.saveLocked(); err != nil {
		return fmt.Errorf("failed to persist pending marker: %w", err)
	}
	return nil
}

// Commit promotes a pending hash to committed with the resolved URL.
func (c *Cache) Commit(hash, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[hash]; !ok || !s.pending {
		return fmt.Errorf("%w: %s is not pending", ErrInvalidTransition, hash)
	}
	c.entries[hash] = statusAt(c.cfg.Now())
	c.urls[hash] = url
	c.commitsSinceSave++
	return nil
}

// Abort drops the pending marker for hash so it is retried as new.
func (c *Cache) Abort(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[hash]; !ok || !s.pending {
		return fmt.Errorf("%w: %s is not pending", ErrInvalidTransition, hash)
	}
	delete(c.entries, hash)
	return nil
}

// SetURL records the public URL for hash without changing its state.
func (c *Cache) SetURL(hash, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls[hash] = url
}

// RecordName remembers which hash a filename had when last seen.
func (c *Cache) RecordName(name, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[name] = hash
}

// HashForName returns the last hash recorded for a filename.
func (c *Cache) HashForName(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.names[name]
	return h, ok
}

// MarkRun records the time of a completed run.
func (c *Cache) MarkRun(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastProcessed = t
}

// Stats returns a summary of the cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		URLs:          len(c.urls),
		Names:         len(c.names),
		LastProcessed: c.lastProcessed,
	}
	for _, s := range c.entries {
		if s.pending {
			st.Pending++
		} else {
			st.Committed++
		}
	}
	return st
}

// Checkpoint saves the cache if at least CheckpointEvery commits happened
// since the last checkpoint or full Save. It reports whether a save was made.
func (c *Cache) Checkpoint() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.CheckpointEvery <= 0 || c.commitsSinceSave < c.cfg.CheckpointEvery {
		return false, nil
	}
	n := c.commitsSinceSave
	if err := c.saveLocked(); err != nil {
		return false, err
	}
	c.commitsSinceSave = 0
	c.cfg.Logger.Printf("Checkpoint: saved cache after %d commits", n)
	return true, nil
}

// Save evicts surplus committed entries, with their URLs and filenames, and
// writes the cache file atomically.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.saveLocked(); err != nil {
		return err
	}
	c.commitsSinceSave = 0
	return nil
}

func (c *Cache) saveLocked() error {
	if n := c.evictLocked(); n > 0 {
		c.cfg.Logger.Printf("Evicted %d oldest cache entries (limit %d)", n, c.cfg.Limit)
	}

	f := fileFormat{
		ProcessedFiles: c.entries,
		URLs:           c.urls,
		FileHashes:     c.names,
	}
	if !c.lastProcessed.IsZero() {
		ts := c.lastProcessed.Format(time.RFC3339Nano)
		f.LastProcessed = &ts
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.cfg.Path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := atomic.WriteFile(c.cfg.Path, &buf); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return nil
}

// evictLocked drops the oldest committed entries beyond the limit.
func (c *Cache) evictLocked() int {
	if c.cfg.Limit <= 0 {
		return 0
	}

	type aged struct {
		hash string
		at   float64
	}
	var committed []aged
	for h, s := range c.entries {
		if !s.pending {
			committed = append(committed, aged{hash: h, at: s.at})
		}
	}
	surplus := len(committed) - c.cfg.Limit
	if surplus <= 0 {
		return 0
	}

	sort.Slice(committed, func(i, j int) bool {
		if committed[i].at != committed[j].at {
			return committed[i].at < committed[j].at
		}
		return committed[i].hash < committed[j].hash
	})
	evicted := make(map[string]bool, surplus)
	for _, e := range committed[:surplus] {
		delete(c.entries, e.hash)
		delete(c.urls, e.hash)
		evicted[e.hash] = true
	}
	for name, h := range c.names {
		if evicted[h] {
			delete(c.names, name)
		}
	}
	return surplus
}
