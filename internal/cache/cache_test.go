package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testCache opens a cache in a temp dir with a controllable clock.
func testCache(t *testing.T, limit int) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{
		Path:            filepath.Join(t.TempDir(), "cache.json"),
		Limit:           limit,
		CheckpointEvery: 2,
		Logger:          log.New(io.Discard, "", 0),
		Now:             func() time.Time { return now },
	}
	c, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return c, &now
}

func reopen(t *testing.T, c *Cache) *Cache {
	t.Helper()
	c2, err := Open(c.cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return c2
}

func TestStateMachine(t *testing.T) {
	c, _ := testCache(t, 0)

	if got := c.Lookup("h1").State; got != Unseen {
		t.Fatalf("initial state = %v, want unseen", got)
	}
	if err := c.BeginPending("h1"); err != nil {
		t.Fatalf("BeginPending() failed: %v", err)
	}
	if got := c.Lookup("h1").State; got != Pending {
		t.Fatalf("state after BeginPending = %v, want pending", got)
	}
	if c.IsAlreadyProcessed("h1") {
		t.Error("pending hash reported as processed")
	}
	if err := c.Commit("h1", "https://cdn/x.jpg"); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	e := c.Lookup("h1")
	if e.State != Committed || e.URL != "https://cdn/x.jpg" {
		t.Fatalf("entry after Commit = %+v", e)
	}
	if !c.IsAlreadyProcessed("h1") {
		t.Error("committed hash not reported as processed")
	}

	if err := c.BeginPending("h1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BeginPending(committed) error = %v, want ErrInvalidTransition", err)
	}
	if err := c.Commit("h2", "u"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Commit(unseen) error = %v, want ErrInvalidTransition", err)
	}
	if err := c.Abort("h1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Abort(committed) error = %v, want ErrInvalidTransition", err)
	}

	if err := c.BeginPending("h3"); err != nil {
		t.Fatalf("BeginPending() failed: %v", err)
	}
	if err := c.BeginPending("h3"); err != nil {
		t.Errorf("re-entering pending failed: %v", err)
	}
	if err := c.Abort("h3"); err != nil {
		t.Fatalf("Abort() failed: %v", err)
	}
	if got := c.Lookup("h3").State; got != Unseen {
		t.Errorf("state after Abort = %v, want unseen", got)
	}
}

// TestPendingSurvivesCrash checks that a pending marker is on disk as soon as
// BeginPending returns and is not treated as processed after a restart.
func TestPendingSurvivesCrash(t *testing.T) {
	c, _ := testCache(t, 0)
	if err := c.BeginPending("abc"); err != nil {
		t.Fatalf("BeginPending() failed: %v", err)
	}

	// No Commit or Abort: simulate the process dying here.
	restarted := reopen(t, c)
	if got := restarted.Lookup("abc").State; got != Pending {
		t.Fatalf("state after restart = %v, want pending", got)
	}
	if restarted.IsAlreadyProcessed("abc") {
		t.Error("interrupted upload treated as processed")
	}
	if err := restarted.BeginPending("abc"); err != nil {
		t.Errorf("retrying interrupted upload failed: %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	c, now := testCache(t, 0)
	if err := c.BeginPending("h1"); err != nil {
		t.Fatalf("BeginPending() failed: %v", err)
	}
	if err := c.Commit("h1", "https://cdn/a.jpg?x=1&y=2"); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	c.RecordName("a.jpg", "h1")
	c.MarkRun(*now)
	if err := c.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	data, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatalf("Failed to read cache file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("cache file is not JSON: %v", err)
	}
	for _, key := range []string{"processed_files", "last_processed", "gcs_urls", "file_hashes"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("cache file missing key %q", key)
		}
	}
	var processed map[string]any
	if err := json.Unmarshal(raw["processed_files"], &processed); err != nil {
		t.Fatalf("processed_files: %v", err)
	}
	if ts, ok := processed["h1"].(float64); !ok || int64(ts) != now.Unix() {
		t.Errorf("processed_files[h1] = %v, want unix timestamp %d", processed["h1"], now.Unix())
	}

	c2 := reopen(t, c)
	e := c2.Lookup("h1")
	if e.State != Committed || e.URL != "https://cdn/a.jpg?x=1&y=2" {
		t.Errorf("reloaded entry = %+v", e)
	}
	if !e.CommittedAt.Equal(*now) {
		t.Errorf("CommittedAt = %v, want %v", e.CommittedAt, *now)
	}
	if h, ok := c2.HashForName("a.jpg"); !ok || h != "h1" {
		t.Errorf("HashForName() = %q, %v", h, ok)
	}
	if st := c2.Stats(); !st.LastProcessed.Equal(*now) || st.Committed != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestOpen_LegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	legacy := `{
  "processed_files": {"aaa": 1714560000.25, "bbb": "pending"},
  "last_processed": "2024-05-01T12:00:00.123456",
  "gcs_urls": {"aaa": "https://storage.googleapis.com/b/a.jpg"},
  "file_hashes": {"a.jpg": "aaa"}
}`
	if err := os.WriteFile(path, []byte(legacy), 0644); err != nil {
		t.Fatalf("Failed to write cache: %v", err)
	}

	c, err := Open(Config{Path: path, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !c.IsAlreadyProcessed("aaa") {
		t.Error("aaa should be processed")
	}
	if got := c.Lookup("bbb").State; got != Pending {
		t.Errorf("bbb state = %v, want pending", got)
	}
	if c.Stats().LastProcessed.IsZero() {
		t.Error("last_processed was not parsed")
	}
}

func TestOpen_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write cache: %v", err)
	}
	c, err := Open(Config{Path: path, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if st := c.Stats(); st.Committed != 0 || st.Pending != 0 {
		t.Errorf("Stats() = %+v, want empty", st)
	}
}

func TestEviction(t *testing.T) {
	c, now := testCache(t, 3)

	for i := 0; i < 5; i++ {
		h := fmt.Sprintf("h%d", i)
		if err := c.BeginPending(h); err != nil {
			t.Fatalf("BeginPending() failed: %v", err)
		}
		if err := c.Commit(h, "u"); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		c.RecordName(h+".jpg", h)
		*now = now.Add(time.Minute)
	}
	if err := c.BeginPending("inflight"); err != nil {
		t.Fatalf("BeginPending() failed: %v", err)
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	for _, h := range []string{"h0", "h1"} {
		if c.IsAlreadyProcessed(h) {
			t.Errorf("%s should have been evicted", h)
		}
	}
	for _, h := range []string{"h2", "h3", "h4"} {
		if !c.IsAlreadyProcessed(h) {
			t.Errorf("%s should have been kept", h)
		}
	}
	if got := c.Lookup("inflight").State; got != Pending {
		t.Errorf("pending entry evicted: state = %v", got)
	}
	if st := c.Stats(); st.URLs != 3 || st.Names != 3 {
		t.Errorf("Stats() = %+v, want URLs and names of evicted hashes dropped", st)
	}
	if _, ok := c.HashForName("h0.jpg"); ok {
		t.Error("filename of evicted hash still recorded")
	}
	if e := reopen(t, c).Lookup("h1"); e.URL != "" {
		t.Errorf("evicted URL persisted: %q", e.URL)
	}
}

func TestOpen_SkipsBadEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	data := `{
  "processed_files": {"aaa": 1714560000, "bbb": "uploading", "ccc": "pending", "ddd": null},
  "gcs_urls": {"aaa": "https://cdn/a.jpg"}
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("Failed to write cache: %v", err)
	}

	var buf bytes.Buffer
	c, err := Open(Config{Path: path, Logger: log.New(&buf, "", 0)})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !c.IsAlreadyProcessed("aaa") {
		t.Error("aaa should be processed")
	}
	if got := c.Lookup("ccc").State; got != Pending {
		t.Errorf("ccc state = %v, want pending", got)
	}
	for _, h := range []string{"bbb", "ddd"} {
		if got := c.Lookup(h).State; got != Unseen {
			t.Errorf("%s state = %v, want unseen", h, got)
		}
	}
	if !strings.Contains(buf.String(), "bbb") {
		t.Errorf("bad entry not logged: %q", buf.String())
	}
}

func TestCheckpoint(t *testing.T) {
	c, _ := testCache(t, 0)

	commit := func(h string) {
		t.Helper()
		if err := c.BeginPending(h); err != nil {
			t.Fatalf("BeginPending() failed: %v", err)
		}
		if err := c.Commit(h, "u"); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
	}

	commit("a")
	if saved, err := c.Checkpoint(); err != nil || saved {
		t.Fatalf("Checkpoint() after 1 commit = %v, %v; want no save", saved, err)
	}
	commit("b")
	if saved, err := c.Checkpoint(); err != nil || !saved {
		t.Fatalf("Checkpoint() after 2 commits = %v, %v; want save", saved, err)
	}
	if !reopen(t, c).IsAlreadyProcessed("b") {
		t.Error("checkpoint did not persist commit")
	}
	if saved, _ := c.Checkpoint(); saved {
		t.Error("Checkpoint() saved again without new commits")
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "renamed.jpg")
	big := filepath.Join(dir, "big.bin")

	if err := os.WriteFile(a, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(big, make([]byte, 3*hashChunkSize+7), 0644); err != nil {
		t.Fatal(err)
	}

	ha, err := HashFile(a)
	if err != nil {
		t.Fatalf("HashFile() failed: %v", err)
	}
	if ha != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("HashFile() = %s, want md5 of hello", ha)
	}
	hb, _ := HashFile(b)
	if ha != hb {
		t.Error("identical content hashed differently")
	}
	if _, err := HashFile(big); err != nil {
		t.Errorf("HashFile(big) failed: %v", err)
	}
	if _, err := HashFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("HashFile(missing) expected error")
	}
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	l, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() failed: %v", err)
	}
	if _, err := AcquireLock(path); !errors.Is(err, ErrLocked) {
		t.Errorf("second AcquireLock() error = %v, want ErrLocked", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() after release failed: %v", err)
	}
	l2.Release()
}
