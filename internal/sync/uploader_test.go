package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/retry"
)

// TestUploader_PendingBeforeUpload tests that the pending marker is on disk
// before the store is called
func TestUploader_PendingBeforeUpload(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, map[string]string{"a.jpg": "data"})
	c := testCache(t, dir)

	store := newFakeStore()
	var onDisk string
	store.before = func(key string) {
		data, _ := os.ReadFile(c.Path())
		onDisk = string(data)
	}

	u := NewUploader(c, store, UploaderConfig{KeyPrefix: "portfolio", Retry: fastPolicy("upload", 2), Logger: discard()})
	url, err := u.EnsurePublicURL(context.Background(), filepath.Join(dir, "a.jpg"), "h1")
	if err != nil {
		t.Fatalf("EnsurePublicURL() failed: %v", err)
	}
	if !strings.Contains(onDisk, `"h1": "pending"`) {
		t.Errorf("cache on disk during upload = %s, want pending marker", onDisk)
	}
	if url != "https://cdn.example.com/portfolio/a.jpg" {
		t.Errorf("url = %q, want cleaned url", url)
	}
	if e := c.Lookup("h1"); e.State != cache.Committed || e.URL != url {
		t.Errorf("entry = %+v, want committed", e)
	}
}

// TestUploader_ExhaustedAborts tests that a failed upload leaves the hash unseen
func TestUploader_ExhaustedAborts(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, map[string]string{"a.jpg": "data"})
	c := testCache(t, dir)
	store := newFakeStore()
	store.failures["a.jpg"] = 5

	u := NewUploader(c, store, UploaderConfig{Retry: fastPolicy("upload", 2), Logger: discard()})
	_, err := u.EnsurePublicURL(context.Background(), filepath.Join(dir, "a.jpg"), "h1")
	if !retry.IsExhausted(err) || !errors.Is(err, errRateLimited) {
		t.Fatalf("EnsurePublicURL() error = %v, want exhausted rate limit", err)
	}
	if len(store.calls) != 3 {
		t.Errorf("store calls = %d, want 3", len(store.calls))
	}
	if got := c.Lookup("h1").State; got != cache.Unseen {
		t.Errorf("state = %v, want unseen", got)
	}
}

// TestUploader_CommittedRefresh tests that committed content is re-published
// without a state change
func TestUploader_CommittedRefresh(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, map[string]string{"a.jpg": "data"})
	c := testCache(t, dir)
	if err := c.BeginPending("h1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit("h1", "https://old.example.com/a.jpg"); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	u := NewUploader(c, store, UploaderConfig{Retry: fastPolicy("upload", 2), Logger: discard()})
	url, err := u.EnsurePublicURL(context.Background(), filepath.Join(dir, "a.jpg"), "h1")
	if err != nil {
		t.Fatalf("EnsurePublicURL() failed: %v", err)
	}
	if url != "https://cdn.example.com/a.jpg" {
		t.Errorf("url = %q, want refreshed url", url)
	}
	if e := c.Lookup("h1"); e.State != cache.Committed || e.URL != url {
		t.Errorf("entry = %+v", e)
	}

	// Store down: the cached URL is still served.
	store.failures["a.jpg"] = 1
	url2, err := u.EnsurePublicURL(context.Background(), filepath.Join(dir, "a.jpg"), "h1")
	if err != nil || url2 != url {
		t.Errorf("EnsurePublicURL() with store down = %q, %v", url2, err)
	}
}
