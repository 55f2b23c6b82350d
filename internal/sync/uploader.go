package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/retry"
	"github.com/portfolio-tools/imgsync/internal/storage"
)

// RemoteUploader makes a local file publicly reachable and returns its URL.
//
// Implementations are idempotent: publishing content that is already
// published succeeds and returns the same URL.
type RemoteUploader interface {
	EnsurePublicURL(ctx context.Context, path, hash string) (string, error)
}

// UploaderConfig configures a CacheUploader.
type UploaderConfig struct {
	// KeyPrefix is prepended to object keys.
	KeyPrefix string

	// Retry governs upload attempts.
	Retry retry.Policy

	Logger *log.Logger
}

// DefaultUploadRetry is 3 attempts with 1s, 2s waits.
func DefaultUploadRetry() retry.Policy {
	return retry.Policy{
		Name:        "upload",
		MaxAttempts: 3,
		Initial:     defaultInitialBackoff,
		Multiplier:  2,
		Retryable:   storage.Retryable,
	}
}

// CacheUploader publishes through an ObjectStore and records every attempt
// in the content-address cache.
//
// The pending marker is saved before the first network call, so a crash
// mid-upload leaves the hash pending and the next run retries it.
type CacheUploader struct {
	cache  *cache.Cache
	store  storage.ObjectStore
	cfg    UploaderConfig
	logger *log.Logger
}

// NewUploader returns an uploader backed by c and store.
func NewUploader(c *cache.Cache, store storage.ObjectStore, cfg UploaderConfig) *CacheUploader {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[upload] ", log.LstdFlags)
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}
	return &CacheUploader{cache: c, store: store, cfg: cfg, logger: cfg.Logger}
}

// EnsurePublicURL implements RemoteUploader.
func (u *CacheUploader) EnsurePublicURL(ctx context.Context, path, hash string) (string, error) {
	key := storage.Key(u.cfg.KeyPrefix, filepath.Base(path))

	if e := u.cache.Lookup(hash); e.State == cache.Committed && e.URL != "" {
		return u.refresh(ctx, key, path, hash, e.URL), nil
	}

	if err := u.cache.BeginPending(hash); err != nil {
		return "", fmt.Errorf("failed to mark %s pending: %w", key, err)
	}

	var url string
	err := u.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		got, err := u.store.EnsurePublic(ctx, key, path)
		if err != nil {
			return err
		}
		url = cleanURL(got)
		return nil
	})
	if err != nil {
		if abortErr := u.cache.Abort(hash); abortErr != nil {
			u.logger.Printf("Warning: failed to clear pending marker for %s: %v", key, abortErr)
		}
		return "", err
	}

	if err := u.cache.Commit(hash, url); err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", key, err)
	}
	u.logger.Printf("Published %s -> %s", key, url)

	if _, err := u.cache.Checkpoint(); err != nil {
		u.logger.Printf("Warning: failed to checkpoint cache: %v", err)
	}
	return url, nil
}

// refresh re-applies public visibility to already published content. It is
// best effort: the cached URL is returned if the store cannot be reached.
func (u *CacheUploader) refresh(ctx context.Context, key, path, hash, cached string) string {
	u.logger.Printf("Cache hit: %s", key)
	got, err := u.store.EnsurePublic(ctx, key, path)
	if err != nil {
		u.logger.Printf("Warning: failed to re-publish %s, using cached URL: %v", key, err)
		return cleanURL(cached)
	}
	if url := cleanURL(got); url != cached {
		u.cache.SetURL(hash, url)
		return url
	}
	return cached
}

// cleanURL strips whitespace and embedded line breaks that would break the
// sheet's IMAGE formula.
func cleanURL(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}
