package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// DirStore publishes files by copying them into a local directory, for
// development and for static sites served from that directory.
type DirStore struct {
	Root    string
	BaseURL string
}

// NewDirStore returns a store rooted at root. With an empty baseURL the
// returned URLs are file:// URLs.
func NewDirStore(root, baseURL string) *DirStore {
	return &DirStore{Root: root, BaseURL: baseURL}
}

// EnsurePublic copies localPath to Root/key unless an identical-size copy
// is already there.
func (d *DirStore) EnsurePublic(ctx context.Context, key, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, info, err := openLocal(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := filepath.Join(d.Root, filepath.FromSlash(key))
	if existing, err := os.Stat(dst); err != nil || existing.Size() != info.Size() {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", fmt.Errorf("%w: failed to create %s: %v", ErrUploadFailed, filepath.Dir(dst), err)
		}
		if err := atomic.WriteFile(dst, src); err != nil {
			return "", fmt.Errorf("%w: failed to copy %s: %v", ErrUploadFailed, key, err)
		}
	}
	if err := os.Chmod(dst, 0644); err != nil {
		return "", fmt.Errorf("%w: failed to make %s readable: %v", ErrUploadFailed, key, err)
	}

	return d.url(dst, key)
}

func (d *DirStore) url(dst, key string) (string, error) {
	if d.BaseURL != "" {
		return joinURL(d.BaseURL, key), nil
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dst, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
