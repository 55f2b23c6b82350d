// Package storage publishes image files to object storage and returns their
// public URLs.
//
// Every backend implements ObjectStore.EnsurePublic, which is idempotent:
// publishing an object that already exists succeeds, re-applies public
// visibility and returns the same URL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrUploadFailed marks a failed publish attempt.
	ErrUploadFailed = errors.New("upload failed")

	// ErrLocalFile marks a local file that cannot be read. Retrying does not help.
	ErrLocalFile = errors.New("local file unreadable")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// ObjectStore makes a local file publicly reachable under key.
type ObjectStore interface {
	EnsurePublic(ctx context.Context, key, localPath string) (string, error)
}

// Backend names accepted by Open.
const (
	BackendDir    = "dir"
	BackendS3     = "s3"
	BackendRclone = "rclone"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty"`

	// PublicBaseURL overrides the URL the backend would report.
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url,omitempty"`

	// dir backend
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`

	// s3 backend
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	PathStyle bool   `mapstructure:"path_style" yaml:"path_style,omitempty"`

	// rclone backend, e.g. "gcs:portfolio-images"
	Remote string `mapstructure:"remote" yaml:"remote,omitempty"`

	Logger *log.Logger `mapstructure:"-" yaml:"-"`
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (ObjectStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[storage] ", log.LstdFlags)
	}
	switch cfg.Backend {
	case BackendDir, "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("dir backend requires a directory")
		}
		return NewDirStore(cfg.Dir, cfg.PublicBaseURL), nil
	case BackendS3:
		return NewS3Store(ctx, cfg)
	case BackendRclone:
		if cfg.Remote == "" {
			return nil, fmt.Errorf("rclone backend requires a remote")
		}
		return NewRcloneStore(cfg.Remote, cfg.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Key returns the object key for a filename under prefix.
func Key(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Retryable reports whether a publish error may succeed on a later attempt.
func Retryable(err error) bool {
	if errors.Is(err, ErrLocalFile) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// joinURL appends an escaped object key to base.
func joinURL(base, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segs, "/")
}

func contentType(localPath string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func openLocal(localPath string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLocalFile, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrLocalFile, err)
	}
	return f, info, nil
}
