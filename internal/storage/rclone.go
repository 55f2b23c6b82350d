package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// rcloneDirNotFound is rclone's exit code for a missing directory.
const rcloneDirNotFound = 3

// RcloneStore publishes objects through the rclone CLI, so any remote that
// rclone supports (GCS, B2, R2, ...) can serve the images.
type RcloneStore struct {
	Remote  string
	BaseURL string

	// run executes rclone and returns its stdout. Injected in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewRcloneStore returns a store writing under remote, e.g. "gcs:bucket/images".
func NewRcloneStore(remote, baseURL string) *RcloneStore {
	return &RcloneStore{
		Remote:  strings.TrimRight(remote, "/"),
		BaseURL: baseURL,
		run:     runRclone,
	}
}

func runRclone(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "rclone", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &rcloneError{args: args, err: err, stderr: strings.TrimSpace(stderr.String())}
	}
	return out, nil
}

type rcloneError struct {
	args   []string
	err    error
	stderr string
}

func (e *rcloneError) Error() string {
	if e.stderr != "" {
		return fmt.Sprintf("rclone %s: %v: %s", e.args[0], e.err, e.stderr)
	}
	return fmt.Sprintf("rclone %s: %v", e.args[0], e.err)
}

func (e *rcloneError) Unwrap() error {
	return e.err
}

// exitCode extracts a process exit code, as carried by *exec.ExitError.
func exitCode(err error) (int, bool) {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode(), true
	}
	return 0, false
}

// EnsurePublic copies localPath to the remote if it is not there yet, then
// resolves a public link.
func (r *RcloneStore) EnsurePublic(ctx context.Context, key, localPath string) (string, error) {
	f, _, err := openLocal(localPath)
	if err != nil {
		return "", err
	}
	f.Close()

	target := r.Remote + "/" + key
	exists, err := r.exists(ctx, target)
	if err != nil {
		return "", fmt.Errorf("%w: failed to check %s: %v", ErrUploadFailed, key, err)
	}
	if !exists {
		if _, err := r.run(ctx, "copyto", localPath, target); err != nil {
			return "", fmt.Errorf("%w: failed to copy %s: %v", ErrUploadFailed, key, err)
		}
	}

	if r.BaseURL != "" {
		return joinURL(r.BaseURL, key), nil
	}
	out, err := r.run(ctx, "link", target)
	if err != nil {
		return "", fmt.Errorf("%w: failed to link %s: %v", ErrUploadFailed, key, err)
	}
	link := strings.TrimSpace(string(out))
	if link == "" {
		return "", fmt.Errorf("%w: rclone returned no link for %s", ErrUploadFailed, key)
	}
	return link, nil
}

func (r *RcloneStore) exists(ctx context.Context, target string) (bool, error) {
	out, err := r.run(ctx, "lsf", target)
	if err != nil {
		if code, ok := exitCode(err); ok && code == rcloneDirNotFound {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}
