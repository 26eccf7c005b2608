// Package storage is the file storage collaborator: a small read/write/exists
// contract with local disk, S3-compatible and in-memory backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a path does not exist.
var ErrNotFound = errors.New("storage: not found")

// FileStorage is the contract the rest of routeshot persists through. Paths
// are slash-separated and relative to the backend root.
type FileStorage interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	FileExists(ctx context.Context, path string) (bool, error)
	EnsureDir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// Lister is implemented by backends that can enumerate files under a prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// CleanPath normalizes p and rejects paths that escape the root.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("storage: path is required")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("storage: path %q escapes the root", p)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return "", fmt.Errorf("storage: path %q is the root", p)
	}
	return cleaned, nil
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return path.Clean(prefix) + "/"
}
