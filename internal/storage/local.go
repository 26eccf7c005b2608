package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName   = ".routeshot.lock"
	lockRetryDelay = 50 * time.Millisecond
)

// Local stores files under a directory on disk. Writes are atomic per file
// and serialized across processes by an advisory lock on the root.
type Local struct {
	root string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("local storage: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: mkdir %s: %w", root, err)
	}
	return &Local{root: root, lock: flock.New(filepath.Join(root, lockFileName))}, nil
}

// Root returns the directory the backend writes to.
func (l *Local) Root() string { return l.root }

func (l *Local) resolve(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(cleaned)), nil
}

func (l *Local) ReadFile(_ context.Context, p string) ([]byte, error) {
	full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("local storage: read %s: %w", p, err)
	}
	return data, nil
}

// WriteFile writes to a temporary file and renames it into place.
func (l *Local) WriteFile(ctx context.Context, p string, data []byte) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := l.withLock(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return err
		}
		if err := os.Rename(tmp.Name(), full); err != nil {
			_ = os.Remove(tmp.Name())
			return err
		}
		return nil
	}); err != nil {
		return fmt.Errorf("local storage: write %s: %w", p, err)
	}
	return nil
}

func (l *Local) FileExists(_ context.Context, p string) (bool, error) {
	full, err := l.resolve(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("local storage: stat %s: %w", p, err)
	}
	return !info.IsDir(), nil
}

func (l *Local) EnsureDir(_ context.Context, p string) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("local storage: mkdir %s: %w", p, err)
	}
	return nil
}

// Remove deletes a file or directory tree. Removing a missing path is not an
// error.
func (l *Local) Remove(ctx context.Context, p string) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := l.withLock(ctx, func() error { return os.RemoveAll(full) }); err != nil {
		return fmt.Errorf("local storage: remove %s: %w", p, err)
	}
	return nil
}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	start := l.root
	if pfx := cleanPrefix(prefix); pfx != "" {
		start = filepath.Join(l.root, filepath.FromSlash(pfx))
	}
	var out []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || d.Name() == lockFileName || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("local storage: list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) withLock(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("acquire lock: %s is held by another process", l.lock.Path())
	}
	defer func() {
		if err := l.lock.Unlock(); err != nil {
			slog.Warn("failed to release storage lock", "path", l.lock.Path(), "error", err)
		}
	}()
	return fn()
}
