package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory keeps files in a map. Fail lets tests inject errors per operation.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool
	fail  map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
		fail:  make(map[string]error),
	}
}

// Fail makes every call of op ("read", "write", "exists", "ensure-dir",
// "remove") return err until cleared with a nil err.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *Memory) injected(op string) error {
	if err := m.fail[op]; err != nil {
		return fmt.Errorf("memory storage: %s: %w", op, err)
	}
	return nil
}

func (m *Memory) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("read"); err != nil {
		return nil, err
	}
	data, ok := m.files[cleaned]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("write"); err != nil {
		return err
	}
	m.files[cleaned] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) FileExists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cleaned, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("exists"); err != nil {
		return false, err
	}
	_, ok := m.files[cleaned]
	return ok, nil
}

func (m *Memory) EnsureDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("ensure-dir"); err != nil {
		return err
	}
	m.dirs[cleaned] = true
	return nil
}

func (m *Memory) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("remove"); err != nil {
		return err
	}
	delete(m.files, cleaned)
	delete(m.dirs, cleaned)
	for k := range m.files {
		if strings.HasPrefix(k, cleaned+"/") {
			delete(m.files, k)
		}
	}
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	pfx := cleanPrefix(prefix)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.files {
		if strings.HasPrefix(k, pfx) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}
