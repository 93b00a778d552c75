package store

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Memory is a Store kept entirely in memory.
type Memory struct {
	mu    sync.RWMutex
	files map[Location]map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{files: make(map[Location]map[string][]byte)}
}

// Read implements Store.
func (m *Memory) Read(_ context.Context, loc Location, path string) ([]byte, error) {
	if err := CheckPath(loc, path); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[loc][path]
	if !ok {
		return nil, notFound(loc, path)
	}
	return slices.Clone(data), nil
}

// Write implements Store.
func (m *Memory) Write(_ context.Context, loc Location, path string, data []byte) error {
	if err := CheckPath(loc, path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.files[loc]
	if !ok {
		dir = make(map[string][]byte)
		m.files[loc] = dir
	}
	dir[path] = slices.Clone(data)
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(_ context.Context, loc Location, path string) error {
	if err := CheckPath(loc, path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[loc][path]; !ok {
		return notFound(loc, path)
	}
	delete(m.files[loc], path)
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, loc Location, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for path := range m.files[loc] {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
