package cache

import (
	"context"
	"strings"
	"sync"
)

func init() {
	Register("memory", func(_ context.Context, _ map[string]string) (Cache, error) {
		return NewMemory(), nil
	})
}

// Memory is an in-process cache backend. Progress does not survive a
// restart, so it is suited to tests and single-shot invocations where
// re-collection is acceptable.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound(key)
	}
	// Copy so callers cannot mutate stored state.
	value := make([]byte, len(entry.Value))
	copy(value, entry.Value)
	return Entry{Value: value, Version: entry.Version}, nil
}

// Put implements Cache.
func (m *Memory) Put(_ context.Context, key string, value []byte, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[key]
	switch {
	case !ok && expected != VersionNone:
		return 0, ErrVersionConflict(key, expected)
	case ok && current.Version != expected:
		return 0, ErrVersionConflict(key, expected)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	next := expected + 1
	m.entries[key] = Entry{Value: stored, Version: next}
	return next, nil
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[key]
	if !ok {
		return nil
	}
	if current.Version != expected {
		return ErrVersionConflict(key, expected)
	}
	delete(m.entries, key)
	return nil
}

// List implements Cache.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
