package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/canopyhq/canopy/pkg/errors"
)

func init() {
	Register("file", func(_ context.Context, params map[string]string) (Cache, error) {
		path := params["path"]
		if path == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "file cache requires a 'path' parameter")
		}
		return NewFile(path)
	})
}

const (
	lockSuffix   = ".lock"
	lockStaleAge = 30 * time.Second
	lockRetry    = 25 * time.Millisecond
	lockTimeout  = 5 * time.Second
)

// File is a local single-file cache backend. The whole store is one
// JSON document rewritten atomically via rename. The filesystem has no
// native compare-and-swap, so every operation runs under a process
// mutex plus an exclusive lock file, which serializes concurrent
// processes sharing the same path and preserves the per-key
// linearizability guarantee.
type File struct {
	path string
	mu   sync.Mutex
}

type fileState struct {
	Entries map[string]fileEntry `json:"entries"`
}

type fileEntry struct {
	Value   []byte `json:"value"`
	Version int64  `json:"version"`
}

// NewFile creates a file cache stored at path, creating parent
// directories as needed.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCache, "failed to create cache directory")
	}
	return &File{path: path}, nil
}

// Get implements Cache.
func (f *File) Get(ctx context.Context, key string) (Entry, error) {
	var entry Entry
	err := f.locked(ctx, func(state *fileState) (bool, error) {
		stored, ok := state.Entries[key]
		if !ok {
			return false, ErrNotFound(key)
		}
		entry = Entry{Value: stored.Value, Version: stored.Version}
		return false, nil
	})
	return entry, err
}

// Put implements Cache.
func (f *File) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	var next int64
	err := f.locked(ctx, func(state *fileState) (bool, error) {
		current, ok := state.Entries[key]
		if (!ok && expected != VersionNone) || (ok && current.Version != expected) {
			return false, ErrVersionConflict(key, expected)
		}
		next = expected + 1
		state.Entries[key] = fileEntry{Value: value, Version: next}
		return true, nil
	})
	return next, err
}

// Delete implements Cache.
func (f *File) Delete(ctx context.Context, key string, expected int64) error {
	return f.locked(ctx, func(state *fileState) (bool, error) {
		current, ok := state.Entries[key]
		if !ok {
			return false, nil
		}
		if current.Version != expected {
			return false, ErrVersionConflict(key, expected)
		}
		delete(state.Entries, key)
		return true, nil
	})
}

// List implements Cache.
func (f *File) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := f.locked(ctx, func(state *fileState) (bool, error) {
		for key := range state.Entries {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		return false, nil
	})
	return keys, err
}

// locked loads the state under the lock file, applies fn, and rewrites
// the file when fn reports a mutation.
func (f *File) locked(ctx context.Context, fn func(*fileState) (bool, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	release, err := f.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	state, err := f.load()
	if err != nil {
		return err
	}

	dirty, fnErr := fn(state)
	if dirty {
		if err := f.store(state); err != nil {
			return err
		}
	}
	return fnErr
}

func (f *File) acquireLock(ctx context.Context) (func(), error) {
	lockPath := f.path + lockSuffix
	deadline := time.Now().Add(lockTimeout)

	for {
		handle, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(handle, "%d\n", os.Getpid())
			handle.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, errors.ErrorTypeCache, "failed to acquire cache lock")
		}

		// A crashed holder leaves the lock behind; reclaim it once it
		// goes stale.
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAge {
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, errors.New(errors.ErrorTypeCache, "timed out waiting for cache lock")
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeCache, "cancelled waiting for cache lock")
		case <-time.After(lockRetry):
		}
	}
}

func (f *File) load() (*fileState, error) {
	state := &fileState{Entries: make(map[string]fileEntry)}

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCache, "failed to read cache file")
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCache, "cache file is corrupt")
	}
	if state.Entries == nil {
		state.Entries = make(map[string]fileEntry)
	}
	return state, nil
}

func (f *File) store(state *fileState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCache, "failed to encode cache state")
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCache, "failed to write cache state")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCache, "failed to replace cache file")
	}
	return nil
}
