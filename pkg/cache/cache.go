// Package cache provides the durable key/value checkpoint store used to
// coordinate connector runs. All persistent engine state, meaning the
// collection pointers and run leases, lives here behind explicit keys.
//
// Every backend honors the same guarantee: Put is linearizable per key.
// Two concurrent conditional writes asserting the same expected version
// never both succeed. Backends without native compare-and-swap serialize
// access internally to preserve this; it is the sole mechanism keeping
// single-flight connector execution safe without a separate lock
// service.
package cache

import (
	"context"
	"sync"

	"github.com/canopyhq/canopy/pkg/errors"
)

// VersionNone is the expected version asserted when creating a key that
// must not already exist.
const VersionNone int64 = 0

// Entry is a versioned value read from the cache. Version is an opaque
// generation counter; callers pass it back to Put to make the write
// conditional on the value being unchanged.
type Entry struct {
	Value   []byte
	Version int64
}

// Cache is the checkpoint store contract.
type Cache interface {
	// Get returns the entry stored at key. A missing key yields an
	// ErrorTypeNotFound error.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value at key if the stored version still equals
	// expected (VersionNone asserts the key does not exist). It returns
	// the new version on success and an ErrorTypeConflict error when
	// the assertion fails.
	Put(ctx context.Context, key string, value []byte, expected int64) (int64, error)

	// Delete removes key if the stored version still equals expected.
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, expected int64) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotFound constructs the canonical missing-key error.
func ErrNotFound(key string) error {
	return errors.Newf(errors.ErrorTypeNotFound, "cache key %q not found", key)
}

// ErrVersionConflict constructs the canonical conditional-write failure.
func ErrVersionConflict(key string, expected int64) error {
	return errors.Newf(errors.ErrorTypeConflict,
		"conditional write to %q rejected, expected version %d", key, expected)
}

// Factory creates a cache backend from backend-specific parameters.
type Factory func(ctx context.Context, params map[string]string) (Cache, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a cache backend available under the given kind. It is
// called from backend init functions.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[kind] = factory
}

// Open instantiates the cache backend registered under kind.
func Open(ctx context.Context, kind string, params map[string]string) (Cache, error) {
	registryMu.RLock()
	factory, ok := factories[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "cache backend %q not registered", kind)
	}
	return factory(ctx, params)
}

// Kinds returns the registered backend kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
