// Package output provides the delivery sinks for collected log entries.
// Sinks are batched and at-least-once: a successful Flush means every
// entry in the batch is durably delivered or staged, and a failed Flush
// means the engine must treat none of them as delivered. Order within a
// batch is preserved end-to-end for order-sensitive sinks.
package output

import (
	"context"
	"sync"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

// Output is the delivery sink contract. Implementations must be safe
// for concurrent use by independent connector workers.
type Output interface {
	// Flush delivers one ordered batch for the given stream.
	Flush(ctx context.Context, identity models.Identity, entries []models.LogEntry) error

	// Close releases sink resources once no further flushes will occur.
	Close(ctx context.Context) error
}

// Factory creates a sink from backend-specific parameters.
type Factory func(ctx context.Context, params map[string]string) (Output, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a sink available under the given kind.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[kind] = factory
}

// Open instantiates the sink registered under kind.
func Open(ctx context.Context, kind string, params map[string]string) (Output, error) {
	registryMu.RLock()
	factory, ok := factories[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "output sink %q not registered", kind)
	}
	return factory(ctx, params)
}

// Kinds returns the registered sink kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Multi fans a flush out to several sinks. The batch only counts as
// delivered when every sink accepted it; a failure on any sink fails
// the whole flush so the engine will not advance past it.
type Multi struct {
	sinks []Output
}

// NewMulti wraps a set of sinks as one Output.
func NewMulti(sinks ...Output) *Multi {
	return &Multi{sinks: sinks}
}

// Flush implements Output.
func (m *Multi) Flush(ctx context.Context, identity models.Identity, entries []models.LogEntry) error {
	for _, sink := range m.sinks {
		if err := sink.Flush(ctx, identity, entries); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Output.
func (m *Multi) Close(ctx context.Context) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
