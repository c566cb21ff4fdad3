// Package transform provides the post-normalization processing chain.
// Transforms are pure functions over LogEntry slices, applied in
// configuration order between the connector and the output sinks. They
// reshape what gets delivered; they never influence checkpointing.
package transform

import (
	"sync"

	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

// Transform rewrites a batch of entries. Implementations must not
// mutate the input slice or its entries; they return a new slice
// preserving relative order of the entries they keep.
type Transform interface {
	Name() string
	Apply(entries []models.LogEntry) ([]models.LogEntry, error)
}

// Factory creates a transform from its parameter map.
type Factory func(params map[string]string) (Transform, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a transform available under the given kind.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[kind] = factory
}

// New instantiates the transform registered under kind.
func New(kind string, params map[string]string) (Transform, error) {
	registryMu.RLock()
	factory, ok := factories[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "transform %q not registered", kind)
	}
	return factory(params)
}

// Kinds returns the registered transform kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Chain applies transforms in order.
type Chain []Transform

// Apply runs every transform in sequence. An empty chain returns the
// input unchanged.
func (c Chain) Apply(entries []models.LogEntry) ([]models.LogEntry, error) {
	var err error
	for _, t := range c {
		entries, err = t.Apply(entries)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "transform "+t.Name()+" failed")
		}
	}
	return entries, nil
}

// NewChain builds a chain from transform configurations.
func NewChain(configs []config.TransformConfig) (Chain, error) {
	chain := make(Chain, 0, len(configs))
	for _, cfg := range configs {
		t, err := New(cfg.Kind, cfg.Params)
		if err != nil {
			return nil, err
		}
		chain = append(chain, t)
	}
	return chain, nil
}
