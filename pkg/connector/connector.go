// Package connector defines the connector contract and the collection
// engine that drives it: read the stream's checkpoint, page through the
// source API, deduplicate against the watermark boundary, flush to the
// output, and advance the checkpoint with a conditional write only
// after delivery succeeded.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/secrets"
)

// Order declares how a source sequences its records, which decides how
// the engine checkpoints and deduplicates.
type Order string

const (
	// Chronological sources return records ordered by timestamp. The
	// engine keeps a timestamp watermark plus a tie-break set of record
	// IDs seen exactly at the watermark, since coarse timestamps allow
	// several records at the same instant.
	Chronological Order = "chronological"
	// CursorStrict sources expose an opaque resume token with strict
	// ordering built in. The engine stores the token verbatim and
	// performs no boundary filtering.
	CursorStrict Order = "cursor"
)

// Request is one pagination step against the source.
type Request struct {
	// Watermark is the stream's checkpoint value: an RFC 3339 timestamp
	// for chronological sources, an opaque token for cursor sources.
	// Empty on the very first run; sources fall back to DefaultStart.
	Watermark string
	// PageToken is the intra-run continuation token, empty for the
	// first page.
	PageToken string
	// Limit is the engine's preferred page size; sources may clamp it.
	Limit int
}

// Page is one source response.
type Page struct {
	// Entries in source order.
	Entries []models.LogEntry
	// PageToken requests the next page; empty means pagination is
	// complete.
	PageToken string
	// Checkpoint is the new resume token covering every entry returned
	// so far. Only cursor sources set it.
	Checkpoint string
}

// Entry builds a normalized LogEntry from a source record. Timestamps
// are normalized to UTC; the payload is the vendor document untouched.
func Entry(id string, ts time.Time, payload []byte) models.LogEntry {
	return models.LogEntry{ID: id, Timestamp: ts.UTC(), Payload: payload}
}

// Source is implemented by each connector kind. A Source instance is
// built fresh for every run and must not keep state across runs; all
// cross-run state lives in the cache behind the engine's keys.
type Source interface {
	// Kind returns the connector kind registered for this source.
	Kind() string
	// Order declares the source's checkpointing mode.
	Order() Order
	// Configure prepares the source from instance parameters and
	// resolved secrets. Configuration and credential-resolution
	// failures are permanent.
	Configure(ctx context.Context, instance *config.Instance, sec secrets.Source) error
	// DefaultStart returns the watermark used when no checkpoint
	// exists yet; empty means "from the earliest available".
	DefaultStart() string
	// Poll fetches one page.
	Poll(ctx context.Context, req Request) (*Page, error)
}

// Factory creates an unconfigured source.
type Factory func() Source

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a connector kind available. It is called from
// connector package init functions.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[kind] = factory
}

// New instantiates the connector registered under kind.
func New(kind string) (Source, error) {
	registryMu.RLock()
	factory, ok := factories[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "connector %q not registered", kind)
	}
	return factory(), nil
}

// Kinds returns the registered connector kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
