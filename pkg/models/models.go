// Package models defines the data model shared by the Canopy collection
// engine: connector identities, normalized log entries, and run results.
package models

import (
	"path"
	"time"
)

// Identity addresses one collection stream: a connector kind plus a
// logical instance name. It is immutable once constructed and is used to
// namespace cache keys and output metadata for that stream.
type Identity struct {
	// Kind is the connector type, e.g. "okta" or "github".
	Kind string `json:"kind" yaml:"kind"`
	// Name is the operator-chosen instance name, e.g. "production".
	Name string `json:"name" yaml:"name"`
	// Operation distinguishes multiple collection streams served by the
	// same connector kind (e.g. "audit_logs" vs "tickets").
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`
}

// String returns the canonical stream reference.
func (id Identity) String() string {
	if id.Operation != "" {
		return id.Kind + "/" + id.Name + "/" + id.Operation
	}
	return id.Kind + "/" + id.Name
}

// Key returns the cache key for a logical field of this stream, such as
// "pointer" or "lease". All persistent state for a stream lives under
// keys produced here.
func (id Identity) Key(field string) string {
	return path.Join(id.String(), field)
}

// LogEntry is the normalized unit of collected data. Entries within one
// batch retain the order they were returned by the source API; the
// engine relies on this ordering to make partial flushes safely
// re-collectible.
type LogEntry struct {
	// ID is the source record identifier, unique within the stream.
	ID string `json:"id"`
	// Timestamp is the record's event time as reported by the source.
	Timestamp time.Time `json:"timestamp"`
	// Collected is the time Canopy retrieved the record.
	Collected time.Time `json:"collected"`
	// Payload is the raw normalized record body.
	Payload []byte `json:"payload"`
}

// Outcome classifies how a connector run ended.
type Outcome string

const (
	// OutcomeSuccess means the run completed and the pointer advanced
	// (or there was nothing new to collect).
	OutcomeSuccess Outcome = "success"
	// OutcomeTransient means the run failed in a way that the next
	// scheduled trigger may resolve: rate limits, timeouts, unreachable
	// backends, or losing a checkpoint race to a concurrent run.
	OutcomeTransient Outcome = "transient_failure"
	// OutcomePermanent means the run failed in a way that requires
	// operator intervention: bad credentials or invalid configuration.
	// The scheduler disables the instance until its config changes.
	OutcomePermanent Outcome = "permanent_failure"
)

// RunResult summarizes a single connector run. It is ephemeral; the
// scheduler consumes it for backoff and alerting decisions.
type RunResult struct {
	Identity Identity      `json:"identity"`
	RunID    string        `json:"run_id"`
	Outcome  Outcome       `json:"outcome"`
	Records  int           `json:"records"`
	Pages    int           `json:"pages"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Failed reports whether the run ended in any failure outcome.
func (r RunResult) Failed() bool {
	return r.Outcome != OutcomeSuccess
}
