// Package config defines connector instance configuration and the
// sources that supply it. An Instance document describes one collection
// stream: which connector kind to run, how often, where its records go,
// and which secret references it needs.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

// Default run bounds. Long-running sources yield back to the scheduler
// rather than collect unboundedly inside one run.
const (
	DefaultInterval   = 10 * time.Minute
	DefaultBatchSize  = 500
	DefaultMaxPages   = 200
	DefaultTimeBudget = 10 * time.Minute
)

// SinkConfig selects one output sink and its parameters.
type SinkConfig struct {
	Kind   string            `yaml:"kind" json:"kind"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// TransformConfig selects one post-normalization transform.
type TransformConfig struct {
	Kind   string            `yaml:"kind" json:"kind"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Instance is one configured collection stream.
type Instance struct {
	// Connector is the connector kind, e.g. "okta".
	Connector string `yaml:"connector" json:"connector"`
	// Name is the operator-chosen instance name.
	Name string `yaml:"name" json:"name"`
	// Operation selects the connector operation when a kind serves
	// several streams; connectors define their own default.
	Operation string `yaml:"operation,omitempty" json:"operation,omitempty"`

	// Interval is the trigger period for the scheduler.
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	// BatchSize caps entries per output flush.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	// MaxPages bounds source pages fetched per run.
	MaxPages int `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`
	// TimeBudget bounds wall-clock time per run.
	TimeBudget time.Duration `yaml:"time_budget,omitempty" json:"time_budget,omitempty"`

	// Params are connector-specific settings.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	// Secrets maps logical credential names to secret references.
	Secrets map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	// Outputs lists the sinks this stream delivers to. Flushes go to
	// every sink; a failure on any sink fails the batch.
	Outputs []SinkConfig `yaml:"outputs" json:"outputs"`
	// Transforms is the ordered post-processing chain.
	Transforms []TransformConfig `yaml:"transforms,omitempty" json:"transforms,omitempty"`

	// Disabled removes the instance from scheduling without deleting
	// its document.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	raw []byte
}

// Identity returns the stream identity for this instance.
func (i *Instance) Identity() models.Identity {
	return models.Identity{Kind: i.Connector, Name: i.Name, Operation: i.Operation}
}

// Fingerprint identifies this exact configuration document. The
// scheduler uses it to detect operator edits: a permanently failed
// instance is only re-enabled when its fingerprint changes.
func (i *Instance) Fingerprint() string {
	if len(i.raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(i.raw)
	return hex.EncodeToString(sum[:8])
}

// Param returns a connector parameter, or fallback when unset.
func (i *Instance) Param(key, fallback string) string {
	if value, ok := i.Params[key]; ok && value != "" {
		return value
	}
	return fallback
}

// SecretRef returns the secret reference for a logical credential name.
func (i *Instance) SecretRef(name string) (string, error) {
	ref, ok := i.Secrets[name]
	if !ok || ref == "" {
		return "", errors.Newf(errors.ErrorTypeConfig, "instance %s/%s has no %q secret configured",
			i.Connector, i.Name, name)
	}
	return ref, nil
}

// ApplyDefaults fills unset scheduling bounds.
func (i *Instance) ApplyDefaults() {
	if i.Interval <= 0 {
		i.Interval = DefaultInterval
	}
	if i.BatchSize <= 0 {
		i.BatchSize = DefaultBatchSize
	}
	if i.MaxPages <= 0 {
		i.MaxPages = DefaultMaxPages
	}
	if i.TimeBudget <= 0 {
		i.TimeBudget = DefaultTimeBudget
	}
}

// Validate checks the document for structural problems.
func (i *Instance) Validate() error {
	if i.Connector == "" {
		return errors.New(errors.ErrorTypeValidation, "connector is required")
	}
	if i.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "name is required")
	}
	if len(i.Outputs) == 0 {
		return errors.Newf(errors.ErrorTypeValidation, "instance %s/%s declares no outputs",
			i.Connector, i.Name)
	}
	for _, sink := range i.Outputs {
		if sink.Kind == "" {
			return errors.Newf(errors.ErrorTypeValidation, "instance %s/%s has an output without a kind",
				i.Connector, i.Name)
		}
	}
	return nil
}
