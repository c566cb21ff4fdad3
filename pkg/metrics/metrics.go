// Package metrics provides Prometheus instrumentation for the
// collection engine: run outcomes, collected record counts, flush
// latencies, and scheduler state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/canopyhq/canopy/pkg/models"
)

var (
	// RunsTotal counts completed connector runs by stream and outcome.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "canopy",
		Name:      "runs_total",
		Help:      "Completed connector runs by outcome",
	}, []string{"connector", "instance", "outcome"})

	// RecordsCollected counts log entries delivered to outputs.
	RecordsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "canopy",
		Name:      "records_collected_total",
		Help:      "Log entries flushed to outputs",
	}, []string{"connector", "instance"})

	// RunDuration tracks wall-clock run time.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "canopy",
		Name:      "run_duration_seconds",
		Help:      "Connector run duration",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"connector", "instance"})

	// FlushDuration tracks output flush latency.
	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "canopy",
		Name:      "flush_duration_seconds",
		Help:      "Output flush latency",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"connector", "instance"})

	// CheckpointConflicts counts conditional writes lost to concurrent
	// runs. These are informational, not failures.
	CheckpointConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "canopy",
		Name:      "checkpoint_conflicts_total",
		Help:      "Pointer or lease conditional writes lost to a concurrent run",
	}, []string{"connector", "instance"})

	// InstancesDisabled gauges instances parked on permanent failure.
	InstancesDisabled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "canopy",
		Name:      "instances_disabled",
		Help:      "Instances disabled pending operator intervention",
	})

	// InstancesRunning gauges in-flight connector runs.
	InstancesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "canopy",
		Name:      "instances_running",
		Help:      "Connector runs currently in flight",
	})
)

// ObserveRun records the metrics for one completed run.
func ObserveRun(result models.RunResult) {
	labels := prometheus.Labels{
		"connector": result.Identity.Kind,
		"instance":  result.Identity.Name,
	}
	RunsTotal.With(prometheus.Labels{
		"connector": result.Identity.Kind,
		"instance":  result.Identity.Name,
		"outcome":   string(result.Outcome),
	}).Inc()
	RecordsCollected.With(labels).Add(float64(result.Records))
	RunDuration.With(labels).Observe(result.Duration.Seconds())
}

// ObserveFlush records one output flush.
func ObserveFlush(identity models.Identity, d time.Duration) {
	FlushDuration.With(prometheus.Labels{
		"connector": identity.Kind,
		"instance":  identity.Name,
	}).Observe(d.Seconds())
}

// ObserveConflict records a lost conditional write.
func ObserveConflict(identity models.Identity) {
	CheckpointConflicts.With(prometheus.Labels{
		"connector": identity.Kind,
		"instance":  identity.Name,
	}).Inc()
}
