package connector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/pkg/cache"
	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/logger"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/output"
	"github.com/canopyhq/canopy/pkg/transform"
)

// pointerField is the cache field holding a stream's checkpoint.
const pointerField = "pointer"

// RunOptions bound and shape one collection run.
type RunOptions struct {
	// BatchSize caps entries per output flush.
	BatchSize int
	// MaxPages bounds pages fetched in one run; the run yields with a
	// checkpoint when it is reached.
	MaxPages int
	// TimeBudget bounds wall-clock time in one run.
	TimeBudget time.Duration
	// Transforms is the post-normalization chain applied to the flush
	// copy of each batch. It never influences checkpointing.
	Transforms transform.Chain
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (o *RunOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 200
	}
	if o.TimeBudget <= 0 {
		o.TimeBudget = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Run executes one collection cycle for a configured source. Every
// failure is converted into the RunResult outcome; Run itself never
// panics a worker.
//
// The cycle: read the pointer, page through the source, filter records
// already covered by the watermark, flush each batch to the output, and
// finally advance the pointer with a conditional write using the
// version observed at the start. Losing that conditional write means a
// concurrent run already advanced the stream; the run reports a
// transient failure with zero data loss since its records were already
// flushed.
func Run(ctx context.Context, src Source, identity models.Identity, store cache.Cache, sink output.Output, opts RunOptions) models.RunResult {
	opts.defaults()
	start := opts.Now()
	runID := uuid.NewString()

	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.ConnectorKey, identity.Kind)
	ctx = context.WithValue(ctx, logger.InstanceKey, identity.Name)
	log := logger.WithContext(ctx)

	ctx, span := otel.Tracer("canopy/connector").Start(ctx, "connector.run",
		trace.WithAttributes(
			attribute.String("canopy.connector", identity.Kind),
			attribute.String("canopy.instance", identity.Name),
			attribute.String("canopy.run_id", runID),
		))
	defer span.End()

	result := models.RunResult{Identity: identity, RunID: runID}
	finish := func(outcome models.Outcome, err error) models.RunResult {
		result.Outcome = outcome
		result.Err = err
		result.Duration = opts.Now().Sub(start)
		if err != nil {
			span.RecordError(err)
		}
		metrics.ObserveRun(result)
		return result
	}
	classify := func(err error) models.Outcome {
		if errors.IsPermanent(err) {
			return models.OutcomePermanent
		}
		return models.OutcomeTransient
	}

	// Step 1: read the stream's checkpoint and remember its version for
	// the final conditional write.
	ptrKey := identity.Key(pointerField)
	version := cache.VersionNone
	watermark := Watermark{Value: src.DefaultStart()}
	pointerExists := false

	entry, err := store.Get(ctx, ptrKey)
	switch {
	case err == nil:
		watermark = ParseWatermark(entry.Value)
		version = entry.Version
		pointerExists = true
	case errors.IsNotFound(err):
		// First run for this stream; collect from the default start.
	default:
		log.Warn("checkpoint read failed", zap.Error(err))
		return finish(models.OutcomeTransient, err)
	}

	log.Debug("run starting", zap.String("watermark", watermark.Value), zap.Int64("version", version))

	// Steps 2-3: paginate, filter the boundary overlap, flush, and
	// advance the candidate watermark in memory after each successful
	// flush.
	candidate := watermark
	deadline := start.Add(opts.TimeBudget)
	pageToken := ""

	for result.Pages < opts.MaxPages {
		if opts.Now().After(deadline) {
			log.Info("run time budget exhausted, yielding",
				zap.Int("pages", result.Pages), zap.Int("records", result.Records))
			break
		}

		page, err := src.Poll(ctx, Request{
			Watermark: watermark.Value,
			PageToken: pageToken,
			Limit:     opts.BatchSize,
		})
		if err != nil {
			log.Warn("source poll failed", zap.Error(err))
			return finish(classify(err), err)
		}
		result.Pages++

		fresh := filterSeen(src.Order(), watermark, page.Entries)
		collected := opts.Now()
		for i := range fresh {
			fresh[i].Collected = collected
		}

		for flushStart := 0; flushStart < len(fresh); flushStart += opts.BatchSize {
			end := flushStart + opts.BatchSize
			if end > len(fresh) {
				end = len(fresh)
			}
			batch := fresh[flushStart:end]

			if err := flushBatch(ctx, sink, identity, batch, opts.Transforms); err != nil {
				log.Warn("output flush failed", zap.Error(err), zap.Int("batch", len(batch)))
				return finish(classify(err), err)
			}
			result.Records += len(batch)

			// The flush succeeded, so the watermark may cover it. The
			// pre-transform entries drive the advance: transforms only
			// shape delivery.
			candidate = advance(src.Order(), candidate, batch, page.Checkpoint)
		}

		if len(fresh) == 0 {
			// Nothing new on this page, but a cursor source may still
			// hand us a fresher resume token.
			candidate = advance(src.Order(), candidate, nil, page.Checkpoint)
		}

		pageToken = page.PageToken
		if pageToken == "" {
			break
		}
	}

	// Step 4: the conditional pointer write, asserting the version from
	// step 1. Skipped when nothing moved so an idle stream performs no
	// writes at all.
	if candidate.Value == watermark.Value && equalSeen(candidate.Seen, watermark.Seen) && pointerExists {
		log.Debug("no progress, checkpoint unchanged", zap.Int("pages", result.Pages))
		return finish(models.OutcomeSuccess, nil)
	}

	encoded, err := candidate.Encode()
	if err != nil {
		return finish(models.OutcomeTransient, err)
	}
	if _, err := store.Put(ctx, ptrKey, encoded, version); err != nil {
		if errors.IsConflict(err) {
			// A concurrent run advanced the stream first. Our records
			// were already delivered, so nothing is lost; downstream
			// dedupe by record ID absorbs the overlap.
			metrics.ObserveConflict(identity)
			log.Info("checkpoint advanced by a concurrent run",
				zap.String("watermark", candidate.Value))
			return finish(models.OutcomeTransient, err)
		}
		log.Warn("checkpoint write failed", zap.Error(err))
		return finish(models.OutcomeTransient, err)
	}

	log.Info("run complete",
		zap.Int("records", result.Records),
		zap.Int("pages", result.Pages),
		zap.String("watermark", candidate.Value))
	return finish(models.OutcomeSuccess, nil)
}

// filterSeen drops entries already covered by the watermark. For
// chronological sources that is everything before the watermark instant
// plus the IDs recorded exactly at it; cursor sources filter nothing
// because the token already has strict ordering.
func filterSeen(order Order, w Watermark, entries []models.LogEntry) []models.LogEntry {
	if order != Chronological {
		return append([]models.LogEntry(nil), entries...)
	}

	boundary, hasBoundary := w.Time()
	if !hasBoundary {
		return append([]models.LogEntry(nil), entries...)
	}
	seen := w.SeenSet()

	fresh := make([]models.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Timestamp.Before(boundary) {
			continue
		}
		if entry.Timestamp.Equal(boundary) {
			if _, dup := seen[entry.ID]; dup {
				continue
			}
		}
		fresh = append(fresh, entry)
	}
	return fresh
}

// advance folds a flushed batch into the candidate watermark.
func advance(order Order, current Watermark, flushed []models.LogEntry, checkpoint string) Watermark {
	if order == CursorStrict {
		if checkpoint != "" {
			return Watermark{Value: checkpoint}
		}
		return current
	}

	maxTS, ok := current.Time()
	seen := append([]string(nil), current.Seen...)

	for _, entry := range flushed {
		switch {
		case !ok || entry.Timestamp.After(maxTS):
			maxTS = entry.Timestamp
			ok = true
			seen = seen[:0]
			seen = append(seen, entry.ID)
		case entry.Timestamp.Equal(maxTS):
			seen = append(seen, entry.ID)
		}
	}

	if !ok {
		return current
	}
	return Watermark{Value: FormatTime(maxTS), Seen: seen}
}

func flushBatch(ctx context.Context, sink output.Output, identity models.Identity, batch []models.LogEntry, transforms transform.Chain) error {
	if len(batch) == 0 {
		return nil
	}

	delivery, err := transforms.Apply(batch)
	if err != nil {
		return err
	}
	if len(delivery) == 0 {
		return nil
	}

	flushStart := time.Now()
	if err := sink.Flush(ctx, identity, delivery); err != nil {
		return err
	}
	metrics.ObserveFlush(identity, time.Since(flushStart))
	return nil
}

func equalSeen(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
