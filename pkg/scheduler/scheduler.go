// Package scheduler drives configured collection streams: it triggers
// runs on each instance's interval, backs off transient failures,
// parks instances on permanent failures until their configuration
// changes, and guards every run with a cache-backed lease so
// overlapping daemons or tick invocations never double-collect a
// stream.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/canopyhq/canopy/pkg/cache"
	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/connector"
	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/logger"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/output"
	"github.com/canopyhq/canopy/pkg/secrets"
	"github.com/canopyhq/canopy/pkg/transform"
)

// Options tunes the scheduler.
type Options struct {
	// Workers bounds concurrent runs.
	Workers int
	// ConfigRefresh is how often instance documents are re-read.
	ConfigRefresh time.Duration
	// Resolution is the trigger check period.
	Resolution time.Duration
	// LeaseTTL bounds how long a crashed run blocks its stream.
	LeaseTTL time.Duration
	// MaxBackoff caps the retry interval after transient failures.
	MaxBackoff time.Duration
	// ShutdownGrace is how long in-flight runs may keep collecting
	// after a stop signal before their contexts are cancelled.
	ShutdownGrace time.Duration
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ConfigRefresh <= 0 {
		o.ConfigRefresh = time.Minute
	}
	if o.Resolution <= 0 {
		o.Resolution = time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Hour
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateBackoff
	stateDisabled
)

// stream is the scheduler's bookkeeping for one configured instance.
type stream struct {
	instance    *config.Instance
	fingerprint string
	state       runState
	retry       *backoff.Backoff
	next        time.Time
}

// Scheduler owns the daemon loop and the one-shot drivers.
type Scheduler struct {
	store   cache.Cache
	sec     secrets.Source
	configs config.Source
	opts    Options

	mu      sync.Mutex
	streams map[string]*stream
}

// New builds a scheduler over a checkpoint store, a secret source, and
// a config source.
func New(store cache.Cache, sec secrets.Source, configs config.Source, opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{
		store:   store,
		sec:     sec,
		configs: configs,
		opts:    opts,
		streams: make(map[string]*stream),
	}
}

// Run is the daemon loop: refresh configuration, trigger due streams
// into a bounded worker pool, repeat until the context is cancelled.
// In-flight runs drain before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}

	// Runs outlive the daemon context so a stop signal does not abort
	// a flush mid-batch; the grace period bounds the drain.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	group := &errgroup.Group{}
	group.SetLimit(s.opts.Workers)

	trigger := time.NewTicker(s.opts.Resolution)
	defer trigger.Stop()
	reload := time.NewTicker(s.opts.ConfigRefresh)
	defer reload.Stop()

	logger.Info("scheduler started",
		zap.Int("workers", s.opts.Workers),
		zap.Int("streams", len(s.streams)))

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopping, draining in-flight runs")
			done := make(chan error, 1)
			go func() { done <- group.Wait() }()
			select {
			case err := <-done:
				logger.Info("scheduler stopped")
				return err
			case <-time.After(s.opts.ShutdownGrace):
				logger.Warn("shutdown grace expired, cancelling runs")
				cancelRuns()
				return <-done
			}
		case <-reload.C:
			if err := s.refresh(ctx); err != nil {
				logger.Warn("config refresh failed", zap.Error(err))
			}
		case <-trigger.C:
			s.dispatchDue(runCtx, group)
		}
	}
}

// Tick performs a single scheduling pass and waits for the runs it
// started. Overlapping invocations are safe: the lease marker makes
// concurrent tickers skip streams another invocation is collecting.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}
	group := &errgroup.Group{}
	group.SetLimit(s.opts.Workers)
	s.dispatchDue(ctx, group)
	return group.Wait()
}

// RunOnce collects every enabled stream exactly once, regardless of
// intervals. It reports a permanent error if any stream failed
// permanently, for a nonzero exit in one-shot mode.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}

	type dispatch struct {
		st       *stream
		instance *config.Instance
	}

	s.mu.Lock()
	due := make([]dispatch, 0, len(s.streams))
	for _, st := range s.streams {
		if st.state != stateDisabled {
			due = append(due, dispatch{st: st, instance: st.instance})
		}
	}
	s.mu.Unlock()

	group := &errgroup.Group{}
	group.SetLimit(s.opts.Workers)

	var permanentMu sync.Mutex
	var permanent []string

	for _, d := range due {
		d := d
		group.Go(func() error {
			result := s.collect(ctx, d.instance)
			s.settle(d.st, result)
			if result.Outcome == models.OutcomePermanent {
				permanentMu.Lock()
				permanent = append(permanent, result.Identity.String())
				permanentMu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if len(permanent) > 0 {
		return errors.Newf(errors.ErrorTypePermission,
			"streams failed permanently: %v", permanent)
	}
	return nil
}

// refresh re-reads instance documents and reconciles scheduler state.
// A disabled stream comes back only when its document changed.
func (s *Scheduler) refresh(ctx context.Context) error {
	instances, err := s.configs.Load(ctx)
	if err != nil {
		return err
	}

	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(instances))
	for _, instance := range instances {
		if instance.Disabled {
			continue
		}
		key := instance.Identity().String()
		seen[key] = struct{}{}

		st, ok := s.streams[key]
		if !ok {
			s.streams[key] = &stream{
				instance:    instance,
				fingerprint: instance.Fingerprint(),
				retry: &backoff.Backoff{
					Min:    instance.Interval,
					Max:    s.opts.MaxBackoff,
					Factor: 2,
					Jitter: true,
				},
				next: now,
			}
			continue
		}

		changed := instance.Fingerprint() != st.fingerprint
		st.instance = instance
		if changed {
			st.fingerprint = instance.Fingerprint()
			st.retry.Min = instance.Interval
			st.retry.Reset()
			if st.state == stateDisabled {
				logger.Info("re-enabling stream after config change",
					zap.String("stream", key))
				metrics.InstancesDisabled.Dec()
				st.state = stateIdle
				st.next = now
			}
		}
	}

	for key, st := range s.streams {
		if _, ok := seen[key]; ok {
			continue
		}
		if st.state == stateRunning {
			// Let the in-flight run finish; it disappears next refresh.
			continue
		}
		if st.state == stateDisabled {
			metrics.InstancesDisabled.Dec()
		}
		delete(s.streams, key)
	}
	return nil
}

// dispatchDue starts a run for every stream whose trigger time has
// passed.
func (s *Scheduler) dispatchDue(ctx context.Context, group *errgroup.Group) {
	now := s.opts.Now()

	// The instance pointer is captured while the lock is held: refresh
	// swaps st.instance for re-read documents, and the worker goroutine
	// must not observe that write unsynchronized.
	type dispatch struct {
		st       *stream
		instance *config.Instance
	}

	s.mu.Lock()
	var due []dispatch
	for _, st := range s.streams {
		if st.state == stateRunning || st.state == stateDisabled {
			continue
		}
		if now.Before(st.next) {
			continue
		}
		st.state = stateRunning
		due = append(due, dispatch{st: st, instance: st.instance})
	}
	s.mu.Unlock()

	for _, d := range due {
		d := d
		started := group.TryGo(func() error {
			result := s.collect(ctx, d.instance)
			s.settle(d.st, result)
			return nil
		})
		if !started {
			// Pool is full; put the stream back and retry next tick.
			s.mu.Lock()
			d.st.state = stateIdle
			s.mu.Unlock()
		}
	}
}

// settle applies a run outcome to the stream's trigger state.
func (s *Scheduler) settle(st *stream, result models.RunResult) {
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch result.Outcome {
	case models.OutcomeSuccess:
		st.retry.Reset()
		st.state = stateIdle
		st.next = now.Add(st.instance.Interval)
	case models.OutcomeTransient:
		st.state = stateBackoff
		delay := st.retry.Duration()
		st.next = now.Add(delay)
		logger.Warn("stream backing off",
			zap.String("stream", result.Identity.String()),
			zap.Duration("retry_in", delay),
			zap.Error(result.Err))
	case models.OutcomePermanent:
		st.state = stateDisabled
		metrics.InstancesDisabled.Inc()
		logger.Error("stream disabled until its configuration changes",
			zap.String("stream", result.Identity.String()),
			zap.Error(result.Err))
	}
}

// collect performs one guarded run: build the connector and sinks from
// the instance document, take the stream lease, and hand off to the
// engine.
func (s *Scheduler) collect(ctx context.Context, instance *config.Instance) models.RunResult {
	identity := instance.Identity()
	runID := uuid.NewString()
	result := models.RunResult{Identity: identity, RunID: runID}

	fail := func(outcome models.Outcome, err error) models.RunResult {
		result.Outcome = outcome
		result.Err = err
		metrics.ObserveRun(result)
		return result
	}

	release, err := acquireLease(ctx, s.store, identity, runID, s.opts.LeaseTTL, s.opts.Now())
	if err != nil {
		if errors.IsConflict(err) {
			metrics.ObserveConflict(identity)
			return fail(models.OutcomeTransient, err)
		}
		return fail(models.OutcomeTransient, err)
	}
	// Release on a fresh context: if the run's context was cancelled at
	// shutdown, the lease delete must still reach remote cache backends
	// or the stream stays wedged until the TTL expires.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		release(releaseCtx)
	}()

	src, err := connector.New(instance.Connector)
	if err != nil {
		return fail(models.OutcomePermanent, err)
	}
	if err := src.Configure(ctx, instance, s.sec); err != nil {
		outcome := models.OutcomeTransient
		if errors.IsPermanent(err) {
			outcome = models.OutcomePermanent
		}
		return fail(outcome, err)
	}

	sinks := make([]output.Output, 0, len(instance.Outputs))
	for _, sc := range instance.Outputs {
		sink, err := output.Open(ctx, sc.Kind, sc.Params)
		if err != nil {
			return fail(models.OutcomePermanent, err)
		}
		sinks = append(sinks, sink)
	}
	multi := output.NewMulti(sinks...)
	defer multi.Close(ctx)

	transforms, err := transform.NewChain(instance.Transforms)
	if err != nil {
		return fail(models.OutcomePermanent, err)
	}

	metrics.InstancesRunning.Inc()
	defer metrics.InstancesRunning.Dec()

	return connector.Run(ctx, src, identity, s.store, multi, connector.RunOptions{
		BatchSize:  instance.BatchSize,
		MaxPages:   instance.MaxPages,
		TimeBudget: instance.TimeBudget,
		Transforms: transforms,
		Now:        s.opts.Now,
	})
}
