// Package engine wires the pipeline stages onto sharded single-owner
// workers and a dedicated correlation worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/telcorr/internal/anomaly"
	"github.com/gyaneshwarpardhi/telcorr/internal/baseline"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/correlation"
	"github.com/gyaneshwarpardhi/telcorr/internal/event"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
	"github.com/gyaneshwarpardhi/telcorr/internal/normalize"
	"github.com/gyaneshwarpardhi/telcorr/internal/rootcause"
	"github.com/gyaneshwarpardhi/telcorr/internal/window"
)

// Output streams.
const (
	StreamBuckets      = "buckets"
	StreamCorrections  = "corrections"
	StreamAnomalies    = "anomalies"
	StreamCorrelations = "correlations"
	StreamRootCauses   = "root_causes"
	StreamRejections   = "rejections"
)

var (
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("engine closed")
	// ErrQueueFull is returned by Offer when the target shard is saturated.
	ErrQueueFull = errors.New("shard queue full")
)

// Emitter receives every produced record. It must not block.
type Emitter interface {
	Emit(stream string, record any)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for replay and tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine owns the pipeline. Events are normalized on the caller's goroutine
// and routed by entity hash to a shard worker; shards hand observations to
// the correlation worker through its bounded mailbox.
type Engine struct {
	cfg        atomic.Pointer[config.Config]
	clock      clock.Clock
	normalizer *normalize.Normalizer
	feedback   *anomaly.Feedback
	emitter    Emitter
	rejectLog  *rate.Limiter

	shards  []*shard
	workers []*worker[shardMsg]

	corr       *worker[corrMsg]
	correlator *correlation.Correlator
	analyzer   *rootcause.Analyzer

	mu     sync.RWMutex
	closed bool
}

// corrMsg is an observation or a closure run on the correlation worker.
// at is the engine time the observation entered the pipeline.
type corrMsg struct {
	obs *correlation.Observation
	at  time.Time
	fn  func()
}

// New builds an engine from a validated config. Call Start before use.
func New(cfg *config.Config, emitter Emitter, opts ...Option) (*Engine, error) {
	patterns, err := correlation.CompilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	reg := correlation.NewStaticRegistry(cfg.Dependencies)

	e := &Engine{
		clock:      clock.New(),
		normalizer: normalize.New(cfg.Normalizer),
		feedback:   anomaly.NewFeedback(),
		emitter:    emitter,
		rejectLog:  rate.NewLimiter(rate.Every(time.Second), 10),
		correlator: correlation.New(correlatorOptions(cfg.Correlator, cfg.Aggregator), reg, patterns),
		analyzer:   rootcause.NewAnalyzer(reg, rootcause.DefaultMaxDepth),
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg.Store(cfg)

	for i := 0; i < cfg.Engine.Workers; i++ {
		s, err := newShard(i, cfg, e.feedback, e)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		e.shards = append(e.shards, s)
		e.workers = append(e.workers, newWorker[shardMsg](cfg.Engine.QueueDepth, s.handle))
	}
	e.corr = newWorker[corrMsg](cfg.Engine.CorrelationQueueDepth, e.handleCorrelation)
	return e, nil
}

// Start launches the shard and correlation workers. They stop when ctx is
// cancelled or after Shutdown drains them.
func (e *Engine) Start(ctx context.Context) {
	for _, w := range e.workers {
		w.start(ctx)
	}
	e.corr.start(ctx)
	slog.Info("engine started", "workers", len(e.workers))
}

// Shutdown stops accepting input and waits for queued work. Shards drain
// first since they feed the correlation worker.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	for _, w := range e.workers {
		w.Drain()
	}
	e.corr.Drain()
	slog.Info("engine stopped")
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config { return e.cfg.Load() }

// Clock returns the engine's time source.
func (e *Engine) Clock() clock.Clock { return e.clock }

func (e *Engine) shardFor(entity string) int {
	return int(xxhash.Sum64String(entity) % uint64(len(e.workers)))
}

// Ingest normalizes raw and queues it on its shard, waiting for room.
// Rejected events are counted and emitted on the rejections stream; they
// are not returned as errors.
func (e *Engine) Ingest(ctx context.Context, raw event.RawEvent) error {
	ev, now, ok := e.normalize(raw)
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return e.workers[e.shardFor(ev.EntityKey)].Send(ctx, shardMsg{ev: &ev, at: now})
}

// Offer is Ingest without waiting: a saturated shard drops the event.
func (e *Engine) Offer(raw event.RawEvent) error {
	ev, now, ok := e.normalize(raw)
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	if !e.workers[e.shardFor(ev.EntityKey)].Submit(shardMsg{ev: &ev, at: now}) {
		metrics.EventsDropped.Inc()
		return ErrQueueFull
	}
	return nil
}

func (e *Engine) normalize(raw event.RawEvent) (event.NormalizedEvent, time.Time, bool) {
	metrics.EventsIngested.Inc()
	now := e.clock.Now()
	ev, err := e.normalizer.Normalize(raw, now)
	if err != nil {
		e.reject(raw, err, now)
		return ev, now, false
	}
	metrics.EventsNormalized.Inc()
	return ev, now, true
}

func (e *Engine) reject(raw event.RawEvent, err error, now time.Time) {
	rej := normalize.NewRejection(raw, err, now)
	if errors.Is(err, normalize.ErrLateArrival) {
		metrics.LateArrivals.WithLabelValues("normalizer").Inc()
	} else {
		metrics.EventsRejected.WithLabelValues(string(rej.Reason)).Inc()
		if e.rejectLog.Allow() {
			slog.Warn("event rejected", "source", raw.SourceID, "reason", rej.Reason, "field", rej.Field, "err", err)
		}
	}
	e.emit(StreamRejections, rej)
}

func (e *Engine) emit(stream string, record any) {
	if e.emitter != nil {
		e.emitter.Emit(stream, record)
	}
}

// observe hands an observation to the correlation worker.
func (e *Engine) observe(ctx context.Context, obs correlation.Observation, at time.Time) {
	if err := e.corr.Send(ctx, corrMsg{obs: &obs, at: at}); err != nil {
		slog.Debug("observation not delivered", "id", obs.ID, "err", err)
	}
}

func (e *Engine) handleCorrelation(_ context.Context, msg corrMsg) {
	if msg.fn != nil {
		msg.fn()
		return
	}
	for _, u := range e.correlator.Observe(*msg.obs, msg.at) {
		e.publish(u)
	}
}

func (e *Engine) publish(u correlation.Update) {
	e.emit(StreamCorrelations, u)
	if u.Kind != correlation.UpdateClosed {
		return
	}
	res, ok := e.analyzer.Analyze(u.Correlation)
	if !ok {
		return
	}
	slog.Info("root cause identified",
		"correlation", res.CorrelationID,
		"type", u.Correlation.Type,
		"root", res.RootEventID,
		"confidence", res.Confidence,
	)
	e.emit(StreamRootCauses, *res)
}

// Sweep closes due buckets on every shard, waits for them, then advances
// correlation lifecycles. Anomalies found by the shards reach the
// correlator before its own sweep.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	err := e.onShards(ctx, func(s *shard) { s.sweep(ctx, now) })
	if err != nil {
		return err
	}
	err = e.onCorrelator(ctx, func() {
		for _, u := range e.correlator.Sweep(now) {
			e.publish(u)
		}
	})
	if err != nil {
		return err
	}

	metrics.ProcessingDuration.Observe(float64(time.Since(start).Milliseconds()))
	metrics.QueueUtilization.Set(e.QueueUtilization())
	return nil
}

// onShards runs fn on every shard goroutine and waits for all of them.
func (e *Engine) onShards(ctx context.Context, fn func(*shard)) error {
	var wg sync.WaitGroup
	for _, w := range e.workers {
		wg.Add(1)
		msg := shardMsg{fn: func(s *shard) {
			defer wg.Done()
			fn(s)
		}}
		if err := w.Send(ctx, msg); err != nil {
			wg.Done()
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onCorrelator runs fn on the correlation worker and waits for it.
func (e *Engine) onCorrelator(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := e.corr.Send(ctx, corrMsg{fn: func() {
		defer close(done)
		fn()
	}}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run sweeps on every tick of the engine clock until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.Config().Engine.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Sweep(ctx, e.clock.Now()); err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrClosed) {
					return nil
				}
				slog.Error("sweep failed", "err", err)
			}
		}
	}
}

// QueueUtilization is the fullest mailbox's used/capacity ratio (0–1).
func (e *Engine) QueueUtilization() float64 {
	var u float64
	for _, w := range e.workers {
		u = max(u, float64(w.QueueLen())/float64(w.QueueCap()))
	}
	return max(u, float64(e.corr.QueueLen())/float64(e.corr.QueueCap()))
}

// Feedback records operator verdicts on the detectors that flagged an
// anomaly; the weights apply to all shards immediately.
func (e *Engine) Feedback(detectors []anomaly.DetectorID, truePositive bool) {
	e.feedback.Record(detectors, truePositive)
}

// FeedbackSnapshot copies the detector feedback counters.
func (e *Engine) FeedbackSnapshot() map[anomaly.DetectorID]anomaly.Counts {
	return e.feedback.Snapshot()
}

// Buckets copies the open buckets of every shard.
func (e *Engine) Buckets(ctx context.Context) ([]window.FinalizedBucket, error) {
	out, err := collect(ctx, e, func(s *shard) []window.FinalizedBucket { return s.agg.Snapshot() })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityKey != b.EntityKey {
			return a.EntityKey < b.EntityKey
		}
		if a.MetricKind != b.MetricKind {
			return a.MetricKind < b.MetricKind
		}
		if a.WindowSize != b.WindowSize {
			return a.WindowSize < b.WindowSize
		}
		return a.WindowStart.Before(b.WindowStart)
	})
	return out, nil
}

// Baselines copies every shard's baseline models.
func (e *Engine) Baselines(ctx context.Context) ([]baseline.SeriesSnapshot, error) {
	out, err := collect(ctx, e, func(s *shard) []baseline.SeriesSnapshot { return s.scorer.Store().Snapshot() })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityKey != b.EntityKey {
			return a.EntityKey < b.EntityKey
		}
		if a.MetricKind != b.MetricKind {
			return a.MetricKind < b.MetricKind
		}
		return a.WindowSize < b.WindowSize
	})
	return out, nil
}

// Correlations copies the correlator's retained correlations.
func (e *Engine) Correlations(ctx context.Context) ([]correlation.Correlation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	var out []correlation.Correlation
	err := e.onCorrelator(ctx, func() { out = e.correlator.Snapshot() })
	return out, err
}

func collect[T any](ctx context.Context, e *Engine, fn func(*shard) []T) ([]T, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	parts := make([][]T, len(e.shards))
	err := e.onShards(ctx, func(s *shard) { parts[s.id] = fn(s) })
	if err != nil {
		return nil, err
	}
	var out []T
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Reload applies the hot-reloadable parts of cfg: scorer thresholds,
// correlator windows, dependency registry and pattern signatures. Other
// changed sections are logged and ignored until restart.
func (e *Engine) Reload(ctx context.Context, cfg *config.Config) error {
	patterns, err := correlation.CompilePatterns(cfg.Patterns)
	if err != nil {
		return err
	}
	old := e.Config()
	for _, section := range restartOnly(old, cfg) {
		slog.Warn("config change requires restart, ignored", "section", section)
	}

	scorerOpts := anomaly.OptionsFrom(cfg.Scorer)
	for _, s := range e.shards {
		s.scorer.SetOptions(scorerOpts)
	}

	reg := correlation.NewStaticRegistry(cfg.Dependencies)
	corrOpts := correlatorOptions(cfg.Correlator, old.Aggregator)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	err = e.onCorrelator(ctx, func() {
		e.correlator.SetOptions(corrOpts)
		e.correlator.SetRegistry(reg)
		e.correlator.SetPatterns(patterns)
		e.analyzer.SetRegistry(reg)
	})
	if err != nil {
		return err
	}

	merged := *cfg
	merged.Engine, merged.Aggregator, merged.Normalizer = old.Engine, old.Aggregator, old.Normalizer
	merged.Scorer.EWMAAlpha, merged.Scorer.HistorySize, merged.Scorer.BaselineCapacity =
		old.Scorer.EWMAAlpha, old.Scorer.HistorySize, old.Scorer.BaselineCapacity
	e.cfg.Store(&merged)
	slog.Info("configuration reloaded",
		"dependencies", len(cfg.Dependencies),
		"patterns", len(patterns),
		"emission_threshold", cfg.Scorer.EmissionThreshold,
	)
	return nil
}

// correlatorOptions maps the correlator section and derives how long an
// anomaly can trail the events of its window: the widest window plus the
// aggregation grace period.
func correlatorOptions(c config.CorrelatorConf, agg config.AggregatorConf) correlation.Options {
	opts := correlation.OptionsFrom(c)
	opts.DetectionLag = agg.GracePeriod
	if len(agg.Windows) > 0 {
		opts.DetectionLag += slices.Max(agg.Windows)
	}
	return opts
}

// restartOnly lists changed sections that cannot be applied live.
func restartOnly(old, cfg *config.Config) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("engine", old.Engine, cfg.Engine)
	check("aggregator", old.Aggregator, cfg.Aggregator)
	check("normalizer", old.Normalizer, cfg.Normalizer)
	check("emitter", old.Emitter, cfg.Emitter)
	check("sinks", old.Sinks, cfg.Sinks)
	check("routes", old.Routes, cfg.Routes)
	check("http", old.HTTP, cfg.HTTP)
	check("logging", old.Logging, cfg.Logging)
	if old.Scorer.EWMAAlpha != cfg.Scorer.EWMAAlpha ||
		old.Scorer.HistorySize != cfg.Scorer.HistorySize ||
		old.Scorer.BaselineCapacity != cfg.Scorer.BaselineCapacity {
		out = append(out, "scorer.baseline")
	}
	return out
}
