// Package anomaly scores finalized buckets against their baselines with a
// fixed ensemble of detectors.
package anomaly

import (
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/gyaneshwarpardhi/telcorr/internal/baseline"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
	"github.com/gyaneshwarpardhi/telcorr/internal/window"
)

// Options are the hot-reloadable scoring thresholds.
type Options struct {
	EmissionThreshold float64
	MinSamples        int
	DefaultK          float64
	KPerKind          map[string]float64
	IQRMultiplier     float64
	RateMultiplier    float64
	Detectors         []DetectorID
	Severity          config.SeverityThresholds
}

// OptionsFrom maps the scorer config section. Unknown detector names are
// rejected by config validation, so they are skipped here.
func OptionsFrom(cfg config.ScorerConf) Options {
	o := Options{
		EmissionThreshold: cfg.EmissionThreshold,
		MinSamples:        cfg.MinSamples,
		DefaultK:          cfg.DefaultK,
		KPerKind:          make(map[string]float64, len(cfg.KPerKind)),
		IQRMultiplier:     cfg.IQRMultiplier,
		RateMultiplier:    cfg.RateOfChangeMultiplier,
		Severity:          cfg.Severity,
	}
	for k, v := range cfg.KPerKind {
		o.KPerKind[k] = v
	}
	for _, name := range cfg.Detectors {
		if d, err := ParseDetector(name); err == nil {
			o.Detectors = append(o.Detectors, d)
		}
	}
	if len(o.Detectors) == 0 {
		o.Detectors = append([]DetectorID(nil), Detectors...)
	}
	return o
}

// Assessment is the full ensemble outcome for one value.
type Assessment struct {
	Votes    []Vote
	Flagged  []DetectorID // sorted
	Score    float64
	Emit     bool
	Severity SeverityClass
	Range    Range
}

// Scorer evaluates buckets of one shard. Options may be swapped from any
// goroutine; the baseline store is owned by the shard worker.
type Scorer struct {
	opts     atomic.Pointer[Options]
	store    *baseline.Store
	feedback *Feedback
}

// NewScorer wires a scorer to a shard's baseline store and the shared feedback counters.
func NewScorer(opts Options, store *baseline.Store, feedback *Feedback) *Scorer {
	s := &Scorer{store: store, feedback: feedback}
	s.SetOptions(opts)
	return s
}

// SetOptions atomically replaces the thresholds.
func (s *Scorer) SetOptions(opts Options) {
	s.opts.Store(&opts)
}

// Options returns the active thresholds.
func (s *Scorer) Options() Options { return *s.opts.Load() }

// Store returns the shard's baseline store.
func (s *Scorer) Store() *baseline.Store { return s.store }

func (o *Options) k(kind string) float64 {
	if k, ok := o.KPerKind[kind]; ok {
		return k
	}
	return o.DefaultK
}

func (o *Options) classify(score float64) SeverityClass {
	switch {
	case score >= o.Severity.Critical:
		return SeverityCritical
	case score >= o.Severity.High:
		return SeverityHigh
	case score >= o.Severity.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Assess runs every enabled detector against m without modifying it.
func (s *Scorer) Assess(b window.FinalizedBucket, m *baseline.Model) Assessment {
	o := s.opts.Load()
	x := b.Observed()
	p := params{
		k:          o.k(b.MetricKind),
		iqrMult:    o.IQRMultiplier,
		rateMult:   o.RateMultiplier,
		minSamples: o.MinSamples,
	}

	var a Assessment
	var weighted, weights float64
	for _, d := range o.Detectors {
		v := d.evaluate(x, m, p)
		a.Votes = append(a.Votes, v)
		if !v.Flagged {
			continue
		}
		w := s.feedback.Weight(d)
		weighted += w * v.Severity
		weights += w
		a.Flagged = append(a.Flagged, d)
	}
	sort.Slice(a.Flagged, func(i, j int) bool { return a.Flagged[i] < a.Flagged[j] })

	if weights > 0 {
		a.Score = weighted / weights
	}
	a.Emit = len(a.Flagged) > 0 && a.Score > o.EmissionThreshold
	a.Severity = o.classify(a.Score)
	std := spreadFloor(m.StdDev(), m.Mean())
	a.Range = Range{Min: m.Mean() - p.k*std, Max: m.Mean() + p.k*std}
	return a
}

// Score judges b against m and returns a record when the ensemble emits.
// m is not modified.
func (s *Scorer) Score(b window.FinalizedBucket, m *baseline.Model) (*Record, bool) {
	a := s.Assess(b, m)
	if !a.Emit {
		return nil, false
	}
	return &Record{
		ID:            recordID(b),
		EntityKey:     b.EntityKey,
		MetricKind:    b.MetricKind,
		WindowSize:    b.WindowSize,
		WindowStart:   b.WindowStart,
		Source:        b.Source,
		ObservedValue: b.Observed(),
		BaselineRange: a.Range,
		Score:         a.Score,
		SeverityClass: a.Severity,
		Detectors:     a.Flagged,
		DetectedAt:    b.ClosedAt,
	}, true
}

// Evaluate scores b against its series baseline, then folds b into that
// baseline. A corrupt baseline is reset and only that series is affected.
func (s *Scorer) Evaluate(b window.FinalizedBucket) (*Record, bool) {
	series := b.Key().Series()
	m := s.store.Get(series)
	if m.Corrupt() {
		s.reset(series, m, "before scoring")
	}

	rec, ok := s.Score(b, m)

	m.Update(b.Observed())
	if m.Corrupt() {
		s.reset(series, m, "after update")
	}

	if !ok {
		return nil, false
	}
	for _, d := range rec.Detectors {
		metrics.DetectorVotes.WithLabelValues(string(d)).Inc()
	}
	metrics.AnomaliesEmitted.WithLabelValues(string(rec.SeverityClass)).Inc()
	return rec, true
}

func (s *Scorer) reset(series window.Series, m *baseline.Model, stage string) {
	slog.Warn("corrupt baseline reset",
		"entity", series.EntityKey,
		"kind", series.MetricKind,
		"window", series.WindowSize.String(),
		"stage", stage,
	)
	metrics.BaselineResets.Inc()
	m.Reset()
}
