// Package window buckets normalized events into fixed, epoch-aligned time
// windows and finalizes each bucket exactly once.
package window

import (
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/event"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
)

// Options configures an Aggregator.
type Options struct {
	Windows                []time.Duration
	Grace                  time.Duration
	RecentCapacity         int // finalized buckets remembered for corrections
	SketchRelativeAccuracy float64
	SketchMaxBins          int
}

// OptionsFrom maps the aggregator config section.
func OptionsFrom(cfg config.AggregatorConf) Options {
	return Options{
		Windows:                append([]time.Duration(nil), cfg.Windows...),
		Grace:                  cfg.GracePeriod,
		RecentCapacity:         cfg.ClosedSeriesCapacity,
		SketchRelativeAccuracy: cfg.SketchRelativeAccuracy,
		SketchMaxBins:          cfg.SketchMaxBins,
	}
}

// Aggregator owns the open buckets of one shard. It is not safe for
// concurrent use; the owning worker is the single writer.
type Aggregator struct {
	opts        Options
	open        map[Key]*bucket
	recent      *lru.Cache[Key, Summary]
	corrections map[Key]*Correction
	sweptTo     time.Time // latest now passed to DrainClosed
	late        int64
}

// New validates opts and returns an empty Aggregator.
func New(opts Options) (*Aggregator, error) {
	if len(opts.Windows) == 0 {
		return nil, fmt.Errorf("window: at least one window size is required")
	}
	for _, w := range opts.Windows {
		if w <= 0 {
			return nil, fmt.Errorf("window: size %s must be positive", w)
		}
	}
	// Check the sketch parameters once so bucket creation cannot fail later.
	if _, err := NewSketch(opts.SketchRelativeAccuracy, opts.SketchMaxBins); err != nil {
		return nil, fmt.Errorf("window: %w", err)
	}
	recent, err := lru.New[Key, Summary](max(opts.RecentCapacity, 1))
	if err != nil {
		return nil, fmt.Errorf("window: recent bucket cache: %w", err)
	}
	return &Aggregator{
		opts:        opts,
		open:        make(map[Key]*bucket),
		recent:      recent,
		corrections: make(map[Key]*Correction),
	}, nil
}

// closesAt is the instant a bucket starting at start becomes final.
func (a *Aggregator) closesAt(start time.Time, size time.Duration) time.Time {
	return start.Add(size + a.opts.Grace)
}

// Ingest adds ev to exactly one bucket per window size. It returns how many of
// those windows had already closed; their data goes to a Correction instead.
func (a *Aggregator) Ingest(ev event.NormalizedEvent) (late int) {
	for _, size := range a.opts.Windows {
		key := Key{
			EntityKey:   ev.EntityKey,
			MetricKind:  ev.Kind,
			WindowSize:  size,
			WindowStart: AlignStart(ev.OccurredAt, size),
		}

		if !a.sweptTo.IsZero() && !a.sweptTo.Before(a.closesAt(key.WindowStart, size)) {
			a.addCorrection(key, ev)
			late++
			continue
		}

		b, ok := a.open[key]
		if !ok {
			sk, _ := NewSketch(a.opts.SketchRelativeAccuracy, a.opts.SketchMaxBins)
			b = &bucket{key: key, source: ev.Source, sketch: sk}
			a.open[key] = b
		}
		b.add(ev)
	}
	if late > 0 {
		a.late += int64(late)
		metrics.LateArrivals.WithLabelValues("aggregator").Add(float64(late))
	}
	return late
}

func (a *Aggregator) addCorrection(key Key, ev event.NormalizedEvent) {
	c, ok := a.corrections[key]
	if !ok {
		c = &Correction{
			EntityKey:   key.EntityKey,
			MetricKind:  key.MetricKind,
			WindowSize:  key.WindowSize,
			WindowStart: key.WindowStart,
		}
		a.corrections[key] = c
	}
	c.Late.add(ev)
}

// DrainClosed removes and returns every bucket whose window plus grace has
// elapsed at now, in (window_start, window_size, entity, kind) order.
// A bucket is returned by exactly one call.
func (a *Aggregator) DrainClosed(now time.Time) []FinalizedBucket {
	now = now.UTC()
	if now.After(a.sweptTo) {
		a.sweptTo = now
	}
	var out []FinalizedBucket
	for key, b := range a.open {
		if now.Before(a.closesAt(key.WindowStart, key.WindowSize)) {
			continue
		}
		f := b.finalize(now)
		delete(a.open, key)
		a.recent.Add(key, f.Summary())
		metrics.BucketsFinalized.WithLabelValues(key.WindowSize.String()).Inc()
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key(), out[j].Key()) })
	return out
}

// DrainCorrections returns and clears the pending corrections.
func (a *Aggregator) DrainCorrections() []Correction {
	if len(a.corrections) == 0 {
		return nil
	}
	out := make([]Correction, 0, len(a.corrections))
	for key, c := range a.corrections {
		if prev, ok := a.recent.Get(key); ok {
			merged := prev.merge(c.Late)
			c.Corrected = &merged
			a.recent.Add(key, merged)
		}
		out = append(out, *c)
		delete(a.corrections, key)
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key(), out[j].Key()) })
	return out
}

// Snapshot copies the open buckets without closing them.
func (a *Aggregator) Snapshot() []FinalizedBucket {
	out := make([]FinalizedBucket, 0, len(a.open))
	for _, b := range a.open {
		out = append(out, b.finalize(time.Time{}))
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key(), out[j].Key()) })
	return out
}

// OpenBuckets returns the number of buckets not yet finalized.
func (a *Aggregator) OpenBuckets() int { return len(a.open) }

// LateCount returns the total late window assignments seen so far.
func (a *Aggregator) LateCount() int64 { return a.late }

func lessKey(x, y Key) bool {
	if !x.WindowStart.Equal(y.WindowStart) {
		return x.WindowStart.Before(y.WindowStart)
	}
	if x.WindowSize != y.WindowSize {
		return x.WindowSize < y.WindowSize
	}
	if x.EntityKey != y.EntityKey {
		return x.EntityKey < y.EntityKey
	}
	return x.MetricKind < y.MetricKind
}
