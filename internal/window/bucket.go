package window

import (
	"math"
	"time"

	"github.com/gyaneshwarpardhi/telcorr/internal/event"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
)

// Key identifies one bucket.
type Key struct {
	EntityKey   string
	MetricKind  string
	WindowSize  time.Duration
	WindowStart time.Time
}

// Series identifies a bucket sequence regardless of window start.
type Series struct {
	EntityKey  string
	MetricKind string
	WindowSize time.Duration
}

// Series returns the sequence k belongs to.
func (k Key) Series() Series {
	return Series{EntityKey: k.EntityKey, MetricKind: k.MetricKind, WindowSize: k.WindowSize}
}

// AlignStart returns floor(t/size)*size on the UTC epoch.
func AlignStart(t time.Time, size time.Duration) time.Time {
	ns := t.UnixNano()
	start := ns - ns%int64(size)
	if ns < 0 && ns%int64(size) != 0 {
		start -= int64(size)
	}
	return time.Unix(0, start).UTC()
}

// bucket is the mutable per-key accumulator owned by one Aggregator.
type bucket struct {
	key    Key
	source event.Source
	stats  Summary
	sketch *Sketch
}

func (b *bucket) add(ev event.NormalizedEvent) {
	b.stats.add(ev)
	if ev.Value != nil {
		// Values outside the sketch's indexable range still count toward sum/min/max.
		if err := b.sketch.Add(*ev.Value); err != nil {
			metrics.SketchRejected.Inc()
		}
	}
}

func (b *bucket) finalize(closedAt time.Time) FinalizedBucket {
	f := FinalizedBucket{
		EntityKey:   b.key.EntityKey,
		MetricKind:  b.key.MetricKind,
		WindowSize:  b.key.WindowSize,
		WindowStart: b.key.WindowStart,
		Source:      b.source,
		Count:       b.stats.Count,
		ValueCount:  b.stats.ValueCount,
		Sum:         b.stats.Sum,
		Min:         b.stats.Min,
		Max:         b.stats.Max,
		ClosedAt:    closedAt,
	}
	if v, ok := b.sketch.Quantile(0.50); ok {
		f.P50 = v
	}
	if v, ok := b.sketch.Quantile(0.95); ok {
		f.P95 = v
	}
	if v, ok := b.sketch.Quantile(0.99); ok {
		f.P99 = v
	}
	return f
}

// FinalizedBucket is the immutable summary of a closed window.
// ClosedAt is zero for snapshots of still-open buckets.
type FinalizedBucket struct {
	EntityKey   string        `json:"entity_key" msgpack:"entity_key"`
	MetricKind  string        `json:"metric_kind" msgpack:"metric_kind"`
	WindowSize  time.Duration `json:"window_size" msgpack:"window_size"`
	WindowStart time.Time     `json:"window_start" msgpack:"window_start"`
	Source      event.Source  `json:"source" msgpack:"source"`
	Count       int64         `json:"count" msgpack:"count"`
	ValueCount  int64         `json:"value_count" msgpack:"value_count"`
	Sum         float64       `json:"sum" msgpack:"sum"`
	Min         float64       `json:"min" msgpack:"min"`
	Max         float64       `json:"max" msgpack:"max"`
	P50         float64       `json:"p50" msgpack:"p50"`
	P95         float64       `json:"p95" msgpack:"p95"`
	P99         float64       `json:"p99" msgpack:"p99"`
	ClosedAt    time.Time     `json:"closed_at" msgpack:"closed_at"`
}

// Key returns the bucket's identity.
func (f FinalizedBucket) Key() Key {
	return Key{EntityKey: f.EntityKey, MetricKind: f.MetricKind, WindowSize: f.WindowSize, WindowStart: f.WindowStart}
}

// WindowEnd is the exclusive end of the window.
func (f FinalizedBucket) WindowEnd() time.Time { return f.WindowStart.Add(f.WindowSize) }

// Mean returns sum/value_count, or 0 without values.
func (f FinalizedBucket) Mean() float64 {
	if f.ValueCount == 0 {
		return 0
	}
	return f.Sum / float64(f.ValueCount)
}

// Observed is the value scored against the baseline: the mean for
// metric-bearing series, otherwise the event count.
func (f FinalizedBucket) Observed() float64 {
	if f.ValueCount > 0 {
		return f.Mean()
	}
	return float64(f.Count)
}

// Summary returns the count/sum/min/max part of f.
func (f FinalizedBucket) Summary() Summary {
	return Summary{Count: f.Count, ValueCount: f.ValueCount, Sum: f.Sum, Min: f.Min, Max: f.Max}
}

// Summary is the count/sum/min/max part of a bucket.
type Summary struct {
	Count      int64   `json:"count" msgpack:"count"`
	ValueCount int64   `json:"value_count" msgpack:"value_count"`
	Sum        float64 `json:"sum" msgpack:"sum"`
	Min        float64 `json:"min" msgpack:"min"`
	Max        float64 `json:"max" msgpack:"max"`
}

func (s *Summary) add(ev event.NormalizedEvent) {
	s.Count++
	if ev.Value == nil {
		return
	}
	v := *ev.Value
	if s.ValueCount == 0 {
		s.Min, s.Max = v, v
	} else {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.ValueCount++
	s.Sum += v
}

func (s Summary) merge(o Summary) Summary {
	out := Summary{
		Count:      s.Count + o.Count,
		ValueCount: s.ValueCount + o.ValueCount,
		Sum:        s.Sum + o.Sum,
		Min:        s.Min,
		Max:        s.Max,
	}
	switch {
	case s.ValueCount == 0:
		out.Min, out.Max = o.Min, o.Max
	case o.ValueCount > 0:
		out.Min = math.Min(s.Min, o.Min)
		out.Max = math.Max(s.Max, o.Max)
	}
	return out
}

// Correction carries data that arrived after its bucket closed.
// Late holds only the late events; Corrected merges them with the finalized
// bucket and is nil once that bucket has left the recent-bucket cache.
type Correction struct {
	EntityKey   string        `json:"entity_key" msgpack:"entity_key"`
	MetricKind  string        `json:"metric_kind" msgpack:"metric_kind"`
	WindowSize  time.Duration `json:"window_size" msgpack:"window_size"`
	WindowStart time.Time     `json:"window_start" msgpack:"window_start"`
	Late        Summary       `json:"late" msgpack:"late"`
	Corrected   *Summary      `json:"corrected,omitempty" msgpack:"corrected,omitempty"`
}

// Key returns the identity of the corrected bucket.
func (c Correction) Key() Key {
	return Key{EntityKey: c.EntityKey, MetricKind: c.MetricKind, WindowSize: c.WindowSize, WindowStart: c.WindowStart}
}
