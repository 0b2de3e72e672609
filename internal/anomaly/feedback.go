package anomaly

import "sync/atomic"

type counters struct {
	tp atomic.Int64
	fp atomic.Int64
}

// Feedback tracks per-detector true/false positive counts. It is shared by
// every shard; all updates are atomic increments.
type Feedback struct {
	byDetector map[DetectorID]*counters
}

// NewFeedback returns zeroed counters for every detector.
func NewFeedback() *Feedback {
	f := &Feedback{byDetector: make(map[DetectorID]*counters, len(Detectors))}
	for _, d := range Detectors {
		f.byDetector[d] = &counters{}
	}
	return f
}

// Record credits each listed detector with one confirmed or rejected alert.
// Unknown detector ids are ignored.
func (f *Feedback) Record(detectors []DetectorID, truePositive bool) {
	for _, d := range detectors {
		c, ok := f.byDetector[d]
		if !ok {
			continue
		}
		if truePositive {
			c.tp.Add(1)
		} else {
			c.fp.Add(1)
		}
	}
}

// Weight is the Laplace-smoothed true-positive rate (tp+1)/(tp+fp+2).
// With no feedback every detector weighs 0.5.
func (f *Feedback) Weight(d DetectorID) float64 {
	c, ok := f.byDetector[d]
	if !ok {
		return 0.5
	}
	tp, fp := c.tp.Load(), c.fp.Load()
	return float64(tp+1) / float64(tp+fp+2)
}

// Counts is a point-in-time copy of one detector's feedback.
type Counts struct {
	TruePositives  int64   `json:"true_positives"`
	FalsePositives int64   `json:"false_positives"`
	Weight         float64 `json:"weight"`
}

// Snapshot copies the counters of every detector.
func (f *Feedback) Snapshot() map[DetectorID]Counts {
	out := make(map[DetectorID]Counts, len(f.byDetector))
	for d, c := range f.byDetector {
		out[d] = Counts{TruePositives: c.tp.Load(), FalsePositives: c.fp.Load(), Weight: f.Weight(d)}
	}
	return out
}
