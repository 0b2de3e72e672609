// Package baseline keeps the running expected-value model of each series.
package baseline

import (
	"math"
	"sort"
)

// Model is an EWMA mean/variance over closed-bucket values, an EWMA over
// successive deltas, and a bounded history of recent values.
type Model struct {
	alpha float64

	n         int64
	mean      float64
	variance  float64
	last      float64
	deltas    int64
	deltaMean float64
	deltaVar  float64
	history   *Ring
}

// NewModel returns an empty model. alpha is the EWMA smoothing factor in (0,1].
func NewModel(alpha float64, historySize int) *Model {
	return &Model{alpha: alpha, history: NewRing(historySize)}
}

// Update folds x into the model.
func (m *Model) Update(x float64) {
	if m.n == 0 {
		m.mean = x
		m.variance = 0
	} else {
		d := x - m.last
		if m.deltas == 0 {
			m.deltaMean = d
			m.deltaVar = 0
		} else {
			m.deltaMean, m.deltaVar = ewma(m.alpha, m.deltaMean, m.deltaVar, d)
		}
		m.deltas++
		m.mean, m.variance = ewma(m.alpha, m.mean, m.variance, x)
	}
	m.last = x
	m.n++
	m.history.Push(x)
}

func ewma(alpha, mean, variance, x float64) (float64, float64) {
	diff := x - mean
	incr := alpha * diff
	return mean + incr, (1 - alpha) * (variance + diff*incr)
}

// Count is the number of values folded in.
func (m *Model) Count() int64 { return m.n }

// Mean is the exponentially weighted mean.
func (m *Model) Mean() float64 { return m.mean }

// StdDev is the exponentially weighted standard deviation.
func (m *Model) StdDev() float64 { return math.Sqrt(m.variance) }

// Last is the most recent value, valid when Count > 0.
func (m *Model) Last() float64 { return m.last }

// Deltas is the number of successive differences seen.
func (m *Model) Deltas() int64 { return m.deltas }

// DeltaMean is the EWMA of successive differences.
func (m *Model) DeltaMean() float64 { return m.deltaMean }

// DeltaStdDev is the EWMA standard deviation of successive differences.
func (m *Model) DeltaStdDev() float64 { return math.Sqrt(m.deltaVar) }

// History returns the recent values, oldest first.
func (m *Model) History() []float64 { return m.history.Values() }

// Corrupt reports whether any running statistic is NaN or infinite.
func (m *Model) Corrupt() bool {
	for _, v := range []float64{m.mean, m.variance, m.last, m.deltaMean, m.deltaVar} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return m.variance < 0 || m.deltaVar < 0
}

// Reset discards all state.
func (m *Model) Reset() {
	*m = Model{alpha: m.alpha, history: NewRing(m.history.Cap())}
}

// Seed replaces the running statistics, for restoring or synthesizing a
// baseline. history is copied oldest first.
func (m *Model) Seed(mean, stddev float64, history []float64) {
	m.Reset()
	for _, v := range history {
		m.history.Push(v)
	}
	m.n = int64(len(history))
	m.mean = mean
	m.variance = stddev * stddev
	if len(history) > 0 {
		m.last = history[len(history)-1]
	}
	if len(history) > 1 {
		var sum, sq float64
		for i := 1; i < len(history); i++ {
			d := history[i] - history[i-1]
			sum += d
			sq += d * d
		}
		k := float64(len(history) - 1)
		m.deltas = int64(len(history) - 1)
		m.deltaMean = sum / k
		m.deltaVar = math.Max(sq/k-m.deltaMean*m.deltaMean, 0)
	}
}

// Snapshot is an exported copy of a model's state.
type Snapshot struct {
	Count       int64     `json:"count"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	Last        float64   `json:"last"`
	DeltaMean   float64   `json:"delta_mean"`
	DeltaStdDev float64   `json:"delta_stddev"`
	History     []float64 `json:"history"`
}

// Snapshot copies the model state.
func (m *Model) Snapshot() Snapshot {
	return Snapshot{
		Count:       m.n,
		Mean:        m.mean,
		StdDev:      m.StdDev(),
		Last:        m.last,
		DeltaMean:   m.deltaMean,
		DeltaStdDev: m.DeltaStdDev(),
		History:     m.History(),
	}
}

// Quantile returns the q-quantile of values by linear interpolation between
// closest ranks. values need not be sorted; it is not modified.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}
