package baseline_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/telcorr/internal/baseline"
	"github.com/gyaneshwarpardhi/telcorr/internal/window"
)

func TestRing_WrapsOldestFirst(t *testing.T) {
	r := baseline.NewRing(3)
	assert.Empty(t, r.Values())
	for i := 1; i <= 5; i++ {
		r.Push(float64(i))
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{3, 4, 5}, r.Values())
}

func TestModel_EWMA(t *testing.T) {
	m := baseline.NewModel(0.5, 4)
	m.Update(10)
	assert.Equal(t, 10.0, m.Mean())
	assert.Zero(t, m.StdDev())
	assert.Zero(t, m.Deltas())

	m.Update(20)
	// diff=10, incr=5 → mean 15, var = 0.5*(0+10*5) = 25
	assert.Equal(t, 15.0, m.Mean())
	assert.InDelta(t, 5.0, m.StdDev(), 1e-12)
	assert.Equal(t, 10.0, m.DeltaMean())
	assert.Equal(t, int64(1), m.Deltas())
	assert.Equal(t, 20.0, m.Last())
	assert.Equal(t, int64(2), m.Count())
	assert.Equal(t, []float64{10, 20}, m.History())
}

func TestModel_ConstantSeriesHasZeroSpread(t *testing.T) {
	m := baseline.NewModel(0.1, 16)
	for i := 0; i < 50; i++ {
		m.Update(42)
	}
	assert.Equal(t, 42.0, m.Mean())
	assert.Zero(t, m.StdDev())
	assert.Zero(t, m.DeltaMean())
	assert.Zero(t, m.DeltaStdDev())
	assert.Len(t, m.History(), 16)
}

func TestModel_CorruptAndReset(t *testing.T) {
	m := baseline.NewModel(0.1, 8)
	m.Update(1)
	m.Update(math.Inf(1))
	assert.True(t, m.Corrupt())

	m.Reset()
	assert.False(t, m.Corrupt())
	assert.Zero(t, m.Count())
	assert.Empty(t, m.History())
}

func TestModel_Seed(t *testing.T) {
	m := baseline.NewModel(0.1, 8)
	m.Seed(100, 5, []float64{95, 105, 95, 105})
	assert.Equal(t, int64(4), m.Count())
	assert.Equal(t, 100.0, m.Mean())
	assert.Equal(t, 5.0, m.StdDev())
	assert.Equal(t, 105.0, m.Last())
	assert.Equal(t, int64(3), m.Deltas())
	assert.InDelta(t, 10.0/3, m.DeltaMean(), 1e-12)
}

func TestQuantile(t *testing.T) {
	values := []float64{7, 1, 3, 5}
	assert.Equal(t, 1.0, baseline.Quantile(values, 0))
	assert.Equal(t, 7.0, baseline.Quantile(values, 1))
	assert.Equal(t, 4.0, baseline.Quantile(values, 0.5))
	assert.Equal(t, 2.5, baseline.Quantile(values, 0.25))
	assert.Equal(t, []float64{7, 1, 3, 5}, values, "input must not be reordered")
	assert.True(t, math.IsNaN(baseline.Quantile(nil, 0.5)))
}

func TestStore_GetSnapshotEvict(t *testing.T) {
	s, err := baseline.NewStore(0.1, 8, 2)
	require.NoError(t, err)

	a := window.Series{EntityKey: "api", MetricKind: "latency", WindowSize: time.Minute}
	b := window.Series{EntityKey: "db", MetricKind: "latency", WindowSize: time.Minute}
	c := window.Series{EntityKey: "cache", MetricKind: "hits", WindowSize: time.Minute}

	s.Get(a).Update(1)
	s.Get(b).Update(2)
	assert.Same(t, s.Get(a), s.Get(a))

	s.Get(c).Update(3) // evicts b, the least recently used
	assert.Equal(t, 2, s.Len())
	_, ok := s.Peek(b)
	assert.False(t, ok)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "api", snap[0].EntityKey)
	assert.Equal(t, "cache", snap[1].EntityKey)
	assert.Equal(t, 3.0, snap[1].Mean)
}
