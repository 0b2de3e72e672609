package correlation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/telcorr/internal/anomaly"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/correlation"
	"github.com/gyaneshwarpardhi/telcorr/internal/event"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func obs(id, entity string, offset time.Duration, src event.Source, hint string) correlation.Observation {
	return correlation.FromEvent(event.NormalizedEvent{
		ID:              id,
		OccurredAt:      t0.Add(offset),
		Source:          src,
		EntityKey:       entity,
		Kind:            "latency_spike",
		Severity:        event.SeverityMedium,
		CorrelationHint: hint,
	})
}

func newCorrelator(t *testing.T, deps []config.Dependency, patterns []config.PatternDef) *correlation.Correlator {
	t.Helper()
	pats, err := correlation.CompilePatterns(patterns)
	require.NoError(t, err)
	opts := correlation.OptionsFrom(config.Default().Correlator)
	return correlation.New(opts, correlation.NewStaticRegistry(deps), pats)
}

func kinds(updates []correlation.Update) []correlation.UpdateKind {
	var out []correlation.UpdateKind
	for _, u := range updates {
		out = append(out, u.Kind)
	}
	return out
}

func TestObserve_HintScenario(t *testing.T) {
	c := newCorrelator(t, nil, nil)

	assert.Empty(t, c.Observe(obs("e1", "svc-a", 0, event.SourcePerformance, "X"), t0))
	assert.Equal(t, 1, c.Pending())

	updates := c.Observe(obs("e2", "svc-a", 2*time.Second, event.SourcePerformance, "X"), t0.Add(2*time.Second))
	require.Len(t, updates, 1)
	assert.Equal(t, correlation.UpdateOpened, updates[0].Kind)

	corr := updates[0].Correlation
	assert.Equal(t, []string{"e1", "e2"}, corr.MemberEventIDs())
	assert.Greater(t, corr.Strength, 0.9)
	assert.Equal(t, correlation.StateOpen, corr.State)
	assert.Equal(t, t0, corr.Window.Start)
	assert.Equal(t, t0.Add(2*time.Second), corr.Window.End)
	assert.Equal(t, time.Minute, corr.Window.Size)
	assert.InDelta(t, 0.5, corr.Confidence, 1e-12)

	require.Len(t, c.Snapshot(), 1)
	assert.Zero(t, c.Pending())
	assert.Equal(t, 1, c.Live())
}

func TestObserve_DuplicateIgnored(t *testing.T) {
	c := newCorrelator(t, nil, nil)
	c.Observe(obs("e1", "svc-a", 0, event.SourcePerformance, "X"), t0)
	assert.Empty(t, c.Observe(obs("e1", "svc-a", 0, event.SourcePerformance, "X"), t0))
	assert.Equal(t, 1, c.Pending())
	assert.Empty(t, c.Observe(correlation.Observation{}, t0))
}

func TestObserve_UnlinkedStaysPending(t *testing.T) {
	c := newCorrelator(t, nil, nil)
	c.Observe(obs("e1", "svc-a", 0, event.SourcePerformance, ""), t0)
	c.Observe(obs("e2", "svc-b", time.Second, event.SourcePerformance, ""), t0)
	// Same entity but beyond the proximity.
	c.Observe(obs("e3", "svc-a", 20*time.Second, event.SourcePerformance, ""), t0)

	assert.Empty(t, c.Snapshot())
	assert.Equal(t, 3, c.Pending())

	c.Sweep(t0.Add(2 * time.Minute))
	assert.Zero(t, c.Pending())
}

func TestStrength_NonIncreasingWithSpread(t *testing.T) {
	prev := 2.0
	for _, gap := range []time.Duration{time.Second, 10 * time.Second, 14 * time.Second, 20 * time.Second, 29 * time.Second} {
		c := newCorrelator(t, nil, nil)
		c.Observe(obs("a", "svc-a", 0, event.SourcePerformance, "H"), t0)
		c.Observe(obs("b", "svc-b", gap, event.SourcePerformance, "H"), t0)
		c.Observe(obs("c", "svc-c", 2*gap, event.SourcePerformance, "H"), t0)

		snap := c.Snapshot()
		require.Len(t, snap, 1, gap)
		require.Len(t, snap[0].Members, 3, gap)
		assert.LessOrEqual(t, snap[0].Strength, prev, gap)
		prev = snap[0].Strength
	}
	assert.InDelta(t, 2.0/3, prev, 1e-12)
}

func TestObserve_JoinsEarliestAnchor(t *testing.T) {
	c := newCorrelator(t, nil, nil)
	c.Observe(obs("a1", "e1", 0, event.SourcePerformance, "A"), t0)
	first := c.Observe(obs("a2", "e2", time.Second, event.SourcePerformance, "A"), t0)
	c.Observe(obs("b1", "e3", 5*time.Second, event.SourceSecurity, "B"), t0)
	c.Observe(obs("b2", "e4", 6*time.Second, event.SourceSecurity, "B"), t0)
	require.Len(t, c.Snapshot(), 2)

	bridge := obs("x", "new", 7*time.Second, event.SourceCost, "")
	bridge.Related = []string{"e3", "e1"}
	updates := c.Observe(bridge, t0.Add(7*time.Second))
	require.Len(t, updates, 1)
	assert.Equal(t, correlation.UpdateMemberAdded, updates[0].Kind)
	assert.Equal(t, first[0].Correlation.ID, updates[0].Correlation.ID)
	assert.Equal(t, []string{"a1", "a2", "x"}, updates[0].Correlation.MemberEventIDs())
	assert.Len(t, c.Snapshot(), 2)
}

func TestObserve_RejectsMembersOutsideWindow(t *testing.T) {
	c := newCorrelator(t, nil, nil)
	c.Observe(obs("a", "svc-a", 0, event.SourcePerformance, "H"), t0)
	c.Observe(obs("b", "svc-b", time.Second, event.SourcePerformance, "H"), t0)

	updates := c.Observe(obs("c", "svc-c", 90*time.Second, event.SourcePerformance, "H"), t0)
	assert.Empty(t, updates)
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Len(t, snap[0].Members, 2)
	for _, m := range snap[0].Members {
		assert.LessOrEqual(t, m.At.Sub(snap[0].Anchor().At), snap[0].Window.Size)
	}
}

func TestLifecycle(t *testing.T) {
	c := newCorrelator(t, nil, nil)
	grace := config.Default().Correlator.GracePeriod

	c.Observe(obs("a", "svc-a", 0, event.SourcePerformance, "H"), t0)
	c.Observe(obs("b", "svc-a", time.Second, event.SourcePerformance, "H"), t0)

	assert.Empty(t, c.Sweep(t0.Add(grace-time.Millisecond)))
	assert.Equal(t, []correlation.UpdateKind{correlation.UpdateStabilizing}, kinds(c.Sweep(t0.Add(grace))))

	// A new member reopens it.
	at := t0.Add(grace + time.Second)
	updates := c.Observe(obs("c", "svc-a", 5*time.Second, event.SourcePerformance, "H"), at)
	require.Len(t, updates, 1)
	assert.Equal(t, correlation.StateOpen, updates[0].Correlation.State)

	assert.Equal(t, []correlation.UpdateKind{correlation.UpdateStabilizing}, kinds(c.Sweep(at.Add(grace))))
	closed := c.Sweep(at.Add(2 * grace))
	require.Equal(t, []correlation.UpdateKind{correlation.UpdateClosed}, kinds(closed))
	assert.Equal(t, correlation.StateClosed, closed[0].Correlation.State)
	assert.Equal(t, at.Add(2*grace), closed[0].Correlation.ClosedAt)
	assert.Zero(t, c.Live())

	// Closed correlations accept no members.
	assert.Empty(t, c.Observe(obs("d", "svc-a", 6*time.Second, event.SourcePerformance, "H"), at.Add(2*grace)))

	assert.Empty(t, c.Sweep(at.Add(2*grace+config.Default().Correlator.Retention)))
	assert.Empty(t, c.Snapshot())
}

func TestSweep_OpenAndCloseInOneSweep(t *testing.T) {
	c := newCorrelator(t, nil, nil)
	c.Observe(obs("a", "svc-a", 0, event.SourcePerformance, "H"), t0)
	c.Observe(obs("b", "svc-a", time.Second, event.SourcePerformance, "H"), t0)

	got := kinds(c.Sweep(t0.Add(5 * time.Minute)))
	assert.Equal(t, []correlation.UpdateKind{correlation.UpdateStabilizing, correlation.UpdateClosed}, got)
}

func TestSweep_EvictsStaleLiveCorrelation(t *testing.T) {
	opts := correlation.OptionsFrom(config.Default().Correlator)
	opts.Grace = time.Hour
	c := correlation.New(opts, nil, nil)
	c.Observe(obs("a", "svc-a", 0, event.SourcePerformance, "H"), t0)
	c.Observe(obs("b", "svc-a", time.Second, event.SourcePerformance, "H"), t0)

	updates := c.Sweep(t0.Add(opts.Retention + 2*time.Second))
	assert.Equal(t, []correlation.UpdateKind{correlation.UpdateEvicted}, kinds(updates))
	assert.Empty(t, c.Snapshot())
}

func windowAnomaly(id, kind string, size time.Duration) anomaly.Record {
	return anomaly.Record{ID: id, EntityKey: "svc-a", MetricKind: kind, WindowSize: size, WindowStart: t0,
		Source: event.SourcePerformance, SeverityClass: anomaly.SeverityHigh, Score: 0.8,
		Detectors: []anomaly.DetectorID{anomaly.Statistical}}
}

func TestSweep_HourWindowAnomaliesClose(t *testing.T) {
	opts := correlation.OptionsFrom(config.Default().Correlator)
	opts.DetectionLag = time.Hour + 30*time.Second
	c := correlation.New(opts, nil, nil)

	// Scored once the hour and its grace period have passed.
	arrived := t0.Add(time.Hour + 31*time.Second)
	assert.Empty(t, c.Observe(correlation.FromAnomaly(windowAnomaly("a1", "latency", time.Hour)), arrived))
	u := c.Observe(correlation.FromAnomaly(windowAnomaly("a2", "error_rate", time.Hour)), arrived)
	require.Equal(t, []correlation.UpdateKind{correlation.UpdateOpened}, kinds(u))
	assert.Equal(t, correlation.TypeAnomalyCluster, u[0].Correlation.Type)
	assert.Equal(t, arrived, u[0].Correlation.Members[0].ObservedAt)
	assert.Equal(t, t0, u[0].Correlation.Members[0].At)

	assert.Empty(t, c.Sweep(arrived.Add(time.Second)))
	assert.Equal(t, 1, c.Live())

	closed := c.Sweep(arrived.Add(2 * opts.Grace))
	require.Equal(t, []correlation.UpdateKind{correlation.UpdateStabilizing, correlation.UpdateClosed}, kinds(closed))
	assert.Equal(t, []string{"a1", "a2"}, closed[1].Correlation.MemberEventIDs())
}

func TestSweep_PendingWaitsForDetectionLag(t *testing.T) {
	opts := correlation.OptionsFrom(config.Default().Correlator)
	opts.DetectionLag = time.Minute + 30*time.Second
	horizon := opts.DefaultWindow + opts.DetectionLag

	c := correlation.New(opts, nil, nil)
	observed := t0.Add(10 * time.Second)
	c.Observe(obs("e1", "svc-a", 10*time.Second, event.SourcePerformance, ""), observed)
	assert.Empty(t, c.Sweep(t0.Add(95*time.Second)))
	require.Equal(t, 1, c.Pending())

	// The anomaly for the minute holding e1 arrives after the minute closes.
	u := c.Observe(correlation.FromAnomaly(windowAnomaly("a1", "latency", time.Minute)), t0.Add(100*time.Second))
	require.Equal(t, []correlation.UpdateKind{correlation.UpdateOpened}, kinds(u))
	assert.Equal(t, []string{"a1", "e1"}, u[0].Correlation.MemberEventIDs())
	assert.Zero(t, c.Pending())

	c = correlation.New(opts, nil, nil)
	c.Observe(obs("e1", "svc-a", 10*time.Second, event.SourcePerformance, ""), observed)
	c.Sweep(observed.Add(horizon))
	assert.Equal(t, 1, c.Pending())
	c.Sweep(observed.Add(horizon + time.Second))
	assert.Zero(t, c.Pending())
}

func TestObserve_MaxActiveEvictsStalest(t *testing.T) {
	opts := correlation.OptionsFrom(config.Default().Correlator)
	opts.MaxActive = 1
	c := correlation.New(opts, nil, nil)

	c.Observe(obs("a1", "svc-a", 0, event.SourcePerformance, "A"), t0)
	c.Observe(obs("a2", "svc-a", time.Second, event.SourcePerformance, "A"), t0)
	c.Observe(obs("b1", "svc-b", 2*time.Second, event.SourcePerformance, "B"), t0.Add(time.Second))
	updates := c.Observe(obs("b2", "svc-b", 3*time.Second, event.SourcePerformance, "B"), t0.Add(time.Second))

	assert.Equal(t, []correlation.UpdateKind{correlation.UpdateEvicted, correlation.UpdateOpened}, kinds(updates))
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, []string{"b1", "b2"}, snap[0].MemberEventIDs())
}

func TestClassification(t *testing.T) {
	deps := []config.Dependency{{Entity: "api", DependsOn: []string{"db"}}}
	patterns := []config.PatternDef{{
		Name: "breach-then-spend",
		Steps: []config.PatternStep{
			{Kind: "login_failure", When: "severity >= 3"},
			{Kind: "spend_spike"},
		},
	}}

	t.Run("anomaly cluster", func(t *testing.T) {
		c := newCorrelator(t, deps, patterns)
		rec := func(id string, start time.Duration, dets ...anomaly.DetectorID) anomaly.Record {
			return anomaly.Record{ID: id, EntityKey: "svc-a", MetricKind: "latency", WindowStart: t0.Add(start),
				Source: event.SourcePerformance, SeverityClass: anomaly.SeverityHigh, Score: 0.75, Detectors: dets}
		}
		c.Observe(correlation.FromAnomaly(rec("r1", 0, anomaly.Statistical)), t0)
		u := c.Observe(correlation.FromAnomaly(rec("r2", 5*time.Second, anomaly.Statistical, anomaly.IQR)), t0)
		require.Len(t, u, 1)
		assert.Equal(t, correlation.TypeAnomalyCluster, u[0].Correlation.Type)
		// 1 - 0.5 * 0.8^3
		assert.InDelta(t, 1-0.5*0.512, u[0].Correlation.Confidence, 1e-12)
		assert.Equal(t, event.SeverityHigh, u[0].Correlation.Members[0].Severity)
	})

	t.Run("causal needs upstream first", func(t *testing.T) {
		c := newCorrelator(t, deps, patterns)
		c.Observe(obs("d", "db", 0, event.SourcePerformance, ""), t0)
		u := c.Observe(obs("a", "api", 3*time.Second, event.SourceSecurity, ""), t0)
		require.Len(t, u, 1)
		assert.Equal(t, correlation.TypeCausal, u[0].Correlation.Type)
		assert.Equal(t, correlation.TypeCausal, u[0].Correlation.BaseType)

		c = newCorrelator(t, deps, patterns)
		c.Observe(obs("a", "api", 0, event.SourcePerformance, ""), t0)
		u = c.Observe(obs("d", "db", 3*time.Second, event.SourceSecurity, ""), t0)
		require.Len(t, u, 1)
		assert.Equal(t, correlation.TypeTemporal, u[0].Correlation.Type)
	})

	t.Run("majority refines", func(t *testing.T) {
		c := newCorrelator(t, deps, patterns)
		c.Observe(obs("d", "db", 0, event.SourceCost, ""), t0)
		u := c.Observe(obs("a", "api", 3*time.Second, event.SourceCost, ""), t0)
		require.Len(t, u, 1)
		assert.Equal(t, correlation.TypeCostImpact, u[0].Correlation.Type)
		assert.Equal(t, correlation.TypeCausal, u[0].Correlation.BaseType)
	})

	t.Run("pattern", func(t *testing.T) {
		c := newCorrelator(t, deps, patterns)
		login := obs("l", "acct-1", 0, event.SourceSecurity, "inc-7")
		login.Kind = "login_failure"
		login.Severity = event.SeverityHigh
		spend := obs("s", "acct-1", 20*time.Second, event.SourceCost, "inc-7")
		spend.Kind = "spend_spike"

		c.Observe(login, t0)
		u := c.Observe(spend, t0)
		require.Len(t, u, 1)
		assert.Equal(t, correlation.TypePattern, u[0].Correlation.Type)
		assert.Equal(t, "breach-then-spend", u[0].Correlation.Pattern)

		c = newCorrelator(t, deps, patterns)
		login.Severity = event.SeverityLow
		c.Observe(login, t0)
		u = c.Observe(spend, t0)
		require.Len(t, u, 1)
		assert.NotEqual(t, correlation.TypePattern, u[0].Correlation.Type)
	})
}

func TestReloadHooks(t *testing.T) {
	c := newCorrelator(t, nil, nil)
	c.SetRegistry(correlation.NewStaticRegistry([]config.Dependency{{Entity: "api", DependsOn: []string{"db"}}}))
	opts := correlation.OptionsFrom(config.Default().Correlator)
	opts.WindowsPerType[correlation.TypeCausal] = 5 * time.Second
	c.SetOptions(opts)

	c.Observe(obs("d", "db", 0, event.SourcePerformance, ""), t0)
	u := c.Observe(obs("a", "api", 3*time.Second, event.SourceSecurity, ""), t0)
	require.Len(t, u, 1)
	assert.Equal(t, 5*time.Second, u[0].Correlation.Window.Size)
	assert.True(t, c.Registry().DependsOn("api", "db"))
}

func TestUpdateCopiesAreIndependent(t *testing.T) {
	c := newCorrelator(t, nil, nil)
	c.Observe(obs("a", "svc-a", 0, event.SourcePerformance, "H"), t0)
	u := c.Observe(obs("b", "svc-a", time.Second, event.SourcePerformance, "H"), t0)
	require.Len(t, u, 1)

	u[0].Correlation.Members[0].ID = "mutated"
	assert.Equal(t, "a", c.Snapshot()[0].Members[0].ID)
}
