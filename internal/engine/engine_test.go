package engine_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/telcorr/internal/anomaly"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/correlation"
	"github.com/gyaneshwarpardhi/telcorr/internal/engine"
	"github.com/gyaneshwarpardhi/telcorr/internal/event"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
	"github.com/gyaneshwarpardhi/telcorr/internal/normalize"
	"github.com/gyaneshwarpardhi/telcorr/internal/rootcause"
	"github.com/gyaneshwarpardhi/telcorr/internal/source"
	"github.com/gyaneshwarpardhi/telcorr/internal/window"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	streams map[string][]any
}

func (r *recorder) Emit(stream string, record any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams == nil {
		r.streams = make(map[string][]any)
	}
	r.streams[stream] = append(r.streams[stream], record)
}

func (r *recorder) stream(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.streams[name]...)
}

func records[T any](t *testing.T, items []any) []T {
	t.Helper()
	out := make([]T, 0, len(items))
	for _, it := range items {
		v, ok := it.(T)
		require.True(t, ok, "unexpected record %T", it)
		out = append(out, v)
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.Workers = 2
	return cfg
}

func envelope(t *testing.T, sourceID string, at time.Time, payload map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"source_id":          sourceID,
		"schema_version":     "1.0",
		"declared_timestamp": at.Format(time.RFC3339Nano),
		"payload":            payload,
	})
	require.NoError(t, err)
	return string(b)
}

func latency(entity string, v float64) map[string]any {
	return map[string]any{"entity": entity, "kind": "latency", "category": "performance", "value": v, "unit": "ms"}
}

func raw(t *testing.T, entity string, at time.Time, v float64) event.RawEvent {
	t.Helper()
	payload, err := json.Marshal(latency(entity, v))
	require.NoError(t, err)
	return event.RawEvent{SourceID: "apm", SchemaVersion: "1", Payload: payload, DeclaredAt: at}
}

// spikeSeries is a steady svc-a latency series, one event per step at ten
// seconds past the step, ending with a spike at step 21.
func spikeSeries(t *testing.T, step time.Duration) []string {
	var lines []string
	for m := 0; m <= 21; m++ {
		v := 95.0
		if m%2 == 1 {
			v = 105
		}
		if m == 21 {
			v = 400
		}
		at := t0.Add(time.Duration(m)*step + 10*time.Second)
		lines = append(lines, envelope(t, "apm", at, latency("svc-a", v)))
	}
	return lines
}

// incidentInput is a per-minute spike series, two security events sharing a
// correlation hint, one invalid event and one malformed line.
func incidentInput(t *testing.T) string {
	lines := spikeSeries(t, time.Minute)
	lines = append(lines,
		envelope(t, "siem", t0.Add(21*time.Minute+15*time.Second), map[string]any{
			"id": "db-err", "entity": "db-1", "kind": "error", "category": "security",
			"severity": "high", "correlation_hint": "inc-1",
		}),
		envelope(t, "siem", t0.Add(21*time.Minute+16*time.Second), map[string]any{
			"kind": "error", "category": "security",
		}),
		"{not json",
		envelope(t, "siem", t0.Add(21*time.Minute+17*time.Second), map[string]any{
			"id": "web-err", "entity": "web-1", "kind": "error", "category": "security",
			"severity": "medium", "correlation_hint": "inc-1",
		}),
	)
	return strings.Join(lines, "\n") + "\n"
}

func replay(t *testing.T, input string) *recorder {
	t.Helper()
	rec := &recorder{}
	mock := clock.NewMock()
	e, err := engine.New(testConfig(), rec, engine.WithClock(mock))
	require.NoError(t, err)

	ctx := context.Background()
	e.Start(ctx)
	require.NoError(t, e.Replay(ctx, source.NewNDJSON(strings.NewReader(input)), mock))
	e.Shutdown()
	return rec
}

func TestReplay_Incident(t *testing.T) {
	malformed := testutil.ToFloat64(metrics.EventsRejected.WithLabelValues("malformed"))
	rec := replay(t, incidentInput(t))

	var minute []window.FinalizedBucket
	for _, b := range records[window.FinalizedBucket](t, rec.stream(engine.StreamBuckets)) {
		if b.EntityKey == "svc-a" && b.WindowSize == time.Minute {
			minute = append(minute, b)
		}
	}
	assert.Len(t, minute, 22)

	anomalies := records[anomaly.Record](t, rec.stream(engine.StreamAnomalies))
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, "svc-a", a.EntityKey)
	assert.Equal(t, time.Minute, a.WindowSize)
	assert.Equal(t, t0.Add(21*time.Minute), a.WindowStart)
	assert.InDelta(t, 400, a.ObservedValue, 1e-9)
	assert.Contains(t, a.Detectors, anomaly.Statistical)

	rejections := records[normalize.Rejection](t, rec.stream(engine.StreamRejections))
	require.Len(t, rejections, 1)
	assert.Equal(t, normalize.ReasonMissingField, rejections[0].Reason)
	assert.Equal(t, "entity", rejections[0].Field)
	assert.Equal(t, malformed+1, testutil.ToFloat64(metrics.EventsRejected.WithLabelValues("malformed")))

	closed := closedCorrelations(t, rec)
	var incident *correlation.Correlation
	for i, c := range closed {
		if assert.ObjectsAreEqual([]string{"db-err", "web-err"}, c.MemberEventIDs()) {
			incident = &closed[i]
		}
	}
	require.NotNil(t, incident, "hinted events were not correlated")
	assert.Equal(t, correlation.TypeSecurityChain, incident.Type)
	assert.Greater(t, incident.Strength, 0.9)

	roots := rootCauses(t, rec)
	require.Contains(t, roots, incident.ID, "no root cause for the closed correlation")
	assert.Equal(t, "db-err", roots[incident.ID].RootEventID)
	assert.Equal(t, event.SeverityHigh, roots[incident.ID].Impact[event.SourceSecurity])

	// The anomaly is correlated with the spike that caused it.
	spike := withMember(closed, a.ID)
	require.NotNil(t, spike, "anomaly never reached a closed correlation")
	require.Len(t, spike.Members, 2)
	ev := spike.Members[1]
	assert.False(t, ev.Anomaly)
	assert.Equal(t, "svc-a", ev.EntityKey)
	require.NotNil(t, ev.Value)
	assert.InDelta(t, 400, *ev.Value, 1e-9)
	assert.Equal(t, correlation.TypePerformanceChain, spike.Type)
	assert.Contains(t, roots, spike.ID)
}

func TestReplay_HourWindowAnomaliesCorrelate(t *testing.T) {
	rec := replay(t, strings.Join(spikeSeries(t, time.Hour), "\n")+"\n")

	anomalies := records[anomaly.Record](t, rec.stream(engine.StreamAnomalies))
	require.Len(t, anomalies, 3)
	bySize := make(map[time.Duration]anomaly.Record)
	for _, a := range anomalies {
		assert.Equal(t, "svc-a", a.EntityKey)
		assert.Equal(t, t0.Add(21*time.Hour), a.WindowStart)
		bySize[a.WindowSize] = a
	}
	require.Len(t, bySize, 3)

	closed := closedCorrelations(t, rec)
	roots := rootCauses(t, rec)

	// The minute anomaly closes first, together with the spike event.
	minute := withMember(closed, bySize[time.Minute].ID)
	require.NotNil(t, minute)
	assert.Len(t, minute.Members, 2)
	assert.Contains(t, roots, minute.ID)

	// The five-minute anomaly waits for the hourly one, scored an hour later.
	cluster := withMember(closed, bySize[time.Hour].ID)
	require.NotNil(t, cluster, "hourly anomaly never reached a closed correlation")
	assert.Equal(t, correlation.TypeAnomalyCluster, cluster.Type)
	assert.ElementsMatch(t, []string{bySize[5*time.Minute].ID, bySize[time.Hour].ID}, cluster.MemberEventIDs())
	assert.Contains(t, roots, cluster.ID)

	for _, u := range records[correlation.Update](t, rec.stream(engine.StreamCorrelations)) {
		assert.NotEqual(t, correlation.UpdateEvicted, u.Kind, u.Correlation.MemberEventIDs())
	}
}

func closedCorrelations(t *testing.T, rec *recorder) []correlation.Correlation {
	t.Helper()
	var out []correlation.Correlation
	for _, u := range records[correlation.Update](t, rec.stream(engine.StreamCorrelations)) {
		if u.Kind == correlation.UpdateClosed {
			out = append(out, u.Correlation)
		}
	}
	return out
}

func rootCauses(t *testing.T, rec *recorder) map[string]rootcause.Result {
	t.Helper()
	out := make(map[string]rootcause.Result)
	for _, r := range records[rootcause.Result](t, rec.stream(engine.StreamRootCauses)) {
		out[r.CorrelationID] = r
	}
	return out
}

func withMember(corrs []correlation.Correlation, id string) *correlation.Correlation {
	for i := range corrs {
		for _, m := range corrs[i].Members {
			if m.ID == id {
				return &corrs[i]
			}
		}
	}
	return nil
}

func TestReplay_Deterministic(t *testing.T) {
	input := incidentInput(t)
	first, second := replay(t, input), replay(t, input)

	ids := func(rec *recorder) []string {
		var out []string
		for _, a := range records[anomaly.Record](t, rec.stream(engine.StreamAnomalies)) {
			out = append(out, a.ID)
		}
		for _, r := range records[rootcause.Result](t, rec.stream(engine.StreamRootCauses)) {
			out = append(out, r.CorrelationID+"/"+r.RootEventID)
		}
		return out
	}
	assert.NotEmpty(t, ids(first))
	assert.ElementsMatch(t, ids(first), ids(second))
	assert.Equal(t, len(first.stream(engine.StreamBuckets)), len(second.stream(engine.StreamBuckets)))
}

func TestEngine_LiveSweepAndSnapshots(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)
	rec := &recorder{}
	e, err := engine.New(testConfig(), rec, engine.WithClock(mock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown()

	for i, v := range []float64{10, 20, 30} {
		require.NoError(t, e.Ingest(ctx, raw(t, "svc-a", t0.Add(time.Duration(i)*time.Second), v)))
	}

	open, err := e.Buckets(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)
	for _, b := range open {
		assert.Equal(t, int64(3), b.Count)
		assert.True(t, b.ClosedAt.IsZero())
	}
	baselines, err := e.Baselines(ctx)
	require.NoError(t, err)
	assert.Empty(t, baselines)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(rec.stream(engine.StreamBuckets)) > 0
	}, 5*time.Second, time.Millisecond)

	baselines, err = e.Baselines(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, baselines)
	assert.Equal(t, "svc-a", baselines[0].EntityKey)

	correlations, err := e.Correlations(ctx)
	require.NoError(t, err)
	assert.Empty(t, correlations)

	cancel()
	require.NoError(t, <-done)
}

func TestEngine_Reload(t *testing.T) {
	cfg := testConfig()
	e, err := engine.New(cfg, &recorder{})
	require.NoError(t, err)
	ctx := context.Background()
	e.Start(ctx)
	defer e.Shutdown()

	next := *cfg
	next.Scorer.EmissionThreshold = 0.9
	next.Engine.Workers = 8
	next.Dependencies = []config.Dependency{{Entity: "web-1", DependsOn: []string{"db-1"}}}
	require.NoError(t, e.Reload(ctx, &next))

	got := e.Config()
	assert.Equal(t, 0.9, got.Scorer.EmissionThreshold)
	assert.Equal(t, 2, got.Engine.Workers, "worker count is fixed until restart")
	assert.Len(t, got.Dependencies, 1)

	bad := next
	bad.Patterns = []config.PatternDef{{Name: "broken", Steps: []config.PatternStep{{Kind: "a", When: "severity >>= 1"}}}}
	assert.Error(t, e.Reload(ctx, &bad))
	assert.Empty(t, e.Config().Patterns)
}

func TestEngine_Feedback(t *testing.T) {
	e, err := engine.New(testConfig(), &recorder{})
	require.NoError(t, err)

	e.Feedback([]anomaly.DetectorID{anomaly.IQR}, false)
	e.Feedback([]anomaly.DetectorID{anomaly.IQR}, true)
	snap := e.FeedbackSnapshot()
	assert.Equal(t, int64(1), snap[anomaly.IQR].TruePositives)
	assert.Equal(t, int64(1), snap[anomaly.IQR].FalsePositives)
	assert.InDelta(t, 0.5, snap[anomaly.IQR].Weight, 1e-9)
}

func TestEngine_OfferFullQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Workers = 1
	cfg.Engine.QueueDepth = 1
	mock := clock.NewMock()
	mock.Set(t0)
	e, err := engine.New(cfg, &recorder{}, engine.WithClock(mock))
	require.NoError(t, err)

	dropped := testutil.ToFloat64(metrics.EventsDropped)
	require.NoError(t, e.Offer(raw(t, "svc-a", t0, 1)))
	assert.ErrorIs(t, e.Offer(raw(t, "svc-a", t0, 2)), engine.ErrQueueFull)
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.EventsDropped))
	assert.Equal(t, 1.0, e.QueueUtilization())
	e.Shutdown()
}

func TestEngine_ClosedAfterShutdown(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)
	e, err := engine.New(testConfig(), &recorder{}, engine.WithClock(mock))
	require.NoError(t, err)
	ctx := context.Background()
	e.Start(ctx)
	e.Shutdown()
	e.Shutdown()

	assert.ErrorIs(t, e.Ingest(ctx, raw(t, "svc-a", t0, 1)), engine.ErrClosed)
	assert.ErrorIs(t, e.Sweep(ctx, t0), engine.ErrClosed)
	_, err = e.Buckets(ctx)
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestConsume_StopsAtEOF(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0.Add(time.Minute))
	rec := &recorder{}
	e, err := engine.New(testConfig(), rec, engine.WithClock(mock))
	require.NoError(t, err)
	ctx := context.Background()
	e.Start(ctx)

	input := envelope(t, "apm", t0, latency("svc-a", 5)) + "\n" + envelope(t, "apm", t0, map[string]any{"kind": "x"}) + "\n"
	require.NoError(t, e.Consume(ctx, source.NewNDJSON(strings.NewReader(input))))

	open, err := e.Buckets(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 3)
	assert.Len(t, rec.stream(engine.StreamRejections), 1)
	e.Shutdown()
}
