package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/telcorr/internal/anomaly"
	"github.com/gyaneshwarpardhi/telcorr/internal/baseline"
	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/correlation"
	"github.com/gyaneshwarpardhi/telcorr/internal/event"
	"github.com/gyaneshwarpardhi/telcorr/internal/window"
)

// shardMsg is either an event or a closure run on the shard goroutine
// (sweeps, snapshots).
type shardMsg struct {
	ev *event.NormalizedEvent
	at time.Time
	fn func(*shard)
}

// shard exclusively owns the windows and baselines of the entities hashed to it.
type shard struct {
	id     int
	agg    *window.Aggregator
	scorer *anomaly.Scorer
	out    *Engine
}

func newShard(id int, cfg *config.Config, feedback *anomaly.Feedback, out *Engine) (*shard, error) {
	agg, err := window.New(window.OptionsFrom(cfg.Aggregator))
	if err != nil {
		return nil, err
	}
	store, err := baseline.NewStore(cfg.Scorer.EWMAAlpha, cfg.Scorer.HistorySize, cfg.Scorer.BaselineCapacity)
	if err != nil {
		return nil, err
	}
	return &shard{
		id:     id,
		agg:    agg,
		scorer: anomaly.NewScorer(anomaly.OptionsFrom(cfg.Scorer), store, feedback),
		out:    out,
	}, nil
}

func (s *shard) handle(ctx context.Context, msg shardMsg) {
	if msg.fn != nil {
		msg.fn(s)
		return
	}
	s.agg.Ingest(*msg.ev)
	s.out.observe(ctx, correlation.FromEvent(*msg.ev), msg.at)
}

// sweep finalizes due buckets, scores them and forwards anomalies.
func (s *shard) sweep(ctx context.Context, now time.Time) {
	for _, b := range s.agg.DrainClosed(now) {
		s.out.emit(StreamBuckets, b)
		rec, ok := s.scorer.Evaluate(b)
		if !ok {
			continue
		}
		slog.Debug("anomaly detected", "shard", s.id, "anomaly", rec.String())
		s.out.emit(StreamAnomalies, *rec)
		s.out.observe(ctx, correlation.FromAnomaly(*rec), now)
	}
	for _, c := range s.agg.DrainCorrections() {
		s.out.emit(StreamCorrections, c)
	}
}
