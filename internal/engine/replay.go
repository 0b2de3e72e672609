package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
	"github.com/gyaneshwarpardhi/telcorr/internal/source"
)

// Consume ingests src until it is exhausted or ctx is cancelled.
// Malformed lines are counted and skipped.
func (e *Engine) Consume(ctx context.Context, src source.Source) error {
	for {
		raw, err := src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, source.ErrMalformedLine):
			e.malformed(err)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := e.Ingest(ctx, raw); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (e *Engine) malformed(err error) {
	metrics.EventsIngested.Inc()
	metrics.EventsRejected.WithLabelValues("malformed").Inc()
	if e.rejectLog.Allow() {
		slog.Warn("skipping malformed input", "err", err)
	}
}

// Replay drives the engine from recorded input on a mock clock. The clock
// follows each event's declared timestamp and sweeps run whenever it has
// advanced by the sweep interval, so identical input yields identical
// output. After the input ends the clock is advanced until every window
// and correlation has closed.
func (e *Engine) Replay(ctx context.Context, src source.Source, mock *clock.Mock) error {
	interval := e.Config().Engine.SweepInterval
	var last time.Time
	events := 0
	for {
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, source.ErrMalformedLine) {
			e.malformed(err)
			continue
		}
		if err != nil {
			return err
		}

		if t := raw.DeclaredAt; t.After(mock.Now()) {
			mock.Set(t)
		}
		now := mock.Now()
		if last.IsZero() {
			last = now
		} else if now.Sub(last) >= interval {
			if err := e.Sweep(ctx, now); err != nil {
				return err
			}
			last = now
		}
		if err := e.Ingest(ctx, raw); err != nil {
			return err
		}
		events++
	}
	slog.Info("replay input exhausted, flushing", "events", events)
	return e.flush(ctx, mock)
}

// flush closes each window size in turn and lets correlations opened by
// the resulting anomalies run through their grace periods.
func (e *Engine) flush(ctx context.Context, mock *clock.Mock) error {
	cfg := e.Config()
	windows := slices.Clone(cfg.Aggregator.Windows)
	slices.Sort(windows)
	settle := 2 * cfg.Correlator.GracePeriod

	step := func(t time.Time) error {
		mock.Set(t)
		return e.Sweep(ctx, t)
	}
	origin := mock.Now()
	for _, w := range windows {
		t := origin.Add(w + cfg.Aggregator.GracePeriod)
		if t.After(mock.Now()) {
			if err := step(t); err != nil {
				return err
			}
		}
		if err := step(mock.Now().Add(settle)); err != nil {
			return err
		}
	}
	return nil
}
