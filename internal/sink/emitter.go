package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
)

// EmitterOptions bound queueing and retries.
type EmitterOptions struct {
	QueueSize      int
	WriteTimeout   time.Duration
	MaxRetryTime   time.Duration
	InitialBackoff time.Duration
	// Blocking makes Emit wait for room instead of dropping the oldest
	// record. Replay uses it so that output is complete.
	Blocking bool
}

// EmitterOptionsFrom maps the emitter config section.
func EmitterOptionsFrom(cfg config.EmitterConf) EmitterOptions {
	return EmitterOptions{
		QueueSize:      cfg.QueueSize,
		WriteTimeout:   cfg.WriteTimeout,
		MaxRetryTime:   cfg.MaxRetryTime,
		InitialBackoff: cfg.InitialBackoff,
	}
}

type item struct {
	stream string
	record any
}

// Emitter decouples workers from sink I/O. Emit never blocks: when the
// queue is full the oldest unsent record is dropped and counted.
type Emitter struct {
	opts   EmitterOptions
	routes map[string][]Sink
	queue  chan item
}

// NewEmitter creates an emitter over a stream → sinks routing table.
func NewEmitter(opts EmitterOptions, routes map[string][]Sink) *Emitter {
	return &Emitter{
		opts:   opts,
		routes: routes,
		queue:  make(chan item, max(opts.QueueSize, 1)),
	}
}

// Emit enqueues a record for every sink routed to stream. Records of
// unrouted streams are discarded.
func (e *Emitter) Emit(stream string, record any) {
	if len(e.routes[stream]) == 0 {
		return
	}
	it := item{stream: stream, record: record}
	if e.opts.Blocking {
		e.queue <- it
		return
	}
	for {
		select {
		case e.queue <- it:
			return
		default:
		}
		select {
		case old := <-e.queue:
			metrics.SinkDropped.WithLabelValues("overflow").Inc()
			slog.Debug("emit queue full, dropped oldest record", "stream", old.stream)
		default:
		}
	}
}

// Routed reports whether any sink receives stream.
func (e *Emitter) Routed(stream string) bool { return len(e.routes[stream]) > 0 }

// Len is the number of queued records.
func (e *Emitter) Len() int { return len(e.queue) }

// Cap is the queue capacity.
func (e *Emitter) Cap() int { return cap(e.queue) }

// Run writes queued records until ctx is cancelled, then makes one
// best-effort attempt for each record still queued.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			e.flush()
			return nil
		}
		select {
		case it := <-e.queue:
			e.dispatch(ctx, it, true)
		case <-ctx.Done():
			e.flush()
			return nil
		}
	}
}

func (e *Emitter) flush() {
	for {
		select {
		case it := <-e.queue:
			e.dispatch(context.Background(), it, false)
		default:
			return
		}
	}
}

func (e *Emitter) dispatch(ctx context.Context, it item, retry bool) {
	for _, s := range e.routes[it.stream] {
		err := e.write(ctx, s, it, retry)
		if err != nil {
			metrics.SinkWrites.WithLabelValues(s.Name(), "failed").Inc()
			metrics.SinkDropped.WithLabelValues("write_failed").Inc()
			slog.Error("sink write failed", "sink", s.Name(), "stream", it.stream, "err", err)
			continue
		}
		metrics.SinkWrites.WithLabelValues(s.Name(), "ok").Inc()
	}
}

// write retries unavailable sinks with exponential backoff bounded by
// MaxRetryTime. Every attempt has its own WriteTimeout.
func (e *Emitter) write(ctx context.Context, s Sink, it item, retry bool) error {
	op := func() error {
		wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
		defer cancel()
		err := s.Write(wctx, it.stream, it.record)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrSinkUnavailable), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if !retry {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.opts.InitialBackoff),
		backoff.WithMaxElapsedTime(e.opts.MaxRetryTime),
	)
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("sink unavailable, retrying", "sink", s.Name(), "stream", it.stream, "wait", wait, "err", err)
	})
}
