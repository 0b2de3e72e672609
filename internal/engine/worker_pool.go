package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// worker is a single goroutine draining a bounded mailbox. Messages for one
// worker are handled in arrival order, so state owned by the worker needs no
// locking.
type worker[T any] struct {
	queue   chan T
	process func(ctx context.Context, msg T)
	once    sync.Once
	started atomic.Bool
	done    chan struct{}
}

// newWorker creates a worker with a mailbox of capacity cap. It does not
// run until start is called.
func newWorker[T any](cap int, fn func(context.Context, T)) *worker[T] {
	return &worker[T]{
		queue:   make(chan T, max(cap, 1)),
		process: fn,
		done:    make(chan struct{}),
	}
}

// start runs the worker until its mailbox is closed and drained, or ctx is done.
func (w *worker[T]) start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.done)
		for {
			select {
			case msg, ok := <-w.queue:
				if !ok {
					return
				}
				w.process(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Submit enqueues without blocking (returns false if full).
func (w *worker[T]) Submit(msg T) bool {
	select {
	case w.queue <- msg:
		return true
	default:
		return false
	}
}

// Send enqueues, waiting for room until ctx is done.
func (w *worker[T]) Send(ctx context.Context, msg T) error {
	select {
	case w.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes the mailbox and waits for the worker to finish what is queued.
func (w *worker[T]) Drain() {
	w.once.Do(func() { close(w.queue) })
	if w.started.Load() {
		<-w.done
	}
}

// QueueLen returns how many messages are currently queued.
func (w *worker[T]) QueueLen() int {
	return len(w.queue)
}

// QueueCap returns the total mailbox capacity.
func (w *worker[T]) QueueCap() int {
	return cap(w.queue)
}
