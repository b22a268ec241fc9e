// Package worker runs blocking adapter calls off the session goroutine.
//
// A [Pool] bounds how many calls run at once across all sessions. [Submit]
// hands back a [Future] that the caller awaits together with its own
// context, so a session can notice a client disconnect while a transcription
// or inference call is still in flight.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/docvox/internal/observe"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 64

var (
	// ErrPoolClosed is returned for work submitted after Shutdown.
	ErrPoolClosed = errors.New("worker: pool is shut down")

	// ErrPanic wraps a panic recovered from submitted work.
	ErrPanic = errors.New("worker: task panicked")
)

// Pool is a bounded executor. It is safe for concurrent use.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
	busy atomic.Int64
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	metrics *observe.Metrics
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics reports running tasks on the docvox.workers.busy gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New returns a pool that runs at most size tasks at once.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return int(p.size) }

// Busy returns the number of tasks currently running.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Saturated reports whether every slot is taken.
func (p *Pool) Saturated() bool { return p.busy.Load() >= p.size }

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the task finishes or ctx is done. When ctx wins, the
// task keeps running until it observes its own cancellation and its result
// is dropped.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

func (f *Future[T]) complete(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Submit schedules fn on p. The slot is acquired inside the task goroutine so
// Submit itself never blocks; a task that cannot get a slot before ctx is
// done completes with ctx's cause.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		var zero T
		f.complete(zero, ErrPoolClosed)
		return f
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			var zero T
			f.complete(zero, fmt.Errorf("worker: acquire slot: %w", context.Cause(ctx)))
			return
		}
		defer p.sem.Release(1)

		p.track(ctx, 1)
		defer p.track(ctx, -1)

		v, err := run(ctx, fn)
		f.complete(v, err)
	}()
	return f
}

// Do submits fn and awaits it with the same context.
func Do[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	return Submit(ctx, p, fn).Await(ctx)
}

func run[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("worker task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx)
}

func (p *Pool) track(ctx context.Context, delta int64) {
	p.busy.Add(delta)
	if p.metrics != nil {
		p.metrics.WorkersBusy.Add(context.WithoutCancel(ctx), delta)
	}
}

// Shutdown rejects new work and waits for running tasks until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: shutdown: %w", ctx.Err())
	}
}
