// Package future implements the deferred-result primitive used across the
// public API: every operation that may touch storage returns a *Future[T]
// instead of blocking the caller's goroutine, per the scheduling model ("no
// caller-visible operation is required to run on a specific thread").
package future

import (
	"context"

	"github.com/riftforge/mongoconfigs/internal/errs"
)

// Future is a single-assignment, multi-waiter deferred result. It is safe
// for any number of goroutines to call Wait or Use concurrently.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// New creates a Future and starts fn on its own goroutine, resolving the
// Future with whatever fn returns.
func New[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		f.val, f.err = fn()
		close(f.done)
	}()
	return f
}

// Resolved returns a Future already completed with val/err, useful for
// cache-hit fast paths that have no actual asynchronous work to do.
func Resolved[T any](val T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: val, err: err}
	close(f.done)
	return f
}

// Wait blocks the calling goroutine until the Future resolves or ctx is
// done, returning errs.Canceled in the latter case. Cancellation aborts only
// the wait: an underlying write already accepted by the gateway is not
// rolled back.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, errs.New(errs.Canceled, ctx.Err())
	}
}

// Use schedules consumer to run with the resolved value as soon as it is
// available, without blocking the calling goroutine. It is the
// never-blocks-the-caller primary API recommended for message/config
// accessors on hot request paths.
func (f *Future[T]) Use(consumer func(T, error)) {
	go func() {
		<-f.done
		consumer(f.val, f.err)
	}()
}

// Done reports whether the Future has already resolved, without blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
