package correlation

import (
	"context"
	"sync"
)

// Future is a single-assignment completion slot. One goroutine completes it;
// any number of goroutines may wait on it.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewFuture returns an incomplete Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete stores the outcome. It reports false if the Future was already completed,
// in which case the new outcome is discarded.
func (f *Future) Complete(value any, err error) bool {
	completed := false

	f.once.Do(func() {
		f.value = value
		f.err = err
		completed = true

		close(f.done)
	})

	return completed
}

// Done is closed once the Future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the stored outcome. It must only be called after Done is closed.
func (f *Future) Result() (any, error) { return f.value, f.err }

// Wait blocks until the Future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
