package pool

import (
	"context"
	"sync"
)

// Future holds the result of a task started with Go.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn on the pool. Completion callbacks run on the worker before the
// task is marked finished, so Pool.Wait also waits for them and for any work
// they submit.
func Go[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()

	err := p.Submit(func() error {
		v, err := fn()
		f.complete(v, err)
		return err
	})
	if err != nil {
		var zero T
		f.complete(zero, err)
	}

	return f
}

// OnComplete registers a callback. If the future already completed the
// callback runs immediately on the calling goroutine.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()

	cb(v, err)
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the result is available or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) complete(v T, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	close(f.done)
}
