package gpu

import (
	"context"
	"sync"
)

// Future is a one-shot completion handle for asynchronous GPU work.
// It can be polled with Resolved, selected on through Done, or awaited with Wait.
// Resolving more than once is a no-op; the first error wins.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewFuture creates an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture returns a Future that is already resolved with err.
func ResolvedFuture(err error) *Future {
	f := NewFuture()
	f.Resolve(err)
	return f
}

// Resolve completes the Future and reports whether this call was the one that completed it.
//
// Parameters:
//   - err: the outcome of the work, nil on success
//
// Returns:
//   - bool: true if the Future was unresolved before this call
func (f *Future) Resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel that is closed once the Future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the Future has completed, without blocking.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the error the Future resolved with. It is nil while unresolved.
func (f *Future) Err() error {
	if !f.Resolved() {
		return nil
	}
	return f.err
}

// Wait blocks until the Future resolves or ctx is done.
//
// Parameters:
//   - ctx: bounds the wait
//
// Returns:
//   - error: the resolution error, or ctx.Err() if the context finished first
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then returns a Future that resolves after f, running fn in between on the resolving goroutine.
// The error of f is passed to fn, and the returned Future resolves with fn's result.
func (f *Future) Then(fn func(error) error) *Future {
	next := NewFuture()
	go func() {
		<-f.done
		next.Resolve(fn(f.err))
	}()
	return next
}

// All returns a Future that resolves once every given Future has resolved, with the first non-nil error.
func All(futures ...*Future) *Future {
	all := NewFuture()
	if len(futures) == 0 {
		all.Resolve(nil)
		return all
	}
	go func() {
		var first error
		for _, f := range futures {
			<-f.done
			if first == nil {
				first = f.err
			}
		}
		all.Resolve(first)
	}()
	return all
}
