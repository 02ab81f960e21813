package connection

import (
	"context"
	"sync"
)

// Future is the one-shot result of a Connect call.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// settledFuture returns a future that has already completed with err.
func settledFuture(err error) *Future {
	f := newFuture()
	f.settle(err)
	return f
}

// settle completes the future. Only the first call has any effect; it
// reports whether this call was the one that settled it.
func (f *Future) settle(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the connect attempt has succeeded or failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the failure, or nil on success or while still pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
