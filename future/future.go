// Package future provides a single-assignment container for an eventual value or error.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Result when the future has not settled yet.
var ErrPending = errors.New("future: not settled")

// Future is settled at most once, either with a value or with an error.
// All methods are safe for concurrent use.
type Future struct {
	done chan struct{}

	mut     sync.Mutex
	settled bool
	adopted bool
	value   any
	err     error
}

func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already fulfilled with v.
func Resolved(v any) *Future {
	f := New()
	f.Resolve(v)
	return f
}

// Rejected returns a future already rejected with err.
func Rejected(err error) *Future {
	f := New()
	f.Reject(err)
	return f
}

// Resolve fulfills the future with v and reports whether this call settled it.
// If v is itself a *Future, f adopts it and settles once v settles, with v's value or error.
func (f *Future) Resolve(v any) bool {
	if inner, ok := v.(*Future); ok {
		if inner == f {
			return f.Reject(errors.New("future: resolved with itself"))
		}
		f.mut.Lock()
		if f.settled || f.adopted {
			f.mut.Unlock()
			return false
		}
		f.adopted = true
		f.mut.Unlock()
		inner.Then(func(v any, err error) {
			f.settle(v, err, true)
		})
		return true
	}
	return f.settle(v, nil, false)
}

// Reject settles the future with err and reports whether this call settled it.
func (f *Future) Reject(err error) bool {
	if err == nil {
		err = errors.New("future: rejected with nil error")
	}
	return f.settle(nil, err, false)
}

func (f *Future) settle(v any, err error, fromAdoption bool) bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.settled || (f.adopted && !fromAdoption) {
		return false
	}
	f.settled = true
	f.value = v
	f.err = err
	close(f.done)
	return true
}

// Done returns a channel that is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value and error, or ErrPending if the future is still pending.
func (f *Future) Result() (any, error) {
	if !f.Settled() {
		return nil, ErrPending
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.value, f.err
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then calls fn on its own goroutine once the future settles.
func (f *Future) Then(fn func(v any, err error)) {
	go func() {
		<-f.done
		fn(f.Result())
	}()
}
