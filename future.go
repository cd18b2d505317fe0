package theatre

import (
	"context"
	"sync"
	"sync/atomic"
)

// Result is the outcome of a future call.
type Result struct {
	Payload any
	State   MessageState
	Err     error
}

// Future is a single-resolution completion handle. The first of
// response, error, cancellation or timeout wins; later attempts are
// no-ops.
type Future struct {
	resolved atomic.Bool
	done     chan struct{}
	result   Result

	mu        sync.Mutex
	callbacks []func(Result)

	// detach removes the pending request from its correlator, if any.
	detach atomic.Pointer[func(error)]
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future. It reports whether this call won.
func (f *Future) resolve(r Result) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}
	f.result = r
	close(f.done)

	f.mu.Lock()
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(r)
	}
	return true
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Resolved reports whether the future has an outcome.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome; it is only meaningful after Done is closed.
func (f *Future) Result() Result {
	<-f.done
	return f.result
}

// Wait blocks until the future resolves or ctx ends. When ctx ends first
// the request is canceled and ErrRequestCanceled is returned.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Cancel(ctx.Err())
		<-f.done
	}
	r := f.result
	return r.Payload, r.Err
}

// Cancel resolves the future as canceled. The pending request entry, if
// still registered, is removed.
func (f *Future) Cancel(cause error) {
	err := joinCause(ErrRequestCanceled, cause)
	if fn := f.detach.Load(); fn != nil {
		(*fn)(err)
	}
	f.resolve(Result{State: StateCanceled, Err: err})
}

// OnComplete registers fn to run once with the outcome. If the future is
// already resolved fn runs immediately on the calling goroutine.
func (f *Future) OnComplete(fn func(Result)) {
	f.mu.Lock()
	if !f.resolved.Load() {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	<-f.done
	fn(f.result)
}

// CompletedFuture returns a future already resolved with r.
func CompletedFuture(r Result) *Future {
	f := newFuture()
	f.resolve(r)
	return f
}

// NewFuture returns an unresolved future for Dispatcher implementations
// that answer asynchronously.
func NewFuture() *Future { return newFuture() }

// Complete resolves the future with r. It reports whether this call won.
func (f *Future) Complete(r Result) bool { return f.resolve(r) }
