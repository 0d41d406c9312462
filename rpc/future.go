package rpc

import "sync"

// future is this package's minimal promise/future combinator (spec §9:
// "a promise/future combinator library with fork ... then ...
// exclusiveJoin ... attach ... detach ... eagerlyEvaluate"). It is
// single-writer (fulfill/reject called exactly once) and supports any
// number of readers via wait(), which is the "fork" spec asks for: every
// reader — the Pipeline watching for resolution, the application's
// response future, a Finish-triggered cleanup — gets its own receive on
// the same closed channel.
type future struct {
	done chan struct{}

	mu   sync.Mutex
	resp *Response
	err  *Exception
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// wait returns a channel that is closed once the future is fulfilled or
// rejected. Any number of goroutines may call wait and range over the
// same channel; this is the fork spec §4.3 requires so "the pipeline can
// observe resolution before application code does" — both are just
// additional readers of the same done channel, so neither ordering is
// guaranteed between them unless the caller arranges to start the
// pipeline's reader goroutine first (which is what NewPipeline's
// construction order in request.go does).
func (f *future) wait() <-chan struct{} {
	return f.done
}

// fulfill resolves the future with a successful response. It is a no-op
// if the future was already settled.
func (f *future) fulfill(resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.resp = resp
	close(f.done)
}

// reject resolves the future with a failure. It is a no-op if the
// future was already settled.
func (f *future) reject(err *Exception) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.err = err
	close(f.done)
}

// result must only be called after <-f.wait() has returned.
func (f *future) result() (*Response, *Exception) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}
