package rpc

import (
	"sync"

	"golang.org/x/net/context"
)

// chanMutex is a mutex backed by a channel so it can participate in a
// select alongside context cancellation — the teacher's own device for
// letting Bootstrap/Restore race a lock acquisition against ctx.Done().
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	mu := make(chanMutex, 1)
	mu <- struct{}{}
	return mu
}

func (mu chanMutex) Lock() { <-mu }

func (mu chanMutex) TryLock(ctx context.Context) error {
	select {
	case <-mu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mu chanMutex) Unlock() { mu <- struct{}{} }

// manager owns a connection's shutdown/disconnect signaling: exactly
// one of normal close or a peer-triggered/local abort wins, and every
// other goroutine watching the connection learns about it exactly once
// (spec §4.7, §9's "destructor-ordered table teardown").
type manager struct {
	mu       sync.Mutex
	finished bool
	finish   chan struct{}
	cause    error

	ctx    context.Context
	cancel context.CancelFunc
}

func (m *manager) init() {
	m.finish = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
}

// shutdown records cause as the reason the connection ended, if it
// hasn't already ended, and signals every waiter. It reports whether
// this call was the one that actually triggered shutdown.
func (m *manager) shutdown(cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return false
	}
	m.finished = true
	m.cause = cause
	m.cancel()
	close(m.finish)
	return true
}

func (m *manager) wait() { <-m.finish }

func (m *manager) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

func (m *manager) context() context.Context { return m.ctx }
