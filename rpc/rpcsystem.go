package rpc

import (
	"sync"

	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// RpcSystem is the per-process supervisor spec §4.8 implies but never
// names directly: it owns the Restorer and the default bootstrap
// capability shared by every inbound Conn it accepts, and tracks the
// set of live connections so Restore can be offered as a standalone
// entry point independent of any one Conn (e.g. for a vat that both
// accepts connections and wants to restore sturdy refs for its own
// internal use).
type RpcSystem struct {
	bootstrapFunc func(context.Context) (Capability, error)
	restorer      Restorer

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// RpcSystemOption configures a new RpcSystem, mirroring Conn's own
// functional-options pattern (ConnOption).
type RpcSystemOption struct{ apply func(*RpcSystem) }

// WithBootstrap sets the capability offered to every Conn this system
// accepts as its Restore{bootstrap} / legacy-bootstrap target.
func WithBootstrap(f func(context.Context) (Capability, error)) RpcSystemOption {
	return RpcSystemOption{func(s *RpcSystem) { s.bootstrapFunc = f }}
}

// WithRestorer sets the Restorer used to answer Restore{objectId}
// requests (spec §4.8) on every Conn this system accepts.
func WithRestorer(r Restorer) RpcSystemOption {
	return RpcSystemOption{func(s *RpcSystem) { s.restorer = r }}
}

// NewRpcSystem creates an RpcSystem with the given options applied.
func NewRpcSystem(options ...RpcSystemOption) *RpcSystem {
	s := &RpcSystem{conns: make(map[*Conn]struct{})}
	for _, o := range options {
		o.apply(s)
	}
	return s
}

// Accept wraps t in a new Conn sharing this system's bootstrap
// capability and Restorer, and tracks it until it disconnects.
func (s *RpcSystem) Accept(t Transport) *Conn {
	var opts []ConnOption
	if s.bootstrapFunc != nil {
		opts = append(opts, BootstrapFunc(s.bootstrapFunc))
	}
	c := NewConn(t, s, opts...)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go func() {
		c.Wait()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	return c
}

// Restore invokes this system's Restorer directly, without going
// through any particular Conn or the wire protocol at all — the local
// equivalent of what a Restore message triggers on the receiving end
// (spec §4.8). vatID is accepted for interface symmetry with a
// multi-vat deployment's addressing scheme but is otherwise unused by
// this two-party core (per spec §1/§9's Non-goals around third-party
// handoff).
func (s *RpcSystem) Restore(ctx context.Context, vatID string, objectID capnp.Ptr) (Capability, error) {
	_ = vatID
	if s.restorer == nil {
		return nil, errNoRestorer
	}
	return s.restorer.Restore(ctx, objectID)
}

// Close disconnects every Conn this system is tracking.
func (s *RpcSystem) Close() error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
