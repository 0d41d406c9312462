package rpc

import (
	"sync"

	"golang.org/x/net/context"
)

// PromiseClient wraps one of the other three Capability variants and
// swaps to a resolution exactly once (spec §2, §4.2, §9). It is the
// variant used for a senderPromise import: calls made through it before
// resolution are what arm the embargo/disembargo race fix.
type PromiseClient struct {
	conn *Conn // the connection whose brand this promise is guarding against

	mu           sync.Mutex
	current      Capability
	isResolved   bool
	receivedCall bool
	settled      chan struct{}
}

// newPromiseClient wraps initial (typically a fresh *ImportClient for a
// senderPromise) pending resolution via fulfiller.
func newPromiseClient(conn *Conn, initial Capability) *PromiseClient {
	return &PromiseClient{conn: conn, current: initial, settled: make(chan struct{})}
}

func (p *PromiseClient) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return &OutboundRequest{target: p, interfaceID: interfaceID, methodID: methodID}
}

// Call marks receivedCall so a subsequent resolve() to a local target
// knows it must round-trip a Disembargo before direct local calls are
// safe, then delegates to whatever this promise currently holds (spec
// §4.2).
func (p *PromiseClient) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	p.mu.Lock()
	p.receivedCall = true
	cur := p.current
	p.mu.Unlock()
	return cur.Call(ctx, interfaceID, methodID, cc)
}

func (p *PromiseClient) AddRef() Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &promiseRef{p: p, ref: p.current.AddRef()}
}

func (p *PromiseClient) Release() {}

func (p *PromiseClient) Brand() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Brand()
}

func (p *PromiseClient) Resolved() (Capability, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isResolved {
		return nil, false
	}
	return p.current, true
}

func (p *PromiseClient) WhenMoreResolved() <-chan struct{} { return p.settled }

// writeDescriptor delegates to whatever this promise currently holds —
// spec §4.2: "PromiseClient.writeDescriptor delegates to the
// currently-held underlying cap."
func (p *PromiseClient) writeDescriptor(d *capDescriptor, conn *Conn) {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	conn.writeDescriptor(d, cur)
}

// resolve implements spec §4.2's resolution algorithm — the "Tribble
// 4-way race" fix. replacement is walked to its innermost capability; if
// it lands on a target hosted by a *different* connection than the one
// this promise's calls were routed through, AND this promise actually
// forwarded calls to the peer while unresolved, AND this isn't an error
// resolution, then a Disembargo round-trip is interposed before the new
// target becomes reachable, guaranteeing every call already in flight to
// the peer arrives (and bounces back) before any call issued after
// resolution can reach the same local target directly.
func (p *PromiseClient) resolve(replacement Capability, isError bool) {
	replacement = innermost(replacement)

	p.mu.Lock()
	receivedCall := p.receivedCall
	old := p.current
	conn := p.conn
	p.mu.Unlock()

	var next Capability = replacement
	if !isError && receivedCall && replacement.Brand() != conn {
		next = conn.embargoGate(old, replacement)
	}

	p.mu.Lock()
	if p.isResolved {
		p.mu.Unlock()
		return
	}
	p.current = next
	p.isResolved = true
	close(p.settled)
	p.mu.Unlock()
}

// promiseRef is the value AddRef hands out: a reference to whatever
// PromiseClient.current was at AddRef time, but routed back through the
// promise so later calls still observe resolution. Its Release drops
// the inner reference obtained at AddRef time, not a reference to the
// PromiseClient itself (PromiseClient has no refcount of its own — it
// is owned by exactly one import table slot, per spec §9's cyclic
// back-reference fix).
type promiseRef struct {
	p   *PromiseClient
	ref Capability
}

func (r *promiseRef) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return r.p.NewCall(interfaceID, methodID, sizeHint)
}
func (r *promiseRef) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	return r.p.Call(ctx, interfaceID, methodID, cc)
}
func (r *promiseRef) AddRef() Capability                   { return r.p.AddRef() }
func (r *promiseRef) Release()                              { r.ref.Release() }
func (r *promiseRef) Brand() *Conn                           { return r.p.Brand() }
func (r *promiseRef) Resolved() (Capability, bool)           { return r.p.Resolved() }
func (r *promiseRef) WhenMoreResolved() <-chan struct{}       { return r.p.WhenMoreResolved() }
