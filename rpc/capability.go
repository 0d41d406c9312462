package rpc

import (
	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// Capability is the sum type spec §2/§4.2 describes: a reference to a
// callable object that is either hosted by the peer (ImportClient), a
// promise for the result of a still-pending outbound question
// (PipelineClient), a client that may swap its underlying target exactly
// once (PromiseClient), or an opaque, locally-hosted application object
// (LocalCapability). writeDescriptor, writeTarget and getInnermostClient
// (descriptor.go) must be total over this variant set.
type Capability interface {
	// NewCall begins building a request to invoke a method on this
	// capability. sizeHint is advisory, as in the pack's own capnp.Client.
	NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest

	// Call dispatches an already-constructed CallContext to this
	// capability, returning the Pipeline that lets callers start
	// pipelining before cc's result is ready. cc itself carries the
	// completion signal (cc.Done()).
	Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline

	// AddRef returns a new reference to the same underlying capability.
	AddRef() Capability

	// Release drops the reference obtained from AddRef or from whatever
	// constructed this value. The capability must not be used after
	// Release.
	Release()

	// Brand identifies the owning connection, or nil if this capability
	// is not owned by any connection (a LocalCapability, or a broken
	// capability).
	Brand() *Conn

	// Resolved returns the capability this one has settled to, if a
	// resolution has taken place, and whether one has.
	Resolved() (Capability, bool)

	// WhenMoreResolved returns a channel closed (at most once) when this
	// capability resolves to something else, or nil if this variant
	// never resolves further.
	WhenMoreResolved() <-chan struct{}
}

// innermost walks cap.Resolved() until reaching a capability with no
// further resolution — spec §4.2's writeDescriptor and resolve() both
// require this ("walk the replacement to its innermost ClientHook") so a
// chain of resolved promises collapses to the one capability that
// matters.
func innermost(cap Capability) Capability {
	for {
		r, ok := cap.Resolved()
		if !ok {
			return cap
		}
		cap = r
	}
}

// Dispatcher is the application-side method table for a locally-hosted
// capability: given a method and a CallContext, run the method and
// eventually call cc.SendReturn/SendErrorReturn. Its contents are
// entirely opaque to this core (spec §1's scope boundary) — the RPC
// engine only ever calls Dispatch and AddRef/Release.
type Dispatcher interface {
	Dispatch(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline
	AddRef() Dispatcher
	Release()
}

// LocalCapability wraps a Dispatcher, making it presentable wherever a
// Capability is expected (exported to a peer, returned from a Restorer,
// held locally by application code).
type LocalCapability struct {
	d Dispatcher
}

// NewLocalCapability wraps d as a Capability.
func NewLocalCapability(d Dispatcher) *LocalCapability {
	return &LocalCapability{d: d}
}

func (l *LocalCapability) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return &OutboundRequest{target: l, interfaceID: interfaceID, methodID: methodID}
}

func (l *LocalCapability) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	return l.d.Dispatch(ctx, interfaceID, methodID, cc)
}

func (l *LocalCapability) AddRef() Capability { return &LocalCapability{d: l.d.AddRef()} }

func (l *LocalCapability) Release() { l.d.Release() }

func (l *LocalCapability) Brand() *Conn { return nil }

func (l *LocalCapability) Resolved() (Capability, bool) { return nil, false }

func (l *LocalCapability) WhenMoreResolved() <-chan struct{} { return nil }

// brokenCapability is returned whenever the protocol demands a
// capability be produced but nothing can be: an unrecognized pipeline
// op, a reference to a never-exported ID, a disconnected connection.
type brokenCapability struct {
	reason *Exception
}

// NewBrokenCapability returns a Capability every call on which fails
// immediately with reason.
func NewBrokenCapability(reason *Exception) Capability {
	return &brokenCapability{reason: reason}
}

func (b *brokenCapability) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return &OutboundRequest{target: b, interfaceID: interfaceID, methodID: methodID, broken: b.reason}
}

func (b *brokenCapability) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	if cc != nil {
		cc.failLocked(b.reason)
	}
	return NewBrokenPipeline(b.reason)
}

func (b *brokenCapability) AddRef() Capability           { return b }
func (b *brokenCapability) Release()                     {}
func (b *brokenCapability) Brand() *Conn                 { return nil }
func (b *brokenCapability) Resolved() (Capability, bool) { return nil, false }
func (b *brokenCapability) WhenMoreResolved() <-chan struct{} { return nil }

// content is a small alias kept local to this package so every file that
// touches a call's payload spells out the same pack type: the pack's own
// capnp.Ptr, the "typed reader/builder over a pre-existing message
// encoding" that spec §1 treats as an external collaborator.
type content = capnp.Ptr

// contextType names the teacher's Context type (golang.org/x/net/context,
// not stdlib context) so every signature in this package reads the same
// way the teacher's does.
type contextType = context.Context
