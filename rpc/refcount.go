package rpc

import "sync"

// refCounted is this package's version of the teacher's own
// rpc/internal/refcount helper (referenced, not included, in the
// retrieved rpc.go: "refcount.New(client)" / "rc.Ref()"). It groups an
// arbitrary number of references to cap under one shared lifetime,
// independent of whatever refcounting cap's own variant already does —
// exactly the teacher's use, wrapping a connection's bootstrap
// capability so both the Conn and the option's caller can release their
// own copy without tearing down the other's.
//
// It lives directly in this package rather than as a separate
// internal/refcount package: the generic signature the teacher's helper
// implies (New(client T) (*Counter, T), Ref() T) only works cleanly in
// Go for a fixed, non-generic T, and the only T this module ever needs
// to refcount this way is Capability itself — a second package would
// buy nothing but an import to satisfy.
type refCounted struct {
	mu   sync.Mutex
	n    int
	cap  Capability
}

func newRefCounted(cap Capability) (*refCounted, Capability) {
	rc := &refCounted{n: 1, cap: cap}
	return rc, &refCountedRef{rc: rc}
}

// Ref returns another reference sharing rc's lifetime.
func (rc *refCounted) Ref() Capability {
	rc.mu.Lock()
	rc.n++
	rc.mu.Unlock()
	return &refCountedRef{rc: rc}
}

func (rc *refCounted) release() {
	rc.mu.Lock()
	rc.n--
	last := rc.n == 0
	rc.mu.Unlock()
	if last {
		rc.cap.Release()
	}
}

// refCountedRef is a single outstanding reference handed out by
// refCounted.Ref(). Every method except Release/AddRef forwards to the
// shared underlying capability; Release drops this one reference from
// the shared count instead of releasing the capability directly.
type refCountedRef struct {
	rc   *refCounted
	once sync.Once
}

func (r *refCountedRef) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return r.rc.cap.NewCall(interfaceID, methodID, sizeHint)
}
func (r *refCountedRef) Call(ctx contextType, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	return r.rc.cap.Call(ctx, interfaceID, methodID, cc)
}
func (r *refCountedRef) AddRef() Capability { return r.rc.Ref() }
func (r *refCountedRef) Release() {
	r.once.Do(r.rc.release)
}
func (r *refCountedRef) Brand() *Conn                           { return r.rc.cap.Brand() }
func (r *refCountedRef) Resolved() (Capability, bool)           { return r.rc.cap.Resolved() }
func (r *refCountedRef) WhenMoreResolved() <-chan struct{}      { return r.rc.cap.WhenMoreResolved() }
