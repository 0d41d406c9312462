package rpc

import (
	"sync"

	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// CallContext is the collaborator spec §4.4 describes: the one object a
// Dispatcher is given to read its parameters, produce its results, and
// learn whether the caller has given up. It is built two ways:
//
//   - newOutboundCallContext, for a call this side is initiating: Params
//     is already fixed, and SendReturn/SendErrorReturn/AllowCancellation
//     are no-ops, since resolution of an outbound call flows through the
//     Question's own future (question.go), not through this cc.
//   - newInboundCallContext, for a call the peer sent us: SendReturn and
//     SendErrorReturn settle the backing answer and push a wire Return,
//     and AllowCancellation/the two-bit cancellation state (spec §4.4,
//     §5) actually take effect.
type CallContext struct {
	conn *Conn
	a    *answer // nil for an outbound-initiated context

	paramsContent capnp.Ptr
	paramCaps     []Capability

	cancel     context.CancelFunc
	cancelOnce sync.Once

	mu              sync.Mutex
	cancelRequested bool
	cancelAllowed   bool
	finished        bool
	done            chan struct{}
}

func newOutboundCallContext(content capnp.Ptr, caps []Capability) *CallContext {
	return &CallContext{paramsContent: content, paramCaps: caps, done: make(chan struct{})}
}

func newInboundCallContext(conn *Conn, a *answer, content capnp.Ptr, caps []Capability, cancel context.CancelFunc) *CallContext {
	return &CallContext{conn: conn, a: a, paramsContent: content, paramCaps: caps, cancel: cancel, done: make(chan struct{})}
}

// Params returns the call's parameter content, as delivered by the
// caller (spec §4.4's CallContext.params()).
func (cc *CallContext) Params() capnp.Ptr { return cc.paramsContent }

// ParamCaps returns the capabilities the caller attached to this call's
// parameters, in the order the caller attached them (this core's stand-
// in for walking a real capnp CapTable on the params struct — see
// DESIGN.md's entry for request.go/callcontext.go).
func (cc *CallContext) ParamCaps() []Capability { return cc.paramCaps }

// SendReturn completes a dispatch successfully with the given results
// and attached result capabilities. It is safe to call at most once; a
// second call is a no-op.
func (cc *CallContext) SendReturn(content capnp.Ptr, caps []Capability) {
	if !cc.markFinished() {
		return
	}
	if cc.a == nil {
		return // outbound-initiated: nothing to settle or send on the wire
	}
	resp := &Response{Content: content, Caps: caps}
	cc.conn.mu.Lock()
	cc.a.settle(resp, nil)
	if cc.a.resultsWithheld {
		cc.conn.withholdAnswerReturn(cc.a)
	} else {
		cc.conn.sendAnswerReturn(cc.a, resp, caps)
	}
	cc.conn.mu.Unlock()
}

// SendErrorReturn completes a dispatch with a failure.
func (cc *CallContext) SendErrorReturn(err *Exception) {
	cc.failLocked(err)
}

// failLocked is SendErrorReturn under a name that also reads naturally
// from capability.go's brokenCapability.Call, which reaches for "fail
// this cc" the moment it discovers the target can't be dispatched at
// all. Despite
// the name it takes conn.mu itself rather than requiring the caller to
// hold it — callers of Capability.Call never hold conn.mu (routeCallMessage
// dispatches from its own goroutine, precisely so this is safe).
func (cc *CallContext) failLocked(err *Exception) {
	if !cc.markFinished() {
		return
	}
	if cc.a == nil {
		return // outbound-initiated: the Pipeline returned alongside already carries this failure
	}
	cc.conn.mu.Lock()
	cc.a.settle(nil, err)
	if cc.a.resultsWithheld {
		cc.conn.withholdAnswerReturn(cc.a)
	} else {
		cc.conn.sendReturnException(cc.a, err)
	}
	cc.conn.mu.Unlock()
}

// sendTakeFromOtherAnswer completes this call's answer by redirecting
// its caller to another answer entry this same connection holds — spec
// §4.3/§9's sendResultsTo.yourself tail-call path (request.go's
// DirectTailCall). otherID must name an answer the peer will recognize
// as one of its own: one this Conn just created by calling the peer
// back with SendResultsTo: yourself.
func (cc *CallContext) sendTakeFromOtherAnswer(otherID answerID) {
	if !cc.markFinished() {
		return
	}
	if cc.a == nil {
		return
	}
	cc.conn.mu.Lock()
	cc.conn.sendTakeFromOtherAnswer(cc.a, otherID)
	cc.conn.mu.Unlock()
}

func (cc *CallContext) markFinished() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.finished {
		return false
	}
	cc.finished = true
	close(cc.done)
	return true
}

// Done returns a channel closed once this call has been completed via
// SendReturn or SendErrorReturn.
func (cc *CallContext) Done() <-chan struct{} { return cc.done }

// AllowCancellation implements the CANCEL_ALLOWED half of spec §4.4's
// two-bit cancellation gate: the Dispatcher is telling us it is safe to
// cancel its work. If a Finish already arrived (CANCEL_REQUESTED), the
// gate is now fully open and cc's context is canceled immediately.
func (cc *CallContext) AllowCancellation() {
	cc.mu.Lock()
	cc.cancelAllowed = true
	requested := cc.cancelRequested
	cc.mu.Unlock()
	if requested {
		cc.triggerCancel()
	}
}

// requestCancel implements the CANCEL_REQUESTED half: a Finish arrived
// for this call's answer before a Return was sent (spec §5). It only
// takes effect once AllowCancellation has also been called.
func (cc *CallContext) requestCancel() {
	cc.mu.Lock()
	cc.cancelRequested = true
	allowed := cc.cancelAllowed
	cc.mu.Unlock()
	if allowed {
		cc.triggerCancel()
	}
}

func (cc *CallContext) triggerCancel() {
	cc.cancelOnce.Do(func() {
		if cc.cancel != nil {
			cc.cancel()
		}
	})
}
