package rpc

import (
	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// OutboundRequest is the application-facing builder spec §4.3 describes:
// NewCall returns one of these, the caller fills in Params (and attaches
// any capabilities the params reference), and Send dispatches it.
type OutboundRequest struct {
	target      Capability
	interfaceID uint64
	methodID    uint16
	sizeHint    uint32
	broken      *Exception

	content capnp.Ptr
	caps    []Capability
}

// SetParams sets the request's non-capability parameter content. Real
// capnp struct allocation into content is left to the caller, consistent
// with this core treating wire-level struct layout as an external
// collaborator (spec §1) rather than something the RPC engine itself
// builds.
func (r *OutboundRequest) SetParams(content capnp.Ptr) { r.content = content }

// AttachCap attaches a capability referenced by this request's params,
// returning the index application code should embed wherever its params
// struct wants to point at it. This is this core's stand-in for walking
// a real capnp message's embedded interface pointers (see DESIGN.md).
func (r *OutboundRequest) AttachCap(cap Capability) int {
	r.caps = append(r.caps, cap)
	return len(r.caps) - 1
}

// Send dispatches the request and returns a Pipeline the caller can
// start pipelining through immediately.
func (r *OutboundRequest) Send(ctx context.Context) *Pipeline {
	if r.broken != nil {
		return NewBrokenPipeline(r.broken)
	}
	cc := newOutboundCallContext(r.content, r.caps)
	return r.target.Call(ctx, r.interfaceID, r.methodID, cc)
}

// sendOutboundCall is the Call-message-sending logic shared by
// ImportClient and PipelineClient (spec §4.3): allocate a Question,
// marshal cc's params and their capability table, send the Call, and
// return a Pipeline over the new Question.
func (c *Conn) sendOutboundCall(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext, writeTarget func(*messageTarget), isTailCall bool) *Pipeline {
	if err := c.mu.TryLock(ctx); err != nil {
		return NewBrokenPipeline(errorf("%v", err))
	}
	defer c.mu.Unlock()

	q := c.questions.insert(c, &callSignature{InterfaceID: interfaceID, MethodID: methodID})
	q.isTailCall = isTailCall
	qr := newQuestionRef(q)

	var tgt messageTarget
	writeTarget(&tgt)

	caps := cc.ParamCaps()
	descs := make([]capDescriptor, len(caps))
	paramExports := make([]exportID, 0, len(caps))
	for i, cap := range caps {
		id := c.writeDescriptor(&descs[i], cap)
		if descs[i].Which == descSenderHosted || descs[i].Which == descSenderPromise {
			paramExports = append(paramExports, id)
		}
	}
	q.paramExports = paramExports

	callMsg := &call{
		QuestionID:  uint32(q.id),
		Target:      tgt,
		InterfaceID: interfaceID,
		MethodID:    methodID,
		Params:      payload{Content: cc.Params(), CapTable: descs},
	}
	if isTailCall {
		callMsg.SendResultsTo = sendResultsToYourself
	}
	if err := c.sendMessage(&message{Which: msgCall, Call: callMsg}); err != nil {
		c.questions.erase(q.id)
		return NewBrokenPipeline(errorf("send call: %v", err))
	}
	return NewPipeline(qr, q.fut)
}

// DirectTailCall implements spec §4.3/§9's sendResultsTo.yourself tail
// call: when a Dispatcher's entire implementation is "forward to this
// other call", it hands the OutboundRequest here instead of awaiting it
// and calling SendReturn itself.
//
// When req targets a capability hosted by the exact same peer that sent
// us this inbound call (an *ImportClient on cc's own Conn — spec §8
// scenario 5's "tail-calls another method on the same client peer"),
// this sends the forwarding Call flagged SendResultsTo: yourself and
// completes our own answer with Return{takeFromOtherAnswer} instead of
// relaying a result: the peer fetches it directly from its own answer
// table, and no result bytes cross the wire twice. Any other target (a
// different peer, or a capability hosted locally) falls back to relaying
// an ordinary Return once the forwarded call settles, since forwarding a
// result between two different peers requires the three-party vine
// handoff this core does not implement (see DESIGN.md).
func (cc *CallContext) DirectTailCall(ctx context.Context, req *OutboundRequest) *Pipeline {
	if cc.a != nil && req.broken == nil {
		if ic, ok := req.target.(*ImportClient); ok && ic.conn == cc.conn {
			return cc.directTailCallSamePeer(ctx, req, ic)
		}
	}
	pl := req.Send(ctx)
	go func() {
		<-pl.Settled()
		pl.mu.Lock()
		resp, err := pl.resp, pl.err
		pl.mu.Unlock()
		if err != nil {
			cc.SendErrorReturn(err)
		} else {
			cc.SendReturn(resp.Content, resp.Caps)
		}
		pl.Release()
	}()
	return pl
}

// directTailCallSamePeer implements the real sendResultsTo.yourself /
// takeFromOtherAnswer loopback described above. It ties the forwarded
// question's lifetime to our own answer's: releasing it is deferred to
// handleFinishMessage (answer.tailPipeline), so a caller that loses
// interest in the outer call cancels the inner one too, rather than
// being finished the instant it's sent.
func (cc *CallContext) directTailCallSamePeer(ctx context.Context, req *OutboundRequest, ic *ImportClient) *Pipeline {
	ccOut := newOutboundCallContext(req.content, req.caps)
	pl := cc.conn.sendOutboundCall(ctx, req.interfaceID, req.methodID, ccOut, func(mt *messageTarget) {
		mt.Which = targetImportedCap
		mt.ImportedCap = uint32(ic.id)
	}, true)

	pl.mu.Lock()
	qr := pl.q
	sendErr := pl.err
	pl.mu.Unlock()
	if qr == nil {
		// sendOutboundCall failed before allocating a question (broken
		// pipeline): nothing to redirect to, so report the failure as an
		// ordinary error return.
		cc.SendErrorReturn(sendErr)
		return pl
	}

	cc.a.mu.Lock()
	cc.a.tailPipeline = pl
	cc.a.mu.Unlock()
	cc.sendTakeFromOtherAnswer(answerID(qr.q.id))
	return pl
}
