package rpc

import (
	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// This file is the message-loop dispatch table spec §4 describes: one
// function per arm of the Message union, each invoked from
// handleMessage (conn.go) with c.mu already held. Any work that calls
// into application code (a Dispatcher) is handed off to its own
// goroutine first, so the table lock is never held across a Dispatch —
// CallContext's SendReturn/SendErrorReturn (callcontext.go) always
// reacquire c.mu themselves before touching a table or the wire.

// handleCallMessage implements spec §4.3's receive side: resolve the
// Call's target (possibly queuing behind a still-pending answer, spec
// §4.5), allocate the Answer, and dispatch.
func (c *Conn) handleCallMessage(mc *call) error {
	a := c.answers.insert(c, answerID(mc.QuestionID))
	if a == nil {
		return c.sendMessage(&message{Which: msgReturn, Return: &ret{
			AnswerID: mc.QuestionID, Which: returnException, Exception: toWireException(errQuestionReused),
		}})
	}
	a.resultsWithheld = mc.SendResultsTo == sendResultsToYourself

	paramCaps := make([]Capability, len(mc.Params.CapTable))
	for i, d := range mc.Params.CapTable {
		paramCaps[i] = c.receiveCap(d)
	}

	dispatch := func(target Capability) {
		ctx, cancel := context.WithCancel(c.mgr.context())
		cc := newInboundCallContext(c, a, mc.Params.Content, paramCaps, cancel)
		a.mu.Lock()
		a.cc = cc
		a.mu.Unlock()
		go func() {
			defer cancel()
			// In this core's two-party scope, target is always something
			// this vat itself hosts (a LocalCapability), so this Call
			// settles cc directly and the returned Pipeline carries no
			// Question of its own (Release below is then a no-op). The
			// wait-then-release keeps that true even if a future
			// third-party-aware target resolution ever forwards through
			// an ImportClient/PipelineClient here, without canceling the
			// forwarded call the instant it's sent.
			pl := target.Call(ctx, mc.InterfaceID, mc.MethodID, cc)
			<-pl.Settled()
			pl.Release()
		}()
	}

	switch mc.Target.Which {
	case targetImportedCap:
		e := c.exports.find(exportID(mc.Target.ImportedCap))
		if e == nil {
			err := preconditionf("call targets unknown export %d", mc.Target.ImportedCap)
			a.settle(nil, err)
			return c.sendReturnException(a, err)
		}
		dispatch(e.client)
	case targetPromisedAnswer:
		id := answerID(mc.Target.PromisedAnswer.QuestionID)
		ta := c.answers.find(id)
		if ta == nil {
			err := preconditionf("call targets unknown answer %d", id)
			a.settle(nil, err)
			return c.sendReturnException(a, err)
		}
		if resp, terr, done := ta.peek(); done {
			dispatch(clientFromResolution(mc.Target.PromisedAnswer.Transform, resp, terr))
		} else {
			ta.queueCall(mc.Target.PromisedAnswer.Transform, dispatch)
		}
	default:
		a.settle(nil, errBadTarget)
		return c.sendReturnException(a, errBadTarget)
	}
	return nil
}

// handleReturnMessage implements spec §4.3's receive side for the
// answer to one of our own Questions.
func (c *Conn) handleReturnMessage(m *ret) error {
	id := questionID(m.AnswerID)
	q := c.questions.find(id)
	if q == nil {
		return preconditionf("return for unknown question %d", id)
	}

	q.mu.Lock()
	alreadyFinished := q.finished
	q.returned = true
	q.mu.Unlock()

	if m.ReleaseParamCaps {
		for _, eid := range q.paramExports {
			c.releaseExport(eid, 1)
		}
	}

	switch m.Which {
	case returnResults:
		caps := make([]Capability, len(m.Results.CapTable))
		for i, d := range m.Results.CapTable {
			caps[i] = c.receiveCap(d)
		}
		q.fut.fulfill(&Response{Content: m.Results.Content, Caps: caps})
	case returnException:
		q.fut.reject(fromWireException(m.Exception))
	case returnCanceled:
		q.fut.reject(preconditionf("receiver reported call canceled"))
	case returnResultsSentElsewhere:
		// Spec §4.3/§9's tail-call loopback: this was our own forwarding
		// half of a DirectTailCall (sent with SendResultsTo: yourself).
		// We never read this Question's own future — our caller fetches
		// the real result elsewhere via takeFromOtherAnswer — this Return
		// only exists so q is marked returned and can be erased normally.
	case returnTakeFromOtherAnswer:
		// Spec §4.3/§9's tail-call loopback: the peer is telling us the
		// result for q already sits in one of OUR OWN answer entries,
		// because the peer dispatched a forwarded call back to us with
		// SendResultsTo: yourself (request.go's DirectTailCall). Wait for
		// that answer without holding c.mu across the wait.
		other := c.answers.find(answerID(m.TakeFromOtherAnswer))
		if other == nil {
			q.fut.reject(preconditionf("takeFromOtherAnswer for unknown answer %d", m.TakeFromOtherAnswer))
		} else {
			go func() {
				<-other.fut.wait()
				resp, oerr := other.fut.result()
				if oerr != nil {
					q.fut.reject(oerr)
				} else {
					q.fut.fulfill(resp)
				}
			}()
		}
	default:
		c.sendMessage(&message{Which: msgUnimplemented, Unimplemented: &message{Which: msgReturn}})
		return errUnimplemented
	}

	if alreadyFinished {
		c.questions.erase(q.id)
	}
	return nil
}

// handleFinishMessage implements spec §4.3/§5's receive side: the peer
// is done with one of our Answers. If a Return hasn't been sent yet,
// this arms the CANCEL_REQUESTED half of the cancellation gate (spec
// §4.4); if it has, the table entry (and any still-exported result
// capabilities) can be released now.
func (c *Conn) handleFinishMessage(mf *finish) {
	id := answerID(mf.QuestionID)
	a := c.answers.find(id)
	if a == nil {
		return
	}

	a.mu.Lock()
	a.finishReceived = true
	cc := a.cc
	returnSent := a.returnSent
	resultExports := a.resultExports
	tailPipeline := a.tailPipeline
	a.mu.Unlock()

	if cc != nil {
		cc.requestCancel()
	}
	if tailPipeline != nil {
		// Releasing takes c.mu itself (QuestionRef.Release ->
		// finishQuestion), and handleFinishMessage runs with c.mu already
		// held, so this must happen off this goroutine.
		go tailPipeline.Release()
	}
	if returnSent {
		if mf.ReleaseResultCaps {
			for _, eid := range resultExports {
				c.releaseExport(eid, 1)
			}
		}
		c.answers.erase(id)
	}
}

// handleResolveMessage implements spec §4.2's receive side for a
// promise we hold an import for.
func (c *Conn) handleResolveMessage(mr *resolve) error {
	id := importID(mr.PromiseID)
	e := c.imports.find(id)
	if e == nil || e.fulfiller == nil {
		return preconditionf("resolve for import %d that was never a promise", id)
	}
	switch mr.Which {
	case resolveCap:
		cap := c.receiveCap(mr.Cap)
		e.fulfiller.fulfill(&Response{Caps: []Capability{cap}})
	case resolveException:
		e.fulfiller.reject(fromWireException(mr.Exception))
	default:
		return errUnimplemented
	}
	return nil
}

// handleDisembargoMessage implements spec §4.6/§9's two halves of the
// embargo/disembargo race fix: receiverLoopback fulfils an embargo we
// are waiting on (our own PromiseClient.resolve armed it); senderLoopback
// asks us to echo the Disembargo back once every call already addressed
// to the named target has been handed off. For a promisedAnswer target
// that means draining the answer's queued pipeline calls; for an
// importedCap target (sendDisembargoSenderLoopback's *ImportClient case)
// ordering is already guaranteed by the connection's in-order delivery,
// so there is nothing to drain and the echo is immediate.
func (c *Conn) handleDisembargoMessage(md *disembargo) error {
	switch md.Context {
	case disembargoReceiverLoopback:
		if !c.embargoes.disembargo(embargoID(md.ID)) {
			return preconditionf("disembargo receiverLoopback for unknown embargo %d", md.ID)
		}
		return nil
	case disembargoSenderLoopback:
		switch md.Target.Which {
		case targetPromisedAnswer:
			id := answerID(md.Target.PromisedAnswer.QuestionID)
			a := c.answers.find(id)
			if a == nil {
				return errDisembargoMissingAnswer
			}
			transform := md.Target.PromisedAnswer.Transform
			echo := func(Capability) {
				c.sendMessage(&message{Which: msgDisembargo, Disembargo: &disembargo{
					Target: md.Target, Context: disembargoReceiverLoopback, ID: md.ID,
				}})
			}
			if resp, terr, done := a.peek(); done {
				echo(clientFromResolution(transform, resp, terr))
			} else {
				a.queueCall(transform, echo)
			}
			return nil
		case targetImportedCap:
			// The peer is looping a Disembargo back through one of our own
			// exports (sendDisembargoSenderLoopback's *ImportClient case):
			// the embargoed capability is a plain export, not a pipelined
			// answer, so there is no queue to drain. A single Conn delivers
			// messages in order, so every Call the peer addressed to this
			// export before sending this Disembargo has already been routed
			// to its target by the time we observe this message — echoing
			// back immediately still preserves arrival order.
			if c.exports.find(exportID(md.Target.ImportedCap)) == nil {
				return errDisembargoMissingExport
			}
			c.sendMessage(&message{Which: msgDisembargo, Disembargo: &disembargo{
				Target: md.Target, Context: disembargoReceiverLoopback, ID: md.ID,
			}})
			return nil
		default:
			return errDisembargoNonImport
		}
	default:
		return errUnimplemented
	}
}

// sendDisembargoSenderLoopback sends the outbound half of the race fix
// (spec §4.2 step 2b, §4.6): old is the capability calls were being
// forwarded to the peer through before resolution, and must still name
// a target the peer can resolve back to its own answer/import table —
// this is why embargoGate only ever calls it with a capability still
// owned by this connection.
func (c *Conn) sendDisembargoSenderLoopback(old Capability, id embargoID) {
	var target messageTarget
	switch v := old.(type) {
	case *ImportClient:
		target.Which = targetImportedCap
		target.ImportedCap = uint32(v.id)
	case *PipelineClient:
		target.Which = targetPromisedAnswer
		target.PromisedAnswer = promisedAnswer{QuestionID: uint32(v.q.q.id), Transform: v.transform}
	default:
		// Nothing to loop back through; fulfil immediately so callers
		// queued behind this embargo aren't stuck forever.
		c.embargoes.disembargo(id)
		return
	}
	c.sendMessage(&message{Which: msgDisembargo, Disembargo: &disembargo{
		Target: target, Context: disembargoSenderLoopback, ID: uint32(id),
	}})
}

// handleRestoreMessage implements spec §4.8's receive side for both a
// legacy bootstrap (IsBootstrap) and a sturdy-ref restore.
func (c *Conn) handleRestoreMessage(mr *restore) error {
	a := c.answers.insert(c, answerID(mr.QuestionID))
	if a == nil {
		return c.sendMessage(&message{Which: msgReturn, Return: &ret{
			AnswerID: mr.QuestionID, Which: returnException, Exception: toWireException(errQuestionReused),
		}})
	}

	ctx, cancel := context.WithCancel(c.mgr.context())
	cc := newInboundCallContext(c, a, capnp.Ptr{}, nil, cancel)
	a.mu.Lock()
	a.cc = cc
	a.mu.Unlock()

	go func() {
		defer cancel()
		var cap Capability
		var err error
		switch {
		case mr.IsBootstrap:
			if c.bootstrapFunc == nil {
				cc.SendErrorReturn(errNoMainInterface)
				return
			}
			cap, err = c.bootstrapFunc(ctx)
		case c.system != nil && c.system.restorer != nil:
			cap, err = c.system.restorer.Restore(ctx, mr.ObjectID)
		default:
			err = errNoRestorer
		}
		if err != nil {
			if exc, ok := err.(*Exception); ok {
				cc.SendErrorReturn(exc)
			} else {
				cc.SendErrorReturn(errorf("%v", err))
			}
			return
		}
		cc.SendReturn(capnp.Ptr{}, []Capability{cap})
	}()
	return nil
}

// releaseExport implements spec §3/§4.1's Export destructor: subtract
// count from refcount, and once it reaches zero, stop any resolveOp
// watching the export and release the underlying capability. The
// caller must already hold c.mu.
func (c *Conn) releaseExport(id exportID, count uint32) {
	e := c.exports.find(id)
	if e == nil {
		return
	}
	if count > e.refcount {
		count = e.refcount
	}
	e.refcount -= count
	if e.refcount > 0 {
		return
	}
	if e.resolving {
		close(e.cancelResolve)
	}
	c.exports.erase(id)
	e.client.Release()
}

// releaseImport implements spec §3/§4.1's Import destructor: once our
// own last local reference is dropped (ImportClient.Release), tell the
// peer it can drop count from its matching Export's refcount and clear
// our table entry. Unlike releaseExport, this is called from arbitrary
// goroutines (an application dropping its last reference), so it takes
// c.mu itself.
func (c *Conn) releaseImport(id importID, count uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imports.erase(id)
	c.sendMessage(&message{Which: msgRelease, Release: &release{ID: uint32(id), ReferenceCount: count}})
}

// finishQuestion implements spec §4.1/§5's Question destructor: send
// Finish exactly once, canceling the call if no Return has arrived yet,
// and free the question ID once both directions are done. Called from
// arbitrary goroutines (QuestionRef.Release), so it takes c.mu itself.
func (c *Conn) finishQuestion(q *question) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q.mu.Lock()
	alreadyFinished := q.finished
	q.finished = true
	returned := q.returned
	q.mu.Unlock()
	if alreadyFinished {
		return
	}

	c.sendMessage(&message{Which: msgFinish, Finish: &finish{QuestionID: uint32(q.id), ReleaseResultCaps: false}})
	if returned {
		c.questions.erase(q.id)
	}
}

// withholdAnswerReturn implements spec §4.3/§9's sendResultsTo.yourself
// receiving side: rather than marshal our own result, tell the caller of
// this answer's inbound Call that the result won't be delivered to it
// normally (Return{resultsSentElsewhere}) — its own caller is expected
// to fetch it directly from this answer entry instead, via
// Return{takeFromOtherAnswer} (request.go's DirectTailCall). This still
// lets the caller mark its own Question complete and erase it in the
// ordinary way; only the actual result payload is skipped. The caller
// must already hold c.mu.
func (c *Conn) withholdAnswerReturn(a *answer) error {
	a.mu.Lock()
	a.returnSent = true
	finishReceived := a.finishReceived
	a.mu.Unlock()

	err := c.sendMessage(&message{Which: msgReturn, Return: &ret{
		AnswerID: uint32(a.id), Which: returnResultsSentElsewhere,
	}})
	if finishReceived {
		c.answers.erase(a.id)
	}
	return err
}

// sendTakeFromOtherAnswer implements spec §4.3/§9's Return send side for
// a tail call: rather than marshal our own result, tell the peer its own
// answers table already holds it, at otherID — an answer entry the peer
// will have created when it received our own forwarding Call (sent with
// SendResultsTo: yourself by DirectTailCall). The caller must already
// hold c.mu.
func (c *Conn) sendTakeFromOtherAnswer(a *answer, otherID answerID) error {
	a.mu.Lock()
	a.returnSent = true
	finishReceived := a.finishReceived
	a.mu.Unlock()

	err := c.sendMessage(&message{Which: msgReturn, Return: &ret{
		AnswerID: uint32(a.id), Which: returnTakeFromOtherAnswer, TakeFromOtherAnswer: uint32(otherID),
	}})
	if finishReceived {
		c.answers.erase(a.id)
	}
	return err
}

// sendAnswerReturn implements spec §4.3/§4.4's CallContext.sendReturn:
// marshal resp's capabilities into a CapDescriptor table and send
// Return{results}. The caller must already hold c.mu.
func (c *Conn) sendAnswerReturn(a *answer, resp *Response, caps []Capability) error {
	descs := make([]capDescriptor, len(caps))
	resultExports := make([]exportID, 0, len(caps))
	for i, cap := range caps {
		id := c.writeDescriptor(&descs[i], cap)
		if descs[i].Which == descSenderHosted || descs[i].Which == descSenderPromise {
			resultExports = append(resultExports, id)
		}
	}

	a.mu.Lock()
	a.returnSent = true
	a.resultExports = resultExports
	finishReceived := a.finishReceived
	a.mu.Unlock()

	err := c.sendMessage(&message{Which: msgReturn, Return: &ret{
		AnswerID: uint32(a.id), Which: returnResults,
		Results: payload{Content: resp.Content, CapTable: descs},
	}})
	if finishReceived {
		c.answers.erase(a.id)
	}
	return err
}

// sendReturnException implements CallContext.sendErrorReturn's wire
// side. The caller must already hold c.mu.
func (c *Conn) sendReturnException(a *answer, reason *Exception) error {
	a.mu.Lock()
	a.returnSent = true
	finishReceived := a.finishReceived
	a.mu.Unlock()

	err := c.sendMessage(&message{Which: msgReturn, Return: &ret{
		AnswerID: uint32(a.id), Which: returnException, Exception: toWireException(reason),
	}})
	if finishReceived {
		c.answers.erase(a.id)
	}
	return err
}
