package rpc

import (
	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// This file implements spec §4.2's descriptor codec: writeDescriptor /
// receiveCap / import(), the translation between in-memory Capability
// handles and the wire CapDescriptor union. The caller must hold c.mu.

// writeDescriptor walks cap to its innermost capability, then either
// delegates to the variant (when cap is hosted by this very connection)
// or consults exportsByCap, bumping an existing export's refcount or
// allocating a fresh one (spec §4.2).
func (c *Conn) writeDescriptor(d *capDescriptor, cap Capability) exportID {
	inner := innermost(cap)

	if inner.Brand() == c {
		switch v := inner.(type) {
		case *ImportClient:
			v.writeDescriptor(d)
			return 0
		case *PipelineClient:
			v.writeDescriptor(d)
			return 0
		case *PromiseClient:
			v.writeDescriptor(d, c)
			return 0
		}
	}

	if e := c.exports.findByCap(inner); e != nil {
		e.refcount++
		d.Which = descSenderHosted
		d.SenderHosted = uint32(e.id)
		return e.id
	}

	e := c.exports.allocate(inner)
	if ch := inner.WhenMoreResolved(); ch != nil {
		e.resolving = true
		e.cancelResolve = make(chan struct{})
		d.Which = descSenderPromise
		d.SenderPromise = uint32(e.id)
		go c.watchExportResolution(e, ch)
	} else {
		d.Which = descSenderHosted
		d.SenderHosted = uint32(e.id)
	}
	return e.id
}

// watchExportResolution implements the resolveOp spec §3's Export
// describes: when an exported capability that was itself a promise
// resolves, send Resolve{promiseId, cap|exception} to the peer.
func (c *Conn) watchExportResolution(e *export, resolved <-chan struct{}) {
	select {
	case <-resolved:
	case <-e.cancelResolve:
		return
	case <-c.mgr.finish:
		return
	}
	cap, ok := e.client.Resolved()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exports.find(e.id) != e {
		return // export was released before resolution arrived
	}
	var resolveMsg resolve
	resolveMsg.PromiseID = uint32(e.id)
	if !ok {
		resolveMsg.Which = resolveException
		resolveMsg.Exception = toWireException(errorf("export resolved with no replacement"))
	} else if bc, isBroken := cap.(*brokenCapability); isBroken {
		resolveMsg.Which = resolveException
		resolveMsg.Exception = toWireException(bc.reason)
	} else {
		resolveMsg.Which = resolveCap
		var d capDescriptor
		c.writeDescriptor(&d, cap)
		resolveMsg.Cap = d
	}
	c.sendMessage(&message{Which: msgResolve, Resolve: &resolveMsg})
}

// receiveCap is the inverse of writeDescriptor (spec §4.2).
func (c *Conn) receiveCap(d capDescriptor) Capability {
	switch d.Which {
	case descNone:
		return NewBrokenCapability(errNullClient)
	case descSenderHosted:
		return c.importCap(importID(d.SenderHosted), false)
	case descSenderPromise:
		return c.importCap(importID(d.SenderPromise), true)
	case descReceiverHosted:
		e := c.exports.find(exportID(d.ReceiverHosted))
		if e == nil {
			return NewBrokenCapability(preconditionf("cap table references unknown export ID %d", d.ReceiverHosted))
		}
		return e.client.AddRef()
	case descReceiverAnswer:
		a := c.answers.find(answerID(d.ReceiverAnswer.QuestionID))
		if a == nil {
			return NewBrokenCapability(preconditionf("cap table references unknown answer ID %d", d.ReceiverAnswer.QuestionID))
		}
		if resp, err, done := a.peek(); done {
			return clientFromResolution(d.ReceiverAnswer.Transform, resp, err)
		}
		return c.answerPipelineCap(a, d.ReceiverAnswer.Transform)
	case descThirdPartyHosted:
		// Non-goal per spec §1: THIRD_PARTY_HOSTED degrades to a
		// two-hop proxy by importing the vine ID as hosted (spec §9).
		return c.importCap(importID(d.ThirdPartyVineID), false)
	default:
		return NewBrokenCapability(errUnrecognizedPipelineOp)
	}
}

// importCap implements spec §4.2's import(id, isPromise): reuse or
// create an ImportClient for id, wrapping it in a PromiseClient for a
// senderPromise.
func (c *Conn) importCap(id importID, isPromise bool) Capability {
	e := c.imports.get(id)
	if e.importClient == nil {
		e.importClient = newImportClient(c, id)
		e.appClient = e.importClient
	} else {
		e.importClient.mu.Lock()
		e.importClient.refcount++
		e.importClient.mu.Unlock()
	}
	if !isPromise {
		return e.importClient
	}
	if e.fulfiller == nil {
		e.fulfiller = newFuture()
		pc := newPromiseClient(c, e.importClient)
		e.appClient = pc
		go c.awaitImportResolution(e, pc)
	}
	if pc, ok := e.appClient.(*PromiseClient); ok {
		return pc
	}
	return e.appClient
}

// awaitImportResolution resolves the PromiseClient wrapping a
// senderPromise import once the peer's Resolve message fulfils or
// rejects e.fulfiller.
func (c *Conn) awaitImportResolution(e *impent, pc *PromiseClient) {
	<-e.fulfiller.wait()
	resp, err := e.fulfiller.result()
	if err != nil {
		pc.resolve(NewBrokenCapability(err), true)
		return
	}
	pc.resolve(resp.GetPipelinedCap(nil), false)
}

// answerPipelineCap returns a capability that queues calls against a
// not-yet-settled inbound Answer, replaying them once it settles (spec
// §4.3's queued-pipelined-call handling, the receive-side mirror of
// PipelineClient for a promise whose Question lives on the PEER rather
// than on this end of the connection).
func (c *Conn) answerPipelineCap(a *answer, transform []capnp.PipelineOp) Capability {
	return &answerPipelineCapability{conn: c, a: a, transform: transform}
}

// answerPipelineCapability is the Capability handed back by receiveCap
// for a descReceiverAnswer whose target Answer hasn't settled yet. Each
// Call queues a closure on the Answer (spec §4.3's queueCall) that, once
// settle() resolves and transforms the eventual result, forwards the
// call onward to the real target and bridges its Pipeline into the one
// already handed back to this Call's caller.
type answerPipelineCapability struct {
	conn      *Conn
	a         *answer
	transform []capnp.PipelineOp
}

func (g *answerPipelineCapability) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return &OutboundRequest{target: g, interfaceID: interfaceID, methodID: methodID, sizeHint: sizeHint}
}

func (g *answerPipelineCapability) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	fut := newFuture()
	g.a.queueCall(g.transform, func(target Capability) {
		// settle() replays queued calls while conn.mu is held, so the
		// blocking wait for target's own settlement must happen off of
		// this goroutine, not inline.
		go func() {
			pl := target.Call(ctx, interfaceID, methodID, cc)
			<-pl.Settled()
			pl.mu.Lock()
			resp, err := pl.resp, pl.err
			pl.mu.Unlock()
			pl.Release()
			if err != nil {
				fut.reject(err)
			} else {
				fut.fulfill(resp)
			}
		}()
	})
	return NewPipeline(nil, fut)
}

func (g *answerPipelineCapability) AddRef() Capability {
	g.a.mu.Lock()
	defer g.a.mu.Unlock()
	return &answerPipelineCapability{conn: g.conn, a: g.a, transform: g.transform}
}

func (g *answerPipelineCapability) Release() {}

func (g *answerPipelineCapability) Brand() *Conn { return g.conn }

func (g *answerPipelineCapability) Resolved() (Capability, bool) {
	if resp, err, done := g.a.peek(); done {
		return clientFromResolution(g.transform, resp, err), true
	}
	return nil, false
}

func (g *answerPipelineCapability) WhenMoreResolved() <-chan struct{} {
	return g.a.fut.wait()
}
