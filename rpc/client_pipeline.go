package rpc

import (
	"sync"

	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// PipelineClient is the Capability variant for a value pipelined out of
// a still-pending outbound Question (spec §2, §4.2, §4.5).
type PipelineClient struct {
	q         *QuestionRef
	transform []capnp.PipelineOp

	mu         sync.Mutex
	resolved   Capability // set once, the first time the question is observed settled
	isResolved bool
}

// newPipelineClient builds a fresh PipelineClient over q, taking a new
// reference to it (spec §4.5: "construct a fresh PipelineClient(
// questionRef, ops)").
func newPipelineClient(q *QuestionRef, transform []capnp.PipelineOp) *PipelineClient {
	return &PipelineClient{q: q.AddRef(), transform: transform}
}

func (c *PipelineClient) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return &OutboundRequest{target: c, interfaceID: interfaceID, methodID: methodID}
}

// Call converts to a direct call against the resolved target as soon as
// one is available (spec §5: "convert pipelined calls to direct calls
// as soon as possible"); until then it targets
// MessageTarget.promisedAnswer{questionId, transform} on the same
// connection the pipelined question lives on — the call travels ahead
// of the Return, arriving at the peer in order, and the peer resolves or
// queues it against its own answer for that question ID (spec §4.3,
// §4.5).
func (c *PipelineClient) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	if resolved, ok := c.Resolved(); ok {
		return resolved.Call(ctx, interfaceID, methodID, cc)
	}
	conn := c.q.q.conn
	return conn.sendOutboundCall(ctx, interfaceID, methodID, cc, func(mt *messageTarget) {
		mt.Which = targetPromisedAnswer
		mt.PromisedAnswer = promisedAnswer{QuestionID: uint32(c.q.q.id), Transform: c.transform}
	}, false)
}

func (c *PipelineClient) AddRef() Capability {
	return &PipelineClient{q: c.q.AddRef(), transform: c.transform}
}

// Release drops this PipelineClient's reference to the underlying
// Question, along with the resolved capability's reference if Resolved
// ever computed one.
func (c *PipelineClient) Release() {
	c.mu.Lock()
	resolved := c.resolved
	c.mu.Unlock()
	if resolved != nil {
		resolved.Release()
	}
	c.q.Release()
}

func (c *PipelineClient) Brand() *Conn { return c.q.q.conn }

// Resolved reports the capability c.transform picks out of the
// underlying Question's result, once that result is known — computed at
// most once and cached, per spec §4.5's "convert pipelined calls to
// direct calls as soon as possible".
func (c *PipelineClient) Resolved() (Capability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isResolved {
		return c.resolved, true
	}
	select {
	case <-c.q.Future().wait():
	default:
		return nil, false
	}
	resp, err := c.q.Future().result()
	c.resolved = clientFromResolution(c.transform, resp, err)
	c.isResolved = true
	return c.resolved, true
}

// WhenMoreResolved fires once the underlying question settles.
func (c *PipelineClient) WhenMoreResolved() <-chan struct{} {
	return c.q.Future().wait()
}

// writeDescriptor implements spec §4.2's PipelineClient.writeDescriptor:
// receiverAnswer{questionId, transform} — "receiver" names the peer that
// will receive this descriptor, which is the vat hosting the Answer
// entry for the question we originally sent it (our Question ID is its
// Answer ID).
func (c *PipelineClient) writeDescriptor(d *capDescriptor) {
	d.Which = descReceiverAnswer
	d.ReceiverAnswer = promisedAnswer{QuestionID: uint32(c.q.q.id), Transform: c.transform}
}
