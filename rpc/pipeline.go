package rpc

import (
	"sync"

	"zombiezen.com/go/capnproto2"
)

// pipelineState is the three-state discriminated value spec §4.5
// describes. Once a Pipeline leaves Waiting it never returns to it.
type pipelineState int

const (
	pipelineWaiting pipelineState = iota
	pipelineResolved
	pipelineBroken
)

// Response is the resolved value of a Question: the non-capability
// content carried by a Return{results} (or the redirect target of a
// Return{takeFromOtherAnswer}), plus the capabilities reachable from it.
//
// A real capnp payload lets a capability live at any interface pointer
// nested arbitrarily deep inside Content, discovered by walking a
// PipelineOp transform over the wire-encoded struct (spec §4.5). Because
// this core treats the wire struct encoding itself as an external
// collaborator (spec §1) rather than something it builds, capabilities
// are instead carried alongside Content as a flat, CapDescriptor-ordered
// list: Caps. GetPipelinedCap's transform still has the real shape
// (§4.5's "ops"), but only its first hop is consulted, as a direct index
// into Caps — every result struct this core round-trips places its
// capability-valued fields at the top level, so deeper hops never arise
// in practice.
type Response struct {
	Content capnp.Ptr
	Caps    []Capability
}

// GetPipelinedCap returns the capability transform selects out of the
// response, or a broken capability if transform is empty in a context
// where that's ambiguous, or names an out-of-range field.
func (r *Response) GetPipelinedCap(transform []capnp.PipelineOp) Capability {
	if len(transform) == 0 {
		if len(r.Caps) == 1 {
			return r.Caps[0].AddRef()
		}
		return NewBrokenCapability(errorf("pipelined transform is empty and result carries %d capabilities", len(r.Caps)))
	}
	idx := int(transform[0].Field)
	if idx < 0 || idx >= len(r.Caps) {
		return NewBrokenCapability(errorf("pipelined transform field %d out of range (result carries %d capabilities)", idx, len(r.Caps)))
	}
	return r.Caps[idx].AddRef()
}

// Pipeline is a promise-of-capability: until the underlying Question
// resolves, GetPipelinedCap constructs fresh PipelineClients; once
// resolved (or broken) it forwards directly.
type Pipeline struct {
	mu       sync.Mutex
	state    pipelineState
	released bool

	// Waiting state:
	q *QuestionRef

	// Resolved state:
	resp *Response

	// Broken state:
	err *Exception

	// settled is closed exactly once, when state transitions away from
	// Waiting.
	settled chan struct{}
}

// NewPipeline creates a Pipeline in the Waiting state over q. When fut
// completes, the pipeline transitions to Resolved or Broken.
func NewPipeline(q *QuestionRef, fut *future) *Pipeline {
	p := &Pipeline{state: pipelineWaiting, q: q, settled: make(chan struct{})}
	go p.awaitSettlement(fut)
	return p
}

// NewResolvedPipeline creates a Pipeline already in the Resolved state,
// e.g. for a CallContext whose results are already known (a synchronous
// local dispatch, or takeFromOtherAnswer's redirect target).
func NewResolvedPipeline(resp *Response) *Pipeline {
	p := &Pipeline{state: pipelineResolved, resp: resp, settled: make(chan struct{})}
	close(p.settled)
	return p
}

// NewBrokenPipeline creates a Pipeline already in the Broken state.
func NewBrokenPipeline(err *Exception) *Pipeline {
	p := &Pipeline{state: pipelineBroken, err: err, settled: make(chan struct{})}
	close(p.settled)
	return p
}

func (p *Pipeline) awaitSettlement(fut *future) {
	<-fut.wait()
	resp, err := fut.result()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = pipelineBroken
		p.err = err
	} else {
		p.state = pipelineResolved
		p.resp = resp
	}
	close(p.settled)
}

// Settled returns a channel closed once the pipeline has left Waiting.
func (p *Pipeline) Settled() <-chan struct{} { return p.settled }

// Release drops this pipeline's reference to its underlying Question, the
// application-facing half of invariant 1's "last reference dropped sends
// Finish" (spec §3, §5): once the caller no longer needs to pipeline
// through or read this call's result, Release tells the Question it can
// be canceled (if no Return has arrived yet) or recycled (if one has). It
// is idempotent and safe on an already-resolved or broken Pipeline, where
// it is a no-op.
func (p *Pipeline) Release() {
	p.mu.Lock()
	q := p.q
	already := p.released
	p.released = true
	p.q = nil
	p.mu.Unlock()
	if !already && q != nil {
		q.Release()
	}
}

// GetPipelinedCap returns a capability for the value that transform
// would select out of this pipeline's eventual result.
func (p *Pipeline) GetPipelinedCap(transform []capnp.PipelineOp) Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case pipelineWaiting:
		if p.q == nil {
			return NewBrokenCapability(errorf("pipelining through this promise further is not supported"))
		}
		return newPipelineClient(p.q, transform)
	case pipelineResolved:
		return p.resp.GetPipelinedCap(transform)
	default:
		return NewBrokenCapability(p.err)
	}
}
