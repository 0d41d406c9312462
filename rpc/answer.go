package rpc

import (
	"sync"

	"zombiezen.com/go/capnproto2"
)

// answerID indexes the answers table using the peer's question ID
// (spec §3: "Answer (peer's ID space)").
type answerID uint32

// queuedAnswerCall is a Call that arrived targeting promisedAnswer{id,
// transform} before id's answer had resolved. It is replayed once the
// answer settles (teacher's pcall/qcall pattern).
type queuedAnswerCall struct {
	transform []capnp.PipelineOp
	run       func(target Capability)
}

// answer is the peer's-question-ID-keyed table entry spec §3 describes:
// live from Call arrival, finalized when both Finish is received and
// Return is sent.
type answer struct {
	id   answerID
	conn *Conn

	mu      sync.Mutex
	active  bool
	cc      *CallContext // weak in spirit: cleared by CallContext teardown, never owns the answer's lifetime
	fut     *future      // settles when this inbound call's result is known
	resultExports []exportID

	finishReceived bool
	returnSent     bool

	// queued holds calls that arrived targeting this answer's pipeline
	// before fut settled.
	queued []queuedAnswerCall

	// resultsWithheld is set when the inbound Call that created this
	// answer carried SendResultsTo: yourself (spec §4.3/§9's tail-call
	// loopback): SendReturn/SendErrorReturn still settle fut and mark
	// returnSent, but must never put a Return on the wire for it, since
	// the caller already told its own caller to fetch the result here
	// directly via Return{takeFromOtherAnswer} (see request.go's
	// DirectTailCall).
	resultsWithheld bool

	// tailPipeline is set when this answer's own dispatch issued a tail
	// call of its own (DirectTailCall's same-peer path): releasing it is
	// deferred until a Finish arrives for THIS answer, so a caller losing
	// interest in the outer call cancels the inner one too.
	tailPipeline *Pipeline
}

func newAnswer(conn *Conn, id answerID) *answer {
	return &answer{id: id, conn: conn, active: true, fut: newFuture()}
}

// peek reports the answer's resolution, if any, without blocking:
// (response, nil, true) on success, (nil, err, true) on failure, or
// (nil, nil, false) if still pending.
func (a *answer) peek() (*Response, *Exception, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.fut.done:
	default:
		return nil, nil, false
	}
	resp, err := a.fut.result()
	return resp, err, true
}

// queueCall records a call to replay once the answer settles. It must
// only be invoked after peek() has reported "still pending" under the
// same lock epoch (conn.mu in the caller).
func (a *answer) queueCall(transform []capnp.PipelineOp, run func(target Capability)) {
	a.mu.Lock()
	a.queued = append(a.queued, queuedAnswerCall{transform: transform, run: run})
	a.mu.Unlock()
}

// settle fulfils or rejects the answer's future and replays any calls
// that were queued against its pipeline while it was pending.
func (a *answer) settle(resp *Response, err *Exception) {
	if err != nil {
		a.fut.reject(err)
	} else {
		a.fut.fulfill(resp)
	}
	a.mu.Lock()
	queued := a.queued
	a.queued = nil
	a.mu.Unlock()
	for _, qc := range queued {
		target := clientFromResolution(qc.transform, resp, err)
		qc.run(target)
	}
}

// clientFromResolution retrieves a capability from a resolved Response
// by applying a transform — spec §4.3's clientFromResolution, used both
// for Return{takeFromOtherAnswer} and for answer-pipeline replay.
func clientFromResolution(transform []capnp.PipelineOp, resp *Response, err *Exception) Capability {
	if err != nil {
		return NewBrokenCapability(err)
	}
	return resp.GetPipelinedCap(transform)
}

// answerTable holds every live Answer, keyed by the question ID the
// peer chose.
type answerTable struct {
	entries map[answerID]*answer
}

func newAnswerTable() *answerTable {
	return &answerTable{entries: make(map[answerID]*answer)}
}

// insert adds a new answer, or returns nil if id is already occupied —
// a reused question ID is a protocol violation (spec §3 invariant 1
// applied to the peer's ID space).
func (t *answerTable) insert(conn *Conn, id answerID) *answer {
	if _, ok := t.entries[id]; ok {
		return nil
	}
	a := newAnswer(conn, id)
	t.entries[id] = a
	return a
}

func (t *answerTable) find(id answerID) *answer {
	return t.entries[id]
}

func (t *answerTable) erase(id answerID) {
	delete(t.entries, id)
}

func (t *answerTable) forEach(f func(answerID, *answer)) {
	for id, a := range t.entries {
		f(id, a)
	}
}
