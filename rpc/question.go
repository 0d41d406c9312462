package rpc

import "sync"

// questionID indexes a Conn's question table — our local ID space (spec
// §3).
type questionID uint32

// question is the Conn-side bookkeeping for one outbound call, live from
// Call send until both the Return has arrived and the QuestionRef has
// been dropped (invariant 1).
type question struct {
	id         questionID
	conn       *Conn
	method     *callSignature // nil for Bootstrap/Restore, matching the teacher's "method == nil" convention
	paramExports []exportID

	mu             sync.Mutex
	awaitingReturn bool
	isTailCall     bool
	finished       bool // Finish has been sent
	returned       bool // Return has arrived

	fut *future
}

// callSignature names the method a Question invoked, for error messages
// (spec §4.3's Return handling wraps exceptions with the offending
// method).
type callSignature struct {
	InterfaceID uint64
	MethodID    uint16
}

// QuestionRef is the refcounted handle application and pipeline code
// hold to a live Question. Dropping the last reference sends
// Finish{releaseResultCaps=false} (cancellation, spec §5) or, if the
// Return already arrived, simply releases the question ID for reuse
// (invariant 1).
type QuestionRef struct {
	q *question

	mu   sync.Mutex
	refs int
}

func newQuestionRef(q *question) *QuestionRef {
	return &QuestionRef{q: q, refs: 1}
}

// AddRef returns an additional reference to the same Question.
func (r *QuestionRef) AddRef() *QuestionRef {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
	return r
}

// Release drops one reference. When the last reference is dropped, the
// owning Conn is asked to finish the question: send Finish if no Return
// has arrived yet (canceling the call), or just free the ID if it has.
func (r *QuestionRef) Release() {
	r.mu.Lock()
	r.refs--
	last := r.refs == 0
	r.mu.Unlock()
	if last {
		r.q.conn.finishQuestion(r.q)
	}
}

// Future returns the future that settles when this question's Return
// arrives.
func (r *QuestionRef) Future() *future { return r.q.fut }

// questionTable holds every live Question, keyed by the ID we assigned
// it.
type questionTable struct {
	gen     idgen
	entries map[questionID]*question
}

func newQuestionTable() *questionTable {
	return &questionTable{entries: make(map[questionID]*question)}
}

func (t *questionTable) insert(conn *Conn, method *callSignature) *question {
	id := questionID(t.gen.alloc())
	q := &question{id: id, conn: conn, method: method, awaitingReturn: true, fut: newFuture()}
	t.entries[id] = q
	return q
}

func (t *questionTable) find(id questionID) *question {
	return t.entries[id]
}

// erase removes id from the table and returns it to the free list
// (invariant 1: IDs are reused only after Finish is sent and Return is
// received).
func (t *questionTable) erase(id questionID) {
	delete(t.entries, id)
	t.gen.release(uint32(id))
}

func (t *questionTable) forEach(f func(questionID, *question)) {
	for id, q := range t.entries {
		f(id, q)
	}
}
