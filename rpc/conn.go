package rpc

import (
	"log"
	"sync"

	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// Conn is a connection to another Cap'n Proto vat: the per-connection
// state machine spec §1 calls THE CORE — the Four Tables engine plus
// the message loop that drives it. It is safe to use from multiple
// goroutines; all table access is serialized through mu.
type Conn struct {
	transport Transport
	system    *RpcSystem // may be nil for a standalone Conn

	bootstrapFunc func(context.Context) (Capability, error)
	bootstrapRef  Capability

	mgr manager
	mu  chanMutex

	questions *questionTable
	answers   *answerTable
	exports   *exportTable
	imports   *importTable
	embargoes *embargoTable

	wg sync.WaitGroup
}

// ConnOption configures a new Conn, mirroring the teacher's functional-
// options pattern.
type ConnOption struct{ apply func(*connParams) }

type connParams struct {
	bootstrapFunc func(context.Context) (Capability, error)
	bootstrapRef  Capability
}

// BootstrapCapability specifies the capability returned to the peer's
// Restore{objectId: <empty>} / legacy bootstrap requests, analogous to
// the teacher's MainInterface option. The capability is AddRef'd via
// refcount.New so both the connection and the caller can hold it
// independently.
func BootstrapCapability(cap Capability) ConnOption {
	rc, ref1 := newRefCounted(cap)
	ref2 := rc.Ref()
	return ConnOption{func(p *connParams) {
		p.bootstrapFunc = func(context.Context) (Capability, error) { return ref1, nil }
		p.bootstrapRef = ref2
	}}
}

// BootstrapFunc specifies a function called to produce the bootstrap
// capability lazily, matching the teacher's BootstrapFunc option.
func BootstrapFunc(f func(context.Context) (Capability, error)) ConnOption {
	return ConnOption{func(p *connParams) { p.bootstrapFunc = f }}
}

// NewConn creates a new connection driven by t and starts its message
// loop and sender in background goroutines.
func NewConn(t Transport, system *RpcSystem, options ...ConnOption) *Conn {
	p := &connParams{}
	for _, o := range options {
		o.apply(p)
	}
	c := &Conn{
		transport:     t,
		system:        system,
		bootstrapFunc: p.bootstrapFunc,
		bootstrapRef:  p.bootstrapRef,
		mu:            newChanMutex(),
		questions:     newQuestionTable(),
		answers:       newAnswerTable(),
		exports:       newExportTable(),
		imports:       newImportTable(),
		embargoes:     newEmbargoTable(),
	}
	c.mgr.init()
	c.wg.Add(1)
	go c.recvLoop()
	return c
}

// Wait blocks until the connection has ended, local or remote.
func (c *Conn) Wait() error {
	c.mgr.wait()
	return c.mgr.err()
}

// Close ends the connection locally: sends a best-effort Abort and
// releases every table. It is idempotent.
func (c *Conn) Close() error {
	if !c.mgr.shutdown(errConnClosed) {
		return nil
	}
	c.teardown(errConnClosed)
	_ = c.transport.SendMessage(context.Background(), &message{Which: msgAbort, Abort: &wireException{Reason: errConnClosed.Reason}})
	return c.transport.Close()
}

// recvLoop is the message loop spec §2/§4.7 describes: one cooperative
// task per connection, dispatching each incoming message to a typed
// handler in arrival order.
func (c *Conn) recvLoop() {
	defer c.wg.Done()
	for {
		m, err := c.transport.RecvMessage(c.mgr.context())
		if err != nil {
			c.disconnect(disconnectedf("%v", err))
			return
		}
		c.handleMessage(m)
		select {
		case <-c.mgr.finish:
			return
		default:
		}
	}
}

func (c *Conn) handleMessage(m *message) {
	switch m.Which {
	case msgUnimplemented:
		// no-op, to avoid a feedback loop with the peer's own
		// best-effort Unimplemented handling.
	case msgAbort:
		log.Printf("rpc: peer aborted: %s", m.Abort.Reason)
		c.disconnect(remoteException(m.Abort.Reason, m.Abort.IsCallersFault, m.Abort.Durability))
	case msgCall:
		c.mu.Lock()
		err := c.handleCallMessage(m.Call)
		c.mu.Unlock()
		if err != nil {
			log.Println("rpc: handle call:", err)
		}
	case msgReturn:
		c.mu.Lock()
		err := c.handleReturnMessage(m.Return)
		c.mu.Unlock()
		if err != nil {
			log.Println("rpc: handle return:", err)
		}
	case msgFinish:
		c.mu.Lock()
		c.handleFinishMessage(m.Finish)
		c.mu.Unlock()
	case msgResolve:
		c.mu.Lock()
		err := c.handleResolveMessage(m.Resolve)
		c.mu.Unlock()
		if err != nil {
			log.Println("rpc: handle resolve:", err)
		}
	case msgRelease:
		c.mu.Lock()
		c.releaseExport(exportID(m.Release.ID), m.Release.ReferenceCount)
		c.mu.Unlock()
	case msgDisembargo:
		c.mu.Lock()
		err := c.handleDisembargoMessage(m.Disembargo)
		c.mu.Unlock()
		if err != nil {
			// Any failure in a disembargo is a protocol violation
			// (spec §3 invariant 6).
			c.abort(err)
		}
	case msgRestore:
		c.mu.Lock()
		err := c.handleRestoreMessage(m.Restore)
		c.mu.Unlock()
		if err != nil {
			log.Println("rpc: handle restore:", err)
		}
	default:
		c.sendMessage(&message{Which: msgUnimplemented, Unimplemented: m})
	}
}

func (c *Conn) sendMessage(m *message) error {
	return c.transport.SendMessage(c.mgr.context(), m)
}

func (c *Conn) abort(err *Exception) {
	c.sendMessage(&message{Which: msgAbort, Abort: &wireException{Reason: err.Reason, IsCallersFault: err.IsCallersFault, Durability: err.Durability}})
	c.disconnect(err)
}

// disconnect implements spec §4.7's teardown sequence. It is idempotent
// (manager.shutdown guarantees only the first caller proceeds).
func (c *Conn) disconnect(cause *Exception) {
	if !c.mgr.shutdown(cause) {
		return
	}
	c.teardown(cause)
}

// teardown drains every table into a release list *before* releasing
// anything, so a capability's own teardown can never re-enter a
// non-empty table (spec §9's destructor-ordered teardown).
func (c *Conn) teardown(cause *Exception) {
	c.mu.Lock()

	var toReject []*future
	c.questions.forEach(func(_ questionID, q *question) { toReject = append(toReject, q.fut) })

	var toSettle []*answer
	c.answers.forEach(func(_ answerID, a *answer) { toSettle = append(toSettle, a) })
	c.answers = newAnswerTable()

	var exportCaps []Capability
	c.exports.forEach(func(_ exportID, e *export) { exportCaps = append(exportCaps, e.client) })
	c.exports = newExportTable()

	var importFulfillers []*future
	c.imports.forEach(func(_ importID, e *impent) {
		if e.fulfiller != nil {
			importFulfillers = append(importFulfillers, e.fulfiller)
		}
	})
	c.imports = newImportTable()

	c.mu.Unlock()

	c.embargoes.rejectAll()

	for _, f := range toReject {
		f.reject(cause)
	}
	for _, a := range toSettle {
		a.settle(nil, cause)
	}
	for _, f := range importFulfillers {
		f.reject(cause)
	}
	for _, cap := range exportCaps {
		cap.Release()
	}
	if c.bootstrapRef != nil {
		c.bootstrapRef.Release()
	}
}

// Bootstrap returns the peer's bootstrap/main interface, racing the
// table lock against ctx cancellation the way the teacher's own
// Bootstrap does.
func (c *Conn) Bootstrap(ctx context.Context) Capability {
	if err := c.mu.TryLock(ctx); err != nil {
		return NewBrokenCapability(errorf("%v", err))
	}
	defer c.mu.Unlock()

	q := c.questions.insert(c, nil)
	qr := newQuestionRef(q)
	if err := c.sendMessage(&message{Which: msgRestore, Restore: &restore{QuestionID: uint32(q.id), IsBootstrap: true}}); err != nil {
		c.questions.erase(q.id)
		return NewBrokenCapability(errorf("send bootstrap: %v", err))
	}
	return &PipelineClient{q: qr}
}

// Restore invokes the peer's Restorer for objectID, or (when no
// Restorer on this side is asked) builds the matching outbound Restore
// call the same way Bootstrap does — spec §4.8.
func (c *Conn) Restore(ctx context.Context, objectID capnp.Ptr) Capability {
	if err := c.mu.TryLock(ctx); err != nil {
		return NewBrokenCapability(errorf("%v", err))
	}
	defer c.mu.Unlock()

	q := c.questions.insert(c, nil)
	qr := newQuestionRef(q)
	if err := c.sendMessage(&message{Which: msgRestore, Restore: &restore{QuestionID: uint32(q.id), ObjectID: objectID}}); err != nil {
		c.questions.erase(q.id)
		return NewBrokenCapability(errorf("send restore: %v", err))
	}
	return &PipelineClient{q: qr}
}
