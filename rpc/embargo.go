package rpc

import (
	"golang.org/x/net/context"
	"sync"
)

// embargoID indexes a Conn's embargo table — our local ID space (spec
// §3, §4.6).
type embargoID uint32

// embargo is the single-shot signal spec §3 describes: created when we
// resolve a promise to a locally-hosted target after having forwarded
// calls to it through the peer, fulfilled when the peer echoes back
// Disembargo{receiverLoopback}.
type embargo struct {
	fulfilled chan struct{}
}

// embargoTable is the Embargo manager spec §4.6 describes.
type embargoTable struct {
	gen     idgen
	entries map[embargoID]*embargo
	mu      sync.Mutex
}

func newEmbargoTable() *embargoTable {
	return &embargoTable{entries: make(map[embargoID]*embargo)}
}

// allocate creates an entry with an unfulfilled signal.
func (t *embargoTable) allocate() (embargoID, *embargo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := embargoID(t.gen.alloc())
	e := &embargo{fulfilled: make(chan struct{})}
	t.entries[id] = e
	return id, e
}

// disembargo fulfils and erases the entry for id — called on receipt of
// Disembargo{receiverLoopback=id}.
func (t *embargoTable) disembargo(id embargoID) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.gen.release(uint32(id))
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	close(e.fulfilled)
	return true
}

// rejectAll fulfils every outstanding embargo immediately, used during
// disconnect teardown (spec §4.7 step 2) so nothing blocks forever on a
// signal that will now never arrive.
func (t *embargoTable) rejectAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[embargoID]*embargo)
	t.mu.Unlock()
	for _, e := range entries {
		close(e.fulfilled)
	}
}

// embargoGate implements spec §4.2/§4.6/§9's race fix: it allocates an
// embargo, sends Disembargo{target=old, context=senderLoopback(e)} on
// conn, and returns a Capability that queues calls until the matching
// receiverLoopback Disembargo arrives, then forwards them — and every
// call made after that point — to replacement.
//
// old must be a capability this connection can still address (an
// ImportClient, or a PipelineClient over one of our own questions) so
// its writeTarget can be reused for the outgoing Disembargo's target.
func (c *Conn) embargoGate(old, replacement Capability) Capability {
	id, e := c.embargoes.allocate()
	c.sendDisembargoSenderLoopback(old, id)
	return &embargoGatedCapability{conn: c, embargo: e, target: replacement}
}

// embargoGatedCapability is the "local promise that waits on the
// embargo and then yields the real replacement" spec §4.2 step 2c
// describes.
type embargoGatedCapability struct {
	conn    *Conn
	embargo *embargo
	target  Capability
}

func (g *embargoGatedCapability) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return &OutboundRequest{target: g, interfaceID: interfaceID, methodID: methodID}
}

func (g *embargoGatedCapability) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	select {
	case <-g.embargo.fulfilled:
		return g.target.Call(ctx, interfaceID, methodID, cc)
	default:
	}
	fut := newFuture()
	go func() {
		<-g.embargo.fulfilled
		pl := g.target.Call(ctx, interfaceID, methodID, cc)
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
	return NewPipeline(nil, fut)
}

func (g *embargoGatedCapability) AddRef() Capability {
	return &embargoGatedCapability{conn: g.conn, embargo: g.embargo, target: g.target.AddRef()}
}
func (g *embargoGatedCapability) Release()    { g.target.Release() }
func (g *embargoGatedCapability) Brand() *Conn { return g.target.Brand() }
func (g *embargoGatedCapability) Resolved() (Capability, bool) {
	select {
	case <-g.embargo.fulfilled:
		return g.target, true
	default:
		return nil, false
	}
}
func (g *embargoGatedCapability) WhenMoreResolved() <-chan struct{} { return g.embargo.fulfilled }
