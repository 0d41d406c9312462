package rpc

import (
	"testing"
	"time"

	"golang.org/x/net/context"
)

func TestEmbargoTableAllocateAndDisembargo(t *testing.T) {
	et := newEmbargoTable()
	id, e := et.allocate()

	select {
	case <-e.fulfilled:
		t.Fatal("embargo fulfilled before disembargo")
	default:
	}

	if !et.disembargo(id) {
		t.Fatal("disembargo on a freshly allocated embargo should succeed")
	}
	select {
	case <-e.fulfilled:
	default:
		t.Fatal("embargo should be fulfilled after disembargo")
	}
}

func TestEmbargoTableDisembargoUnknownID(t *testing.T) {
	et := newEmbargoTable()
	if et.disembargo(999) {
		t.Fatal("disembargo on an unknown ID should report false")
	}
}

func TestEmbargoTableIDsReusedAfterDisembargo(t *testing.T) {
	et := newEmbargoTable()
	id1, _ := et.allocate()
	et.disembargo(id1)
	id2, _ := et.allocate()
	if id2 != id1 {
		t.Fatalf("second allocate() = %d, want reused %d", id2, id1)
	}
}

func TestEmbargoTableRejectAllFulfillsEverything(t *testing.T) {
	et := newEmbargoTable()
	_, e1 := et.allocate()
	_, e2 := et.allocate()

	et.rejectAll()

	for i, e := range []*embargo{e1, e2} {
		select {
		case <-e.fulfilled:
		default:
			t.Fatalf("embargo %d not fulfilled by rejectAll", i)
		}
	}

	// A disembargo arriving after rejectAll for an ID that was already
	// cleared is simply unknown, not a double-fulfill panic.
	if et.disembargo(0) {
		t.Fatal("disembargo after rejectAll should report false, table was cleared")
	}
}

func TestEmbargoGatedCapabilityQueuesUntilFulfilled(t *testing.T) {
	target := newStubCapability("real", &Response{})
	et := newEmbargoTable()
	id, e := et.allocate()

	g := &embargoGatedCapability{conn: nil, embargo: e, target: target}

	if _, ok := g.Resolved(); ok {
		t.Fatal("embargoGatedCapability should not resolve before its embargo fires")
	}

	pl := g.Call(nil, 1, 2, nil)

	select {
	case <-pl.Settled():
		t.Fatal("pipeline settled before the embargo was fulfilled")
	default:
	}

	et.disembargo(id)
	<-pl.Settled()

	if target.callCount() != 1 {
		t.Fatalf("target call count = %d, want 1", target.callCount())
	}
	if resolved, ok := g.Resolved(); !ok || resolved != target {
		t.Fatal("embargoGatedCapability should resolve to target once fulfilled")
	}
}

// TestDisembargoEndToEndPromiseResolvesToReflectedCapability drives spec
// §8 scenario 4's promise race over a real pair of Conns: connB holds a
// senderPromise import from connA and calls through it once, then connA
// resolves that promise to a capability that is actually hosted by connB
// itself (the "it came back home" case). That forces connB's
// PromiseClient to embargo the old route and round-trip a real
// Disembargo{senderLoopback, importedCap}/{receiverLoopback} exchange
// with connA before routing any further calls directly — the half of
// the protocol embargo_test.go's table-level tests never exercise on
// the wire.
func TestDisembargoEndToEndPromiseResolvesToReflectedCapability(t *testing.T) {
	ctx := context.Background()
	ta, tb := NewPipeTransportPair()

	connA := NewConn(ta, nil)
	connB := NewConn(tb, nil)
	defer connA.Close()
	defer connB.Close()

	promiseTarget := newStubCapability("promise-target", &Response{})
	connA.mu.Lock()
	promiseExport := connA.exports.allocate(promiseTarget)
	connA.mu.Unlock()

	connB.mu.Lock()
	pc := connB.importCap(importID(promiseExport.id), true)
	connB.mu.Unlock()

	// Call through the unresolved promise once, so PromiseClient marks
	// receivedCall (spec §4.2's precondition for arming the race fix).
	pl := pc.NewCall(1, 2, 0).Send(ctx)
	if _, err := mustSettle(t, pl); err != nil {
		t.Fatalf("call through unresolved promise failed: %v", err)
	}
	pl.Release()

	// connB exports a capability of its own -- the thing the promise is
	// about to resolve to.
	reflected := newStubCapability("reflected", &Response{})
	connB.mu.Lock()
	reflectedExport := connB.exports.allocate(reflected)
	connB.mu.Unlock()

	// connA hosts an ImportClient pointing back at connB's own export,
	// as if connA had earlier received `reflected` as a call parameter
	// from connB. Resolving the promise to it is spec §8 scenario 4's
	// race: from connB's perspective the promise resolved to a
	// capability it already hosts itself.
	connA.mu.Lock()
	backRef := connA.importCap(importID(reflectedExport.id), false)
	var rmsg resolve
	rmsg.PromiseID = uint32(promiseExport.id)
	rmsg.Which = resolveCap
	connA.writeDescriptor(&rmsg.Cap, backRef)
	sendErr := connA.sendMessage(&message{Which: msgResolve, Resolve: &rmsg})
	connA.mu.Unlock()
	if sendErr != nil {
		t.Fatalf("sendMessage(Resolve): %v", sendErr)
	}

	pcc := pc.(*PromiseClient)
	select {
	case <-pcc.WhenMoreResolved():
	case <-time.After(5 * time.Second):
		t.Fatal("promise never resolved")
	}

	// A call issued now must reach `reflected` directly. If the
	// senderLoopback/receiverLoopback exchange this forces over the wire
	// doesn't complete (or aborts the connection, as it did before
	// handleDisembargoMessage accepted an importedCap target), this either
	// hangs or fails.
	pl2 := pc.NewCall(3, 4, 0).Send(ctx)
	if _, err := mustSettle(t, pl2); err != nil {
		t.Fatalf("call after resolution failed: %v", err)
	}
	pl2.Release()

	if reflected.callCount() != 1 {
		t.Fatalf("reflected target call count = %d, want 1", reflected.callCount())
	}
	if promiseTarget.callCount() != 1 {
		t.Fatalf("promise-target call count = %d, want 1 (only the pre-resolution call)", promiseTarget.callCount())
	}
}
