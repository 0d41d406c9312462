package rpc

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/context"
)

// echoDispatcher is the locally-hosted object exposed via a test Conn's
// bootstrap interface: every call is recorded and its params are echoed
// straight back as results, enough to exercise the full Bootstrap -> Call
// -> Return path (spec §2, §4.3, §4.8) without a real schema.
type echoDispatcher struct {
	calls int32
}

func (d *echoDispatcher) Dispatch(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	atomic.AddInt32(&d.calls, 1)
	resp := &Response{Content: cc.Params(), Caps: cc.ParamCaps()}
	cc.SendReturn(resp.Content, resp.Caps)
	return NewResolvedPipeline(resp)
}

func (d *echoDispatcher) AddRef() Dispatcher { return d }
func (d *echoDispatcher) Release()           {}

func mustSettle(t *testing.T, pl *Pipeline) (*Response, *Exception) {
	t.Helper()
	select {
	case <-pl.Settled():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never settled")
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.resp, pl.err
}

// TestBootstrapCallRoundTrip drives spec §2's full loop end to end over an
// in-memory PipeTransport pair: Bootstrap (as a Restore{bootstrap}),
// pipelining a Call against that bootstrap answer before it has actually
// settled, and receiving results back.
func TestBootstrapCallRoundTrip(t *testing.T) {
	ctx := context.Background()
	ta, tb := NewPipeTransportPair()

	disp := &echoDispatcher{}
	client := NewConn(ta, nil)
	server := NewConn(tb, nil, BootstrapFunc(func(context.Context) (Capability, error) {
		return NewLocalCapability(disp), nil
	}))
	defer client.Close()
	defer server.Close()

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	req := boot.NewCall(1, 2, 0)
	pl := req.Send(ctx)
	defer pl.Release()

	resp, err := mustSettle(t, pl)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if resp == nil {
		t.Fatal("nil response")
	}
	if got := atomic.LoadInt32(&disp.calls); got != 1 {
		t.Fatalf("dispatcher called %d times, want 1", got)
	}
}

// TestBootstrapCallAfterSettled exercises the same path, but only issuing
// the Call once the bootstrap capability has actually resolved locally —
// the PromiseClient/ImportClient path rather than the answer-pipeline one.
func TestBootstrapCallAfterSettled(t *testing.T) {
	ctx := context.Background()
	ta, tb := NewPipeTransportPair()

	disp := &echoDispatcher{}
	client := NewConn(ta, nil)
	server := NewConn(tb, nil, BootstrapFunc(func(context.Context) (Capability, error) {
		return NewLocalCapability(disp), nil
	}))
	defer client.Close()
	defer server.Close()

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	pc, ok := boot.(*PipelineClient)
	if !ok {
		t.Fatalf("Bootstrap returned %T, want *PipelineClient", boot)
	}
	select {
	case <-pc.WhenMoreResolved():
	case <-time.After(5 * time.Second):
		t.Fatal("bootstrap question never settled")
	}

	req := boot.NewCall(3, 4, 0)
	pl := req.Send(ctx)
	defer pl.Release()

	if _, err := mustSettle(t, pl); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := atomic.LoadInt32(&disp.calls); got != 1 {
		t.Fatalf("dispatcher called %d times, want 1", got)
	}
}

// TestMultipleCallsPipelinedAgainstSameAnswer checks that several calls
// queued against the same not-yet-settled bootstrap answer (spec §4.3's
// queueCall/settle replay) all eventually reach the dispatcher.
func TestMultipleCallsPipelinedAgainstSameAnswer(t *testing.T) {
	ctx := context.Background()
	ta, tb := NewPipeTransportPair()

	disp := &echoDispatcher{}
	client := NewConn(ta, nil)
	server := NewConn(tb, nil, BootstrapFunc(func(context.Context) (Capability, error) {
		return NewLocalCapability(disp), nil
	}))
	defer client.Close()
	defer server.Close()

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	const n = 5
	pls := make([]*Pipeline, n)
	for i := range pls {
		pls[i] = boot.NewCall(1, uint16(i), 0).Send(ctx)
	}
	for _, pl := range pls {
		if _, err := mustSettle(t, pl); err != nil {
			t.Fatalf("call failed: %v", err)
		}
		pl.Release()
	}
	if got := atomic.LoadInt32(&disp.calls); got != n {
		t.Fatalf("dispatcher called %d times, want %d", got, n)
	}
}

// TestRestorerServesNonBootstrapObjectID exercises spec §4.8's
// Restore{objectId} path independent of the legacy bootstrap shortcut.
func TestRestorerServesNonBootstrapObjectID(t *testing.T) {
	ctx := context.Background()
	ta, tb := NewPipeTransportPair()

	disp := &echoDispatcher{}
	sys := NewRpcSystem(WithRestorer(RestorerFunc(func(ctx context.Context, objectID content) (Capability, error) {
		return NewLocalCapability(disp), nil
	})))

	client := NewConn(ta, nil)
	server := NewConn(tb, sys)
	defer client.Close()
	defer server.Close()

	target := client.Restore(ctx, content{})
	defer target.Release()

	pl := target.NewCall(9, 9, 0).Send(ctx)
	defer pl.Release()

	if _, err := mustSettle(t, pl); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := atomic.LoadInt32(&disp.calls); got != 1 {
		t.Fatalf("dispatcher called %d times, want 1", got)
	}
}

// TestBootstrapWithNoMainInterfaceFails exercises spec §4.8's failure mode
// when a peer's Conn has no BootstrapFunc configured at all.
func TestBootstrapWithNoMainInterfaceFails(t *testing.T) {
	ctx := context.Background()
	ta, tb := NewPipeTransportPair()
	client := NewConn(ta, nil)
	server := NewConn(tb, nil)
	defer client.Close()
	defer server.Close()

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	pc := boot.(*PipelineClient)
	select {
	case <-pc.WhenMoreResolved():
	case <-time.After(5 * time.Second):
		t.Fatal("bootstrap question never settled")
	}
	if _, err := pc.q.Future().result(); err == nil {
		t.Fatal("bootstrap against a vat with no main interface should fail")
	}
}

// blockingDispatcher never returns on its own; it is used to verify
// cancellation propagation (spec §4.4, §5's two-bit CANCEL_REQUESTED/
// CANCEL_ALLOWED gate).
type blockingDispatcher struct {
	allowed  chan struct{}
	canceled chan struct{}
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{allowed: make(chan struct{}), canceled: make(chan struct{})}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	cc.AllowCancellation()
	close(d.allowed)
	<-ctx.Done()
	close(d.canceled)
	cc.SendErrorReturn(errorf("call canceled"))
	return NewBrokenPipeline(errorf("call canceled"))
}

func (d *blockingDispatcher) AddRef() Dispatcher { return d }
func (d *blockingDispatcher) Release()           {}

// TestCancellationOnQuestionRelease exercises spec §4.4/§5: dropping the
// caller's Pipeline (its last QuestionRef) before a Return arrives sends
// Finish, which — once the Dispatcher has also called AllowCancellation —
// cancels the in-flight call's context.
func TestCancellationOnQuestionRelease(t *testing.T) {
	ctx := context.Background()
	ta, tb := NewPipeTransportPair()

	disp := newBlockingDispatcher()
	client := NewConn(ta, nil)
	server := NewConn(tb, nil, BootstrapFunc(func(context.Context) (Capability, error) {
		return NewLocalCapability(disp), nil
	}))
	defer client.Close()
	defer server.Close()

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	pl := boot.NewCall(1, 1, 0).Send(ctx)

	select {
	case <-disp.allowed:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never started")
	}

	// Drop the only reference to this call's Question: this sends Finish,
	// arming CANCEL_REQUESTED now that CANCEL_ALLOWED is already set.
	pl.Release()

	select {
	case <-disp.canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher context was never canceled after Finish")
	}
}

// TestCloseRejectsPendingCall exercises spec §8 scenario 3: closing a Conn
// while a call is still outstanding must settle (not leak) every pending
// question and answer, per teardown's answer.settle/future.reject drains.
func TestCloseRejectsPendingCall(t *testing.T) {
	ctx := context.Background()
	ta, tb := NewPipeTransportPair()

	disp := newBlockingDispatcher()
	client := NewConn(ta, nil)
	server := NewConn(tb, nil, BootstrapFunc(func(context.Context) (Capability, error) {
		return NewLocalCapability(disp), nil
	}))
	defer server.Close()

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	pl := boot.NewCall(1, 1, 0).Send(ctx)
	defer pl.Release()

	select {
	case <-disp.allowed:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never started")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := mustSettle(t, pl)
	if err == nil {
		t.Fatal("pipeline for a call on a closed connection should settle with an error")
	}
}
