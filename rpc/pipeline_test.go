package rpc

import (
	"testing"

	"zombiezen.com/go/capnproto2"
)

func TestResponseGetPipelinedCapEmptyTransformSingleCap(t *testing.T) {
	want := newStubCapability("only", nil)
	resp := &Response{Caps: []Capability{want}}

	got := resp.GetPipelinedCap(nil)
	if got != want {
		t.Fatalf("GetPipelinedCap(nil) = %v, want the sole capability", got)
	}
	if want.refs != 2 {
		t.Fatalf("AddRef not reflected: refs = %d, want 2", want.refs)
	}
}

func TestResponseGetPipelinedCapEmptyTransformAmbiguous(t *testing.T) {
	resp := &Response{Caps: []Capability{newStubCapability("a", nil), newStubCapability("b", nil)}}
	got := resp.GetPipelinedCap(nil)
	if _, ok := got.(*brokenCapability); !ok {
		t.Fatalf("GetPipelinedCap(nil) with 2 caps = %T, want broken", got)
	}
}

func TestResponseGetPipelinedCapIndexesField(t *testing.T) {
	c0 := newStubCapability("zero", nil)
	c1 := newStubCapability("one", nil)
	resp := &Response{Caps: []Capability{c0, c1}}

	got := resp.GetPipelinedCap([]capnp.PipelineOp{{Field: 1}})
	if got != c1 {
		t.Fatalf("GetPipelinedCap(field 1) = %v, want c1", got)
	}
}

func TestResponseGetPipelinedCapOutOfRange(t *testing.T) {
	resp := &Response{Caps: []Capability{newStubCapability("only", nil)}}
	got := resp.GetPipelinedCap([]capnp.PipelineOp{{Field: 5}})
	if _, ok := got.(*brokenCapability); !ok {
		t.Fatalf("out-of-range GetPipelinedCap = %T, want broken", got)
	}
}

func TestNewResolvedPipelineSettledImmediately(t *testing.T) {
	resp := &Response{}
	p := NewResolvedPipeline(resp)
	select {
	case <-p.Settled():
	default:
		t.Fatal("NewResolvedPipeline should settle synchronously")
	}
	if p.state != pipelineResolved {
		t.Fatalf("state = %v, want pipelineResolved", p.state)
	}
}

func TestNewBrokenPipelineSettledImmediately(t *testing.T) {
	p := NewBrokenPipeline(errorf("nope"))
	select {
	case <-p.Settled():
	default:
		t.Fatal("NewBrokenPipeline should settle synchronously")
	}
	if p.state != pipelineBroken {
		t.Fatalf("state = %v, want pipelineBroken", p.state)
	}
}

func TestPipelineAwaitsFutureSettlement(t *testing.T) {
	fut := newFuture()
	p := NewPipeline(nil, fut)

	select {
	case <-p.Settled():
		t.Fatal("pipeline settled before its future did")
	default:
	}

	want := &Response{Caps: []Capability{newStubCapability("x", nil)}}
	fut.fulfill(want)
	<-p.Settled()

	if p.state != pipelineResolved || p.resp != want {
		t.Fatalf("pipeline did not adopt the future's result: state=%v resp=%v", p.state, p.resp)
	}
}

func TestPipelineGetPipelinedCapWaitingWithNilQuestionIsBroken(t *testing.T) {
	fut := newFuture()
	p := NewPipeline(nil, fut)
	got := p.GetPipelinedCap(nil)
	if _, ok := got.(*brokenCapability); !ok {
		t.Fatalf("GetPipelinedCap on a nil-question waiting pipeline = %T, want broken", got)
	}
}
