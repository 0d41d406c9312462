package rpc

import (
	"sync"

	"golang.org/x/net/context"
)

// stubCapability is a minimal local Capability for table-level tests that
// don't need a real connection: Call just records the call and returns a
// pre-set response, AddRef/Release count references so tests can assert a
// capability wasn't leaked or double-released.
type stubCapability struct {
	name string
	resp *Response
	err  *Exception

	mu       sync.Mutex
	calls    []stubCall
	refs     int
	released bool
}

type stubCall struct {
	InterfaceID uint64
	MethodID    uint16
}

func newStubCapability(name string, resp *Response) *stubCapability {
	return &stubCapability{name: name, resp: resp, refs: 1}
}

func (s *stubCapability) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return &OutboundRequest{target: s, interfaceID: interfaceID, methodID: methodID, sizeHint: sizeHint}
}

func (s *stubCapability) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	s.mu.Lock()
	s.calls = append(s.calls, stubCall{InterfaceID: interfaceID, MethodID: methodID})
	s.mu.Unlock()
	if cc != nil {
		if s.err != nil {
			cc.SendErrorReturn(s.err)
		} else {
			cc.SendReturn(s.resp.Content, s.resp.Caps)
		}
	}
	if s.err != nil {
		return NewBrokenPipeline(s.err)
	}
	return NewResolvedPipeline(s.resp)
}

func (s *stubCapability) AddRef() Capability {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	return s
}

func (s *stubCapability) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		s.released = true
	}
}

func (s *stubCapability) Brand() *Conn { return nil }

func (s *stubCapability) Resolved() (Capability, bool) { return nil, false }

func (s *stubCapability) WhenMoreResolved() <-chan struct{} { return nil }

func (s *stubCapability) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
