package rpc

import (
	"encoding/gob"
	"errors"
	"io"

	"golang.org/x/net/context"
)

// Transport is the VatNetwork collaborator spec §6 names, narrowed to
// one connection's worth of framed message exchange: newOutgoingMessage/
// receiveIncomingMessage/onDisconnect become SendMessage/RecvMessage/
// Close, matching the teacher's own Transport interface.
type Transport interface {
	SendMessage(ctx context.Context, m *message) error
	RecvMessage(ctx context.Context) (*message, error)
	Close() error
}

// ErrTransportClosed is returned by RecvMessage once the transport has
// been closed locally or the peer has hung up cleanly.
var ErrTransportClosed = errors.New("rpc: transport closed")

// PipeTransport is an in-memory, unbuffered Transport, primarily for
// this package's own tests (spec §8's literal scenarios): pair two of
// them with NewPipeTransportPair to get a connected pair of vats without
// a socket.
type PipeTransport struct {
	send   chan<- *message
	recv   <-chan *message
	closed chan struct{}
}

// NewPipeTransportPair returns two PipeTransports wired to each other.
func NewPipeTransportPair() (a, b *PipeTransport) {
	ab := make(chan *message, 16)
	ba := make(chan *message, 16)
	closedA := make(chan struct{})
	closedB := make(chan struct{})
	a = &PipeTransport{send: ab, recv: ba, closed: closedA}
	b = &PipeTransport{send: ba, recv: ab, closed: closedB}
	return a, b
}

func (p *PipeTransport) SendMessage(ctx context.Context, m *message) error {
	select {
	case p.send <- m:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeTransport) RecvMessage(ctx context.Context) (*message, error) {
	select {
	case m, ok := <-p.recv:
		if !ok {
			return nil, ErrTransportClosed
		}
		return m, nil
	case <-p.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeTransport) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// StreamTransport adapts any io.ReadWriteCloser — most commonly a
// net.Conn — into a Transport by framing messages with encoding/gob.
// This is deliberately the stdlib, not a pack library: spec §1 declares
// wire-format encoding details out of scope, so this exists purely as
// scaffolding to make the module runnable outside of tests, not as the
// specified wire format (see DESIGN.md).
type StreamTransport struct {
	rwc io.ReadWriteCloser
	enc *gob.Encoder
	dec *gob.Decoder
}

func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rwc: rwc, enc: gob.NewEncoder(rwc), dec: gob.NewDecoder(rwc)}
}

func (s *StreamTransport) SendMessage(ctx context.Context, m *message) error {
	return s.enc.Encode(m)
}

func (s *StreamTransport) RecvMessage(ctx context.Context) (*message, error) {
	var m message
	if err := s.dec.Decode(&m); err != nil {
		if err == io.EOF {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return &m, nil
}

func (s *StreamTransport) Close() error {
	return s.rwc.Close()
}
