package rpc

import (
	"golang.org/x/net/context"
	"zombiezen.com/go/capnproto2"
)

// Restorer resolves a sturdy ref's object ID to a live capability (spec
// §4.8). Restore{bootstrap} requests bypass this entirely and go
// through a Conn's own BootstrapFunc instead; Restorer only serves
// Restore{objectId} requests naming a specific persisted object.
type Restorer interface {
	Restore(ctx context.Context, objectID capnp.Ptr) (Capability, error)
}

// RestorerFunc adapts a plain function to a Restorer.
type RestorerFunc func(ctx context.Context, objectID capnp.Ptr) (Capability, error)

func (f RestorerFunc) Restore(ctx context.Context, objectID capnp.Ptr) (Capability, error) {
	return f(ctx, objectID)
}
