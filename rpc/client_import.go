package rpc

import (
	"sync"

	"golang.org/x/net/context"
)

// ImportClient is the Capability variant for a peer-hosted object
// (spec §2, §4.2): every call we make on it becomes an outbound Call
// message on conn.
type ImportClient struct {
	conn *Conn
	id   importID

	mu       sync.Mutex
	refcount uint32 // invariant 4: positive while this entry is live
	released bool
}

// newImportClient constructs the first reference to a given import ID.
// Later references are obtained via AddRef, keeping refcount in sync
// with the number of distinct copies this side has handed out (spec
// §4.2's import()).
func newImportClient(conn *Conn, id importID) *ImportClient {
	return &ImportClient{conn: conn, id: id, refcount: 1}
}

func (c *ImportClient) NewCall(interfaceID uint64, methodID uint16, sizeHint uint32) *OutboundRequest {
	return &OutboundRequest{target: c, interfaceID: interfaceID, methodID: methodID}
}

// Call marshals cc's params and sends a Call message targeting this
// import directly (MessageTarget.importedCap), per spec §4.3.
func (c *ImportClient) Call(ctx context.Context, interfaceID uint64, methodID uint16, cc *CallContext) *Pipeline {
	return c.conn.sendOutboundCall(ctx, interfaceID, methodID, cc, func(mt *messageTarget) {
		mt.Which = targetImportedCap
		mt.ImportedCap = uint32(c.id)
	}, false)
}

func (c *ImportClient) AddRef() Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refcount++
	return c
}

// Release drops one local reference. When the last reference is
// dropped, a Release{importId, refcount} message is sent to the peer
// and the import table entry is cleared (spec §3's Import, §4.2's
// ImportClient destructor).
func (c *ImportClient) Release() {
	c.mu.Lock()
	c.refcount--
	n := c.refcount
	done := n == 0 && !c.released
	if done {
		c.released = true
	}
	c.mu.Unlock()
	if done {
		c.conn.releaseImport(c.id, n+1)
	}
}

func (c *ImportClient) Brand() *Conn { return c.conn }

func (c *ImportClient) Resolved() (Capability, bool) { return nil, false }

func (c *ImportClient) WhenMoreResolved() <-chan struct{} { return nil }

// writeDescriptor implements spec §4.2's ImportClient.writeDescriptor:
// reflecting a peer-hosted import back to the same peer always yields
// receiverHosted{importId} (the peer recognizes its own export).
func (c *ImportClient) writeDescriptor(d *capDescriptor) {
	d.Which = descReceiverHosted
	d.ReceiverHosted = uint32(c.id)
}
