package rpc

// importID indexes a Conn's import table — the peer's ID space (spec
// §3, §4.1): an ID the peer chose when it sent us a senderHosted or
// senderPromise CapDescriptor.
type importID uint32

// impent is the peer's-ID-space table entry spec §3 describes.
// appClient may be the bare *ImportClient or the *PromiseClient
// wrapping it (for a senderPromise import); both are weak in the sense
// that the table never keeps these alive on its own — it is the other
// direction (ImportClient -> impent) that is the owning edge, matching
// spec §9's "owning-forward + weak-back" cyclic-reference fix.
type impent struct {
	id importID

	importClient *ImportClient
	appClient    Capability

	// fulfiller is set for a senderPromise import: a single-use signal
	// the eventual Resolve message fulfils or rejects.
	fulfiller *future
}

// importTable is the ImportTable spec §4.1 describes: indexed by
// peer-assigned IDs, creating a default-constructed slot on first touch.
type importTable struct {
	entries map[importID]*impent
}

func newImportTable() *importTable {
	return &importTable{entries: make(map[importID]*impent)}
}

// get returns the slot for id, creating one if this is the first time
// id has been mentioned.
func (t *importTable) get(id importID) *impent {
	e, ok := t.entries[id]
	if !ok {
		e = &impent{id: id}
		t.entries[id] = e
	}
	return e
}

func (t *importTable) find(id importID) *impent {
	return t.entries[id]
}

func (t *importTable) erase(id importID) {
	delete(t.entries, id)
}

func (t *importTable) forEach(f func(importID, *impent)) {
	for id, e := range t.entries {
		f(id, e)
	}
}
