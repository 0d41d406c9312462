package rpc

// exportID indexes a Conn's export table — our local ID space (spec §3,
// §4.1).
type exportID uint32

// export is the local-ID-space table entry spec §3 describes. refcount
// is peer-visible: the peer's Release{id, n} subtracts n, and when it
// reaches zero the entry (and its reverse lookup in exportsByCap) is
// removed.
type export struct {
	id       exportID
	client   Capability
	refcount uint32

	// resolving is set while a resolveOp goroutine is watching client's
	// WhenMoreResolved channel on behalf of a promise we exported (spec
	// §3: "If the exported capability was itself a promise, resolveOp
	// asynchronously waits for resolution and sends Resolve{...}").
	resolving bool
	cancelResolve chan struct{}
}

// exportTable is the ExportTable spec §4.1 describes: IDs are assigned
// locally, with freed IDs reused in ascending order so long-lived
// sessions keep small, stable, easy-to-debug IDs.
type exportTable struct {
	gen          idgen
	entries      map[exportID]*export
	exportsByCap map[interface{}]*export
}

func newExportTable() *exportTable {
	return &exportTable{
		entries:      make(map[exportID]*export),
		exportsByCap: make(map[interface{}]*export),
	}
}

// exportKey returns the identity exportsByCap dedups on. A bare
// Capability interface value is unsuitable on its own for
// *LocalCapability: LocalCapability.AddRef builds a fresh wrapper struct
// around the same underlying Dispatcher every time, so two references to
// one application object would otherwise be keyed as distinct exports
// (spec §4.2/§3 invariant 3's "one export per distinct capability"). The
// Dispatcher itself is the stable identity in that case; every other
// variant already preserves its own pointer identity across AddRef.
func exportKey(client Capability) interface{} {
	if l, ok := client.(*LocalCapability); ok {
		return l.d
	}
	return client
}

// allocate returns the smallest free export ID, inserting a placeholder
// entry the caller should finish populating.
func (t *exportTable) allocate(client Capability) *export {
	id := exportID(t.gen.alloc())
	e := &export{id: id, client: client, refcount: 1}
	t.entries[id] = e
	t.exportsByCap[exportKey(client)] = e
	return e
}

func (t *exportTable) find(id exportID) *export {
	return t.entries[id]
}

func (t *exportTable) findByCap(client Capability) *export {
	return t.exportsByCap[exportKey(client)]
}

// erase removes id from the table and returns its export ID to the free
// list. The caller is responsible for releasing e.client and stopping
// any resolveOp first.
func (t *exportTable) erase(id exportID) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	delete(t.exportsByCap, exportKey(e.client))
	t.gen.release(uint32(id))
}

func (t *exportTable) forEach(f func(exportID, *export)) {
	for id, e := range t.entries {
		f(id, e)
	}
}
