package rpc

import "container/heap"

// idgen allocates small unsigned IDs, reusing freed IDs in ascending
// order before handing out a new high-water-mark value. This keeps IDs
// small and stable across the life of a long-running connection, which
// matters for export IDs: they're retransmitted on every Resolve and
// CapDescriptor, so small values keep messages compact and logs
// readable.
type idgen struct {
	next uint32
	free idHeap
}

// next32 returns the smallest free ID, removing it from the free list.
func (g *idgen) alloc() uint32 {
	if len(g.free) > 0 {
		return heap.Pop(&g.free).(uint32)
	}
	id := g.next
	g.next++
	return id
}

// release returns id to the free list. release must not be called twice
// for the same id without an intervening alloc.
func (g *idgen) release(id uint32) {
	heap.Push(&g.free, id)
}

type idHeap []uint32

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
