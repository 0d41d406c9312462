package rpc

import "testing"

func TestIdgenAllocAscending(t *testing.T) {
	var g idgen
	for i := uint32(0); i < 4; i++ {
		if got := g.alloc(); got != i {
			t.Fatalf("alloc() = %d, want %d", got, i)
		}
	}
}

func TestIdgenReusesFreedIDsBeforeGrowing(t *testing.T) {
	var g idgen
	a := g.alloc() // 0
	b := g.alloc() // 1
	_ = g.alloc()  // 2

	g.release(a)
	g.release(b)

	// Freed IDs come back out in ascending order, not LIFO.
	if got := g.alloc(); got != a {
		t.Fatalf("alloc() after release = %d, want %d", got, a)
	}
	if got := g.alloc(); got != b {
		t.Fatalf("alloc() after release = %d, want %d", got, b)
	}
	if got := g.alloc(); got != 3 {
		t.Fatalf("alloc() after free list drained = %d, want 3", got)
	}
}
