package matchtag

import "testing"

func TestAllocateDistinct(t *testing.T) {
	a := New()
	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		tag := a.Allocate()
		if tag == 0 {
			t.Fatal("tag 0 must never be allocated")
		}
		if seen[tag] {
			t.Fatalf("tag %d allocated twice while outstanding", tag)
		}
		seen[tag] = true
	}
}

func TestFreeThenReallocate(t *testing.T) {
	a := New()
	tag := a.Allocate()
	a.Free(tag)
	if a.IsAllocated(tag) {
		t.Fatal("freed tag should not be allocated")
	}
	tag2 := a.Allocate()
	if tag2 != tag {
		t.Fatalf("expected free-list reuse, got %d want %d", tag2, tag)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := New()
	tag := a.Allocate()
	a.Free(tag)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	a.Free(tag)
}
