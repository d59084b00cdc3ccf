package idset

import (
	"reflect"
	"testing"
)

func TestAddHasRemove(t *testing.T) {
	s := New()
	for _, id := range []int{0, 2, 63, 64, 200} {
		s.Add(id)
	}
	if s.Len() != 5 {
		t.Fatalf("Len = %d, want 5", s.Len())
	}
	if !s.Has(64) || s.Has(1) {
		t.Fatal("membership wrong")
	}
	s.Remove(64)
	if s.Has(64) {
		t.Fatal("Remove did not remove")
	}
	s.Remove(10000) // out of range is a no-op
	if got, want := s.Slice(), []int{0, 2, 63, 200}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Slice = %v, want %v", got, want)
	}
}

func TestNegativeIgnored(t *testing.T) {
	s := New()
	s.Add(-1)
	if s.Len() != 0 || s.Has(-1) {
		t.Fatal("negative ids must be ignored")
	}
}

func TestString(t *testing.T) {
	s := New()
	s.Add(5)
	s.Add(0)
	s.Add(2)
	if s.String() != "0,2,5" {
		t.Fatalf("got %q", s.String())
	}
}
