// Package idset is a compact set of small non-negative integer identifiers
// (broker ranks, in practice), used anywhere the overlay or dispatch layers
// need to track "which ranks have done X" without paying for a map[int]bool.
package idset

import (
	"fmt"
	"sort"
	"strings"
)

// Set is a sparse bitset over non-negative ints, word-sized at 64 bits.
type Set struct {
	words []uint64
}

func New() *Set { return &Set{} }

func (s *Set) ensure(word int) {
	for len(s.words) <= word {
		s.words = append(s.words, 0)
	}
}

func (s *Set) Add(id int) {
	if id < 0 {
		return
	}
	w, b := id/64, uint(id%64)
	s.ensure(w)
	s.words[w] |= 1 << b
}

func (s *Set) Remove(id int) {
	if id < 0 {
		return
	}
	w, b := id/64, uint(id%64)
	if w >= len(s.words) {
		return
	}
	s.words[w] &^= 1 << b
}

func (s *Set) Has(id int) bool {
	if id < 0 {
		return false
	}
	w, b := id/64, uint(id%64)
	if w >= len(s.words) {
		return false
	}
	return s.words[w]&(1<<b) != 0
}

func (s *Set) Len() int {
	n := 0
	for _, w := range s.words {
		for w != 0 {
			n += int(w & 1)
			w >>= 1
		}
	}
	return n
}

// Slice returns the set's members in ascending order.
func (s *Set) Slice() []int {
	out := make([]int, 0, s.Len())
	for wi, w := range s.words {
		for bi := 0; bi < 64; bi++ {
			if w&(1<<uint(bi)) != 0 {
				out = append(out, wi*64+bi)
			}
		}
	}
	return out
}

// String renders the set as a sorted comma-separated list, e.g. "0,2,5".
func (s *Set) String() string {
	ids := s.Slice()
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
