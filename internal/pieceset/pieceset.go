// Package pieceset implements the bitfield primitive used for local and
// remote piece sets. It is a thin, roaring-bitmap-backed collaborator; the
// core uses its concrete Set type directly (collaborators.go's interfaces
// take and return Set values).
package pieceset

import (
	"github.com/RoaringBitmap/roaring"
)

// Set is a set of piece indices. The zero value is an empty set.
type Set struct {
	bm *roaring.Bitmap
}

func New() Set {
	return Set{bm: roaring.New()}
}

func FromSlice(indices []uint32) Set {
	return Set{bm: roaring.BitmapOf(indices...)}
}

func (s *Set) ensure() *roaring.Bitmap {
	if s.bm == nil {
		s.bm = roaring.New()
	}
	return s.bm
}

func (s *Set) Add(idx int) {
	s.ensure().Add(uint32(idx))
}

func (s *Set) Remove(idx int) {
	if s.bm == nil {
		return
	}
	s.bm.Remove(uint32(idx))
}

func (s Set) Contains(idx int) bool {
	if s.bm == nil {
		return false
	}
	return s.bm.Contains(uint32(idx))
}

func (s Set) Len() int {
	if s.bm == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

func (s Set) IsEmpty() bool {
	return s.bm == nil || s.bm.IsEmpty()
}

func (s Set) Clone() Set {
	if s.bm == nil {
		return New()
	}
	return Set{bm: s.bm.Clone()}
}

// Full reports whether the set holds at least numPieces indices. It counts
// members only; it does not check that they fall within [0, numPieces).
func (s Set) Full(numPieces int) bool {
	return s.Len() >= numPieces
}

// And returns the intersection of s and other.
func (s Set) And(other Set) Set {
	out := New()
	if s.bm != nil && other.bm != nil {
		out.bm = roaring.And(s.bm, other.bm)
	}
	return out
}

// AndNot returns the pieces in s but not in other.
func (s Set) AndNot(other Set) Set {
	out := New()
	switch {
	case s.bm == nil:
	case other.bm == nil:
		out.bm = s.bm.Clone()
	default:
		out.bm = roaring.AndNot(s.bm, other.bm)
	}
	return out
}

// Or returns the union of s and other.
func (s Set) Or(other Set) Set {
	out := New()
	switch {
	case s.bm == nil:
		if other.bm != nil {
			out.bm = other.bm.Clone()
		}
	case other.bm == nil:
		out.bm = s.bm.Clone()
	default:
		out.bm = roaring.Or(s.bm, other.bm)
	}
	return out
}

// Invert returns the complement of s within [0, numPieces).
func (s Set) Invert(numPieces int) Set {
	out := New()
	if s.bm == nil {
		out.bm = roaring.New()
		out.bm.AddRange(0, uint64(numPieces))
		return out
	}
	out.bm = s.bm.Clone()
	out.bm.Flip(0, uint64(numPieces))
	return out
}

func (s Set) ToSlice() []int {
	if s.bm == nil {
		return nil
	}
	arr := s.bm.ToArray()
	out := make([]int, len(arr))
	for i, v := range arr {
		out[i] = int(v)
	}
	return out
}

// Iterate calls f for every set index in ascending order, stopping early if
// f returns false.
func (s Set) Iterate(f func(idx int) bool) {
	if s.bm == nil {
		return
	}
	it := s.bm.Iterator()
	for it.HasNext() {
		if !f(int(it.Next())) {
			return
		}
	}
}
