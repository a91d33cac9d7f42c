package pieceset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAddContainsLen(t *testing.T) {
	s := New()
	require.True(t, s.IsEmpty())
	s.Add(3)
	s.Add(7)
	assert.True(t, s.Contains(3))
	assert.True(t, s.Contains(7))
	assert.False(t, s.Contains(4))
	assert.Equal(t, 2, s.Len())
}

func TestSetRemove(t *testing.T) {
	s := New()
	s.Add(1)
	s.Add(2)
	s.Remove(1)
	assert.False(t, s.Contains(1))
	assert.True(t, s.Contains(2))
	assert.Equal(t, 1, s.Len())
}

func TestSetRemoveFromZeroValue(t *testing.T) {
	var s Set
	assert.NotPanics(t, func() { s.Remove(5) })
	assert.True(t, s.IsEmpty())
}

func TestSetAndAndNotOr(t *testing.T) {
	a := FromSlice([]uint32{1, 2, 3})
	b := FromSlice([]uint32{2, 3, 4})

	and := a.And(b)
	assert.ElementsMatch(t, []int{2, 3}, and.ToSlice())

	andNot := a.AndNot(b)
	assert.ElementsMatch(t, []int{1}, andNot.ToSlice())

	or := a.Or(b)
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, or.ToSlice())
}

func TestSetAndNotZeroValueOperands(t *testing.T) {
	var empty Set
	full := FromSlice([]uint32{1, 2})

	assert.True(t, empty.AndNot(full).IsEmpty())
	assert.ElementsMatch(t, []int{1, 2}, full.AndNot(empty).ToSlice())
}

func TestSetInvert(t *testing.T) {
	s := FromSlice([]uint32{1, 3})
	inv := s.Invert(4)
	assert.ElementsMatch(t, []int{0, 2}, inv.ToSlice())
}

func TestSetInvertZeroValue(t *testing.T) {
	var s Set
	inv := s.Invert(3)
	assert.ElementsMatch(t, []int{0, 1, 2}, inv.ToSlice())
}

func TestSetFull(t *testing.T) {
	s := FromSlice([]uint32{0, 1, 2})
	assert.True(t, s.Full(3))
	assert.False(t, s.Full(4))
}

func TestSetClone(t *testing.T) {
	a := FromSlice([]uint32{1, 2})
	b := a.Clone()
	b.Add(3)
	assert.False(t, a.Contains(3))
	assert.True(t, b.Contains(3))
}

func TestSetIterateStopsEarly(t *testing.T) {
	s := FromSlice([]uint32{1, 2, 3, 4})
	var seen []int
	s.Iterate(func(idx int) bool {
		seen = append(seen, idx)
		return idx < 2
	})
	assert.Equal(t, []int{1, 2}, seen)
}
