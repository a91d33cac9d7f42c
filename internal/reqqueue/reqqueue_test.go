package reqqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushAndFirst(t *testing.T) {
	q := New()
	require.True(t, q.IsEmpty())

	_, ok := q.First()
	require.False(t, ok)

	q.Push(Slice{Piece: 1, Offset: 0, Length: 16384})
	q.Push(Slice{Piece: 1, Offset: 16384, Length: 16384})
	q.Push(Slice{Piece: 2, Offset: 0, Length: 16384})

	sl, ok := q.First()
	require.True(t, ok)
	assert.Equal(t, Slice{Piece: 1, Offset: 0, Length: 16384}, sl)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 2, q.CountForPiece(1))
	assert.Equal(t, 1, q.CountForPiece(2))
	assert.ElementsMatch(t, []int{1, 2}, q.Pieces())
}

func TestQueueRotateToEnd(t *testing.T) {
	q := New()
	q.Push(Slice{Piece: 1, Offset: 0, Length: 16384})
	q.Push(Slice{Piece: 2, Offset: 0, Length: 16384})

	moved := q.RotateToEnd(1)
	require.True(t, moved)

	sl, ok := q.First()
	require.True(t, ok)
	assert.Equal(t, 2, sl.Piece)

	assert.False(t, q.RotateToEnd(99))
}

func TestQueueCancel(t *testing.T) {
	q := New()
	sl := Slice{Piece: 1, Offset: 0, Length: 16384}
	q.Push(sl)
	q.Push(Slice{Piece: 1, Offset: 16384, Length: 16384})

	require.True(t, q.Cancel(sl))
	assert.Equal(t, 1, q.CountForPiece(1))
	assert.False(t, q.Cancel(sl), "cancel of an already-removed slice reports false")
}

func TestQueueCancelPiece(t *testing.T) {
	q := New()
	q.Push(Slice{Piece: 1, Offset: 0, Length: 16384})
	q.Push(Slice{Piece: 1, Offset: 16384, Length: 16384})
	q.Push(Slice{Piece: 2, Offset: 0, Length: 16384})

	n := q.CancelPiece(1)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, q.CountForPiece(1))
	assert.Equal(t, 1, q.Len())
}

func TestQueueCountForPieceZeroWhenAbsent(t *testing.T) {
	q := New()
	assert.Equal(t, 0, q.CountForPiece(42))
}
