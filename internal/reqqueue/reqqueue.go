// Package reqqueue implements the per-peer outbound slice-request queue
// collaborator: an ordered set of (piece, offset, length) requests a peer
// is waiting on, queryable by piece index for the duplication and
// cancellation logic in the piece selector.
package reqqueue

// Slice identifies one REQUEST/CANCEL unit: a byte range within a piece.
type Slice struct {
	Piece  int
	Offset int
	Length int
}

// Queue is a FIFO of outstanding slice requests for one peer, with an
// auxiliary per-piece count so PieceSelector can answer "how many slices of
// piece i does this peer still have outstanding" in O(1).
type Queue struct {
	order     []Slice
	perPiece  map[int]int
}

func New() *Queue {
	return &Queue{perPiece: make(map[int]int)}
}

func (q *Queue) Push(s Slice) {
	q.order = append(q.order, s)
	q.perPiece[s.Piece]++
}

// RotateToEnd moves the first queued slice of the given piece to the end of
// the queue, implementing CompareRequest's lock-step-avoidance rotation.
func (q *Queue) RotateToEnd(piece int) bool {
	for i, s := range q.order {
		if s.Piece == piece {
			q.order = append(q.order[:i], q.order[i+1:]...)
			q.order = append(q.order, s)
			return true
		}
	}
	return false
}

// Cancel removes one occurrence of the exact slice, reporting whether it was
// present.
func (q *Queue) Cancel(s Slice) bool {
	for i, o := range q.order {
		if o == s {
			q.order = append(q.order[:i], q.order[i+1:]...)
			q.perPiece[s.Piece]--
			if q.perPiece[s.Piece] <= 0 {
				delete(q.perPiece, s.Piece)
			}
			return true
		}
	}
	return false
}

// CancelPiece removes every queued slice belonging to the piece, returning
// the count removed.
func (q *Queue) CancelPiece(piece int) int {
	n := 0
	kept := q.order[:0]
	for _, o := range q.order {
		if o.Piece == piece {
			n++
			continue
		}
		kept = append(kept, o)
	}
	q.order = kept
	delete(q.perPiece, piece)
	return n
}

// CountForPiece returns how many slices of a piece are currently queued.
func (q *Queue) CountForPiece(piece int) int {
	return q.perPiece[piece]
}

// Len is the total number of outstanding slices across all pieces.
func (q *Queue) Len() int {
	return len(q.order)
}

// First returns the earliest-queued slice, if any.
func (q *Queue) First() (Slice, bool) {
	if len(q.order) == 0 {
		return Slice{}, false
	}
	return q.order[0], true
}

// Pieces returns the distinct piece indices with outstanding slices.
func (q *Queue) Pieces() []int {
	out := make([]int, 0, len(q.perPiece))
	for p := range q.perPiece {
		out = append(out, p)
	}
	return out
}

func (q *Queue) IsEmpty() bool {
	return len(q.order) == 0
}
