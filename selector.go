package swarmcore

import (
	"math"

	"github.com/monjaro/dtorrent/internal/pieceset"
	"github.com/monjaro/dtorrent/internal/reqqueue"
)

// PieceSelector implements spec.md section 4.5: duplicate-request
// selection (endgame + initial), the valued-piece heuristic, abandonment,
// and cancellation.
type PieceSelector struct {
	content  Content
	registry *PeerRegistry
	pending  PendingRegistry
	console  Console

	inEndgame bool
}

func NewPieceSelector(content Content, registry *PeerRegistry, pending PendingRegistry, console Console) *PieceSelector {
	return &PieceSelector{content: content, registry: registry, pending: pending, console: console}
}

func (s *PieceSelector) InEndgame() bool { return s.inEndgame }

// Endgame evaluates the endgame-entry trigger from spec.md 4.5: entered
// when the number of still-needed wanted pieces is strictly less than
// peer_count - conn_count, or likewise for pieces obtainable from a live
// peer's bitfield. Transitioning into endgame un-standbys all peers;
// transitioning out triggers RecalcDupReqs.
func (s *PieceSelector) Endgame(want pieceset.Set) bool {
	needed := want.Len()
	margin := s.registry.PeerCount - s.registry.HandshakingCount
	obtainable := 0
	want.Iterate(func(idx int) bool {
		found := false
		s.registry.ForEachLive(func(p *Peer) bool {
			if p.state == StateSuccess && p.remoteBitfield.Contains(idx) {
				found = true
				return false
			}
			return true
		})
		if found {
			obtainable++
		}
		return true
	})

	trigger := needed < margin || obtainable < margin
	if trigger && !s.inEndgame {
		s.registry.ForEachLive(func(p *Peer) bool {
			p.standby = false
			return true
		})
	}
	if !trigger && s.inEndgame {
		s.registry.RecalcDupReqs(s.pending)
	}
	s.inEndgame = trigger
	return trigger
}

// WhoCanAbandon implements spec.md 4.5's abandonment search. The initial
// bar (proposer_rate > 1.5x candidate_rate) is, per DESIGN.md's
// resolution of the published Open Question, a precondition filter
// applied only to the first eligible candidate encountered: if that
// candidate fails the bar, the search concludes with no abandonment
// rather than continuing to the next candidate.
func (s *PieceSelector) WhoCanAbandon(proposer *Peer) *Peer {
	var best *Peer
	first := true
	barFailed := false

	s.registry.ForEachLive(func(p *Peer) bool {
		if barFailed {
			return false
		}
		if p.state != StateSuccess || p.SameAs(proposer) {
			return true
		}
		if !s.sharesAbandonable(proposer, p) {
			return true
		}
		if first {
			first = false
			if !(proposer.NominalDL() > 1.5*p.NominalDL()) {
				barFailed = true
				return false
			}
		}
		if best == nil || p.NominalDL() < best.NominalDL() {
			best = p
		}
		return true
	})
	if barFailed {
		return nil
	}
	return best
}

func (s *PieceSelector) sharesAbandonable(proposer, candidate *Peer) bool {
	for _, piece := range candidate.outQueue.Pieces() {
		if proposer.remoteBitfield.Contains(piece) {
			return true
		}
	}
	return false
}

// dupCandidate mirrors the (idx, qlen, count) entries spec.md 4.5 inserts
// into its fixed-size hash table; this rewrite uses a map instead of the
// original's open-addressed array, a legitimate simplification since the
// array sizing was a performance concern of the C original, not part of
// the selection semantics (preserved below).
type dupCandidate struct {
	piece int
	qlen  int
	count int
}

// FindValuedPieces narrows a candidate bitfield down to the pieces most
// worth duplicating, per spec.md 4.5.
func (s *PieceSelector) FindValuedPieces(target pieceset.Set, proposer *Peer, endgameMode bool, want pieceset.Set) pieceset.Set {
	numPieces := s.content.PieceCount()

	allHave := s.intersectBitfields(func(p *Peer) bool {
		return p.state == StateSuccess && !p.SameAs(proposer)
	}, numPieces)
	intHave := s.intersectBitfields(func(p *Peer) bool {
		return p.state == StateSuccess && !p.SameAs(proposer) && p.IsInterestingToUs(want)
	}, numPieces)

	basis := allHave
	someInterestingLacksPieces := false
	s.registry.ForEachLive(func(p *Peer) bool {
		if p.state == StateSuccess && !p.SameAs(proposer) && p.IsInterestingToUs(want) && !p.HasFullBitfield(numPieces) {
			someInterestingLacksPieces = true
			return false
		}
		return true
	})
	if someInterestingLacksPieces {
		basis = intHave
	}

	pertinent := basis.Invert(numPieces).And(target)

	var narrowed pieceset.Set
	if endgameMode {
		narrowed = pertinent.And(s.onlyProposerAmongNonSeeders(proposer, numPieces))
	} else {
		narrowed = pertinent.And(s.multiOwnedNotUniversal(numPieces))
	}

	if narrowed.IsEmpty() {
		return pertinent
	}
	return narrowed
}

// intersectBitfields returns the intersection of remoteBitfield across all
// live peers matching pred, or the full piece range if no peer matches.
func (s *PieceSelector) intersectBitfields(pred func(*Peer) bool, numPieces int) pieceset.Set {
	var result pieceset.Set
	matched := false
	s.registry.ForEachLive(func(p *Peer) bool {
		if !pred(p) {
			return true
		}
		if !matched {
			result = p.remoteBitfield.Clone()
			matched = true
		} else {
			result = result.And(p.remoteBitfield)
		}
		return true
	})
	if !matched {
		full := pieceset.New()
		full = full.Invert(numPieces) // empty inverted over numPieces is the full range
		return full
	}
	return result
}

// multiOwnedNotUniversal returns pieces held by more than one SUCCESS peer
// but not by every SUCCESS peer.
func (s *PieceSelector) multiOwnedNotUniversal(numPieces int) pieceset.Set {
	counts := make([]int, numPieces)
	total := 0
	s.registry.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess {
			return true
		}
		total++
		p.remoteBitfield.Iterate(func(idx int) bool {
			if idx < numPieces {
				counts[idx]++
			}
			return true
		})
		return true
	})
	out := pieceset.New()
	for idx, c := range counts {
		if c > 1 && c < total {
			out.Add(idx)
		}
	}
	return out
}

// onlyProposerAmongNonSeeders returns pieces that, among non-seeding
// SUCCESS peers, only the proposer's remote bitfield contains.
func (s *PieceSelector) onlyProposerAmongNonSeeders(proposer *Peer, numPieces int) pieceset.Set {
	out := pieceset.New()
	proposer.remoteBitfield.Iterate(func(idx int) bool {
		uniqueToProposer := true
		s.registry.ForEachLive(func(p *Peer) bool {
			if p.state != StateSuccess || p.SameAs(proposer) {
				return true
			}
			if p.HasFullBitfield(numPieces) {
				return true // seeders excluded from the comparison
			}
			if p.remoteBitfield.Contains(idx) {
				uniqueToProposer = false
				return false
			}
			return true
		})
		if uniqueToProposer {
			out.Add(idx)
		}
		return true
	})
	return out
}

// WhatCanDuplicate implements spec.md 4.5's duplicate-request selection.
func (s *PieceSelector) WhatCanDuplicate(target pieceset.Set, proposer *Peer, endgameMode bool, want pieceset.Set) (int, bool) {
	valued := s.FindValuedPieces(target, proposer, endgameMode, want)

	initialBar := math.MaxInt32
	if !endgameMode {
		sliceSize := s.sliceSize()
		if sliceSize > 0 {
			initialBar = ceilDiv(s.content.PieceLength(), sliceSize) + 2
		}
	}

	candidates := make(map[int]*dupCandidate)
	s.registry.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess || p.SameAs(proposer) || p.outQueue.IsEmpty() {
			return true
		}
		for _, piece := range p.outQueue.Pieces() {
			if !valued.Contains(piece) {
				continue
			}
			if proposer.outQueue.CountForPiece(piece) > 0 {
				continue
			}
			c, ok := candidates[piece]
			if !ok {
				c = &dupCandidate{piece: piece}
				candidates[piece] = c
			}
			c.qlen += p.outQueue.CountForPiece(piece)
			c.count++
		}
		return true
	})

	var chosen *dupCandidate
	var chosenWork float64
	for _, c := range candidates {
		if c.count == 0 {
			continue
		}
		work := float64(c.qlen) / float64(c.count)
		if work <= 1 {
			continue
		}
		if chosen == nil {
			chosen, chosenWork = c, work
			continue
		}
		if endgameMode {
			if work > chosenWork {
				chosen, chosenWork = c, work
			}
		} else {
			if work < chosenWork && work < float64(initialBar) {
				chosen, chosenWork = c, work
			}
		}
	}
	if chosen == nil {
		return 0, false
	}
	if !endgameMode && chosenWork >= float64(initialBar) {
		return 0, false
	}
	if chosen.count == 1 {
		s.registry.DupReqPieces++
	}
	return chosen.piece, true
}

func (s *PieceSelector) sliceSize() int {
	return defaultSliceSize
}

const defaultSliceSize = 16 * 1024

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// CompareRequest rotates the proposer's earliest-queued slice of a piece to
// the end of its queue, avoiding lock-step duplication when multiple peers
// have the same earliest slice requested (spec.md 4.5).
func (s *PieceSelector) CompareRequest(proposer *Peer, piece int) bool {
	return proposer.outQueue.RotateToEnd(piece)
}

// CancelSlice broadcasts a CANCEL for one slice to every SUCCESS peer that
// has it queued, closing any peer whose send fails.
func (s *PieceSelector) CancelSlice(idx, off, length int) {
	sl := reqqueue.Slice{Piece: idx, Offset: off, Length: length}
	s.registry.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess {
			return true
		}
		if !p.outQueue.Cancel(sl) {
			return true
		}
		sendGuarded(p, s.console, "cancel send failed", func() error { return p.stream.SendCancel(sl) })
		return true
	})
}

// CancelPiece broadcasts CANCEL for every slice of a piece to every
// SUCCESS peer that has a slice of it queued.
func (s *PieceSelector) CancelPiece(idx int) {
	s.registry.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess {
			return true
		}
		if p.outQueue.CountForPiece(idx) == 0 {
			return true
		}
		p.outQueue.CancelPiece(idx)
		sendGuarded(p, s.console, "cancel send failed", func() error {
			return p.stream.SendCancel(reqqueue.Slice{Piece: idx})
		})
		return true
	})
}

// CancelOneRequest deduplicates a single over-requested piece, per
// spec.md 4.5: among the peers holding the piece plus the pending
// registry, pick the slowest peer with the most later-queued slices;
// cancel only if the duplicate count exceeds that peer's queue length for
// the piece, and then only at that peer. If the pending registry held the
// piece, it is cleared there and no peer's request is cancelled.
func (s *PieceSelector) CancelOneRequest(idx int) {
	if s.pending != nil && s.pending.Has(idx) {
		s.pending.Clear(idx)
		s.adjustDupOnCancel(idx)
		return
	}

	var slowest *Peer
	slowestCount := 0
	dupCount := 0
	s.registry.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess {
			return true
		}
		n := p.outQueue.CountForPiece(idx)
		if n == 0 {
			return true
		}
		dupCount++
		if slowest == nil || p.NominalDL() < slowest.NominalDL() ||
			(p.NominalDL() == slowest.NominalDL() && n > slowestCount) {
			slowest = p
			slowestCount = n
		}
		return true
	})
	if slowest == nil {
		return
	}
	if dupCount > slowest.outQueue.CountForPiece(idx) {
		slowest.outQueue.CancelPiece(idx)
		sendGuarded(slowest, s.console, "cancel send failed", func() error {
			return slowest.stream.SendCancel(reqqueue.Slice{Piece: idx})
		})
		s.adjustDupOnCancel(idx)
	}
}

func (s *PieceSelector) adjustDupOnCancel(idx int) {
	if s.registry.DupReqPieces > 0 {
		s.registry.DupReqPieces--
	}
}
