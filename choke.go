package swarmcore

import (
	"math"
	"math/rand"
	"time"
)

const (
	MinUnchokes        = 3
	MinOptCycle        = 3.0
	MinUnchokeInterval = 10 * time.Second
	MinOptUnchokedSec  = 60 * time.Second
)

// ChokeScheduler implements spec.md section 4.4: periodic unchoke
// selection, optimistic-slot rotation, and choke enforcement.
type ChokeScheduler struct {
	content Content
	console Console
	rng     *rand.Rand

	maxUnchoke int
	topSlots   []*Peer // len == maxUnchoke, nil entries are empty slots
	optSlot    *Peer
	optTimestamp time.Time // zero means no active optimistic tenure

	unchokeInterval time.Duration
	optInterval     time.Duration

	missedSends      int
	completedUploads int
	deferredUploads  int
	totalUploads     int

	toUnchoke []*Peer // accumulated this scan; applied by the readiness loop
	toChoke   []*Peer
}

func NewChokeScheduler(content Content, console Console) *ChokeScheduler {
	return &ChokeScheduler{
		content:         content,
		console:         console,
		rng:             rand.New(rand.NewSource(1)),
		maxUnchoke:      MinUnchokes,
		topSlots:        make([]*Peer, MinUnchokes),
		unchokeInterval: 10 * time.Second,
		optInterval:     30 * time.Second,
	}
}

// BeginScan resets the per-scan accumulators before a fresh unchoke pass.
func (s *ChokeScheduler) BeginScan() {
	s.toUnchoke = s.toUnchoke[:0]
	s.toChoke = s.toChoke[:0]
}

// ulDlRatio returns the peer's UL/DL ratio and whether it's a valid
// candidate for the reciprocation rule. While seeding, a peer with UL>=DL
// is excluded (spec.md 4.4 step 2, "value -1").
func ulDlRatio(p *Peer, seeding bool) (ratio float64, ok bool) {
	ul, dl := p.NominalUL(), p.NominalDL()
	if seeding && ul >= dl {
		return 0, false
	}
	if dl == 0 {
		if ul == 0 {
			return 0, true
		}
		return math.Inf(1), true
	}
	return ul / dl, true
}

// effectiveProgress is the Chow-Golubchik-Misra progress estimate: the
// peer's known piece count, floored by total_UL/piece_length (a peer that
// has uploaded more than it's announced having must have at least that
// many pieces).
func effectiveProgress(p *Peer, content Content) float64 {
	have := float64(p.remoteBitfield.Len())
	pieceLen := content.PieceLength()
	if pieceLen > 0 {
		floor := float64(p.totalUL) / float64(pieceLen)
		if floor > have {
			have = floor
		}
	}
	return have
}

// prefer reports whether a should be preferred over b for an unchoke slot,
// implementing SelectUnchoke's three-step chain from spec.md 4.4.
func (s *ChokeScheduler) prefer(a, b *Peer) bool {
	seeding := s.content.IsSeeding()
	aDL, bDL := a.NominalDL(), b.NominalDL()
	effSeeding := seeding || (aDL == 0 && bDL == 0)

	if !effSeeding && aDL != bDL {
		return aDL > bDL
	}

	aRatio, aOK := ulDlRatio(a, effSeeding)
	bRatio, bOK := ulDlRatio(b, effSeeding)
	if aOK != bOK {
		return aOK
	}
	if aOK && bOK && aRatio != bRatio {
		return aRatio < bRatio
	}

	// CGM distance-from-half tie-break. original_source/peerlist.cpp:1319-1323
	// favors the peer *farther* from half (least pieces, or nearest
	// completion) and, on a distance tie, the higher-progress peer; this
	// keeps that ground-truth ordering rather than spec.md's literal
	// "closer to half" wording.
	numPieces := s.content.PieceCount()
	half := float64(numPieces) / 2
	aProg := effectiveProgress(a, s.content)
	bProg := effectiveProgress(b, s.content)
	aDist := math.Abs(aProg - half)
	bDist := math.Abs(bProg - half)
	if aDist != bDist {
		return aDist > bDist
	}
	return aProg > bProg
}

// leastFavoredSlot returns the index of the occupied top slot whose
// occupant is least preferred, or the index of the first empty slot.
func (s *ChokeScheduler) leastFavoredSlot() int {
	for i, p := range s.topSlots {
		if p == nil {
			return i
		}
	}
	worst := 0
	for i := 1; i < len(s.topSlots); i++ {
		if s.prefer(s.topSlots[worst], s.topSlots[i]) {
			worst = i
		}
	}
	return worst
}

// Consider is called for every eligible SUCCESS peer during an unchoke
// scan, implementing spec.md 4.4's slot contest.
func (s *ChokeScheduler) Consider(candidate *Peer, now time.Time) {
	idx := s.leastFavoredSlot()
	occupant := s.topSlots[idx]

	if occupant == nil {
		s.topSlots[idx] = candidate
		s.markUnchoked(candidate, now)
		return
	}
	if occupant.SameAs(candidate) {
		return
	}

	var winner, loser *Peer
	if s.prefer(candidate, occupant) {
		winner, loser = candidate, occupant
	} else {
		winner, loser = occupant, candidate
	}
	s.topSlots[idx] = winner
	s.markUnchoked(winner, now)
	s.contestOptimistic(loser, now)
}

func (s *ChokeScheduler) markUnchoked(p *Peer, now time.Time) {
	for _, c := range s.toUnchoke {
		if c.SameAs(p) {
			return
		}
	}
	s.toUnchoke = append(s.toUnchoke, p)
}

func (s *ChokeScheduler) markChoked(p *Peer) {
	s.toChoke = append(s.toChoke, p)
}

// contestOptimistic implements spec.md 4.4's optimistic-slot contest rules.
// The optimistic slot is skipped entirely while seeding or while a tenure
// is still in effect (opt_timestamp != 0), per DESIGN.md's resolution
// of the opt_interval==0 open question. A peer that takes the slot is
// queued for UNCHOKE like a top-slot winner.
func (s *ChokeScheduler) contestOptimistic(loser *Peer, now time.Time) {
	if s.content.IsSeeding() || s.optInterval == 0 || !s.optTimestamp.IsZero() {
		s.markChoked(loser)
		return
	}
	incumbent := s.optSlot
	if incumbent == nil {
		s.optSlot = loser
		s.optTimestamp = now
		s.markUnchoked(loser, now)
		return
	}
	if incumbent.SameAs(loser) {
		return
	}

	displaces := s.optimisticDisplaces(loser, incumbent)
	if displaces {
		s.markChoked(incumbent)
		s.optSlot = loser
		s.optTimestamp = now
		s.markUnchoked(loser, now)
		return
	}
	s.markChoked(loser)
}

func (s *ChokeScheduler) optimisticDisplaces(loser, incumbent *Peer) bool {
	loserEmpty := loser.IsEmpty()
	incumbentEmpty := incumbent.IsEmpty()

	if loserEmpty && !incumbentEmpty {
		return s.rng.Float64() < 0.75
	}
	if incumbentEmpty && !loserEmpty {
		return true
	}
	if incumbentEmpty && loserEmpty {
		return s.rng.Float64() < 0.25
	}

	if loser.localChoking != incumbent.localChoking {
		// (loser choked, incumbent not) displaces.
		return loser.localChoking && !incumbent.localChoking
	}
	if loser.localChoking && incumbent.localChoking {
		return s.waitedLonger(loser, incumbent)
	}
	// both unchoked: incumbent had less unchoke tenure, i.e. its unchoke
	// predates the loser's more recent one.
	return s.waitedLonger(incumbent, loser)
}

// waitedLonger reports whether loser has gone longer since its last
// unchoke than incumbent. A peer never yet unchoked has a zero
// lastUnchokeTime, which sorts before any real timestamp.
func (s *ChokeScheduler) waitedLonger(loser, incumbent *Peer) bool {
	return loser.lastUnchokeTime.Before(incumbent.lastUnchokeTime)
}

// EndScan applies the scan's accumulated decisions: peers chosen for a
// slot and not already locally unchoked get UNCHOKE; peers displaced
// without a slot get CHOKE. Both close the peer on send failure.
func (s *ChokeScheduler) EndScan(now time.Time) (unchoked, choked []*Peer) {
	for _, p := range s.toUnchoke {
		if !p.localChoking {
			continue // already unchoked, nothing to send
		}
		if st := sendGuarded(p, s.console, "unchoke send failed", p.stream.SendUnchoke); st.fatal() {
			continue
		}
		p.localChoking = false
		p.lastUnchokeStart = now
		p.lastUnchokeTime = now
		p.isOptimistic = p.SameAs(s.optSlot)
		unchoked = append(unchoked, p)
	}
	for _, p := range s.toChoke {
		if p.localChoking {
			continue
		}
		if st := sendGuarded(p, s.console, "choke send failed", p.stream.SendChoke); st.fatal() {
			continue
		}
		p.localChoking = true
		p.lastUnchokeStart = time.Time{}
		p.isOptimistic = false
		choked = append(choked, p)
	}
	return
}

// RotateOptimistic ends the current optimistic tenure, allowing a new
// contest on the next scan. Called by the readiness loop when the
// optimistic-unchoke interval elapses.
func (s *ChokeScheduler) RotateOptimistic(now time.Time) {
	if s.optSlot != nil {
		s.markChoked(s.optSlot)
	}
	s.optSlot = nil
	s.optTimestamp = time.Time{}

	if s.deferredUploads > s.totalUploads {
		if s.maxUnchoke > MinUnchokes {
			s.maxUnchoke--
			s.topSlots = s.topSlots[:s.maxUnchoke]
		}
	}
	s.deferredUploads = 0
	s.totalUploads = 0
}

// RecordSend tracks upload attempts for the adaptive max_unchoke policy.
func (s *ChokeScheduler) RecordSend(completed bool) {
	s.totalUploads++
	if completed {
		s.completedUploads++
	} else {
		s.missedSends++
		s.deferredUploads++
	}
}

// MaybeGrowMaxUnchoke widens max_unchoke up to the currently-unchoked count
// when missed sends are outpacing completed uploads (spec.md 4.4's
// adaptive policy), called at interval boundaries.
func (s *ChokeScheduler) MaybeGrowMaxUnchoke(currentlyUnchoked int) {
	if s.missedSends > s.completedUploads && currentlyUnchoked > s.maxUnchoke {
		for len(s.topSlots) < currentlyUnchoked {
			s.topSlots = append(s.topSlots, nil)
		}
		s.maxUnchoke = currentlyUnchoked
	}
	s.missedSends = 0
	s.completedUploads = 0
}

func (s *ChokeScheduler) MaxUnchoke() int { return s.maxUnchoke }

// SetUnchokeIntervals recomputes the unchoke/optimistic intervals from the
// configured upload cap and slice size, per spec.md 4.4.
func (s *ChokeScheduler) SetUnchokeIntervals(upCap int64, sliceSize int) {
	if upCap <= 0 {
		s.unchokeInterval = 10 * time.Second
		s.optInterval = 30 * time.Second
		return
	}

	secPerSlice := float64(sliceSize) / float64(upCap)
	if s.content.IsSeeding() {
		minInterval := 10.0
		optx := 1 / (1 - minInterval*float64(upCap)/float64(sliceSize))
		if optx < MinOptCycle {
			// widen the unchoke interval so a slice fits.
			s.unchokeInterval = time.Duration(secPerSlice * float64(time.Second))
			if s.unchokeInterval < MinUnchokeInterval {
				s.unchokeInterval = MinUnchokeInterval
			}
			optx = MinOptCycle
		} else {
			interval := secPerSlice
			if interval < 10 {
				interval = 10
			}
			s.unchokeInterval = time.Duration(interval * float64(time.Second))
		}
		// bound optx so every peer gets >=60s unchoked when feasible.
		maxOptx := float64(MinOptUnchokedSec) / float64(s.unchokeInterval)
		if optx > maxOptx && maxOptx >= MinOptCycle {
			optx = maxOptx
		}
		s.optInterval = time.Duration(optx * float64(s.unchokeInterval))
		return
	}

	interval := secPerSlice
	if interval < 10 {
		interval = 10
	}
	s.unchokeInterval = time.Duration(interval * float64(time.Second))
	s.optInterval = 3 * s.unchokeInterval
}

func (s *ChokeScheduler) UnchokeInterval() time.Duration { return s.unchokeInterval }
func (s *ChokeScheduler) OptInterval() time.Duration      { return s.optInterval }
