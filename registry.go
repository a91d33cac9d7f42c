package swarmcore

import (
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/anacrolix/generics"
	"github.com/tidwall/btree"

	"github.com/monjaro/dtorrent/internal/reqqueue"
)

// admitCode is the small negative status NewPeer returns on refusal, per
// spec.md section 7 ("Admission refusal").
type admitCode int

const (
	admitOK          admitCode = 0
	admitFull        admitCode = -1
	admitSelf        admitCode = -2
	admitDuplicate   admitCode = -3
	admitSocketError admitCode = -4
)

func (c admitCode) String() string {
	switch c {
	case admitOK:
		return "ok"
	case admitFull:
		return "full"
	case admitSelf:
		return "self"
	case admitDuplicate:
		return "duplicate"
	case admitSocketError:
		return "socket-error"
	default:
		return "unknown"
	}
}

// deadEntry orders the dead set by eviction deadline for cheap prefix
// eviction, implementing SPEC_FULL.md section 4.10's dead-set wiring.
type deadEntry struct {
	deadline time.Time
	peer     *Peer
}

func deadLess(a, b deadEntry) bool {
	if a.deadline.Equal(b.deadline) {
		return a.peer.id < b.peer.id
	}
	return a.deadline.Before(b.deadline)
}

// PeerRegistry owns the live and dead peer collections, admission, and the
// derived counters described in spec.md section 3 and 4.1.
type PeerRegistry struct {
	cfg     *Config
	content Content
	tracker Tracker
	self    PendingRegistry
	console Console

	nextID int64

	live      *list.List[*Peer]
	liveByID  map[int64]*list.Element[*Peer]
	liveByKey map[string]*list.Element[*Peer]

	dead      *btree.BTreeG[deadEntry]
	deadByID  map[int64]deadEntry

	selfAddr PeerAddr

	// derived counters, recomputed every tick before use (invariant 4).
	PeerCount        int
	SeedCount        int
	HandshakingCount int
	DownloadCount    int // interested in them AND they're not choking us
	InterestedCount  int // they're interested in us
	DupReqPieces     int
	ReadyCount       int64

	paused bool
}

func NewPeerRegistry(cfg *Config, content Content, tracker Tracker, pendingReg PendingRegistry, console Console, selfAddr PeerAddr) *PeerRegistry {
	return &PeerRegistry{
		cfg:       cfg,
		content:   content,
		tracker:   tracker,
		self:      pendingReg,
		console:   console,
		live:      list.New[*Peer](),
		liveByID:  make(map[int64]*list.Element[*Peer]),
		liveByKey: make(map[string]*list.Element[*Peer]),
		dead:      btree.NewBTreeG[deadEntry](deadLess),
		deadByID:  make(map[int64]deadEntry),
		selfAddr:  selfAddr,
	}
}

func (r *PeerRegistry) LiveCount() int { return r.live.Len() }
func (r *PeerRegistry) DeadCount() int { return r.dead.Len() }

// findLiveByAddr returns the live peer at addr, if any.
func (r *PeerRegistry) findLiveByAddr(addr PeerAddr) *Peer {
	if el, ok := r.liveByKey[addr.key()]; ok {
		return el.Value
	}
	return nil
}

// evictExpiredDead removes dead peers whose deadline has passed, per
// spec.md's "bounded by twice the tracker announce interval since their
// last activity".
func (r *PeerRegistry) evictExpiredDead(now time.Time) {
	var expired []deadEntry
	r.dead.Ascend(deadEntry{}, func(item deadEntry) bool {
		if item.deadline.After(now) {
			return false
		}
		expired = append(expired, item)
		return true
	})
	for _, e := range expired {
		r.dead.Delete(e)
		delete(r.deadByID, e.peer.id)
	}
}

// findDeadByAddr scans the dead set for an address match, evicting expired
// entries along the way, matching spec.md 4.1's admission scan. The result
// is an explicit Option rather than a nil-able pointer, since "no dead-set
// match found" is a first-class outcome the caller branches on (SPEC_FULL.md
// 4.10).
func (r *PeerRegistry) findDeadByAddr(addr PeerAddr, now time.Time) generics.Option[*Peer] {
	r.evictExpiredDead(now)
	var found generics.Option[*Peer]
	r.dead.Scan(func(item deadEntry) bool {
		if item.peer.addr.Equal(addr) {
			found = generics.Some(item.peer)
			return false
		}
		return true
	})
	return found
}

func (r *PeerRegistry) removeDead(p *Peer) {
	if e, ok := r.deadByID[p.id]; ok {
		r.dead.Delete(e)
		delete(r.deadByID, p.id)
	}
}

// NewPeerParams bundles the inputs to admission, mirroring spec.md 4.1's
// NewPeer(address, optional_socket) signature.
type NewPeerParams struct {
	Addr     PeerAddr
	Inbound  bool
	Dial     func(PeerAddr) (Stream, error) // used when !Inbound
	Accepted Stream                         // used when Inbound
	Now      time.Time
	Conn     connecter // non-blocking connect helper, see dial.go
}

type connecter interface {
	// DialNonBlocking starts a non-blocking outbound connect against peer,
	// reporting whether the connect is already in progress (true) or
	// needs no further wait (false, i.e. completed inline or failed
	// immediately). Implementations that dial asynchronously stash their
	// result on peer.connResult for Peer.pollConnect to observe.
	DialNonBlocking(addr PeerAddr, peer *Peer) (inProgress bool, err error)
}

// NewPeer implements spec.md section 4.1 admission: full/self/duplicate
// rejection, dead-set resurrection scan, non-blocking connect setup, and
// splice-at-head of the live set.
func (r *PeerRegistry) NewPeer(p NewPeerParams) (*Peer, admitCode) {
	if r.PeerCount >= r.cfg.MaxPeers {
		if p.Accepted != nil {
			p.Accepted.Close()
		}
		return nil, admitFull
	}
	if p.Inbound && p.Addr.Equal(r.selfAddr) {
		r.tracker.AdjustPeerCount(-1)
		if p.Accepted != nil {
			p.Accepted.Close()
		}
		return nil, admitSelf
	}
	if r.findLiveByAddr(p.Addr) != nil {
		if p.Accepted != nil {
			p.Accepted.Close()
		}
		return nil, admitDuplicate
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	dead := r.findDeadByAddr(p.Addr, now)

	peer := &Peer{
		id:           r.nextID,
		addr:         p.Addr,
		outgoing:     !p.Inbound,
		createdAt:    now,
		lastActivity: now,
		lastMessage:  now, // a freshly admitted peer must not look HardDeadInterval-silent
		outQueue:     reqqueue.New(),
		inQueue:      reqqueue.New(),
	}
	r.nextID++

	if p.Inbound {
		peer.stream = p.Accepted
		peer.state = StateHandshake
	} else {
		inProgress, err := false, error(nil)
		if p.Conn != nil {
			inProgress, err = p.Conn.DialNonBlocking(p.Addr, peer)
		}
		if err != nil {
			return nil, admitSocketError
		}
		if inProgress {
			peer.state = StateConnecting
		} else {
			peer.state = StateHandshake
		}
	}

	if peer.state == StateHandshake && peer.stream != nil {
		// Immediately send the protocol handshake, matching spec.md 4.1.
		_ = peer.stream.SendHandshake([20]byte{}, [20]byte{})
	}

	if dead.Ok {
		peer.totalUL = dead.Value.totalUL
		peer.totalDL = dead.Value.totalDL
		r.removeDead(dead.Value)
	}

	el := r.live.PushFront(peer)
	r.liveByID[peer.id] = el
	r.liveByKey[p.Addr.key()] = el
	r.PeerCount = r.live.Len()

	return peer, admitOK
}

// moveToDead transitions a FAILED peer out of the live set into the dead
// set if it carries nonzero lifetime stats, or frees it outright,
// implementing the per-tick destruction rule in spec.md section 3
// ("Destroyed at tick end").
func (r *PeerRegistry) moveToDead(p *Peer, now time.Time) {
	if el, ok := r.liveByID[p.id]; ok {
		r.live.Remove(el)
		delete(r.liveByID, p.id)
		delete(r.liveByKey, p.addr.key())
	}
	r.PeerCount = r.live.Len()

	if p.totalUL == 0 && p.totalDL == 0 {
		return // destroyed: no stats worth keeping
	}
	interval := r.tracker.AnnounceInterval()
	entry := deadEntry{deadline: p.lastActivity.Add(2 * interval), peer: p}
	r.dead.Set(entry)
	r.deadByID[p.id] = entry
}

// requeueForReconnect puts a FAILED peer's address back on the tracker
// queue instead of moving it to dead; callers decide which applies.
func (r *PeerRegistry) requeueForReconnect(p *Peer, requeue func(PeerAddr)) {
	if el, ok := r.liveByID[p.id]; ok {
		r.live.Remove(el)
		delete(r.liveByID, p.id)
		delete(r.liveByKey, p.addr.key())
	}
	r.PeerCount = r.live.Len()
	if requeue != nil {
		requeue(p.addr)
	}
}

// PromoteToHead moves a peer that just serviced I/O to the front of the
// live set, implementing the fairness trick in spec.md section 5 ("the
// dispatch walk ... promotes peers that serviced reads/writes to the
// head").
func (r *PeerRegistry) PromoteToHead(p *Peer) {
	if el, ok := r.liveByID[p.id]; ok {
		r.live.MoveToFront(el)
	}
}

// ForEachLive iterates the live set in current order, front to back.
func (r *PeerRegistry) ForEachLive(f func(*Peer) (cont bool)) {
	for el := r.live.Front(); el != nil; {
		next := el.Next()
		if !f(el.Value) {
			return
		}
		el = next
	}
}

// recomputeCounters recomputes peer/seed/handshake/download/interested
// counts over the live set, satisfying invariant 4 (never authoritative
// across ticks).
func (r *PeerRegistry) recomputeCounters() {
	seed, hs, dl, interested := 0, 0, 0, 0
	numPieces := r.content.PieceCount()
	r.ForEachLive(func(p *Peer) bool {
		switch p.state {
		case StateHandshake, StateConnecting:
			hs++
		case StateSuccess:
			if p.HasFullBitfield(numPieces) {
				seed++
			}
			if p.localInterested && !p.remoteChoking {
				dl++
			}
			if p.remoteInterested {
				interested++
			}
		}
		return true
	})
	r.PeerCount = r.live.Len()
	r.SeedCount = seed
	r.HandshakingCount = hs
	r.DownloadCount = dl
	r.InterestedCount = interested
}

// RecalcDupReqs recomputes DupReqPieces from scratch: the count of piece
// indices requested from more than one live peer, unioned with pieces that
// are both live-requested and present in the pending registry (invariant
// 7 / invariant 5 of SPEC_FULL.md's testable properties).
func (r *PeerRegistry) RecalcDupReqs(pendingReg PendingRegistry) {
	counts := make(map[int]int)
	r.ForEachLive(func(p *Peer) bool {
		if p.state != StateSuccess {
			return true
		}
		for _, piece := range p.outQueue.Pieces() {
			counts[piece]++
		}
		return true
	})
	dup := 0
	seen := make(map[int]bool)
	for piece, n := range counts {
		if n > 1 {
			dup++
			seen[piece] = true
		}
	}
	if pendingReg != nil {
		for piece := range counts {
			if seen[piece] {
				continue
			}
			if pendingReg.Has(piece) {
				dup++
				seen[piece] = true
			}
		}
	}
	r.DupReqPieces = dup
}

// Paused reports whether Pause() has been called without a matching
// Resume().
func (r *PeerRegistry) Paused() bool { return r.paused }
