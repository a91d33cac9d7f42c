package swarmcore

import (
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/missinggo/v2/bitmap"

	"github.com/monjaro/dtorrent/internal/pieceset"
	"github.com/monjaro/dtorrent/internal/reqqueue"
)

// ConnState is the ConnectionFSM's protocol state, per spec.md section 4.2.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateHandshake
	StateSuccess
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshake:
		return "HANDSHAKE"
	case StateSuccess:
		return "SUCCESS"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Peer is the logical counterpart described in spec.md section 3. Identity
// is the stable integer id, not pointer equality (Design Note 5) so that
// comparisons survive collection reshuffles.
type Peer struct {
	id       int64
	addr     PeerAddr
	outgoing bool
	conn     net.Conn
	stream   Stream
	state    ConnState

	remoteBitfield pieceset.Set

	outQueue *reqqueue.Queue // slices we've requested from this peer
	inQueue  *reqqueue.Queue // slices this peer requested from us

	bytesSent int64
	bytesRecv int64
	ulRate    float64 // instantaneous/EWMA upload rate to this peer
	dlRate    float64 // instantaneous/EWMA download rate from this peer

	lastMessage      time.Time
	lastUnchokeStart time.Time // zero if currently choked locally
	lastUnchokeTime  time.Time // set on every unchoke, never zeroed; choke-tenure tie-break

	localChoking     bool // we are choking them
	localInterested  bool // we are interested in them
	remoteChoking    bool // they are choking us
	remoteInterested bool // they are interested in us

	queuedHaves bitmap.Bitmap

	connectedWhileSeeding bool
	dontWantAgain         bool

	readyTag int64 // monotonic fairness tag set by the readiness loop

	standby bool // idle because no suitable piece is currently requestable

	isOptimistic bool // currently occupying the optimistic unchoke slot

	// needRead/needWrite are this tick's armed-interest flags, set by
	// ReadinessLoop.FillFDSet and consumed by its own service() step; the
	// idiomatic stand-in for an fd_set read/write bit per spec.md 4.3.
	needRead  bool
	needWrite bool

	// connResult carries the outcome of an in-flight non-blocking outbound
	// connect; readiness polling treats a ready (non-empty) channel as
	// "writable" for a CONNECTING peer, the idiomatic Go stand-in for an
	// fd_set write-interest bit firing.
	connResult chan error

	closed chansync.SetOnce

	createdAt    time.Time
	lastActivity time.Time // last time any stat changed; drives dead-set eviction

	// lifetime totals, preserved across resurrection.
	totalUL int64
	totalDL int64
}

// NominalDL is the peer's current download rate, used by Who_Can_Abandon
// and SelectUnchoke.
func (p *Peer) NominalDL() float64 { return p.dlRate }

// NominalUL is the peer's current upload rate.
func (p *Peer) NominalUL() float64 { return p.ulRate }

func (p *Peer) ID() int64          { return p.id }
func (p *Peer) Addr() PeerAddr     { return p.addr }
func (p *Peer) State() ConnState   { return p.state }
func (p *Peer) IsOutgoing() bool   { return p.outgoing }
func (p *Peer) IsClosed() bool     { return p.closed.IsSet() }
func (p *Peer) RemoteHas() pieceset.Set { return p.remoteBitfield }

// SameAs compares peers by stable id rather than pointer identity.
func (p *Peer) SameAs(other *Peer) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.id == other.id
}

// IsEmpty reports zero activity with this peer: no bytes exchanged either
// direction. Used by the optimistic-unchoke contest in ChokeScheduler.
func (p *Peer) IsEmpty() bool {
	return p.totalUL == 0 && p.totalDL == 0
}

// IsInterestingToUs reports whether the remote peer has at least one piece
// we still want.
func (p *Peer) IsInterestingToUs(want pieceset.Set) bool {
	return !p.remoteBitfield.And(want).IsEmpty()
}

// HasFullBitfield reports whether the peer has announced every piece
// (derives the registry's seed_count).
func (p *Peer) HasFullBitfield(numPieces int) bool {
	return p.remoteBitfield.Full(numPieces)
}

// unchokeTenure is how long the peer has been continuously locally-unchoked.
func (p *Peer) unchokeTenure(now time.Time) time.Duration {
	if p.lastUnchokeStart.IsZero() {
		return 0
	}
	return now.Sub(p.lastUnchokeStart)
}

// --- ConnectionFSM transitions -------------------------------------------

// transitionToFailed moves the peer to FAILED. It is idempotent: repeated
// calls after the first are no-ops, matching chansync.SetOnce semantics and
// spec.md's "terminal state FAILED is observable for one tick" rule.
func (p *Peer) transitionToFailed(reason string, console Console) {
	if p.closed.IsSet() {
		return
	}
	p.closed.Set()
	p.state = StateFailed
	if p.stream != nil {
		p.stream.Close()
	} else if p.conn != nil {
		p.conn.Close()
	}
	if console != nil {
		console.Debugf("peer %s closed: %s", p.addr, reason)
	}
}

// CloseConnection is the public entry point described in spec.md section
// 4.2: any I/O error, protocol violation, timeout, or policy close routes
// through here.
func (p *Peer) CloseConnection(reason string, console Console) {
	p.transitionToFailed(reason, console)
}

// advanceConnecting handles the CONNECTING state's readiness events: a
// writable socket means the non-blocking connect finished; sockErr, if
// non-nil, is the pending SO_ERROR.
func (p *Peer) advanceConnecting(writable, readable bool, sockErr error, handshake Handshake, console Console) status {
	if readable && !writable {
		p.CloseConnection("readable before connect completed", console)
		return statusFatal
	}
	if !writable {
		return statusOK
	}
	if sockErr != nil {
		p.CloseConnection("connect failed: "+sockErr.Error(), console)
		return statusFatal
	}
	if err := handshake.Send(p); err != nil {
		p.CloseConnection("handshake send failed: "+err.Error(), console)
		return statusFatal
	}
	p.state = StateHandshake
	p.lastMessage = time.Now()
	return statusOK
}

// advanceHandshake records a successfully accepted handshake.
func (p *Peer) advanceHandshake(ok bool, err error, console Console) status {
	if err != nil || !ok {
		msg := "malformed handshake"
		if err != nil {
			msg = err.Error()
		}
		p.CloseConnection(msg, console)
		return statusFatal
	}
	p.state = StateSuccess
	p.lastMessage = time.Now()
	p.lastActivity = p.lastMessage
	return statusOK
}

// Handshake bundles the two pieces of data needed to send a handshake
// without the Peer depending on the torrent's identity directly.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) Send(p *Peer) error {
	if p.stream == nil {
		return nil
	}
	return p.stream.SendHandshake(h.InfoHash, h.PeerID)
}
