package swarmcore

import (
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/monjaro/dtorrent/internal/pieceset"
	"github.com/monjaro/dtorrent/internal/reqqueue"
	"github.com/monjaro/dtorrent/internal/wire"
)

// ReadinessLoop implements spec.md 4.3: the per-tick IntervalCheck/FillFDSet
// walk. It owns no sockets itself; it drives the registry, scheduler,
// selector, and governor through one cooperative pass per tick.
type ReadinessLoop struct {
	cfg      *Config
	content  Content
	tracker  Tracker
	self     SelfAccounting
	console  Console
	registry *PeerRegistry
	choke    *ChokeScheduler
	selector *PieceSelector
	bw       *BandwidthGovernor
	listener *ListenAcceptor
	conn     connecter
	pending  PendingRegistry
	want     func() pieceset.Set

	handshake Handshake

	lastKeepalive   time.Time
	lastUnchokeScan time.Time
	lastOptRotation time.Time

	// metrics is optional; nil means no Prometheus collectors are wired.
	metrics *Metrics

	// upWait/downWait hold peers deferred by a bandwidth limit this tick,
	// per spec.md 4.8; WaitBW's ontime flags drain them fairly.
	upWait   *WaitQueue
	downWait *WaitQueue

	// prefetchSem bounds concurrent prefetch issuance to cache_size slots,
	// implementing SPEC_FULL.md 4.10's bounded disk-prefetch wiring.
	prefetchSem *semaphore.Weighted
}

func NewReadinessLoop(cfg *Config, content Content, tracker Tracker, self SelfAccounting, console Console, registry *PeerRegistry, choke *ChokeScheduler, selector *PieceSelector, bw *BandwidthGovernor, listener *ListenAcceptor, conn connecter, pendingReg PendingRegistry, handshake Handshake) *ReadinessLoop {
	cacheSlots := int64(cfg.CacheSize)
	if cacheSlots <= 0 {
		cacheSlots = 1
	}
	return &ReadinessLoop{
		cfg:         cfg,
		content:     content,
		tracker:     tracker,
		self:        self,
		console:     console,
		registry:    registry,
		choke:       choke,
		selector:    selector,
		bw:          bw,
		listener:    listener,
		conn:        conn,
		pending:     pendingReg,
		handshake:   handshake,
		upWait:      NewWaitQueue(),
		downWait:    NewWaitQueue(),
		prefetchSem: semaphore.NewWeighted(cacheSlots),
	}
}

// IntervalCheck runs once per tick, per spec.md 4.3. want returns the
// current want-filter, consulted by the endgame-entry check.
func (rl *ReadinessLoop) IntervalCheck(now time.Time, want func() pieceset.Set) {
	rl.want = want

	for rl.registry.PeerCount < rl.cfg.MaxPeers && !rl.tracker.IsQuitting() {
		addr, ok := rl.tracker.PopAddress()
		if !ok {
			break
		}
		rl.registry.NewPeer(NewPeerParams{Addr: addr, Now: now, Conn: rl.conn})
	}

	limitedUp := rl.bw != nil && rl.bw.nextSafe(Up, now).After(now)
	limitedDown := rl.bw != nil && rl.bw.nextSafe(Down, now).After(now)

	if rl.bw != nil {
		wait := rl.bw.WaitBW(now)
		if wait.OntimeUL {
			if p := rl.upWait.Peers(); len(p) > 0 {
				rl.upWait.Dequeue(p[0])
				rl.registry.PromoteToHead(p[0])
			}
		}
		if wait.OntimeDL {
			if p := rl.downWait.Peers(); len(p) > 0 {
				rl.downWait.Dequeue(p[0])
				rl.registry.PromoteToHead(p[0])
			}
		}
	}

	if rl.content.IsSeeding() {
		numPieces := rl.content.PieceCount()
		rl.registry.ForEachLive(func(p *Peer) bool {
			if p.state == StateSuccess && p.connectedWhileSeeding && p.HasFullBitfield(numPieces) &&
				now.Sub(p.createdAt) >= rl.content.SeedTime() {
				p.CloseConnection("seed-to-seed connection timed out", rl.console)
			}
			return true
		})
	}

	keepaliveScan := rl.lastKeepalive.IsZero() || now.Sub(rl.lastKeepalive) >= KeepaliveInterval
	if keepaliveScan {
		rl.lastKeepalive = now
	}

	unchokeScan := !rl.registry.Paused() &&
		(rl.lastUnchokeScan.IsZero() || now.Sub(rl.lastUnchokeScan) >= rl.choke.UnchokeInterval())
	if unchokeScan {
		rl.lastUnchokeScan = now
	}

	optRotation := !rl.registry.Paused() && rl.choke.OptInterval() > 0 &&
		(rl.lastOptRotation.IsZero() || now.Sub(rl.lastOptRotation) >= rl.choke.OptInterval())
	if optRotation {
		rl.lastOptRotation = now
		rl.choke.RotateOptimistic(now)
	}

	rl.FillFDSet(now, keepaliveScan, unchokeScan, limitedUp, limitedDown)
}

// FillFDSet is the per-tick walk described in spec.md 4.3.
func (rl *ReadinessLoop) FillFDSet(now time.Time, keepaliveScan, unchokeScan, limitedUp, limitedDown bool) {
	if unchokeScan {
		rl.choke.BeginScan()
	}

	for rl.walkOnce(now, keepaliveScan, unchokeScan, limitedUp, limitedDown) {
		// limits flipped mid-walk; re-run from the top (spec.md 4.3 step 2).
	}

	if rl.registry.PeerCount < rl.cfg.MaxPeers && !rl.tracker.IsQuitting() {
		if conn, err := rl.listener.TryAccept(); err == nil && conn != nil {
			addr := PeerAddr{}
			if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
				addr = PeerAddr{IP: tcp.IP, Port: uint16(tcp.Port)}
			}
			rl.registry.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: NewWireStream(conn), Now: now})
		}
	}

	if unchokeScan {
		unchoked, choked := rl.choke.EndScan(now)
		if rl.metrics != nil {
			rl.metrics.RecordChokeEvents(unchoked, choked)
		}

		currentlyUnchoked := 0
		rl.registry.ForEachLive(func(p *Peer) bool {
			if p.state == StateSuccess && !p.localChoking {
				currentlyUnchoked++
			}
			return true
		})
		rl.choke.MaybeGrowMaxUnchoke(currentlyUnchoked)
	}
}

// SetMetrics attaches the optional Prometheus collector set.
func (rl *ReadinessLoop) SetMetrics(m *Metrics) { rl.metrics = m }

// walkOnce performs a single pass over the live set, returning true if
// arming a peer's interest pushed a limit flag over a threshold and the
// walk should re-run from the top (spec.md 4.3 step 2). This rendering
// treats the flip condition conservatively: bandwidth limits are recomputed
// from the Self collaborator (owned outside this package) rather than
// mutated by this loop, so a single pass always suffices; walkOnce always
// returns false, and the loop above is kept so a future local accounting
// scheme can re-introduce the re-scan without changing callers.
func (rl *ReadinessLoop) walkOnce(now time.Time, keepaliveScan, unchokeScan, limitedUp, limitedDown bool) bool {
	var toRemove []*Peer

	rl.registry.ForEachLive(func(p *Peer) bool {
		if p.state == StateFailed {
			toRemove = append(toRemove, p)
			return true
		}

		rl.pollConnection(p, now)

		if keepaliveScan && p.state != StateFailed {
			if p.NeedsEviction(now) {
				p.CloseConnection("keepalive timeout", rl.console)
				return true
			}
			if p.NeedsHealthCheck(now) {
				p.AreYouOK(rl.console)
			}
		}
		if p.state != StateSuccess {
			return true
		}

		if unchokeScan {
			if p.remoteInterested && rl.hasDataFor(p) {
				rl.choke.Consider(p, now)
			} else if !p.localChoking {
				if st := sendGuarded(p, rl.console, "choke send failed", p.stream.SendChoke); !st.fatal() {
					p.localChoking = true
				}
			}
		}

		p.needRead = rl.needRead(p, limitedDown)
		p.needWrite = rl.needWrite(p, limitedUp)

		if rl.content.CachingEnabled() && !rl.registry.Paused() && rl.bw.IsIdle(now, rl.content.DiskBusy()) {
			rl.maybePrefetch(p, now)
		}

		rl.service(p, now)
		return true
	})

	for _, p := range toRemove {
		rl.registry.moveToDead(p, now)
	}
	rl.registry.recomputeCounters()
	if rl.selector != nil && rl.want != nil {
		rl.selector.Endgame(rl.want())
	}
	return false
}

// pollConnection advances a CONNECTING peer's non-blocking connect and a
// HANDSHAKE peer's inbound handshake read.
func (rl *ReadinessLoop) pollConnection(p *Peer, now time.Time) {
	switch p.state {
	case StateConnecting:
		writable, sockErr := p.pollConnect()
		p.advanceConnecting(writable, false, sockErr, rl.handshake, rl.console)
	case StateHandshake:
		if p.stream == nil {
			return
		}
		_, ok, err := p.stream.TryReadHandshake()
		if err != nil {
			p.advanceHandshake(false, err, rl.console)
			return
		}
		if !ok {
			return
		}
		p.advanceHandshake(true, nil, rl.console)
	}
}

func (rl *ReadinessLoop) hasDataFor(p *Peer) bool {
	return !rl.content.LocalBitfield().AndNot(p.remoteBitfield).IsEmpty()
}

// needRead reports whether read interest should be armed this tick: always
// for peers still negotiating, and for SUCCESS peers unless the download
// direction is limited (spec.md 4.3's `NeedRead(limited_down)`).
func (rl *ReadinessLoop) needRead(p *Peer, limitedDown bool) bool {
	if p.state != StateSuccess {
		return true
	}
	if limitedDown {
		rl.downWait.Enqueue(p)
		return false
	}
	rl.downWait.Dequeue(p)
	return true
}

// needWrite reports whether write interest should be armed: always while
// still negotiating, and for SUCCESS peers with queued requests in either
// direction or that we are not choking, unless the upload direction is
// limited.
func (rl *ReadinessLoop) needWrite(p *Peer, limitedUp bool) bool {
	if p.state != StateSuccess {
		return true
	}
	if limitedUp {
		rl.upWait.Enqueue(p)
		return false
	}
	rl.upWait.Dequeue(p)
	return !p.outQueue.IsEmpty() || !p.inQueue.IsEmpty() || !p.localChoking
}

// maybePrefetch issues a bounded-concurrency prefetch for the peer's next
// wanted piece, deadlined to the next unchoke boundary.
func (rl *ReadinessLoop) maybePrefetch(p *Peer, now time.Time) {
	pieces := p.outQueue.Pieces()
	if len(pieces) == 0 {
		return
	}
	if !rl.prefetchSem.TryAcquire(1) {
		return
	}
	deadline := now.Add(rl.choke.UnchokeInterval())
	go func(piece int) {
		defer rl.prefetchSem.Release(1)
		_ = rl.content.Prefetch(piece, deadline)
	}(pieces[0])
}

// service performs the armed read/write for one peer: one TryReadMessage if
// read was armed, and one queued-request flush if write was armed. Any wire
// failure closes the peer. A peer that services I/O is promoted to the head
// of the live set (spec.md 5's fairness rule).
func (rl *ReadinessLoop) service(p *Peer, now time.Time) {
	serviced := false

	if p.needRead {
		m, ok, err := p.stream.TryReadMessage()
		if err != nil {
			p.CloseConnection("read failed: "+err.Error(), rl.console)
			return
		}
		if ok {
			p.lastMessage = now
			p.lastActivity = now
			serviced = true
			rl.dispatch(p, m)
		}
	}

	if p.needWrite {
		if sl, ok := p.outQueue.First(); ok {
			if st := sendGuarded(p, rl.console, "request send failed", func() error { return p.stream.SendRequest(sl) }); !st.fatal() {
				serviced = true
			}
		}
		if sl, ok := p.inQueue.First(); ok && !p.localChoking {
			if rl.serviceUpload(p, sl) {
				serviced = true
			}
		}
	}

	if serviced {
		rl.registry.PromoteToHead(p)
	}
}

// serviceUpload sends the earliest-queued upload slice a peer requested
// from us, driving the adaptive max_unchoke policy's send accounting
// (spec.md 4.4). A disk read failure or a fatal send both count as a
// missed send rather than a completed upload.
func (rl *ReadinessLoop) serviceUpload(p *Peer, sl reqqueue.Slice) bool {
	data, err := rl.content.ReadSlice(sl.Piece, sl.Offset, sl.Length)
	if err != nil {
		rl.choke.RecordSend(false)
		return false
	}
	if st := sendGuarded(p, rl.console, "piece send failed", func() error {
		return p.stream.SendPiece(sl.Piece, sl.Offset, data)
	}); st.fatal() {
		rl.choke.RecordSend(false)
		return false
	}
	p.inQueue.Cancel(sl)
	p.bytesSent += int64(len(data))
	rl.choke.RecordSend(true)
	return true
}

// dispatch applies the minimal peer-state effects of an inbound message
// relevant to the core's own bookkeeping (choke/interest flags, the
// upload-side inQueue); piece payload delivery for PIECE/HAVE/BITFIELD is
// the Content collaborator's concern and out of scope here.
func (rl *ReadinessLoop) dispatch(p *Peer, m WireMessage) {
	if m.KeepAlive {
		return
	}
	switch m.ID {
	case int(wire.Choke):
		p.remoteChoking = true
	case int(wire.Unchoke):
		p.remoteChoking = false
	case int(wire.Interested):
		p.remoteInterested = true
	case int(wire.NotInterested):
		p.remoteInterested = false
	case int(wire.Request):
		if rp, err := wire.ParseRequestPayload(wire.Message{Payload: m.Payload}); err == nil {
			p.inQueue.Push(reqqueue.Slice{Piece: rp.Index, Offset: rp.Begin, Length: rp.Length})
		}
	case int(wire.Cancel):
		if rp, err := wire.ParseRequestPayload(wire.Message{Payload: m.Payload}); err == nil {
			p.inQueue.Cancel(reqqueue.Slice{Piece: rp.Index, Offset: rp.Begin, Length: rp.Length})
		}
	}
}
