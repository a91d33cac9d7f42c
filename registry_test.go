package swarmcore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monjaro/dtorrent/internal/reqqueue"
)

func newTestRegistry(maxPeers int) (*PeerRegistry, *fakeContent, *fakeTracker) {
	cfg := &Config{MaxPeers: maxPeers}
	content := newFakeContent(16)
	tracker := newFakeTracker()
	selfAddr := PeerAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881}
	return NewPeerRegistry(cfg, content, tracker, newFakePendingRegistry(), &fakeConsole{}, selfAddr), content, tracker
}

// TestS1SelfConnect: an inbound connection claiming our own listen address
// is rejected with admitSelf and adjusts the tracker's peer count down.
func TestS1SelfConnect(t *testing.T) {
	r, _, tracker := newTestRegistry(10)
	addr := PeerAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881}

	_, code := r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: time.Now()})
	assert.Equal(t, admitSelf, code)
	assert.Equal(t, -1, tracker.peerDelta)
	assert.Equal(t, 0, r.LiveCount())
}

// TestNewPeerInitializesLastMessage: a freshly admitted peer must not look
// HardDeadInterval-silent to a keepalive scan that runs before it ever
// sends anything.
func TestNewPeerInitializesLastMessage(t *testing.T) {
	r, _, _ := newTestRegistry(10)
	now := time.Now()
	addr := PeerAddr{IP: net.ParseIP("10.0.0.9"), Port: 1}

	p, code := r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: now})
	require.Equal(t, admitOK, code)
	assert.False(t, p.NeedsEviction(now))
}

// TestS2DuplicateAdmission: a second NewPeer for an address already live is
// rejected with admitDuplicate, and the live set keeps exactly one entry.
func TestS2DuplicateAdmission(t *testing.T) {
	r, _, _ := newTestRegistry(10)
	addr := PeerAddr{IP: net.ParseIP("10.0.0.5"), Port: 6881}

	_, code1 := r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: time.Now()})
	require.Equal(t, admitOK, code1)

	_, code2 := r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: time.Now()})
	assert.Equal(t, admitDuplicate, code2)
	assert.Equal(t, 1, r.LiveCount())
}

func TestAdmissionFullRejectsBeyondMaxPeers(t *testing.T) {
	r, _, _ := newTestRegistry(1)
	_, code1 := r.NewPeer(NewPeerParams{
		Addr: PeerAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}, Inbound: true, Accepted: &fakeStream{}, Now: time.Now(),
	})
	require.Equal(t, admitOK, code1)

	_, code2 := r.NewPeer(NewPeerParams{
		Addr: PeerAddr{IP: net.ParseIP("10.0.0.2"), Port: 1}, Inbound: true, Accepted: &fakeStream{}, Now: time.Now(),
	})
	assert.Equal(t, admitFull, code2)
}

// TestS3Resurrection: a peer moved to the dead set with nonzero lifetime
// stats has those stats restored when the same address reconnects before
// the dead-set deadline.
func TestS3Resurrection(t *testing.T) {
	r, _, _ := newTestRegistry(10)
	addr := PeerAddr{IP: net.ParseIP("10.0.0.9"), Port: 6881}
	now := time.Now()

	p, code := r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: now})
	require.Equal(t, admitOK, code)
	p.totalUL = 12345
	p.totalDL = 67890
	p.lastActivity = now

	r.moveToDead(p, now)
	assert.Equal(t, 0, r.LiveCount())
	assert.Equal(t, 1, r.DeadCount())

	p2, code2 := r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: now.Add(time.Second)})
	require.Equal(t, admitOK, code2)
	assert.Equal(t, int64(12345), p2.totalUL)
	assert.Equal(t, int64(67890), p2.totalDL)
	assert.Equal(t, 0, r.DeadCount(), "resurrected peer is removed from the dead set")
}

func TestMoveToDeadFreesZeroStatPeers(t *testing.T) {
	r, _, _ := newTestRegistry(10)
	addr := PeerAddr{IP: net.ParseIP("10.0.0.10"), Port: 1}
	now := time.Now()
	p, _ := r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: now})

	r.moveToDead(p, now)
	assert.Equal(t, 0, r.DeadCount(), "a peer with no lifetime stats is freed, not kept dead")
}

func TestDeadSetEvictsExpiredEntries(t *testing.T) {
	r, _, tracker := newTestRegistry(10)
	tracker.interval = time.Minute
	addr := PeerAddr{IP: net.ParseIP("10.0.0.11"), Port: 1}
	now := time.Now()
	p, _ := r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: now})
	p.totalUL = 1
	p.lastActivity = now

	r.moveToDead(p, now)
	require.Equal(t, 1, r.DeadCount())

	later := now.Add(3 * time.Minute) // past 2*interval deadline
	found := r.findDeadByAddr(PeerAddr{IP: net.ParseIP("10.0.0.12"), Port: 1}, later)
	assert.False(t, found.Ok)
	assert.Equal(t, 0, r.DeadCount(), "expired dead entries are evicted during the scan")
}

func TestPeerCountRecomputedFromLiveSet(t *testing.T) {
	r, content, _ := newTestRegistry(10)
	now := time.Now()
	for i := 0; i < 3; i++ {
		addr := PeerAddr{IP: net.ParseIP("10.0.1." + string(rune('1'+i))), Port: 1}
		r.NewPeer(NewPeerParams{Addr: addr, Inbound: true, Accepted: &fakeStream{}, Now: now})
	}
	r.recomputeCounters()
	assert.Equal(t, r.LiveCount(), r.PeerCount, "invariant 4: PeerCount always matches the live set size")
	_ = content
}

func TestPromoteToHeadMovesPeerToFront(t *testing.T) {
	r, _, _ := newTestRegistry(10)
	now := time.Now()
	a, _ := r.NewPeer(NewPeerParams{Addr: PeerAddr{IP: net.ParseIP("10.0.2.1"), Port: 1}, Inbound: true, Accepted: &fakeStream{}, Now: now})
	_, _ = r.NewPeer(NewPeerParams{Addr: PeerAddr{IP: net.ParseIP("10.0.2.2"), Port: 1}, Inbound: true, Accepted: &fakeStream{}, Now: now})

	r.PromoteToHead(a)
	var front *Peer
	r.ForEachLive(func(p *Peer) bool {
		front = p
		return false
	})
	assert.True(t, front.SameAs(a))
}

func TestRecalcDupReqsCountsSharedPieces(t *testing.T) {
	r, _, _ := newTestRegistry(10)
	now := time.Now()
	a, _ := r.NewPeer(NewPeerParams{Addr: PeerAddr{IP: net.ParseIP("10.0.3.1"), Port: 1}, Inbound: true, Accepted: &fakeStream{}, Now: now})
	b, _ := r.NewPeer(NewPeerParams{Addr: PeerAddr{IP: net.ParseIP("10.0.3.2"), Port: 1}, Inbound: true, Accepted: &fakeStream{}, Now: now})
	a.state = StateSuccess
	b.state = StateSuccess
	a.outQueue.Push(reqqueue.Slice{Piece: 5})
	b.outQueue.Push(reqqueue.Slice{Piece: 5})

	r.RecalcDupReqs(newFakePendingRegistry())
	assert.Equal(t, 1, r.DupReqPieces)
}
