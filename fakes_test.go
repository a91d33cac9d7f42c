package swarmcore

import (
	"time"

	"github.com/monjaro/dtorrent/internal/pieceset"
	"github.com/monjaro/dtorrent/internal/reqqueue"
)

// fakeContent is a minimal, deterministic Content stand-in for tests.
type fakeContent struct {
	pieceCount  int
	pieceLength int
	have        pieceset.Set
	want        pieceset.Set
	seeding     bool
	full        bool
	seedTime    time.Duration
	diskBusy    bool
	caching     bool

	prefetched []int
	readErr    error
}

func newFakeContent(pieceCount int) *fakeContent {
	return &fakeContent{
		pieceCount:  pieceCount,
		pieceLength: 16384,
		have:        pieceset.New(),
		want:        pieceset.New(),
		seedTime:    300 * time.Second,
	}
}

func (c *fakeContent) PieceCount() int            { return c.pieceCount }
func (c *fakeContent) PieceLength() int           { return c.pieceLength }
func (c *fakeContent) LocalBitfield() pieceset.Set { return c.have }
func (c *fakeContent) WantFilter() pieceset.Set    { return c.want }
func (c *fakeContent) IsSeeding() bool             { return c.seeding }
func (c *fakeContent) IsFull() bool                { return c.full }
func (c *fakeContent) SeedTime() time.Duration     { return c.seedTime }
func (c *fakeContent) DiskBusy() bool              { return c.diskBusy }
func (c *fakeContent) CachingEnabled() bool        { return c.caching }
func (c *fakeContent) Prefetch(piece int, deadline time.Time) error {
	c.prefetched = append(c.prefetched, piece)
	return nil
}
func (c *fakeContent) ReadSlice(piece, offset, length int) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return make([]byte, length), nil
}

type fakeTracker struct {
	addrs     []PeerAddr
	interval  time.Duration
	quitting  bool
	peerDelta int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{interval: 30 * time.Minute}
}

func (t *fakeTracker) PopAddress() (PeerAddr, bool) {
	if len(t.addrs) == 0 {
		return PeerAddr{}, false
	}
	a := t.addrs[0]
	t.addrs = t.addrs[1:]
	return a, true
}
func (t *fakeTracker) AnnounceInterval() time.Duration { return t.interval }
func (t *fakeTracker) IsQuitting() bool                { return t.quitting }
func (t *fakeTracker) AdjustPeerCount(delta int)       { t.peerDelta += delta }

type fakeSelf struct {
	lastSend, lastRecv         time.Time
	lastSendSize, lastRecvSize int64
	upRate, downRate           int64
	lateUL, lateDL             time.Duration
}

func newFakeSelf() *fakeSelf {
	now := time.Now()
	return &fakeSelf{lastSend: now, lastRecv: now, lateUL: 2 * time.Second, lateDL: 2 * time.Second}
}

func (s *fakeSelf) LastSendTime() time.Time        { return s.lastSend }
func (s *fakeSelf) LastRecvTime() time.Time        { return s.lastRecv }
func (s *fakeSelf) LastSendSize() int64            { return s.lastSendSize }
func (s *fakeSelf) LastRecvSize() int64            { return s.lastRecvSize }
func (s *fakeSelf) NominalUploadRate() int64       { return s.upRate }
func (s *fakeSelf) NominalDownloadRate() int64     { return s.downRate }
func (s *fakeSelf) LateULBudget() time.Duration    { return s.lateUL }
func (s *fakeSelf) LateDLBudget() time.Duration    { return s.lateDL }
func (s *fakeSelf) StopDLTimer()                   {}
func (s *fakeSelf) StopULTimer()                   {}
func (s *fakeSelf) OntimeDL(ok bool)               {}
func (s *fakeSelf) OntimeUL(ok bool)               {}

type fakeConsole struct {
	warnings []string
}

func (c *fakeConsole) Warnf(format string, args ...interface{}) {
	c.warnings = append(c.warnings, format)
}
func (c *fakeConsole) Infof(format string, args ...interface{})  {}
func (c *fakeConsole) Debugf(format string, args ...interface{}) {}

type fakePendingRegistry struct {
	pieces map[int]struct{}
}

func newFakePendingRegistry() *fakePendingRegistry {
	return &fakePendingRegistry{pieces: make(map[int]struct{})}
}

func (r *fakePendingRegistry) Has(piece int) bool { _, ok := r.pieces[piece]; return ok }
func (r *fakePendingRegistry) Clear(piece int) bool {
	_, ok := r.pieces[piece]
	delete(r.pieces, piece)
	return ok
}
func (r *fakePendingRegistry) Add(piece int) { r.pieces[piece] = struct{}{} }
func (r *fakePendingRegistry) Len() int      { return len(r.pieces) }

// fakeStream is an in-memory Stream recording every send and letting tests
// script TryReadHandshake/TryReadMessage responses and send failures.
type fakeStream struct {
	sent   []string
	closed bool

	failSend string // if non-empty, the send method matching this tag fails

	handshakeToRead *WireHandshake
	handshakeErr    error
	messagesToRead  []WireMessage
	readErr         error
}

func (s *fakeStream) record(tag string) error {
	if s.failSend == tag {
		return errTest
	}
	s.sent = append(s.sent, tag)
	return nil
}

func (s *fakeStream) SendHandshake(infoHash, peerID [20]byte) error { return s.record("handshake") }
func (s *fakeStream) SendChoke() error                              { return s.record("choke") }
func (s *fakeStream) SendUnchoke() error                            { return s.record("unchoke") }
func (s *fakeStream) SendInterested() error                         { return s.record("interested") }
func (s *fakeStream) SendNotInterested() error                      { return s.record("not-interested") }
func (s *fakeStream) SendHave(piece int) error                      { return s.record("have") }
func (s *fakeStream) SendBitfield(bits []byte) error                { return s.record("bitfield") }
func (s *fakeStream) SendKeepAlive() error                          { return s.record("keepalive") }

func (s *fakeStream) SendRequest(sl reqqueue.Slice) error { return s.record("request") }
func (s *fakeStream) SendCancel(sl reqqueue.Slice) error  { return s.record("cancel") }
func (s *fakeStream) SendPiece(index, begin int, data []byte) error {
	return s.record("piece")
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func (s *fakeStream) TryReadHandshake() (WireHandshake, bool, error) {
	if s.readErr != nil {
		return WireHandshake{}, false, s.readErr
	}
	if s.handshakeErr != nil {
		return WireHandshake{}, false, s.handshakeErr
	}
	if s.handshakeToRead == nil {
		return WireHandshake{}, false, nil
	}
	h := *s.handshakeToRead
	s.handshakeToRead = nil
	return h, true, nil
}

func (s *fakeStream) TryReadMessage() (WireMessage, bool, error) {
	if s.readErr != nil {
		return WireMessage{}, false, s.readErr
	}
	if len(s.messagesToRead) == 0 {
		return WireMessage{}, false, nil
	}
	m := s.messagesToRead[0]
	s.messagesToRead = s.messagesToRead[1:]
	return m, true, nil
}

var errTest = errFakeSend{}

type errFakeSend struct{}

func (errFakeSend) Error() string { return "fake send failure" }
