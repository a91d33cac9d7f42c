package swarmcore

import (
	"net"
	"time"

	"github.com/monjaro/dtorrent/internal/pieceset"
	"github.com/monjaro/dtorrent/internal/reqqueue"
)

// Content is the out-of-scope piece-store collaborator: it exposes piece
// geometry, the local bitfield, the want-filter, and seeding/disk hints.
// The core never mutates it.
type Content interface {
	PieceCount() int
	PieceLength() int
	LocalBitfield() pieceset.Set
	WantFilter() pieceset.Set
	IsSeeding() bool
	IsFull() bool
	// SeedTime is the duration after which a seed-to-seed connection is
	// policy-closed (spec.md's seed_time = 300s).
	SeedTime() time.Duration
	// DiskBusy reports whether a disk write/verify is in flight, consulted
	// by IdleState/IsIdle.
	DiskBusy() bool
	// CachingEnabled reports whether read-ahead prefetch is configured.
	CachingEnabled() bool
	// Prefetch issues an asynchronous read-ahead for piece, to be satisfied
	// by deadline; it must not block the calling tick.
	Prefetch(piece int, deadline time.Time) error
	// ReadSlice returns the on-disk bytes backing one upload slice, serving
	// a peer's queued REQUEST with a PIECE reply.
	ReadSlice(piece, offset, length int) ([]byte, error)
}

// Tracker is the out-of-scope tracker collaborator: a FIFO of discovered
// addresses, the announce interval, a quitting flag, and a peer-count
// callback.
type Tracker interface {
	// PopAddress removes and returns the next queued peer address, if any.
	PopAddress() (PeerAddr, bool)
	AnnounceInterval() time.Duration
	IsQuitting() bool
	AdjustPeerCount(delta int)
}

// SelfAccounting is the out-of-scope I/O-accounting collaborator consumed by
// the BandwidthGovernor.
type SelfAccounting interface {
	LastSendTime() time.Time
	LastRecvTime() time.Time
	LastSendSize() int64
	LastRecvSize() int64
	NominalUploadRate() int64   // bytes/sec, 0 = unlimited
	NominalDownloadRate() int64 // bytes/sec, 0 = unlimited
	LateULBudget() time.Duration
	LateDLBudget() time.Duration
	StopDLTimer()
	StopULTimer()
	OntimeDL(bool)
	OntimeUL(bool)
}

// Console is the out-of-scope logging collaborator. DefaultConsole backs it
// with anacrolix/log, matching the ambient logging style of the teacher
// codebase.
type Console interface {
	Warnf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Config is the read-only (except Pause) configuration surface named in
// spec.md section 6.
type Config struct {
	MaxPeers         int
	MaxBandwidthUp   int64 // bytes/sec, 0 = unlimited
	MaxBandwidthDown int64
	ReqSliceSize     int
	CacheSize        int
	DefaultPort      int
	ListenIP         net.IP
	ListenPort       int
	Verbose          bool
	Pause            bool
}

// Stream is the out-of-scope per-peer wire codec collaborator.
type Stream interface {
	SendHandshake(infoHash, peerID [20]byte) error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(piece int) error
	SendBitfield(bits []byte) error
	SendRequest(reqqueue.Slice) error
	SendCancel(reqqueue.Slice) error
	SendPiece(index, begin int, data []byte) error
	SendKeepAlive() error

	// TryReadHandshake and TryReadMessage are the non-blocking read side:
	// each sets a short deadline before reading, the same trick
	// ListenAcceptor.TryAccept uses for inbound connections, so a tick's
	// read-arming never stalls on a peer with nothing to say. ok is false
	// and err is nil when the deadline elapsed with nothing to read.
	TryReadHandshake() (h WireHandshake, ok bool, err error)
	TryReadMessage() (m WireMessage, ok bool, err error)

	Close() error
}

// WireHandshake and WireMessage mirror internal/wire's types at the
// collaborator boundary so callers outside this package never import
// internal/wire directly.
type WireHandshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

type WireMessage struct {
	KeepAlive bool
	ID        int
	Payload   []byte
}

// PendingRegistry is the out-of-scope pending-piece registry collaborator:
// pieces that have completed downloading but are still awaiting a disk
// write, consulted by CancelOneRequest.
type PendingRegistry interface {
	Has(piece int) bool
	Clear(piece int) bool
	Add(piece int)
	Len() int
}
