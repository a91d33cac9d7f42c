package swarmcore

import (
	"net"
	"time"

	"github.com/monjaro/dtorrent/internal/reqqueue"
	"github.com/monjaro/dtorrent/internal/wire"
)

// readPollBudget bounds how long a single TryRead* call may block the tick,
// the read-side analogue of ListenAcceptor.TryAccept's accept deadline.
const readPollBudget = time.Millisecond

// wireStream adapts internal/wire's codec to the Stream collaborator
// interface over a net.Conn.
type wireStream struct {
	conn net.Conn
}

func NewWireStream(conn net.Conn) Stream {
	return &wireStream{conn: conn}
}

func (s *wireStream) SendHandshake(infoHash, peerID [20]byte) error {
	return wire.WriteHandshake(s.conn, wire.Handshake{InfoHash: infoHash, PeerID: peerID})
}

func (s *wireStream) send(m wire.Message) error {
	_, err := s.conn.Write(wire.Encode(m))
	return err
}

func (s *wireStream) SendChoke() error         { return s.send(wire.Message{ID: wire.Choke}) }
func (s *wireStream) SendUnchoke() error       { return s.send(wire.Message{ID: wire.Unchoke}) }
func (s *wireStream) SendInterested() error    { return s.send(wire.Message{ID: wire.Interested}) }
func (s *wireStream) SendNotInterested() error { return s.send(wire.Message{ID: wire.NotInterested}) }
func (s *wireStream) SendKeepAlive() error     { return s.send(wire.Message{KeepAlive: true}) }

func (s *wireStream) SendHave(piece int) error {
	return s.send(wire.HaveMessage(piece))
}

func (s *wireStream) SendBitfield(bits []byte) error {
	return s.send(wire.BitfieldMessage(bits))
}

func (s *wireStream) SendRequest(sl reqqueue.Slice) error {
	return s.send(wire.RequestMessage(wire.Request, wire.RequestPayload{Index: sl.Piece, Begin: sl.Offset, Length: sl.Length}))
}

func (s *wireStream) SendCancel(sl reqqueue.Slice) error {
	return s.send(wire.RequestMessage(wire.Cancel, wire.RequestPayload{Index: sl.Piece, Begin: sl.Offset, Length: sl.Length}))
}

func (s *wireStream) SendPiece(index, begin int, data []byte) error {
	payload := make([]byte, 8+len(data))
	putUint32 := func(b []byte, v int) {
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
	}
	putUint32(payload[0:4], index)
	putUint32(payload[4:8], begin)
	copy(payload[8:], data)
	return s.send(wire.Message{ID: wire.Piece, Payload: payload})
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// TryReadHandshake performs one non-blocking attempt to read the fixed
// handshake frame.
func (s *wireStream) TryReadHandshake() (WireHandshake, bool, error) {
	s.conn.SetReadDeadline(time.Now().Add(readPollBudget))
	h, err := wire.ReadHandshake(s.conn)
	if err != nil {
		if isTimeout(err) {
			return WireHandshake{}, false, nil
		}
		return WireHandshake{}, false, err
	}
	return WireHandshake{InfoHash: h.InfoHash, PeerID: h.PeerID}, true, nil
}

// TryReadMessage performs one non-blocking attempt to read the next
// peer-wire message.
func (s *wireStream) TryReadMessage() (WireMessage, bool, error) {
	s.conn.SetReadDeadline(time.Now().Add(readPollBudget))
	m, err := wire.ReadMessage(s.conn)
	if err != nil {
		if isTimeout(err) {
			return WireMessage{}, false, nil
		}
		return WireMessage{}, false, err
	}
	return WireMessage{KeepAlive: m.KeepAlive, ID: int(m.ID), Payload: m.Payload}, true, nil
}

func (s *wireStream) Close() error {
	return s.conn.Close()
}
