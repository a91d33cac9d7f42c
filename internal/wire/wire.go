// Package wire implements the per-peer wire codec collaborator: BitTorrent
// v1 peer-wire handshake framing and message encode/decode for CHOKE,
// UNCHOKE, INTERESTED, NOT_INTERESTED, HAVE, BITFIELD, REQUEST, PIECE and
// CANCEL. The core treats this as the opaque "Stream" collaborator named in
// the specification; callers never block on it for longer than the
// underlying non-blocking socket allows.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const Pstr = "BitTorrent protocol"

// MessageID identifies the kind of a peer-wire message, following the
// BitTorrent v1 wire protocol's message IDs.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

// Message is a single length-prefixed peer-wire protocol message. KeepAlive
// set denotes a zero-length keepalive; ID and Payload are then unused.
type Message struct {
	KeepAlive bool
	ID        MessageID
	Payload   []byte
}

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 49+len(Pstr))
	buf[0] = byte(len(Pstr))
	copy(buf[1:], Pstr)
	copy(buf[1+len(Pstr):], h.Reserved[:])
	copy(buf[1+len(Pstr)+8:], h.InfoHash[:])
	copy(buf[1+len(Pstr)+8+20:], h.PeerID[:])
	return buf, nil
}

var ErrMalformedHandshake = errors.New("wire: malformed handshake")

// ReadHandshake reads exactly one handshake from r. Callers are responsible
// for ensuring r only blocks within the core's own non-blocking I/O budget.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(lenBuf[0])
	if pstrlen == 0 || pstrlen > 255 {
		return Handshake{}, ErrMalformedHandshake
	}
	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}
	var h Handshake
	copy(h.Reserved[:], rest[pstrlen:pstrlen+8])
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+28])
	copy(h.PeerID[:], rest[pstrlen+28:pstrlen+48])
	return h, nil
}

// WriteHandshake writes the handshake to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	b, _ := h.MarshalBinary()
	_, err := w.Write(b)
	return err
}

// Encode serializes a message into the length-prefixed wire form.
func Encode(m Message) []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

var ErrMessageTooLarge = errors.New("wire: message exceeds maximum length")

const maxMessageLength = 1 << 20 // generous bound on a single REQUEST/PIECE slice message

// ReadMessage reads one message (or keepalive) from r.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	if length > maxMessageLength {
		return Message{}, ErrMessageTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// HaveMessage builds a HAVE message announcing a piece index.
func HaveMessage(piece int) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(piece))
	return Message{ID: Have, Payload: p}
}

// BitfieldMessage builds a BITFIELD message from the raw bytes of the
// bitfield.
func BitfieldMessage(bits []byte) Message {
	return Message{ID: Bitfield, Payload: bits}
}

// RequestPayload is the (index, begin, length) triple shared by REQUEST and
// CANCEL messages.
type RequestPayload struct {
	Index  int
	Begin  int
	Length int
}

func RequestMessage(id MessageID, rp RequestPayload) Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(rp.Index))
	binary.BigEndian.PutUint32(p[4:8], uint32(rp.Begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(rp.Length))
	return Message{ID: id, Payload: p}
}

func ParseRequestPayload(m Message) (RequestPayload, error) {
	if len(m.Payload) < 12 {
		return RequestPayload{}, fmt.Errorf("wire: short request payload (%d bytes)", len(m.Payload))
	}
	return RequestPayload{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

func ParseHavePayload(m Message) (int, error) {
	if len(m.Payload) < 4 {
		return 0, fmt.Errorf("wire: short have payload (%d bytes)", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload[0:4])), nil
}
