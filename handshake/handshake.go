// Package handshake implements the fixed 68-byte exchange that opens
// every peer connection.
package handshake

import (
	"fmt"
	"io"
)

// Wire layout, in order:
//   - 1 byte protocol string length (19)
//   - 19 bytes protocol string ("BitTorrent protocol")
//   - 8 reserved bytes (zero, no extensions)
//   - 20 bytes info hash
//   - 20 bytes peer id
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

const (
	protocol = "BitTorrent protocol"
	Length   = 68
)

// Error reports a malformed or mismatched inbound handshake.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return "handshake: " + e.Msg
}

func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, Length)
	buf[0] = byte(len(protocol))
	curr := 1
	curr += copy(buf[curr:], protocol)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// Read consumes exactly 68 bytes from r and validates the protocol
// string. The info hash is the caller's to verify.
func Read(r io.Reader) (*Handshake, error) {
	buf := make([]byte, Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &Error{Msg: fmt.Sprintf("short read: %v", err)}
	}
	if int(buf[0]) != len(protocol) {
		return nil, &Error{Msg: fmt.Sprintf("protocol string length is %d, want %d", buf[0], len(protocol))}
	}
	if string(buf[1:1+len(protocol)]) != protocol {
		return nil, &Error{Msg: fmt.Sprintf("unknown protocol %q", buf[1:1+len(protocol)])}
	}

	h := &Handshake{}
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
