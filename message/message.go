// Package message implements the length-prefixed peer wire messages
// exchanged after the handshake.
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

type ID uint8

// Message ids per the wire protocol. A zero-length frame is a
// keep-alive and carries no id at all.
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

// Frames larger than this are treated as a protocol violation; no
// legitimate message comes close (blocks are at most 16 KiB).
const maxLength = 1 << 20

// ProtocolError reports a frame that violates the wire protocol.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Msg
}

// Message is one wire frame: <4-byte length><1-byte id><payload>.
// A nil *Message stands for a keep-alive.
type Message struct {
	ID      ID
	Payload []byte
}

// NewRequest asks for length bytes of piece index starting at begin.
func NewRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Payload: indexBeginLength(index, begin, length)}
}

// NewCancel revokes the identically shaped request.
func NewCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Payload: indexBeginLength(index, begin, length)}
}

func indexBeginLength(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

func NewHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: Have, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(msg *Message) (uint32, error) {
	if msg == nil || msg.ID != Have {
		return 0, &ProtocolError{Msg: "not a have message"}
	}
	if len(msg.Payload) != 4 {
		return 0, &ProtocolError{Msg: fmt.Sprintf("have payload is %d bytes, want 4", len(msg.Payload))}
	}
	return binary.BigEndian.Uint32(msg.Payload), nil
}

// ParsePiece splits a piece message into its index, begin offset and
// raw block bytes.
func ParsePiece(msg *Message) (index, begin uint32, block []byte, err error) {
	if msg == nil || msg.ID != Piece {
		return 0, 0, nil, &ProtocolError{Msg: "not a piece message"}
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, &ProtocolError{Msg: fmt.Sprintf("piece payload is %d bytes, want at least 8", len(msg.Payload))}
	}
	index = binary.BigEndian.Uint32(msg.Payload[0:4])
	begin = binary.BigEndian.Uint32(msg.Payload[4:8])
	return index, begin, msg.Payload[8:], nil
}

// Serialize frames the message. A nil message serializes to the
// 4-byte keep-alive.
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Read consumes one frame from r. Keep-alives come back as
// (nil, nil) and are for the caller to ignore.
func Read(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, nil
	}
	if length > maxLength {
		return nil, &ProtocolError{Msg: fmt.Sprintf("frame length %d exceeds limit", length)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Message{ID: ID(payload[0]), Payload: payload[1:]}, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown(%d)", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}
	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
