// Package session drives the wire protocol over one peer connection:
// dial, handshake, then length-prefixed messages. A session supports
// a single outstanding block request at a time; the caller awaits the
// response before issuing the next one.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"riptide/bitfield"
	"riptide/handshake"
	"riptide/message"
	"riptide/peer"
)

// State of the session lifecycle. Closed is terminal.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	HandshakeSent
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case HandshakeSent:
		return "handshake-sent"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config bounds every blocking operation of a session.
type Config struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

type pendingRequest struct {
	index  uint32
	begin  uint32
	length uint32
}

// Session is the protocol state for one peer connection. Both sides
// start out choking and not interested. Operations on a session are
// serialized by the caller; Close is the one exception and may be
// called from another goroutine to unblock a read in progress.
type Session struct {
	addr     peer.Addr
	infoHash [20]byte
	localID  [20]byte
	remoteID [20]byte
	haveID   bool

	mu    sync.Mutex // guards conn and state against a concurrent Close
	conn  net.Conn
	state State
	cfg   Config

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	pieces  bitfield.Bitfield
	pending *pendingRequest
}

// New prepares a disconnected session for the given peer. numPieces
// sizes the availability bitfield.
func New(addr peer.Addr, infoHash, localID [20]byte, numPieces int, cfg Config) *Session {
	return &Session{
		addr:        addr,
		infoHash:    infoHash,
		localID:     localID,
		state:       Disconnected,
		cfg:         cfg,
		AmChoking:   true,
		PeerChoking: true,
		pieces:      bitfield.New(numPieces),
	}
}

func (s *Session) Addr() peer.Addr {
	return s.addr
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// guarded returns the live connection after checking the session is
// in the wanted state.
func (s *Session) guarded(want State, op string) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return nil, fmt.Errorf("session %s: %s in state %s", s.addr, op, s.state)
	}
	return s.conn, nil
}

// RemotePeerID returns the peer id read during the handshake.
func (s *Session) RemotePeerID() ([20]byte, bool) {
	return s.remoteID, s.haveID
}

// Has reports whether the peer advertised the given piece.
func (s *Session) Has(index int) bool {
	return s.pieces.HasPiece(index)
}

// Connect dials the peer. On failure the session moves to Closed and
// holds no socket.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		defer s.mu.Unlock()
		return fmt.Errorf("session %s: connect in state %s", s.addr, s.state)
	}
	s.state = Connecting
	s.mu.Unlock()

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr.String())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Closed
		return fmt.Errorf("session %s: %w", s.addr, err)
	}
	if s.state == Closed {
		// closed while dialing
		conn.Close()
		return fmt.Errorf("session %s: closed during connect", s.addr)
	}
	s.conn = conn
	s.state = Connected
	return nil
}

// Handshake sends our 68-byte handshake and validates the reply. The
// peer's info hash must equal ours; its peer id is recorded but not
// checked against anything. Any failure closes the session.
func (s *Session) Handshake() error {
	conn, err := s.guarded(Connected, "handshake")
	if err != nil {
		return err
	}
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(handshake.New(s.infoHash, s.localID).Serialize()); err != nil {
		s.Close()
		return fmt.Errorf("session %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.state = HandshakeSent
	s.mu.Unlock()

	reply, err := handshake.Read(conn)
	if err != nil {
		s.Close()
		return fmt.Errorf("session %s: %w", s.addr, err)
	}
	if reply.InfoHash != s.infoHash {
		s.Close()
		return fmt.Errorf("session %s: %w", s.addr,
			&handshake.Error{Msg: fmt.Sprintf("info hash %x does not match ours %x", reply.InfoHash, s.infoHash)})
	}
	s.remoteID = reply.PeerID
	s.haveID = true
	s.mu.Lock()
	if s.state == HandshakeSent {
		s.state = Established
	}
	s.mu.Unlock()
	return nil
}

// Receive reads one frame within the read timeout and folds
// choke/interest/availability messages into the session state before
// returning the frame. Keep-alives come back as (nil, nil). A timeout
// fails only the read; closing remains the caller's decision.
func (s *Session) Receive() (*message.Message, error) {
	conn, err := s.guarded(Established, "receive")
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	msg, err := message.Read(conn)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.addr, err)
	}
	if msg == nil {
		return nil, nil
	}

	switch msg.ID {
	case message.Choke:
		s.PeerChoking = true
	case message.Unchoke:
		s.PeerChoking = false
	case message.Interested:
		s.PeerInterested = true
	case message.NotInterested:
		s.PeerInterested = false
	case message.Have:
		index, err := message.ParseHave(msg)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.addr, err)
		}
		s.pieces.SetPiece(int(index))
	case message.Bitfield:
		for i := 0; i < len(msg.Payload)*8; i++ {
			if bitfield.Bitfield(msg.Payload).HasPiece(i) {
				s.pieces.SetPiece(i)
			}
		}
	}
	return msg, nil
}

func (s *Session) send(msg *message.Message) error {
	conn, err := s.guarded(Established, "send")
	if err != nil {
		return err
	}
	if _, err := conn.Write(msg.Serialize()); err != nil {
		return fmt.Errorf("session %s: %w", s.addr, err)
	}
	return nil
}

func (s *Session) SendInterested() error {
	if err := s.send(&message.Message{ID: message.Interested}); err != nil {
		return err
	}
	s.AmInterested = true
	return nil
}

func (s *Session) SendNotInterested() error {
	if err := s.send(&message.Message{ID: message.NotInterested}); err != nil {
		return err
	}
	s.AmInterested = false
	return nil
}

func (s *Session) SendUnchoke() error {
	if err := s.send(&message.Message{ID: message.Unchoke}); err != nil {
		return err
	}
	s.AmChoking = false
	return nil
}

func (s *Session) SendHave(index uint32) error {
	return s.send(message.NewHave(index))
}

// RequestBlock asks for one block and reads messages until the
// matching piece frame arrives. Requests are refused while the peer
// is choking us. A piece frame whose index or offset differ from the
// request is a protocol error, never silently accepted.
func (s *Session) RequestBlock(index, begin, length uint32) ([]byte, error) {
	if s.PeerChoking {
		return nil, fmt.Errorf("session %s: peer is choking, request refused", s.addr)
	}
	if s.pending != nil {
		return nil, fmt.Errorf("session %s: a request is already in flight", s.addr)
	}
	if err := s.send(message.NewRequest(index, begin, length)); err != nil {
		return nil, err
	}
	s.pending = &pendingRequest{index: index, begin: begin, length: length}

	for {
		msg, err := s.Receive()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue // keep-alive
		}
		switch msg.ID {
		case message.Piece:
			s.pending = nil
			gotIndex, gotBegin, block, err := message.ParsePiece(msg)
			if err != nil {
				return nil, fmt.Errorf("session %s: %w", s.addr, err)
			}
			if gotIndex != index || gotBegin != begin {
				return nil, fmt.Errorf("session %s: %w", s.addr, &message.ProtocolError{
					Msg: fmt.Sprintf("piece %d/%d does not match pending request %d/%d", gotIndex, gotBegin, index, begin),
				})
			}
			if uint32(len(block)) != length {
				return nil, fmt.Errorf("session %s: %w", s.addr, &message.ProtocolError{
					Msg: fmt.Sprintf("block is %d bytes, requested %d", len(block), length),
				})
			}
			return block, nil
		case message.Choke:
			// the request is considered dropped by the peer
			s.pending = nil
			return nil, fmt.Errorf("session %s: choked while awaiting block %d/%d", s.addr, index, begin)
		}
	}
}

// CancelPending tells the peer to drop the in-flight request, if any.
func (s *Session) CancelPending() error {
	if s.pending == nil {
		return nil
	}
	p := s.pending
	s.pending = nil
	return s.send(message.NewCancel(p.index, p.begin, p.length))
}

// Close releases the socket and unblocks any read in progress. It is
// safe to call in any state and more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.pending = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
