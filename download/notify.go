package download

import (
	"github.com/rs/zerolog"

	"riptide/peer"
)

// Notifier receives plain lifecycle facts from the coordinator. The
// core does no logging or formatting of its own.
type Notifier interface {
	PeerConnected(addr peer.Addr)
	PeerFailed(addr peer.Addr, err error)
	PeerDropped(addr peer.Addr)
	PieceVerified(index int)
	PieceFailed(index int, err error)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) PeerConnected(peer.Addr)     {}
func (NopNotifier) PeerFailed(peer.Addr, error) {}
func (NopNotifier) PeerDropped(peer.Addr)       {}
func (NopNotifier) PieceVerified(int)           {}
func (NopNotifier) PieceFailed(int, error)      {}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) PeerConnected(addr peer.Addr) {
	n.Log.Info().Stringer("peer", addr).Msg("peer connected")
}

func (n LogNotifier) PeerFailed(addr peer.Addr, err error) {
	n.Log.Warn().Stringer("peer", addr).Err(err).Msg("peer failed")
}

func (n LogNotifier) PeerDropped(addr peer.Addr) {
	n.Log.Info().Stringer("peer", addr).Msg("peer dropped")
}

func (n LogNotifier) PieceVerified(index int) {
	n.Log.Debug().Int("piece", index).Msg("piece verified")
}

func (n LogNotifier) PieceFailed(index int, err error) {
	n.Log.Warn().Int("piece", index).Err(err).Msg("piece failed")
}
