// Package download coordinates many peer sessions to fetch, verify
// and persist the pieces of one torrent.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"riptide/peer"
	"riptide/session"
	"riptide/torrent"
)

// Coordinator owns the peer registry and drives block requests across
// sessions. Registry mutations happen under a single writer lock;
// lookups may run concurrently with each other.
type Coordinator struct {
	meta   *torrent.Metadata
	peerID [20]byte
	cfg    Config

	store   Storage
	notify  Notifier
	limiter *rate.Limiter

	mu       sync.RWMutex
	registry map[peer.Addr]*session.Session
	order    []peer.Addr // registration order
}

func NewCoordinator(meta *torrent.Metadata, peerID [20]byte, store Storage, notify Notifier, cfg Config) *Coordinator {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Coordinator{
		meta:     meta,
		peerID:   peerID,
		cfg:      cfg,
		store:    store,
		notify:   notify,
		limiter:  rate.NewLimiter(cfg.DialsPerSecond, cfg.DialBurst),
		registry: make(map[peer.Addr]*session.Session),
	}
}

// AddPeer connects and handshakes the peer, then registers the
// session. It is idempotent: an already registered address returns
// the existing session untouched. Dial and handshake run outside the
// registry lock.
func (c *Coordinator) AddPeer(ctx context.Context, addr peer.Addr) (*session.Session, error) {
	c.mu.RLock()
	existing, ok := c.registry[addr]
	c.mu.RUnlock()
	if ok {
		return existing, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	s := session.New(addr, c.meta.InfoHash, c.peerID, c.meta.NumPieces(), c.cfg.sessionConfig())
	if err := s.Connect(ctx); err != nil {
		c.notify.PeerFailed(addr, err)
		return nil, err
	}
	if err := s.Handshake(); err != nil {
		c.notify.PeerFailed(addr, err)
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.registry[addr]; ok {
		// lost the race to another AddPeer for the same address
		c.mu.Unlock()
		s.Close()
		return existing, nil
	}
	c.registry[addr] = s
	c.order = append(c.order, addr)
	c.mu.Unlock()

	c.notify.PeerConnected(addr)
	return s, nil
}

// GetPeerForPiece returns the first registered session that
// advertises the piece, in registration order, or nil.
func (c *Coordinator) GetPeerForPiece(index int) *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, addr := range c.order {
		if s := c.registry[addr]; s.Has(index) {
			return s
		}
	}
	return nil
}

// NumPeers reports the registered session count.
func (c *Coordinator) NumPeers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.registry)
}

// RemovePeer closes the session for addr and forgets it. A failing
// peer is dropped this way without touching any other session.
func (c *Coordinator) RemovePeer(addr peer.Addr) {
	c.mu.Lock()
	s, ok := c.registry[addr]
	if ok {
		delete(c.registry, addr)
		for i, a := range c.order {
			if a == addr {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if ok {
		s.Close()
		c.notify.PeerDropped(addr)
	}
}

// CloseAll closes every session sequentially and clears the registry.
func (c *Coordinator) CloseAll() error {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.order))
	for _, addr := range c.order {
		sessions = append(sessions, c.registry[addr])
	}
	c.registry = make(map[peer.Addr]*session.Session)
	c.order = nil
	c.mu.Unlock()

	var errs error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

type pieceWork struct {
	index    int
	attempts int
}

type pieceResult struct {
	index     int
	abandoned bool
	err       error
}

// FetchPiece downloads every block of the piece from one session,
// assembles them in offset order and verifies the SHA-1. The returned
// bytes are the verified piece content.
func (c *Coordinator) FetchPiece(s *session.Session, index int) ([]byte, error) {
	p := NewPiece(index, c.meta.PieceSize(index), c.meta.PieceHashes[index])
	for _, spec := range p.Blocks() {
		if err := c.awaitUnchoke(s); err != nil {
			return nil, err
		}
		block, err := s.RequestBlock(uint32(index), spec.Begin, spec.Length)
		if err != nil {
			return nil, err
		}
		if err := p.AddBlock(spec.Begin, block); err != nil {
			return nil, err
		}
	}
	return p.Verify()
}

// awaitUnchoke makes sure a request may be sent: requests while the
// peer is choking are a protocol violation on our side.
func (c *Coordinator) awaitUnchoke(s *session.Session) error {
	if !s.PeerChoking {
		return nil
	}
	if !s.AmInterested {
		if err := s.SendInterested(); err != nil {
			return err
		}
	}
	for s.PeerChoking {
		if _, err := s.Receive(); err != nil {
			return err
		}
	}
	return nil
}

// Download fetches every piece the storage is still missing, using
// the given peer addresses, and blocks until the torrent is complete,
// the context is cancelled or no usable peer remains. Sessions stay
// registered afterwards; the caller decides when to CloseAll.
func (c *Coordinator) Download(ctx context.Context, addrs []peer.Addr) error {
	queue := make(chan *pieceWork, c.meta.NumPieces())
	pending := 0
	for i := 0; i < c.meta.NumPieces(); i++ {
		if c.store.Has(i) {
			continue
		}
		queue <- &pieceWork{index: i}
		pending++
	}
	if pending == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan pieceResult, pending)
	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr peer.Addr) {
			defer wg.Done()
			s, err := c.AddPeer(ctx, addr)
			if err != nil {
				return
			}
			c.runWorker(ctx, s, queue, results)
		}(addr)
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	done := 0
	var abandoned error
	abandonedCount := 0
	record := func(r pieceResult) {
		if r.abandoned {
			abandonedCount++
			abandoned = multierror.Append(abandoned, r.err)
		} else {
			done++
		}
	}
	for done+abandonedCount < pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			record(r)
		case <-workersDone:
			// collect what the workers managed before the last one quit
			for draining := true; draining; {
				select {
				case r := <-results:
					record(r)
				default:
					draining = false
				}
			}
			if done+abandonedCount < pending {
				return fmt.Errorf("download stalled with %d of %d pieces missing: every peer session ended", pending-done-abandonedCount, pending)
			}
		}
	}
	if abandoned != nil {
		return fmt.Errorf("download incomplete: %w", abandoned)
	}
	return nil
}

// runWorker pulls piece work and serves it from one session. A
// session error drops only this peer and requeues its work for the
// others.
func (c *Coordinator) runWorker(ctx context.Context, s *session.Session, queue chan *pieceWork, results chan<- pieceResult) {
	defer c.RemovePeer(s.Addr())

	// unchoke the peer, declare interest and wait to be unchoked
	// ourselves; this also folds the peer's initial bitfield into the
	// session before any availability check.
	if err := s.SendUnchoke(); err != nil {
		return
	}
	if err := c.awaitUnchoke(s); err != nil {
		return
	}

	for {
		var w *pieceWork
		select {
		case <-ctx.Done():
			return
		case w = <-queue:
		}

		if !s.Has(w.index) {
			if !c.requeue(ctx, queue, w) {
				return
			}
			continue
		}

		data, err := c.FetchPiece(s, w.index)
		if err != nil {
			var verr *VerificationError
			if errors.As(err, &verr) {
				c.notify.PieceFailed(w.index, verr)
				w.attempts++
				if w.attempts >= c.cfg.MaxVerifyRetries {
					results <- pieceResult{index: w.index, abandoned: true, err: verr}
					continue
				}
				c.requeue(ctx, queue, w)
				continue
			}
			// session-level failure: give the piece back and drop this peer
			c.requeue(ctx, queue, w)
			return
		}

		if err := c.store.Persist(w.index, data); err != nil {
			results <- pieceResult{index: w.index, abandoned: true, err: err}
			continue
		}
		s.SendHave(uint32(w.index))
		c.notify.PieceVerified(w.index)
		results <- pieceResult{index: w.index}
	}
}

func (c *Coordinator) requeue(ctx context.Context, queue chan *pieceWork, w *pieceWork) bool {
	select {
	case queue <- w:
		return true
	case <-ctx.Done():
		return false
	}
}
