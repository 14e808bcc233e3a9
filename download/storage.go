package download

import (
	"fmt"
	"sync"
)

// Storage receives verified pieces from the coordinator. Unverified
// data never reaches it.
type Storage interface {
	Persist(index int, data []byte) error
	Has(index int) bool
}

// MemoryStore keeps verified pieces in memory. It is the storage
// used by the CLI, which flattens the pieces into the output file
// once the download finishes.
type MemoryStore struct {
	mu     sync.Mutex
	pieces map[int][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pieces: make(map[int][]byte)}
}

func (s *MemoryStore) Persist(index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces[index] = data
	return nil
}

func (s *MemoryStore) Has(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pieces[index]
	return ok
}

// Piece returns the stored piece, or an error if it was never
// persisted.
func (s *MemoryStore) Piece(index int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.pieces[index]
	if !ok {
		return nil, fmt.Errorf("storage: piece %d not persisted", index)
	}
	return data, nil
}
