package download

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"
)

// BlockSize is the largest block requested over the wire, 16 KiB.
const BlockSize = 16 * 1024

// VerificationError reports an assembled piece whose SHA-1 did not
// match the metainfo hash.
type VerificationError struct {
	Index int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("piece %d failed hash verification", e.Index)
}

// BlockSpec names one block of a piece by offset and length.
type BlockSpec struct {
	Begin  uint32
	Length uint32
}

// Piece collects the blocks of one piece until it can be assembled
// and checked against its expected hash.
type Piece struct {
	Index          int
	ExpectedLength int64
	Hash           [20]byte

	blocks   map[uint32][]byte
	verified bool
}

func NewPiece(index int, length int64, hash [20]byte) *Piece {
	return &Piece{
		Index:          index,
		ExpectedLength: length,
		Hash:           hash,
		blocks:         make(map[uint32][]byte),
	}
}

// Blocks partitions the piece into requests of at most BlockSize
// bytes; only the final block may be shorter.
func (p *Piece) Blocks() []BlockSpec {
	specs := make([]BlockSpec, 0, (p.ExpectedLength+BlockSize-1)/BlockSize)
	for begin := int64(0); begin < p.ExpectedLength; begin += BlockSize {
		length := p.ExpectedLength - begin
		if length > BlockSize {
			length = BlockSize
		}
		specs = append(specs, BlockSpec{Begin: uint32(begin), Length: uint32(length)})
	}
	return specs
}

// AddBlock stores one downloaded block keyed by offset. Offsets that
// do not fall on the block grid of this piece are rejected.
func (p *Piece) AddBlock(begin uint32, data []byte) error {
	if int64(begin) >= p.ExpectedLength || begin%BlockSize != 0 {
		return fmt.Errorf("piece %d: block offset %d out of range", p.Index, begin)
	}
	want := p.ExpectedLength - int64(begin)
	if want > BlockSize {
		want = BlockSize
	}
	if int64(len(data)) != want {
		return fmt.Errorf("piece %d: block at %d is %d bytes, want %d", p.Index, begin, len(data), want)
	}
	p.blocks[begin] = data
	return nil
}

// Complete reports whether every block offset is filled.
func (p *Piece) Complete() bool {
	var have int64
	for _, b := range p.blocks {
		have += int64(len(b))
	}
	return have == p.ExpectedLength
}

func (p *Piece) Verified() bool {
	return p.verified
}

// Verify concatenates the blocks in ascending offset order and checks
// the SHA-1 of the result. On a mismatch the blocks are discarded so
// the piece can be downloaded again; corrupt data is never returned.
func (p *Piece) Verify() ([]byte, error) {
	if !p.Complete() {
		return nil, fmt.Errorf("piece %d: verify before all blocks arrived", p.Index)
	}
	offsets := make([]int, 0, len(p.blocks))
	for begin := range p.blocks {
		offsets = append(offsets, int(begin))
	}
	sort.Ints(offsets)

	buf := make([]byte, 0, p.ExpectedLength)
	for _, begin := range offsets {
		buf = append(buf, p.blocks[uint32(begin)]...)
	}

	sum := sha1.Sum(buf)
	if !bytes.Equal(sum[:], p.Hash[:]) {
		p.Reset()
		return nil, &VerificationError{Index: p.Index}
	}
	p.verified = true
	return buf, nil
}

// Reset drops all collected blocks, returning the piece to the
// unassembled state.
func (p *Piece) Reset() {
	p.blocks = make(map[uint32][]byte)
	p.verified = false
}
