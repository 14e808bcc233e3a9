// Package bitfield tracks which pieces a peer claims to have.
package bitfield

// Bitfield maps piece indices to availability, bit i of byte i/8 with
// the high bit first.
//
// Example:
//   - [0 0 1 0 1 0 0 0] (pieces 2 and 4 are available)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 0 1] (only piece 15 is available)
type Bitfield []byte

// New returns an all-zero bitfield able to hold numPieces pieces.
func New(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// HasPiece reports whether the piece at index is marked available.
// Indices beyond the bitfield read as unavailable.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece marks the piece at index as available. Out-of-range
// indices are ignored.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}
