package bitfield_test

import (
	"testing"

	"riptide/bitfield"
)

func TestHasPiece(t *testing.T) {
	bf := bitfield.Bitfield{0b00101000, 0b00000001}
	has := []int{2, 4, 15}
	hasNot := []int{0, 1, 3, 5, 8, 14}
	for _, i := range has {
		if !bf.HasPiece(i) {
			t.Errorf("HasPiece(%d) = false, want true", i)
		}
	}
	for _, i := range hasNot {
		if bf.HasPiece(i) {
			t.Errorf("HasPiece(%d) = true, want false", i)
		}
	}
}

func TestSetPiece(t *testing.T) {
	bf := bitfield.New(10)
	bf.SetPiece(9)
	if !bf.HasPiece(9) || bf.HasPiece(8) {
		t.Errorf("bitfield after SetPiece(9): %08b", bf)
	}
}

func TestOutOfRange(t *testing.T) {
	bf := bitfield.New(8)
	bf.SetPiece(64) // must not panic
	bf.SetPiece(-1)
	if bf.HasPiece(64) || bf.HasPiece(-1) {
		t.Error("out-of-range index reported available")
	}
}
