package peer_test

import (
	"testing"

	"riptide/peer"
)

func TestFromCompact(t *testing.T) {
	data := []byte{
		192, 168, 0, 1, 0x1a, 0xe1, // 192.168.0.1:6881
		10, 0, 0, 7, 0x00, 0x50, // 10.0.0.7:80
	}
	addrs := peer.FromCompact(data)
	if len(addrs) != 2 {
		t.Fatalf("got %d peers, want 2", len(addrs))
	}
	want := []peer.Addr{
		{IP: "192.168.0.1", Port: 6881},
		{IP: "10.0.0.7", Port: 80},
	}
	for i, w := range want {
		if addrs[i] != w {
			t.Errorf("peer %d = %v, want %v", i, addrs[i], w)
		}
	}
}

func TestFromCompactDiscardsTrailingRemainder(t *testing.T) {
	data := []byte{
		192, 168, 0, 1, 0x1a, 0xe1,
		10, 0, 0, // short record, dropped
	}
	addrs := peer.FromCompact(data)
	if len(addrs) != 1 {
		t.Fatalf("got %d peers, want 1", len(addrs))
	}
	if addrs[0].String() != "192.168.0.1:6881" {
		t.Errorf("peer = %v", addrs[0])
	}
}

func TestFromCompactEmpty(t *testing.T) {
	if addrs := peer.FromCompact(nil); len(addrs) != 0 {
		t.Errorf("got %d peers, want 0", len(addrs))
	}
}
