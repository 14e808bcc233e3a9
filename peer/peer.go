// Package peer holds the address type shared by the tracker client
// and the download coordinator.
package peer

import (
	"encoding/binary"
	"net"
	"strconv"
)

// Addr identifies a peer by IP and port. It is comparable and is used
// as the registry key by the coordinator.
type Addr struct {
	IP   string
	Port uint16
}

// String returns the address in dialable ip:port form.
func (a Addr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

const compactLen = 6

// FromCompact parses the compact tracker peer model: consecutive
// 6-byte records of 4-byte big-endian IPv4 followed by a 2-byte
// big-endian port. A trailing group shorter than 6 bytes is discarded.
func FromCompact(data []byte) []Addr {
	n := len(data) / compactLen
	addrs := make([]Addr, 0, n)
	for i := 0; i < n; i++ {
		rec := data[i*compactLen : (i+1)*compactLen]
		addrs = append(addrs, Addr{
			IP:   net.IP(rec[:4]).String(),
			Port: binary.BigEndian.Uint16(rec[4:]),
		})
	}
	return addrs
}
