package ipanon

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// expandHextets returns the 8 fully-expanded 16-bit groups of an IPv6
// address (spec §4.3.2).
func expandHextets(ip net.IP) [8]uint16 {
	v6 := ip.To16()
	var hx [8]uint16
	for i := 0; i < 8; i++ {
		hx[i] = binary.BigEndian.Uint16(v6[i*2 : i*2+2])
	}
	return hx
}

// hextetPrefixKey builds the frequency-table key for a hextet prefix, e.g.
// [0x2001, 0x0db8] -> "2001:db8".
func hextetPrefixKey(prefix []uint16) string {
	parts := make([]string, len(prefix))
	for i, h := range prefix {
		parts[i] = fmt.Sprintf("%x", h)
	}
	return strings.Join(parts, ":")
}

// formatIPv6 renders 8 hextets back into canonical net.IP textual form.
func formatIPv6(hx [8]uint16) string {
	b := make(net.IP, 16)
	for i, h := range hx {
		binary.BigEndian.PutUint16(b[i*2:i*2+2], h)
	}
	return b.String()
}
