// Package ipanon implements the hierarchical, frequency-aware IP
// anonymization mapping algorithm (spec §4.3): pre-scan tabulates prefix
// frequencies across a batch of files, then a deterministic mapping is
// built once and consulted read-only while rewriting every file in the
// batch.
package ipanon

import (
	"fmt"
	"net"
	"sort"
)

// Scanner accumulates prefix frequency tables and the set of distinct
// addresses observed across a pre-scan batch (spec §4.3.1).
type Scanner struct {
	FreqA   map[string]int // first octet, e.g. "10"
	FreqAB  map[string]int // first two octets, e.g. "10.0"
	FreqABC map[string]int // first three octets, e.g. "10.0.1"

	// FreqHextet[i] counts distinct addresses sharing the first i+1 hextets
	// of the fully-expanded IPv6 address, for i in [0,6] (prefixes of length
	// 1..7).
	FreqHextet [7]map[string]int

	seenV4 map[string]net.IP
	seenV6 map[string]net.IP
}

// NewScanner returns an empty Scanner ready to observe addresses.
func NewScanner() *Scanner {
	s := &Scanner{
		FreqA:   make(map[string]int),
		FreqAB:  make(map[string]int),
		FreqABC: make(map[string]int),
		seenV4:  make(map[string]net.IP),
		seenV6:  make(map[string]net.IP),
	}
	for i := range s.FreqHextet {
		s.FreqHextet[i] = make(map[string]int)
	}
	return s
}

// Observe records one address occurrence. The prefix tables count each
// distinct address once: observing an address again does not raise its
// prefixes' counts. Addresses that are neither valid
// IPv4 nor IPv6 are ignored by the caller before reaching here (spec
// §4.3.2's "cannot be parsed" edge case is handled by the walker, which
// only ever hands Observe a net.IP decoded from a packet's IP layer).
func (s *Scanner) Observe(ip net.IP) {
	if v4 := ip.To4(); v4 != nil && ip.To16() != nil && isV4(ip) {
		key := v4.String()
		if _, dup := s.seenV4[key]; dup {
			return
		}
		s.seenV4[key] = cloneIP(v4)
		o := octets(v4)
		s.FreqA[fmt.Sprintf("%d", o[0])]++
		s.FreqAB[fmt.Sprintf("%d.%d", o[0], o[1])]++
		s.FreqABC[fmt.Sprintf("%d.%d.%d", o[0], o[1], o[2])]++
		return
	}
	if v6 := ip.To16(); v6 != nil {
		key := v6.String()
		if _, dup := s.seenV6[key]; dup {
			return
		}
		s.seenV6[key] = cloneIP(v6)
		hx := expandHextets(v6)
		for i := 0; i < 7; i++ {
			s.FreqHextet[i][hextetPrefixKey(hx[:i+1])]++
		}
	}
}

// isV4 reports whether ip has a 4-byte form (net.IP.To4 is non-nil). An
// IPv4-mapped IPv6 address (::ffff:a.b.c.d) has one too, so it is
// tabulated as IPv4.
func isV4(ip net.IP) bool { return ip.To4() != nil }

func cloneIP(ip net.IP) net.IP {
	c := make(net.IP, len(ip))
	copy(c, ip)
	return c
}

func octets(v4 net.IP) [4]byte {
	return [4]byte{v4[0], v4[1], v4[2], v4[3]}
}

// HighFrequency reports whether a prefix's occurrence count meets the
// high-frequency threshold (spec §4.3.1: count >= 2).
func HighFrequency(count int) bool { return count >= 2 }

// DistinctV4 returns the set of distinct IPv4 addresses observed, sorted
// numerically ascending (spec §4.3.2).
func (s *Scanner) DistinctV4() []net.IP {
	out := make([]net.IP, 0, len(s.seenV4))
	for _, ip := range s.seenV4 {
		out = append(out, ip)
	}
	sortIPv4(out)
	return out
}

// DistinctV6 returns the set of distinct IPv6 addresses observed, sorted
// numerically ascending.
func (s *Scanner) DistinctV6() []net.IP {
	out := make([]net.IP, 0, len(s.seenV6))
	for _, ip := range s.seenV6 {
		out = append(out, ip)
	}
	sortIPv6(out)
	return out
}

func sortIPv4(ips []net.IP) {
	sort.Slice(ips, func(i, j int) bool {
		av, bv := ips[i].To4(), ips[j].To4()
		for k := 0; k < 4; k++ {
			if av[k] != bv[k] {
				return av[k] < bv[k]
			}
		}
		return false
	})
}

func sortIPv6(ips []net.IP) {
	sort.Slice(ips, func(i, j int) bool {
		av, bv := ips[i].To16(), ips[j].To16()
		for k := 0; k < 16; k++ {
			if av[k] != bv[k] {
				return av[k] < bv[k]
			}
		}
		return false
	})
}
