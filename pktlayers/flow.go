package pktlayers

import (
	"fmt"
	"net"
)

// Direction tags a packet relative to a flow's canonical endpoint ordering
// (spec §3.2).
type Direction int

const (
	DirForward Direction = iota
	DirReverse
)

func (d Direction) String() string {
	if d == DirForward {
		return "forward"
	}
	return "reverse"
}

// FlowKey is the canonicalized, unordered 4-tuple identifying a TCP flow
// (spec §3.2). Canonicalization places the lexicographically smaller
// (ip, port) pair first, where "lexicographically smaller" compares the
// dotted/colon-separated string form of the IP — not its numeric value.
// This is a deliberate, spec-pinned choice: see §9's open question about
// string- vs numeric-ordered canonicalization. Keeping it string-based
// matches existing baselines and is what makes forward/reverse tagging
// observable and reproducible.
type FlowKey struct {
	IPA   string
	PortA uint16
	IPB   string
	PortB uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d<->%s:%d", k.IPA, k.PortA, k.IPB, k.PortB)
}

// Canonicalize builds the canonical flow key and the direction of the
// packet that produced (srcIP, srcPort, dstIP, dstPort).
func Canonicalize(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) (FlowKey, Direction) {
	srcS, dstS := srcIP.String(), dstIP.String()
	if lessEndpoint(srcS, srcPort, dstS, dstPort) {
		return FlowKey{IPA: srcS, PortA: srcPort, IPB: dstS, PortB: dstPort}, DirForward
	}
	return FlowKey{IPA: dstS, PortA: dstPort, IPB: srcS, PortB: srcPort}, DirReverse
}

// lessEndpoint implements the (ip, port) <= (ip, port) comparison using
// plain string comparison on the IP's textual form, per FlowKey's doc
// comment.
func lessEndpoint(ipA string, portA uint16, ipB string, portB uint16) bool {
	if ipA != ipB {
		return ipA < ipB
	}
	return portA <= portB
}
