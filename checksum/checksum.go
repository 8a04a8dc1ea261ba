// Package checksum recomputes IPv4, TCP, and UDP checksums after a packet's
// IP headers or TCP payload have been mutated (spec §4.3.3, §4.4.1, and the
// "Checksum details" design note in §9: a standard one's-complement sum
// over the IPv4 header, and over the TCP/UDP segment with the appropriate
// IPv4 or IPv6 pseudo-header). Each tunneled IP layer's checksum is
// recomputed independently of any layer around it.
package checksum

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// RecomputeIPv4 recalculates an IPv4 header checksum from its current
// field values. It is independent of whatever payload follows: the spec's
// design note that "the outer IP checksum depends on the encapsulated
// bytes only through its own header length" holds because IPv4's checksum
// covers only the header, never the payload.
func RecomputeIPv4(ip *layers.IPv4) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: true}
	return ip.SerializeTo(buf, opts)
}

// RecomputeTCP recalculates a TCP segment's checksum against the given
// network-layer pseudo-header (an IPv4 or IPv6 layer, whichever carries
// this TCP segment) and rewrites tcp.Checksum in place.
func RecomputeTCP(tcp *layers.TCP, network gopacket.NetworkLayer) error {
	if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: true}
	payload := gopacket.Payload(tcp.Payload)
	return gopacket.SerializeLayers(buf, opts, tcp, payload)
}

// RecomputeUDP recalculates a UDP segment's checksum the same way.
func RecomputeUDP(udp *layers.UDP, network gopacket.NetworkLayer) error {
	if err := udp.SetNetworkLayerForChecksum(network); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: true}
	payload := gopacket.Payload(udp.Payload)
	return gopacket.SerializeLayers(buf, opts, udp, payload)
}

// Invalidate zeroes a checksum field so downstream serialization is
// unambiguous about needing recomputation (spec §4.3.3: "the anonymization
// stage does not recompute checksums itself; it records which fields to
// clear").
func InvalidateIPv4(ip *layers.IPv4) { ip.Checksum = 0 }
func InvalidateTCP(tcp *layers.TCP)  { tcp.Checksum = 0 }
func InvalidateUDP(udp *layers.UDP)  { udp.Checksum = 0 }

// InternetChecksum computes the RFC 1071 one's-complement checksum over
// data, the same algorithm gopacket's own serialization applies internally.
// It exists as an independent cross-check on gopacket-computed checksums
// rather than one more call into the same code path (spec §4.4.5's
// cross-validation spirit, applied to checksums instead of TLS record
// boundaries). The summation is defined over network-order 16-bit words;
// binary.BigEndian reads that order explicitly regardless of host
// architecture, so no endianness branch is needed here.
func InternetChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < n {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// VerifyIPv4 independently recomputes ip's header checksum from its current
// field values via InternetChecksum and reports whether it matches the
// checksum currently stored on ip, without relying on gopacket's own
// checksum computation to grade itself.
func VerifyIPv4(ip *layers.IPv4) (bool, error) {
	saved := ip.Checksum
	ip.Checksum = 0
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}
	if err := ip.SerializeTo(buf, opts); err != nil {
		ip.Checksum = saved
		return false, err
	}
	got := InternetChecksum(buf.Bytes())
	ip.Checksum = saved
	return got == saved, nil
}
