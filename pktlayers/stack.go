// Package pktlayers implements the packet layer introspection shared by the
// Anon and Mask stages (spec §2, "packet layer introspection"): walking a
// packet's encapsulation stack, locating every IP layer at any depth, and
// locating the innermost TCP/UDP header. It is grounded in the same
// layer-by-layer decoding idiom heplify's decoder.go uses (manual
// DecodeFromBytes calls driven by a switch on the current layer type),
// generalized into a reusable, mutation-friendly structure instead of a
// throwaway per-packet switch.
package pktlayers

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Kind classifies one descriptor in the encapsulation stack (spec §3.1).
type Kind int

const (
	KindEthernet Kind = iota
	KindLinuxSLL
	KindDot1Q
	KindDot1AD
	KindMPLS
	KindGRE
	KindVXLAN
	KindIPv4
	KindIPv6
	KindTCP
	KindUDP
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindEthernet:
		return "Ethernet"
	case KindLinuxSLL:
		return "LinuxSLL"
	case KindDot1Q:
		return "802.1Q"
	case KindDot1AD:
		return "802.1ad"
	case KindMPLS:
		return "MPLS"
	case KindGRE:
		return "GRE"
	case KindVXLAN:
		return "VXLAN"
	case KindIPv4:
		return "IPv4"
	case KindIPv6:
		return "IPv6"
	case KindTCP:
		return "TCP"
	case KindUDP:
		return "UDP"
	default:
		return "Other"
	}
}

// LayerDescriptor describes one layer in the encapsulation stack (spec
// §3.1): its kind and the byte range it occupies within the packet.
type LayerDescriptor struct {
	Kind  Kind
	Start int
	End   int
}

// IPLayer is one IPv4 or IPv6 header found anywhere in the stack, tagged
// with its nesting depth and a human-readable encapsulation context such as
// "IPv4 inside VXLAN inside IPv4" (spec §3.1).
type IPLayer struct {
	Descriptor LayerDescriptor
	Depth      int
	Context    string
	V4         *layers.IPv4 // non-nil when this is an IPv4 header
	V6         *layers.IPv6 // non-nil when this is an IPv6 header
}

func (l *IPLayer) SrcIP() net.IP {
	if l.V4 != nil {
		return l.V4.SrcIP
	}
	return l.V6.SrcIP
}

func (l *IPLayer) DstIP() net.IP {
	if l.V4 != nil {
		return l.V4.DstIP
	}
	return l.V6.DstIP
}

func (l *IPLayer) SetSrcIP(ip net.IP) {
	if l.V4 != nil {
		l.V4.SrcIP = ip
	} else {
		l.V6.SrcIP = ip
	}
}

func (l *IPLayer) SetDstIP(ip net.IP) {
	if l.V4 != nil {
		l.V4.DstIP = ip
	} else {
		l.V6.DstIP = ip
	}
}

// Transport is the innermost TCP or UDP header found in the stack (spec
// §3.1: "at most one TCP or UDP header").
type Transport struct {
	Descriptor LayerDescriptor
	TCP        *layers.TCP
	UDP        *layers.UDP
}

// Stack is the decoded encapsulation stack of one packet, plus every IP
// layer and the innermost transport layer found while walking it.
type Stack struct {
	LinkType  layers.LinkType
	Layers    []LayerDescriptor
	IPLayers  []IPLayer
	Transport *Transport

	// order of decoded layer objects in outermost-to-innermost order,
	// used to re-serialize the packet after mutation.
	serialize []gopacket.SerializableLayer
	payload   gopacket.Payload
}

// vxlanUDPPort is the IANA-assigned VXLAN UDP port (RFC 7348).
const vxlanUDPPort = 4789

// Walk decodes data as a packet captured with the given link type and
// returns its encapsulation stack. Unknown layers are treated as opaque
// (spec §7, "Unsupported encapsulation"): the walk stops descending but
// returns everything decoded above it.
func Walk(data []byte, linkType layers.LinkType) (*Stack, error) {
	s := &Stack{LinkType: linkType}

	cur := data
	offset := 0
	curKind, startErr := startKind(linkType)
	if startErr != nil {
		return nil, startErr
	}

	depth := 0
	ctx := ""
	ipDepth := 0

	for {
		switch curKind {
		case KindEthernet:
			l := &layers.Ethernet{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode ethernet: %w", err)
			}
			s.appendLayer(KindEthernet, offset, len(l.Contents), l)
			curKind = nextEthernet(l.EthernetType)
			offset += len(l.Contents)
			cur = l.Payload

		case KindLinuxSLL:
			l := &layers.LinuxSLL{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode linux sll: %w", err)
			}
			s.appendLayer(KindLinuxSLL, offset, len(l.Contents), l)
			curKind = nextEthernet(l.EthernetType)
			offset += len(l.Contents)
			cur = l.Payload

		case KindDot1Q:
			l := &layers.Dot1Q{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode 802.1q: %w", err)
			}
			s.appendLayer(KindDot1Q, offset, len(l.Contents), l)
			curKind = nextEthernet(l.Type)
			offset += len(l.Contents)
			cur = l.Payload

		case KindMPLS:
			l := &layers.MPLS{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode mpls: %w", err)
			}
			s.appendLayer(KindMPLS, offset, len(l.Contents), l)
			offset += len(l.Contents)
			cur = l.Payload
			if l.BottomOfStack {
				curKind = guessIPVersion(cur)
			} else {
				curKind = KindMPLS
			}

		case KindGRE:
			l := &layers.GRE{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode gre: %w", err)
			}
			s.appendLayer(KindGRE, offset, len(l.Contents), l)
			offset += len(l.Contents)
			cur = l.Payload
			curKind = fromGopacketLayerType(l.NextLayerType())
			depth++
			ctx = prependContext(ctx, "GRE")

		case KindVXLAN:
			l := &VXLAN{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode vxlan: %w", err)
			}
			s.appendLayer(KindVXLAN, offset, len(l.Contents), l)
			offset += len(l.Contents)
			cur = l.Payload
			curKind = KindEthernet
			depth++
			ctx = prependContext(ctx, "VXLAN")

		case KindIPv4:
			l := &layers.IPv4{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode ipv4: %w", err)
			}
			s.appendLayer(KindIPv4, offset, len(l.Contents), l)
			ipDepth++
			s.IPLayers = append(s.IPLayers, IPLayer{
				Descriptor: s.Layers[len(s.Layers)-1],
				Depth:      ipDepth,
				Context:    contextLabel("IPv4", ctx),
				V4:         l,
			})
			offset += len(l.Contents)
			cur = l.Payload
			curKind = fromGopacketLayerType(l.NextLayerType())
			ctx = prependContext(ctx, "IPv4")

		case KindIPv6:
			l := &layers.IPv6{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode ipv6: %w", err)
			}
			s.appendLayer(KindIPv6, offset, len(l.Contents), l)
			ipDepth++
			s.IPLayers = append(s.IPLayers, IPLayer{
				Descriptor: s.Layers[len(s.Layers)-1],
				Depth:      ipDepth,
				Context:    contextLabel("IPv6", ctx),
				V6:         l,
			})
			offset += len(l.Contents)
			cur = l.Payload
			curKind = fromGopacketLayerType(l.NextLayerType())
			ctx = prependContext(ctx, "IPv6")

		case KindTCP:
			l := &layers.TCP{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode tcp: %w", err)
			}
			s.appendLayer(KindTCP, offset, len(l.Contents), l)
			s.Transport = &Transport{Descriptor: s.Layers[len(s.Layers)-1], TCP: l}
			s.payload = gopacket.Payload(l.Payload)
			return s, nil

		case KindUDP:
			l := &layers.UDP{}
			if err := l.DecodeFromBytes(cur, gopacket.NilDecodeFeedback); err != nil {
				return s, fmt.Errorf("decode udp: %w", err)
			}
			s.appendLayer(KindUDP, offset, len(l.Contents), l)
			s.Transport = &Transport{Descriptor: s.Layers[len(s.Layers)-1], UDP: l}
			s.payload = gopacket.Payload(l.Payload)
			if (l.SrcPort == vxlanUDPPort || l.DstPort == vxlanUDPPort) && len(l.Payload) >= 8 {
				// Tunneled traffic: descend into VXLAN and keep walking so
				// the innermost transport (inside the tunnel) wins.
				cur = l.Payload
				curKind = KindVXLAN
				continue
			}
			return s, nil

		default:
			// Unsupported encapsulation (spec §7): stop descending, keep
			// whatever IP layers were already found above it.
			return s, nil
		}
	}
}

func (s *Stack) appendLayer(kind Kind, start, length int, l gopacket.SerializableLayer) {
	s.Layers = append(s.Layers, LayerDescriptor{Kind: kind, Start: start, End: start + length})
	s.serialize = append(s.serialize, l)
}

// SerializableLayers returns the decoded layers in outermost-to-innermost
// order, plus the innermost transport payload as a trailing layer, suitable
// for gopacket.SerializeLayers after mutation.
func (s *Stack) SerializableLayers() []gopacket.SerializableLayer {
	if s.Transport == nil {
		return s.serialize
	}
	return append(append([]gopacket.SerializableLayer(nil), s.serialize...), s.payload)
}

// HeaderLayers returns every decoded layer except the trailing transport
// payload, for callers that need to substitute a rewritten payload instead
// of the one originally decoded (the Mask stage's rewrite pass).
func (s *Stack) HeaderLayers() []gopacket.SerializableLayer {
	return append([]gopacket.SerializableLayer(nil), s.serialize...)
}

func startKind(linkType layers.LinkType) (Kind, error) {
	switch linkType {
	case layers.LinkTypeEthernet:
		return KindEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return KindLinuxSLL, nil
	default:
		return KindEthernet, nil
	}
}

func nextEthernet(et layers.EthernetType) Kind {
	switch et {
	case layers.EthernetTypeDot1Q, layers.EthernetTypeQinQ:
		return KindDot1Q
	case layers.EthernetTypeIPv4:
		return KindIPv4
	case layers.EthernetTypeIPv6:
		return KindIPv6
	case layers.EthernetTypeMPLSUnicast, layers.EthernetTypeMPLSMulticast:
		return KindMPLS
	default:
		return KindOther
	}
}

func fromGopacketLayerType(lt gopacket.LayerType) Kind {
	switch lt {
	case layers.LayerTypeIPv4:
		return KindIPv4
	case layers.LayerTypeIPv6:
		return KindIPv6
	case layers.LayerTypeTCP:
		return KindTCP
	case layers.LayerTypeUDP:
		return KindUDP
	case layers.LayerTypeGRE:
		return KindGRE
	default:
		return KindOther
	}
}

func guessIPVersion(payload []byte) Kind {
	if len(payload) == 0 {
		return KindOther
	}
	switch payload[0] >> 4 {
	case 4:
		return KindIPv4
	case 6:
		return KindIPv6
	default:
		return KindOther
	}
}

func prependContext(ctx, layer string) string {
	if ctx == "" {
		return layer
	}
	return layer + " inside " + ctx
}

func contextLabel(self, outerCtx string) string {
	if outerCtx == "" {
		return self
	}
	return self + " inside " + outerCtx
}
