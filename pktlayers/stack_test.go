package pktlayers

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, opts gopacket.SerializeOptions, layersList ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, opts, layersList...))
	return append([]byte(nil), buf.Bytes()...)
}

func ethIPv4TCP(t *testing.T, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		DstMAC:       net.HardwareAddr{0x00, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(192, 168, 1, 10),
		DstIP:    net.IPv4(192, 168, 1, 20),
	}
	tcp := &layers.TCP{SrcPort: 50000, DstPort: 443, Seq: 1}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	return serialize(t, opts, eth, ip, tcp, gopacket.Payload(payload))
}

func TestWalkDecodesEthernetIPv4TCP(t *testing.T) {
	data := ethIPv4TCP(t, []byte("hello"))

	stack, err := Walk(data, layers.LinkTypeEthernet)
	require.NoError(t, err)

	require.Len(t, stack.IPLayers, 1)
	assert.Equal(t, "192.168.1.10", stack.IPLayers[0].SrcIP().String())
	assert.Equal(t, "192.168.1.20", stack.IPLayers[0].DstIP().String())
	require.NotNil(t, stack.Transport)
	require.NotNil(t, stack.Transport.TCP)
	assert.Equal(t, layers.TCPPort(50000), stack.Transport.TCP.SrcPort)
	assert.Equal(t, []byte("hello"), []byte(stack.Transport.TCP.Payload))
}

func TestWalkStopsCleanlyOnUnsupportedEncapsulation(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 10, 11, 12, 13, 14},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	icmp := &layers.ICMPv4{}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	data := serialize(t, opts, eth, ip, icmp)

	stack, err := Walk(data, layers.LinkTypeEthernet)
	require.NoError(t, err)
	assert.Len(t, stack.IPLayers, 1, "the IP layer above the unsupported payload is still kept")
	assert.Nil(t, stack.Transport)
}

func TestWalkDescendsThroughVXLANTunnel(t *testing.T) {
	innerEth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 10, 11, 12, 13, 14},
		EthernetType: layers.EthernetTypeIPv4,
	}
	innerIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(172, 16, 0, 5),
		DstIP:    net.IPv4(172, 16, 0, 6),
	}
	innerTCP := &layers.TCP{SrcPort: 1111, DstPort: 2222, Seq: 1}
	require.NoError(t, innerTCP.SetNetworkLayerForChecksum(innerIP))
	innerOpts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	innerFrame := serialize(t, innerOpts, innerEth, innerIP, innerTCP, gopacket.Payload([]byte("tunneled")))

	vxlan := &VXLAN{ValidIDFlag: true, VNI: 42}

	outerEth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	outerIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(198, 51, 100, 1),
		DstIP:    net.IPv4(198, 51, 100, 2),
	}
	outerUDP := &layers.UDP{SrcPort: 55555, DstPort: vxlanUDPPort}
	require.NoError(t, outerUDP.SetNetworkLayerForChecksum(outerIP))

	outerOpts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	data := serialize(t, outerOpts, outerEth, outerIP, outerUDP, vxlan, gopacket.Payload(innerFrame))

	stack, err := Walk(data, layers.LinkTypeEthernet)
	require.NoError(t, err)

	require.Len(t, stack.IPLayers, 2, "outer tunnel IP and inner tunneled IP must both be found")
	assert.Equal(t, "198.51.100.1", stack.IPLayers[0].SrcIP().String())
	assert.Equal(t, "172.16.0.5", stack.IPLayers[1].SrcIP().String())
	require.NotNil(t, stack.Transport)
	require.NotNil(t, stack.Transport.TCP)
	assert.Equal(t, layers.TCPPort(1111), stack.Transport.TCP.SrcPort)
}

func TestSerializableLayersRoundTrip(t *testing.T) {
	data := ethIPv4TCP(t, []byte("payload"))
	stack, err := Walk(data, layers.LinkTypeEthernet)
	require.NoError(t, err)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, stack.SerializableLayers()...))
	assert.Equal(t, data, buf.Bytes())
}

func TestHeaderLayersExcludesPayload(t *testing.T) {
	data := ethIPv4TCP(t, []byte("payload"))
	stack, err := Walk(data, layers.LinkTypeEthernet)
	require.NoError(t, err)

	headers := stack.HeaderLayers()
	all := stack.SerializableLayers()
	assert.Len(t, headers, len(all)-1)
}
