package anon

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktmask/pktmask-go/config"
	"github.com/pktmask/pktmask-go/pcapio"
)

func testConfig() config.AnonConfig {
	return config.AnonConfig{
		IPv4Delta:       config.IPv4Delta{OneDigit: 3, TwoDigit: 5, ThreeDigit: 20},
		IPv6HextetDelta: 0x1000,
	}
}

func buildPacket(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 10, 11, 12, 13, 14},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: 1000, DstPort: 2000, Seq: 1}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte("hi"))))
	return append([]byte(nil), buf.Bytes()...)
}

func writeFixture(t *testing.T, path string, records [][]byte) {
	t.Helper()
	writer, err := pcapio.CreateWriter(path, pcapio.FormatPCAP, layers.LinkTypeEthernet, 65535)
	require.NoError(t, err)
	ts := pcapio.NowTimestamp()
	for _, data := range records {
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
		require.NoError(t, writer.WritePacket(pcapio.Packet{Data: data, CI: ci}))
	}
	require.NoError(t, writer.Close())
}

func readAll(t *testing.T, path string) [][]byte {
	t.Helper()
	reader, _, err := pcapio.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var out [][]byte
	for {
		pkt, err := reader.ReadPacket()
		if err != nil {
			break
		}
		out = append(out, append([]byte(nil), pkt.Data...))
	}
	return out
}

func decodeIPv4(t *testing.T, data []byte) *layers.IPv4 {
	t.Helper()
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	l := pkt.Layer(layers.LayerTypeIPv4)
	require.NotNil(t, l)
	return l.(*layers.IPv4)
}

func TestProcessFailsWithoutPreScan(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	writeFixture(t, in, [][]byte{buildPacket(t, net.IPv4(192, 168, 1, 1), net.IPv4(192, 168, 1, 2))})

	s := New(testConfig())
	_, err := s.Process(context.Background(), in, filepath.Join(dir, "out.pcap"), nil)
	assert.Error(t, err)
}

func TestPreScanThenProcessRewritesIPAddressesConsistently(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")

	srcA, dstA := net.IPv4(192, 168, 1, 1), net.IPv4(192, 168, 1, 2)
	records := [][]byte{
		buildPacket(t, srcA, dstA),
		buildPacket(t, srcA, dstA),
	}
	writeFixture(t, in, records)

	s := New(testConfig())
	require.NoError(t, s.PreScan(context.Background(), []string{in}))
	require.NotNil(t, s.Mapping())

	out := filepath.Join(dir, "out.pcap")
	stats, err := s.Process(context.Background(), in, out, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PacketsModified)

	got := readAll(t, out)
	require.Len(t, got, 2)

	ip0 := decodeIPv4(t, got[0])
	ip1 := decodeIPv4(t, got[1])
	assert.Equal(t, ip0.SrcIP.String(), ip1.SrcIP.String(), "identical source addresses must map identically")
	assert.NotEqual(t, srcA.String(), ip0.SrcIP.String(), "mapped address must differ from the original")

	mapped, ok := s.Mapping().Lookup(srcA)
	require.True(t, ok)
	assert.Equal(t, mapped.String(), ip0.SrcIP.String())
}

func TestProcessPassesThroughUnsupportedEncapsulationUnchanged(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")

	raw := []byte{0xff, 0xff, 0xff} // too short to decode as any known link layer content
	writeFixture(t, in, [][]byte{raw})

	s := New(testConfig())
	require.NoError(t, s.PreScan(context.Background(), []string{in}))

	out := filepath.Join(dir, "out.pcap")
	stats, err := s.Process(context.Background(), in, out, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PacketsModified)

	got := readAll(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, raw, got[0])
}
