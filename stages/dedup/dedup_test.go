package dedup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktmask/pktmask-go/pcapio"
	"github.com/pktmask/pktmask-go/pipeline"
)

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

func TestProcessDropsByteIdenticalDuplicatesPreservingOrder(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")

	a := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}
	b := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19}
	writeFixture(t, in, [][]byte{a, b, a, a, b})

	stats, err := New().Process(context.Background(), in, out, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.PacketsProcessed)
	assert.Equal(t, int64(3), stats.Counters["duplicates_removed"])
	assert.Equal(t, int64(2), stats.Counters["packets_kept"])

	got := readAll(t, out)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, b, got[1])
}

func TestProcessIsIdempotentOnAlreadyDedupedInput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out1 := filepath.Join(dir, "out1.pcap")
	out2 := filepath.Join(dir, "out2.pcap")

	a := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	b := []byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
	writeFixture(t, in, [][]byte{a, b})

	_, err := New().Process(context.Background(), in, out1, nil)
	require.NoError(t, err)
	stats2, err := New().Process(context.Background(), out1, out2, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), stats2.Counters["duplicates_removed"])
	assert.Equal(t, readAll(t, out1), readAll(t, out2))
}

func TestProcessReportsNoModificationsOnlyRemovals(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")
	writeFixture(t, in, [][]byte{{1, 2, 3, 4}})

	stats, err := New().Process(context.Background(), in, out, func(pipeline.Event) {})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PacketsModified)
}
