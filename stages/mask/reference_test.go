package mask

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktmask/pktmask-go/config"
)

func TestParseTsharkFieldsParsesFrameContentTypeAndLength(t *testing.T) {
	out := []byte("1,22,517\n2,23,48\n\n3,21,2\n")
	records, err := parseTsharkFields(out)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ReferenceRecord{Frame: 1, ContentType: contentHandshake, Length: 517}, records[0])
	assert.Equal(t, ReferenceRecord{Frame: 2, ContentType: contentApplicationData, Length: 48}, records[1])
	assert.Equal(t, ReferenceRecord{Frame: 3, ContentType: contentAlert, Length: 2}, records[2])
}

func TestParseTsharkFieldsSkipsMalformedLines(t *testing.T) {
	out := []byte("not-a-number,22\n4,not-a-byte\n5,22,10\n")
	records, err := parseTsharkFields(out)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 5, records[0].Frame)
}

// fakeAnalyzer lets crossValidate be exercised without shelling out to a
// real tshark binary.
type fakeAnalyzer struct {
	records []ReferenceRecord
	err     error
	called  bool
}

func (f *fakeAnalyzer) AnalyzeRecords(path string) ([]ReferenceRecord, error) {
	f.called = true
	return f.records, f.err
}

func TestCrossValidateIsNoOpWithoutEnhancedAnalyzerConfigured(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	handshake := tlsRecord(contentHandshake, []byte("clienthello"))
	writeFixture(t, in, [][]byte{buildTCPPacket(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 40000, 443, 1, handshake)})

	analyzer := &fakeAnalyzer{records: []ReferenceRecord{{Frame: 1, ContentType: contentAlert}}}
	s := New(config.MaskConfig{Preserve: defaultPreserve()})
	s.analyzer = analyzer

	out := filepath.Join(dir, "out.pcap")
	_, err := s.Process(context.Background(), in, out, nil)
	require.NoError(t, err)
	assert.False(t, analyzer.called, "UseEnhancedAnalyzer defaults to false, so the reference analyzer must never be consulted")
}

func TestCrossValidateToleratesAnalyzerFailure(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	handshake := tlsRecord(contentHandshake, []byte("clienthello"))
	writeFixture(t, in, [][]byte{buildTCPPacket(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 40000, 443, 1, handshake)})

	s := New(config.MaskConfig{Preserve: defaultPreserve(), UseEnhancedAnalyzer: true, TsharkPath: "tshark"})
	s.analyzer = &fakeAnalyzer{err: errors.New("binary not found")}

	out := filepath.Join(dir, "out.pcap")
	stats, err := s.Process(context.Background(), in, out, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PacketsModified, "a failing reference analyzer must not block masking")
}

func TestContentTypesInRangeMapsPacketsToOverlappingContentTypes(t *testing.T) {
	segments := []segment{
		{packetIdx: 0, offset: 0, length: 16},
		{packetIdx: 1, offset: 16, length: 16},
	}
	preserve := []interval{
		{Start: 0, End: 16, ContentType: contentHandshake},
		{Start: 16, End: 21, ContentType: contentApplicationData},
	}
	got := contentTypesInRange(segments, preserve)
	require.Contains(t, got, 0)
	assert.True(t, got[0][contentHandshake])
	require.Contains(t, got, 1)
	assert.True(t, got[1][contentApplicationData])
}

func TestCrossValidateLogsOnContentTypeMismatchWithoutChangingOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	appData := tlsRecord(contentApplicationData, []byte("secretbytes"))
	writeFixture(t, in, [][]byte{buildTCPPacket(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 40000, 443, 1, appData)})

	// The reference analyzer disagrees with this stage's own parse (reports
	// a handshake record where this stage found application data); the
	// mismatch must only be logged, never change the masked output.
	s := New(config.MaskConfig{Preserve: defaultPreserve(), UseEnhancedAnalyzer: true, TsharkPath: "tshark"})
	s.analyzer = &fakeAnalyzer{records: []ReferenceRecord{{Frame: 1, ContentType: contentHandshake}}}

	out := filepath.Join(dir, "out.pcap")
	stats, err := s.Process(context.Background(), in, out, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PacketsModified)

	got := readAll(t, out)
	require.Len(t, got, 1)
	payload := tcpPayload(t, got[0])
	assert.Equal(t, appData[:5], payload[:5])
}
