package ipanon

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktmask/pktmask-go/config"
)

func testAnonConfig() config.AnonConfig {
	return config.AnonConfig{
		IPv4Delta:       config.IPv4Delta{OneDigit: 3, TwoDigit: 5, ThreeDigit: 20},
		IPv6HextetDelta: 0x1000,
	}
}

func scannerWithV4(addrs ...string) *Scanner {
	s := NewScanner()
	for _, a := range addrs {
		s.Observe(net.ParseIP(a))
	}
	return s
}

func TestBuildMappingIsTotalAndInjectiveForIPv4(t *testing.T) {
	addrs := []string{"192.168.1.1", "192.168.1.2", "192.168.2.5", "10.0.0.1", "10.0.0.2"}
	m := BuildMapping(scannerWithV4(addrs...), testAnonConfig())

	seen := make(map[string]string)
	for _, a := range addrs {
		mapped, ok := m.Lookup(net.ParseIP(a))
		require.True(t, ok, "every pre-scanned address must be mapped")
		require.NotNil(t, mapped)
		for orig, image := range seen {
			if orig != a {
				assert.NotEqual(t, image, mapped.String(), "mapping must be injective")
			}
		}
		seen[a] = mapped.String()
	}
}

func TestBuildMappingIsDeterministicAcrossRuns(t *testing.T) {
	addrs := []string{"192.168.1.1", "192.168.1.2", "172.16.5.9", "2001:db8::1", "2001:db8::2"}
	cfg := testAnonConfig()

	m1 := BuildMapping(scannerWithV4(addrs...), cfg)
	m2 := BuildMapping(scannerWithV4(addrs...), cfg)

	if diff := cmp.Diff(m1.V4, m2.V4); diff != "" {
		t.Fatalf("IPv4 mapping not deterministic (-run1 +run2):\n%s", diff)
	}
	if diff := cmp.Diff(m1.V6, m2.V6); diff != "" {
		t.Fatalf("IPv6 mapping not deterministic (-run1 +run2):\n%s", diff)
	}
}

func TestBuildMappingPreservesHighFrequencyPrefixStructure(t *testing.T) {
	// 192.168.1.* appears 3 times: a high-frequency /24-equivalent prefix.
	addrs := []string{"192.168.1.1", "192.168.1.2", "192.168.1.3"}
	m := BuildMapping(scannerWithV4(addrs...), testAnonConfig())

	var mappedPrefix string
	for _, a := range addrs {
		mapped, ok := m.Lookup(net.ParseIP(a))
		require.True(t, ok)
		parts := mapped.To4()
		prefix := net.IPv4(parts[0], parts[1], parts[2], 0).String()
		if mappedPrefix == "" {
			mappedPrefix = prefix
		} else {
			assert.Equal(t, mappedPrefix, prefix, "high-frequency /24 prefix must map consistently")
		}
	}
	assert.Contains(t, m.HighFreqV4, "192.168.1")
}

func TestBuildMappingLowFrequencyStillConsistentPerExactPrefix(t *testing.T) {
	// Each address below has a unique /24 (low frequency at that level), but
	// the same exact address appearing twice must still map identically.
	s := NewScanner()
	s.Observe(net.ParseIP("203.0.113.7"))
	s.Observe(net.ParseIP("203.0.113.7"))
	m := BuildMapping(s, testAnonConfig())

	a, ok := m.Lookup(net.ParseIP("203.0.113.7"))
	require.True(t, ok)
	b, ok := m.Lookup(net.ParseIP("203.0.113.7"))
	require.True(t, ok)
	assert.Equal(t, a.String(), b.String())
	assert.NotContains(t, m.HighFreqV4, "203.0.113")
}

func TestBuildMappingHandlesIPv6(t *testing.T) {
	s := NewScanner()
	s.Observe(net.ParseIP("2001:db8::1"))
	s.Observe(net.ParseIP("2001:db8::2"))
	m := BuildMapping(s, testAnonConfig())

	a, ok := m.Lookup(net.ParseIP("2001:db8::1"))
	require.True(t, ok)
	b, ok := m.Lookup(net.ParseIP("2001:db8::2"))
	require.True(t, ok)
	assert.NotEqual(t, a.String(), b.String())
}

func TestMappingLookupMissReturnsFalse(t *testing.T) {
	m := BuildMapping(scannerWithV4("10.0.0.1"), testAnonConfig())
	_, ok := m.Lookup(net.ParseIP("8.8.8.8"))
	assert.False(t, ok)
}

func TestMappingReportIncludesHighFrequencyAndUnparsed(t *testing.T) {
	m := BuildMapping(scannerWithV4("192.168.1.1", "192.168.1.2"), testAnonConfig())
	m.RecordUnparsable("not-an-ip")

	report := m.Report()
	assert.Contains(t, report.HighFrequencyPrefixesV4, "192.168.1")
	assert.Equal(t, []string{"not-an-ip"}, report.Unparsed)

	data, err := report.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), "192.168.1.1")
}

func TestDeltaForIPv4ScalesByDigitCount(t *testing.T) {
	d := config.IPv4Delta{OneDigit: 3, TwoDigit: 5, ThreeDigit: 20}
	assert.Equal(t, 3, deltaForIPv4(5, d))
	assert.Equal(t, 5, deltaForIPv4(42, d))
	assert.Equal(t, 20, deltaForIPv4(200, d))
}

func TestDeltaForHextetScalesByHexWidth(t *testing.T) {
	full := 0x1000
	assert.Equal(t, full, deltaForHextet(0x1234, full))
	assert.Equal(t, full/16, deltaForHextet(0x0abc, full))
	assert.Equal(t, full/256, deltaForHextet(0x00ab, full))
	assert.Equal(t, full/4096, deltaForHextet(0x0009, full))
}
