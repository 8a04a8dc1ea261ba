package ipanon

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"

	"github.com/pktmask/pktmask-go/config"
)

// Mapping is the frozen original->anonymized address table built once per
// batch (spec §3.3): total over the observed domain, injective,
// deterministic, and structure-preserving for high-frequency prefixes.
type Mapping struct {
	V4 map[string]string
	V6 map[string]string

	// HighFreqV4 and HighFreqV6 list the A.B.C / 7-hextet prefixes the
	// pre-scan found at or above the high-frequency threshold (spec
	// §4.3.1), for the report's visibility into which prefixes were
	// structure-preserved rather than mapped independently.
	HighFreqV4 []string
	HighFreqV6 []string

	unparsed []string // addresses the pre-scan could not classify; logged, not mapped
}

// level holds the per-level state segment_map needs: a cache keyed by the
// exact prefix (for both high- and low-frequency consistency, spec
// §4.3.2), and a used-value set scoped to each prefix's immediate parent
// so siblings sharing a parent never collide — the scoping that keeps the
// final per-octet/hextet tuple injective end to end.
type level struct {
	cache        map[string]int
	usedByParent map[string]map[int]bool
}

func newLevel() *level {
	return &level{cache: make(map[string]int), usedByParent: make(map[string]map[int]bool)}
}

// segmentMap implements spec §4.3.2's segment_map: cache hit returns the
// already-assigned image; otherwise a deterministic PRNG seeded by
// SHA-256(seedBase || original) proposes values in a neighborhood of the
// original, widening to the full admissible range if the neighborhood is
// exhausted, until a value unused among the prefix's siblings is found.
func (l *level) segmentMap(seedTag, parentKey, prefixKey string, original, minV, maxV, delta int) int {
	if v, ok := l.cache[prefixKey]; ok {
		return v
	}
	used := l.usedByParent[parentKey]
	if used == nil {
		used = make(map[int]bool)
		l.usedByParent[parentKey] = used
	}

	seedBase := seedTag + ":" + prefixKey
	v := pickCandidate(seedBase, original, minV, maxV, delta, used)
	l.cache[prefixKey] = v
	used[v] = true
	return v
}

func pickCandidate(seedBase string, original, minV, maxV, delta int, used map[int]bool) int {
	h := sha256.Sum256([]byte(seedBase + "|" + strconv.Itoa(original)))
	seed := int64(binary.BigEndian.Uint64(h[:8]))
	rng := rand.New(rand.NewSource(seed))

	lo, hi := original-delta, original+delta
	if lo < minV {
		lo = minV
	}
	if hi > maxV {
		hi = maxV
	}
	if v, ok := tryRange(rng, lo, hi, original, used); ok {
		return v
	}
	if v, ok := tryRange(rng, minV, maxV, original, used); ok {
		return v
	}
	// Admissible range fully exhausted (not expected at realistic batch
	// sizes); fall back to the original value so the mapping stays total
	// rather than panicking.
	return original
}

func tryRange(rng *rand.Rand, lo, hi, original int, used map[int]bool) (int, bool) {
	candidates := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		if v != original {
			candidates = append(candidates, v)
		}
	}
	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	for _, v := range candidates {
		if !used[v] {
			return v, true
		}
	}
	return 0, false
}

// deltaForIPv4 picks the neighborhood width by the original octet's digit
// count (spec §4.3.2: ±3/±5/±20 for one/two/three-digit segments).
func deltaForIPv4(original int, d config.IPv4Delta) int {
	switch {
	case original < 10:
		return d.OneDigit
	case original < 100:
		return d.TwoDigit
	default:
		return d.ThreeDigit
	}
}

// deltaForHextet scales the IPv6 neighborhood width by hex-digit width,
// the spec's "scale similarly by hextet width" (§4.3.2). fullDelta is the
// configured delta for a full 4-hex-digit hextet
// (config.AnonConfig.IPv6HextetDelta); narrower hextets get a
// proportionally narrower neighborhood, mirroring how IPv4's one/two/
// three-digit octets get ±3/±5/±20. This module resolves the
// otherwise-unspecified scaling factor as a 16x step per extra hex digit;
// see DESIGN.md.
func deltaForHextet(original uint16, fullDelta int) int {
	switch {
	case original < 0x10:
		return max1(fullDelta / 4096)
	case original < 0x100:
		return max1(fullDelta / 256)
	case original < 0x1000:
		return max1(fullDelta / 16)
	default:
		return fullDelta
	}
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// BuildMapping constructs the frozen mapping table for a pre-scan batch
// (spec §4.3.2). Distinct addresses are processed in ascending numeric
// order within each family so the result is reproducible regardless of
// iteration order over the underlying sets.
func BuildMapping(scanner *Scanner, cfg config.AnonConfig) *Mapping {
	m := &Mapping{V4: make(map[string]string), V6: make(map[string]string)}

	levelA, levelAB, levelABC := newLevel(), newLevel(), newLevel()
	for _, ip := range scanner.DistinctV4() {
		b := ip.To4()
		a0, a1, a2, a3 := int(b[0]), int(b[1]), int(b[2]), int(b[3])

		aKey := strconv.Itoa(a0)
		abKey := fmt.Sprintf("%d.%d", a0, a1)
		abcKey := fmt.Sprintf("%d.%d.%d", a0, a1, a2)

		aPrime := levelA.segmentMap("ipv4:A", "", aKey, a0, 1, 255, deltaForIPv4(a0, cfg.IPv4Delta))
		bPrime := levelAB.segmentMap("ipv4:AB", aKey, abKey, a1, 0, 255, deltaForIPv4(a1, cfg.IPv4Delta))
		cPrime := levelABC.segmentMap("ipv4:ABC", abKey, abcKey, a2, 0, 255, deltaForIPv4(a2, cfg.IPv4Delta))

		m.V4[ip.String()] = fmt.Sprintf("%d.%d.%d.%d", aPrime, bPrime, cPrime, a3)
	}

	levels := make([]*level, 7)
	for i := range levels {
		levels[i] = newLevel()
	}
	for _, ip := range scanner.DistinctV6() {
		hx := expandHextets(ip)
		var parentKey string
		out := hx
		for i := 0; i < 7; i++ {
			prefixKey := hextetPrefixKey(hx[:i+1])
			image := levels[i].segmentMap(
				"ipv6:"+strconv.Itoa(i), parentKey, prefixKey,
				int(hx[i]), 0, 0xFFFF, deltaForHextet(hx[i], cfg.IPv6HextetDelta),
			)
			out[i] = uint16(image)
			parentKey = prefixKey
		}
		m.V6[ip.String()] = formatIPv6(out)
	}

	m.HighFreqV4 = highFrequencyKeys(scanner.FreqABC)
	m.HighFreqV6 = highFrequencyKeys(scanner.FreqHextet[6])
	return m
}

// highFrequencyKeys returns, in sorted order, every prefix key whose
// pre-scan occurrence count meets the high-frequency threshold (spec
// §4.3.1).
func highFrequencyKeys(freq map[string]int) []string {
	var out []string
	for k, count := range freq {
		if HighFrequency(count) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Lookup returns the anonymized address for an original address and
// whether it was present in the mapping. Addresses absent from the table
// (outside this batch's pre-scan) are left untouched by callers (spec
// §4.3.3).
func (m *Mapping) Lookup(ip net.IP) (net.IP, bool) {
	if v4 := ip.To4(); v4 != nil {
		if s, ok := m.V4[v4.String()]; ok {
			return net.ParseIP(s).To4(), true
		}
		return nil, false
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, false
	}
	if s, ok := m.V6[v6.String()]; ok {
		return net.ParseIP(s), true
	}
	return nil, false
}

// RecordUnparsable logs (by retaining, for the caller to surface) an
// address that could not be parsed as IPv4 or IPv6 (spec §4.3.2 edge
// case): it passes through unchanged and is never added to the mapping.
func (m *Mapping) RecordUnparsable(raw string) {
	m.unparsed = append(m.unparsed, raw)
}

// Unparsed returns the raw values recorded via RecordUnparsable.
func (m *Mapping) Unparsed() []string { return append([]string(nil), m.unparsed...) }
