// Package mask implements the Mask stage (spec §4.4): a two-pass,
// TLS-aware TCP payload masker. Pass one reassembles each flow direction's
// payload stream, parses TLS records over it, and builds a preservation
// mask; pass two rewrites every packet's payload against that mask and
// recomputes checksums. Grounded on heplify's decoder.go for the
// layer-walk/serialize idiom and its protos package for the "classify
// bytes, decide what to keep" shape; the two-pass split itself mirrors the
// log capture service's collect-then-apply batch design.
package mask

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/negbie/logp"

	"github.com/pktmask/pktmask-go/checksum"
	"github.com/pktmask/pktmask-go/config"
	"github.com/pktmask/pktmask-go/pcapio"
	"github.com/pktmask/pktmask-go/pipeline"
	"github.com/pktmask/pktmask-go/pkgerr"
	"github.com/pktmask/pktmask-go/pktlayers"
)

// TLS content types recognized by the record parser (spec §3.4).
const (
	contentChangeCipherSpec = 20
	contentAlert            = 21
	contentHandshake        = 22
	contentApplicationData  = 23
	contentHeartbeat        = 24
)

// Stage implements pipeline.Stage for TLS-aware TCP payload masking.
type Stage struct {
	cfg config.MaskConfig
	// analyzer is the reference cross-check collaborator; nil selects the
	// real TsharkAnalyzer lazily via referenceAnalyzer(). Tests inject a
	// fake here to exercise crossValidate without shelling out.
	analyzer ReferenceAnalyzer
}

// New returns a Mask stage configured with the given preservation policy.
func New(cfg config.MaskConfig) *Stage { return &Stage{cfg: cfg} }

func (s *Stage) Name() string { return "mask" }

// referenceAnalyzer returns the configured ReferenceAnalyzer, defaulting to
// a TsharkAnalyzer bound to the configured binary path.
func (s *Stage) referenceAnalyzer() ReferenceAnalyzer {
	if s.analyzer != nil {
		return s.analyzer
	}
	return &TsharkAnalyzer{Path: s.cfg.TsharkPath}
}

// interval is a half-open byte range [Start, End) over a flow direction's
// reassembled payload stream (spec §3.5), tagged with the TLS content type
// that produced it so crossValidate can compare its own record boundaries
// against an external analyzer's without re-parsing the stream.
type interval struct {
	Start, End  int
	ContentType byte
}

// segment is one contributing packet's placement within its flow
// direction's reassembled stream (spec §4.4.1 step 3).
type segment struct {
	packetIdx int
	offset    int
	length    int
}

// packetInfo captures everything pass one learns about one packet that
// pass two needs.
type packetInfo struct {
	data       []byte
	ci         gopacket.CaptureInfo
	hasTCP     bool
	override   bool // SYN/FIN/RST: bypass masking entirely (spec §4.4.1 step 6)
	flowKey    pktlayers.FlowKey
	dir        pktlayers.Direction
	seq        uint32
	payload    []byte
}

type flowDirKey struct {
	key pktlayers.FlowKey
	dir pktlayers.Direction
}

type flowDirState struct {
	segments  []segment
	streamLen int
	preserve  []interval
}

// Process implements the two-pass masking algorithm (spec §4.4.1).
func (s *Stage) Process(ctx context.Context, inputPath, outputPath string, emit pipeline.EventFunc) (pipeline.StageStats, error) {
	if emit == nil {
		emit = func(pipeline.Event) {}
	}
	stats := pipeline.StageStats{Stage: s.Name()}

	format, err := pcapio.DetectFormat(inputPath)
	if err != nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindInputUnreadable, fmt.Errorf("detect format: %w", err))
	}
	reader, _, err := pcapio.OpenReader(inputPath)
	if err != nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindInputUnreadable, fmt.Errorf("open reader: %w", err))
	}
	linkType := reader.LinkType()

	var infos []packetInfo
	var analysisErrors int64
	for {
		if err := ctx.Err(); err != nil {
			reader.Close()
			return stats, err
		}
		pkt, err := reader.ReadPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			reader.Close()
			return stats, pkgerr.NewPacket(s.Name(), pkgerr.KindPacketParse, stats.PacketsProcessed, fmt.Errorf("read packet: %w", err))
		}
		stats.PacketsProcessed++

		info, err := analyzePacket(pkt, linkType)
		if err != nil {
			analysisErrors++
			logp.Debug("mask", "%v", pkgerr.NewPacket(s.Name(), pkgerr.KindUnsupportedEncapsulation, stats.PacketsProcessed-1, err))
			infos = append(infos, packetInfo{data: pkt.Data, ci: pkt.CI})
			continue
		}
		infos = append(infos, info)
	}
	reader.Close()

	// Pass one, step 2-3: group payload-carrying packets by canonical flow
	// and direction, then order each group by TCP sequence number.
	flows := make(map[flowDirKey]*flowDirState)
	for i := range infos {
		in := &infos[i]
		if !in.hasTCP || in.override || len(in.payload) == 0 {
			continue
		}
		fk := flowDirKey{key: in.flowKey, dir: in.dir}
		st := flows[fk]
		if st == nil {
			st = &flowDirState{}
			flows[fk] = st
		}
		st.segments = append(st.segments, segment{packetIdx: i, length: len(in.payload)})
	}

	for _, st := range flows {
		sortSegments(infos, st.segments)
		offset := 0
		for i := range st.segments {
			st.segments[i].offset = offset
			offset += st.segments[i].length
		}
		st.streamLen = offset

		if s.cfg.UseBasicMasker {
			// Basic masker: no TLS awareness, nothing preserved beyond the
			// control-packet override above (SPEC_FULL §3's fallback path).
			continue
		}

		stream := make([]byte, 0, st.streamLen)
		for _, seg := range st.segments {
			stream = append(stream, infos[seg.packetIdx].payload...)
		}
		st.preserve = parseTLSStream(stream, s.cfg.Preserve)
	}

	s.crossValidate(inputPath, infos, flows)

	writer, err := pcapio.CreateWriter(outputPath, format, linkType, 262144)
	if err != nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("create writer: %w", err))
	}
	defer writer.Close()

	segmentByPacket := make(map[int]segment)
	for _, st := range flows {
		for _, seg := range st.segments {
			segmentByPacket[seg.packetIdx] = seg
		}
	}

	var bytesMasked, bytesPreserved, modified int64
	for i := range infos {
		in := &infos[i]
		out := pcapio.Packet{Data: in.data, CI: in.ci}

		if !in.hasTCP || in.override || len(in.payload) == 0 {
			if rewritten, changed := recomputeOnly(in.data, linkType); changed {
				out.Data = rewritten
			}
			if err := writer.WritePacket(out); err != nil {
				return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("write packet: %w", err))
			}
			continue
		}

		seg := segmentByPacket[i]
		fk := flowDirKey{key: in.flowKey, dir: in.dir}
		st := flows[fk]

		newPayload, masked, preserved := maskPayload(in.payload, seg.offset, st.preserve)
		bytesMasked += masked
		bytesPreserved += preserved

		rewritten, err := rewritePayload(in.data, linkType, newPayload)
		if err != nil {
			analysisErrors++
			logp.Debug("mask", "%v", pkgerr.NewPacket(s.Name(), pkgerr.KindPacketParse, i, err))
			if err := writer.WritePacket(out); err != nil {
				return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("write packet: %w", err))
			}
			continue
		}
		out.Data = rewritten
		modified++

		if err := writer.WritePacket(out); err != nil {
			return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("write packet: %w", err))
		}
	}

	stats.PacketsModified = int(modified)
	stats.AddCounter("bytes_masked", bytesMasked)
	stats.AddCounter("bytes_preserved", bytesPreserved)
	stats.AddCounter("analysis_errors", analysisErrors)
	return stats, nil
}

// sortSegments orders a flow direction's contributing packets by TCP
// sequence number, breaking ties by original packet order for stability
// (spec §4.4.1 step 3).
func sortSegments(infos []packetInfo, segs []segment) {
	sort.SliceStable(segs, func(i, j int) bool {
		a, b := infos[segs[i].packetIdx], infos[segs[j].packetIdx]
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return segs[i].packetIdx < segs[j].packetIdx
	})
}

// parseTLSStream walks a reassembled flow-direction byte stream looking for
// TLS records (spec §4.4.1 step 4) and returns the preservation intervals
// implied by each record's content type (spec §4.4.1 step 5).
func parseTLSStream(stream []byte, policy config.MaskPreserve) []interval {
	var out []interval
	n := len(stream)
	i := 0
	for i < n {
		if i+5 > n {
			break // trailing fragment too short to carry a header: left unmasked-by-default (zeroed)
		}
		contentType := stream[i]
		declaredLength := int(stream[i+3])<<8 | int(stream[i+4])

		if !isKnownContentType(contentType) {
			i++
			continue
		}

		end := i + 5 + declaredLength
		complete := end <= n
		if !complete {
			end = n
		}

		if preserveWhole(contentType, policy) {
			out = append(out, interval{Start: i, End: end, ContentType: contentType})
		} else if contentType == contentApplicationData {
			headerEnd := i + 5
			if headerEnd > end {
				headerEnd = end
			}
			if policy.ApplicationData {
				out = append(out, interval{Start: i, End: end, ContentType: contentType})
			} else {
				out = append(out, interval{Start: i, End: headerEnd, ContentType: contentType})
			}
		}

		if !complete {
			break
		}
		i = end
	}
	return out
}

func isKnownContentType(b byte) bool {
	switch b {
	case contentChangeCipherSpec, contentAlert, contentHandshake, contentApplicationData, contentHeartbeat:
		return true
	default:
		return false
	}
}

func preserveWhole(contentType byte, policy config.MaskPreserve) bool {
	switch contentType {
	case contentHandshake:
		return policy.Handshake
	case contentAlert:
		return policy.Alert
	case contentChangeCipherSpec:
		return policy.ChangeCipherSpec
	case contentHeartbeat:
		return policy.Heartbeat
	default:
		return false
	}
}

// maskPayload applies the preservation mask to one packet's payload slice,
// given its offset within the flow-direction stream (spec §4.4.1 pass two,
// §4.4.2 cross-segment handling).
func maskPayload(payload []byte, flowOffset int, preserve []interval) (out []byte, masked, preserved int64) {
	out = append([]byte(nil), payload...)
	for i := range out {
		abs := flowOffset + i
		if inAny(abs, preserve) {
			preserved++
			continue
		}
		out[i] = 0x00
		masked++
	}
	return out, masked, preserved
}

func inAny(pos int, intervals []interval) bool {
	for _, iv := range intervals {
		if pos >= iv.Start && pos < iv.End {
			return true
		}
	}
	return false
}

// analyzePacket decodes one packet and extracts the flow/direction/sequence
// metadata and payload bytes pass one needs.
func analyzePacket(pkt pcapio.Packet, linkType layers.LinkType) (packetInfo, error) {
	stack, err := pktlayers.Walk(pkt.Data, linkType)
	if err != nil {
		return packetInfo{}, err
	}
	info := packetInfo{data: pkt.Data, ci: pkt.CI}
	if stack.Transport == nil || stack.Transport.TCP == nil || len(stack.IPLayers) == 0 {
		return info, nil
	}
	tcp := stack.Transport.TCP
	inner := stack.IPLayers[len(stack.IPLayers)-1]

	info.hasTCP = true
	info.override = tcp.SYN || tcp.FIN || tcp.RST
	info.seq = tcp.Seq
	info.payload = append([]byte(nil), tcp.Payload...)
	info.flowKey, info.dir = pktlayers.Canonicalize(inner.SrcIP(), uint16(tcp.SrcPort), inner.DstIP(), uint16(tcp.DstPort))
	return info, nil
}

// rewritePayload re-decodes data, replaces the innermost TCP payload with
// newPayload, invalidates and recomputes every affected checksum, and
// re-serializes (spec §4.4.1 pass two, final bullet).
func rewritePayload(data []byte, linkType layers.LinkType, newPayload []byte) ([]byte, error) {
	stack, err := pktlayers.Walk(data, linkType)
	if err != nil {
		return nil, err
	}
	if stack.Transport == nil || stack.Transport.TCP == nil {
		return nil, fmt.Errorf("no tcp layer to rewrite")
	}
	tcp := stack.Transport.TCP
	tcp.Payload = newPayload

	for i := range stack.IPLayers {
		if stack.IPLayers[i].V4 != nil {
			checksum.InvalidateIPv4(stack.IPLayers[i].V4)
		}
	}
	checksum.InvalidateTCP(tcp)

	var network gopacket.NetworkLayer
	inner := stack.IPLayers[len(stack.IPLayers)-1]
	if inner.V4 != nil {
		network = inner.V4
	} else {
		network = inner.V6
	}
	if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	toSerialize := append(stack.HeaderLayers(), gopacket.Payload(newPayload))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, toSerialize...); err != nil {
		return nil, fmt.Errorf("re-serialize packet: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// recomputeOnly recomputes checksums for a pass-through packet (one not
// otherwise rewritten this stage), covering the "checksum invalidation if
// the anonymization stage touched it upstream" case from spec §4.4.1.
func recomputeOnly(data []byte, linkType layers.LinkType) ([]byte, bool) {
	stack, err := pktlayers.Walk(data, linkType)
	if err != nil || stack.Transport == nil {
		return nil, false
	}
	for i := range stack.IPLayers {
		if stack.IPLayers[i].V4 != nil {
			checksum.InvalidateIPv4(stack.IPLayers[i].V4)
		}
	}
	var network gopacket.NetworkLayer
	if len(stack.IPLayers) > 0 {
		inner := stack.IPLayers[len(stack.IPLayers)-1]
		if inner.V4 != nil {
			network = inner.V4
		} else {
			network = inner.V6
		}
	}
	if stack.Transport.TCP != nil && network != nil {
		checksum.InvalidateTCP(stack.Transport.TCP)
		if err := stack.Transport.TCP.SetNetworkLayerForChecksum(network); err != nil {
			return nil, false
		}
	}
	if stack.Transport.UDP != nil && network != nil {
		checksum.InvalidateUDP(stack.Transport.UDP)
		if err := stack.Transport.UDP.SetNetworkLayerForChecksum(network); err != nil {
			return nil, false
		}
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack.SerializableLayers()...); err != nil {
		return nil, false
	}
	return append([]byte(nil), buf.Bytes()...), true
}

// crossValidate optionally runs an external TLS-aware analyzer over
// inputPath to sanity-check the record boundaries parseTLSStream already
// committed to flows' preserve intervals (spec §4.4.5). It is gated on both
// UseEnhancedAnalyzer and a configured tshark path, runs only after the
// preservation mask is final, and never alters it: a discrepancy is only
// ever logged, and a missing or failing binary is tolerated silently,
// matching the spec's "no hard runtime dependency on external binaries."
func (s *Stage) crossValidate(inputPath string, infos []packetInfo, flows map[flowDirKey]*flowDirState) {
	if !s.cfg.UseEnhancedAnalyzer || s.cfg.TsharkPath == "" {
		return
	}

	ownContentTypes := make(map[int]map[byte]bool)
	for _, st := range flows {
		for packetIdx, types := range contentTypesInRange(st.segments, st.preserve) {
			ownContentTypes[packetIdx] = types
		}
	}

	records, err := s.referenceAnalyzer().AnalyzeRecords(inputPath)
	if err != nil {
		logp.Debug("mask", "reference analyzer unavailable: %v", err)
		return
	}

	var mismatches int
	for _, rec := range records {
		packetIdx := rec.Frame - 1 // tshark frame numbers are 1-indexed
		if packetIdx < 0 || packetIdx >= len(infos) {
			continue
		}
		if !ownContentTypes[packetIdx][rec.ContentType] {
			mismatches++
			logp.Warn("mask: frame %d: reference analyzer reports TLS content type %d that this stage's own parse did not record at that offset", rec.Frame, rec.ContentType)
		}
	}
	if mismatches > 0 {
		logp.Debug("mask", "reference cross-validation found %d content-type mismatch(es); preservation mask left unchanged", mismatches)
	}
}

// contentTypesInRange maps each contributing packet's index to the set of
// TLS content types whose preserve interval overlaps that packet's byte
// range within the flow-direction stream, for crossValidate's per-frame
// comparison against an external analyzer.
func contentTypesInRange(segments []segment, preserve []interval) map[int]map[byte]bool {
	out := make(map[int]map[byte]bool)
	for _, seg := range segments {
		segStart, segEnd := seg.offset, seg.offset+seg.length
		for _, iv := range preserve {
			if iv.Start >= segEnd || iv.End <= segStart {
				continue
			}
			if out[seg.packetIdx] == nil {
				out[seg.packetIdx] = make(map[byte]bool)
			}
			out[seg.packetIdx][iv.ContentType] = true
		}
	}
	return out
}
