// Package anon implements the Anon stage (spec §4.3): a batch-wide pre-scan
// builds one frozen IP mapping table, then every file in the batch is
// rewritten against that same table. Grounded on heplify's decoder.go
// layer-walking idiom via pktlayers.Walk, and on the log capture service's
// two-phase (collect-then-apply) batch processing shape for the pre-scan/
// rewrite split.
package anon

import (
	"context"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/negbie/logp"

	"github.com/pktmask/pktmask-go/checksum"
	"github.com/pktmask/pktmask-go/config"
	"github.com/pktmask/pktmask-go/ipanon"
	"github.com/pktmask/pktmask-go/pcapio"
	"github.com/pktmask/pktmask-go/pipeline"
	"github.com/pktmask/pktmask-go/pkgerr"
	"github.com/pktmask/pktmask-go/pktlayers"
)

// Stage implements pipeline.Stage for IP anonymization. Unlike Dedup and
// Mask, Anon carries state across the whole batch: PreScan must run over
// every file before the first call to Process (spec §4.3.1's pre-scan is
// batch-wide, not per-file).
type Stage struct {
	cfg     config.AnonConfig
	mapping *ipanon.Mapping
	scanner *ipanon.Scanner
}

// New returns an Anon stage configured with the given parameters. Call
// PreScan with every file in the batch before the pipeline executor invokes
// Process on any of them.
func New(cfg config.AnonConfig) *Stage {
	return &Stage{cfg: cfg, scanner: ipanon.NewScanner()}
}

func (s *Stage) Name() string { return "anon" }

// PreScan walks every packet of every listed file and tabulates address
// frequencies (spec §4.3.1), then freezes the mapping table (spec §4.3.2).
// It must be called exactly once per batch, before Process.
func (s *Stage) PreScan(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.scanFile(ctx, p); err != nil {
			return fmt.Errorf("pre-scan %s: %w", p, err)
		}
	}
	s.mapping = ipanon.BuildMapping(s.scanner, s.cfg)
	return nil
}

func (s *Stage) scanFile(ctx context.Context, path string) error {
	reader, _, err := pcapio.OpenReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, err := reader.ReadPacket()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		stack, err := pktlayers.Walk(pkt.Data, reader.LinkType())
		if err != nil {
			continue // unsupported encapsulation: nothing to observe (spec §7)
		}
		for i := range stack.IPLayers {
			l := &stack.IPLayers[i]
			s.scanner.Observe(l.SrcIP())
			s.scanner.Observe(l.DstIP())
		}
	}
}

// Mapping returns the frozen mapping table built by PreScan, for report
// emission (spec §3.3: "may be re-emitted as a JSON report when the batch
// ends").
func (s *Stage) Mapping() *ipanon.Mapping { return s.mapping }

// Process rewrites every IP layer in every packet against the frozen
// mapping table, invalidating every IPv4 header checksum and the innermost
// transport checksum of each packet it modifies (spec §4.3.3). It does not
// recompute checksums itself — that is the Mask stage's and, when Mask is
// disabled, a dedicated recompute pass the chain wires in (see DESIGN.md,
// stages/recompute).
func (s *Stage) Process(ctx context.Context, inputPath, outputPath string, emit pipeline.EventFunc) (pipeline.StageStats, error) {
	if emit == nil {
		emit = func(pipeline.Event) {}
	}
	stats := pipeline.StageStats{Stage: s.Name()}
	if s.mapping == nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindConfigInvalid, fmt.Errorf("PreScan was not run before Process"))
	}

	format, err := pcapio.DetectFormat(inputPath)
	if err != nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindInputUnreadable, fmt.Errorf("detect format: %w", err))
	}
	reader, _, err := pcapio.OpenReader(inputPath)
	if err != nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindInputUnreadable, fmt.Errorf("open reader: %w", err))
	}
	defer reader.Close()

	linkType := reader.LinkType()
	writer, err := pcapio.CreateWriter(outputPath, format, linkType, 262144)
	if err != nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("create writer: %w", err))
	}
	defer writer.Close()

	var anonymized int64

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		pkt, err := reader.ReadPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, pkgerr.NewPacket(s.Name(), pkgerr.KindPacketParse, stats.PacketsProcessed, fmt.Errorf("read packet: %w", err))
		}
		stats.PacketsProcessed++

		replaced, rewritten, err := s.rewritePacket(pkt.Data, linkType)
		if err != nil {
			// Unsupported encapsulation or decode failure: pass through
			// unchanged rather than drop (spec §7, conservative default).
			logp.Debug("anon", "%v", pkgerr.NewPacket(s.Name(), pkgerr.KindUnsupportedEncapsulation, stats.PacketsProcessed-1, err))
			if err := writer.WritePacket(pkt); err != nil {
				return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("write packet: %w", err))
			}
			continue
		}
		if replaced > 0 {
			stats.PacketsModified++
			anonymized += int64(replaced)
			pkt.Data = rewritten
		}
		if err := writer.WritePacket(pkt); err != nil {
			return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("write packet: %w", err))
		}
	}

	stats.AddCounter("ips_anonymized", anonymized)
	return stats, nil
}

// rewritePacket walks data's encapsulation stack, replaces every mapped IP
// address, invalidates the affected checksums, and re-serializes. It
// reports how many addresses it replaced; zero means nothing in the
// mapping applied, so the caller can write the original bytes back
// untouched.
func (s *Stage) rewritePacket(data []byte, linkType layers.LinkType) (replaced int, out []byte, err error) {
	stack, err := pktlayers.Walk(data, linkType)
	if err != nil {
		return 0, nil, err
	}

	for i := range stack.IPLayers {
		l := &stack.IPLayers[i]
		if mapped, ok := s.mapping.Lookup(l.SrcIP()); ok {
			l.SetSrcIP(mapped)
			replaced++
		}
		if mapped, ok := s.mapping.Lookup(l.DstIP()); ok {
			l.SetDstIP(mapped)
			replaced++
		}
	}
	if replaced == 0 {
		return 0, nil, nil
	}

	// Invalidate every IPv4 header checksum in the stack and the innermost
	// transport checksum (spec §4.3.3); recomputation is
	// deferred to the Mask stage or, when Mask is disabled, to a dedicated
	// recompute pass the chain wires in.
	for i := range stack.IPLayers {
		if stack.IPLayers[i].V4 != nil {
			checksum.InvalidateIPv4(stack.IPLayers[i].V4)
		}
	}
	if stack.Transport != nil {
		if stack.Transport.TCP != nil {
			checksum.InvalidateTCP(stack.Transport.TCP)
		}
		if stack.Transport.UDP != nil {
			checksum.InvalidateUDP(stack.Transport.UDP)
		}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(buf, opts, stack.SerializableLayers()...); err != nil {
		return 0, nil, fmt.Errorf("re-serialize packet: %w", err)
	}
	return replaced, append([]byte(nil), buf.Bytes()...), nil
}
