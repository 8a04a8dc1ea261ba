// Package recompute provides a small finalization stage that recomputes
// every checksum a packet's IP/TCP/UDP layers carry. It exists because spec
// §4.3.3 deliberately has the Anon stage invalidate checksums without
// recomputing them ("the anonymization stage does not recompute checksums
// itself"), leaving that to the Mask stage's rewrite pass (spec §4.4.1).
// When Mask is disabled but Anon is enabled, the chain wires this stage in
// as the batch's final step so invalidated checksums never reach the output
// file still zeroed (see DESIGN.md, stages/recompute).
package recompute

import (
	"context"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/negbie/logp"

	"github.com/pktmask/pktmask-go/checksum"
	"github.com/pktmask/pktmask-go/pcapio"
	"github.com/pktmask/pktmask-go/pipeline"
	"github.com/pktmask/pktmask-go/pkgerr"
	"github.com/pktmask/pktmask-go/pktlayers"
)

// Stage implements pipeline.Stage, recomputing checksums packet by packet
// without otherwise touching packet content.
type Stage struct{}

// New returns a ready-to-use checksum-recompute stage.
func New() *Stage { return &Stage{} }

func (s *Stage) Name() string { return "checksum-recompute" }

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
	defer reader.Close()

	linkType := reader.LinkType()
	writer, err := pcapio.CreateWriter(outputPath, format, linkType, 262144)
	if err != nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("create writer: %w", err))
	}
	defer writer.Close()

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

		rewritten, changed, verified, err := recomputePacket(pkt.Data, linkType)
		if err != nil {
			logp.Debug("checksum-recompute", "%v", pkgerr.NewPacket(s.Name(), pkgerr.KindChecksumRecompute, stats.PacketsProcessed-1, err))
		} else if changed {
			pkt.Data = rewritten
			stats.PacketsModified++
			if !verified {
				stats.AddCounter("checksum_verify_mismatch", 1)
			}
		}
		if err := writer.WritePacket(pkt); err != nil {
			return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("write packet: %w", err))
		}
	}
	return stats, nil
}

// recomputePacket walks data's encapsulation stack and recomputes the
// checksum of every IPv4 header and of the innermost TCP/UDP segment,
// regardless of whether anything was actually modified upstream. This is
// cheap relative to a full rewrite pass and idempotent: a packet whose
// checksums were already valid comes out byte-identical. verified reports
// whether every recomputed IPv4 header checksum also passed an independent
// cross-check (checksum.VerifyIPv4) against gopacket's own computation.
func recomputePacket(data []byte, linkType layers.LinkType) (out []byte, changed, verified bool, err error) {
	stack, err := pktlayers.Walk(data, linkType)
	if err != nil {
		return nil, false, false, err
	}
	if stack.Transport == nil {
		return nil, false, false, nil
	}

	verified = true
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
			return nil, false, false, err
		}
	}
	if stack.Transport.UDP != nil && network != nil {
		checksum.InvalidateUDP(stack.Transport.UDP)
		if err := stack.Transport.UDP.SetNetworkLayerForChecksum(network); err != nil {
			return nil, false, false, err
		}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack.SerializableLayers()...); err != nil {
		return nil, false, false, err
	}

	for i := range stack.IPLayers {
		if stack.IPLayers[i].V4 == nil {
			continue
		}
		ok, err := checksum.VerifyIPv4(stack.IPLayers[i].V4)
		if err != nil || !ok {
			verified = false
		}
	}

	return append([]byte(nil), buf.Bytes()...), true, verified, nil
}
