// Package app wires configuration into a runnable stage chain. It sits
// above pipeline and the stages/* packages (which pipeline does not import,
// to avoid a cycle) and is the layer cmd/pktmask drives directly.
package app

import (
	"context"

	"github.com/pktmask/pktmask-go/config"
	"github.com/pktmask/pktmask-go/pipeline"
	"github.com/pktmask/pktmask-go/stages/anon"
	"github.com/pktmask/pktmask-go/stages/dedup"
	"github.com/pktmask/pktmask-go/stages/mask"
	"github.com/pktmask/pktmask-go/stages/recompute"
)

// BuildChain builds the ordered stage list the executor runs, following
// the canonical Dedup -> Anon -> Mask order spec §4.1 mandates. When Anon
// is enabled but Mask is not, a checksum-recompute finalization stage is
// appended so the checksums Anon invalidates are never left zeroed in the
// output (see DESIGN.md, stages/recompute).
//
// If the returned *anon.Stage is non-nil, the caller must run PreScanBatch
// over every file in the batch before invoking the executor (spec §4.3.1's
// pre-scan is batch-wide, not per-file).
func BuildChain(cfg *config.Config) (stages []pipeline.Stage, anonStage *anon.Stage) {
	if cfg.Dedup.Enabled {
		stages = append(stages, dedup.New())
	}
	if cfg.Anon.Enabled {
		anonStage = anon.New(cfg.Anon)
		stages = append(stages, anonStage)
	}
	if cfg.Mask.Enabled {
		stages = append(stages, mask.New(cfg.Mask))
	} else if cfg.Anon.Enabled {
		stages = append(stages, recompute.New())
	}
	return stages, anonStage
}

// PreScanBatch runs the Anon stage's batch-wide pre-scan, when present, over
// every file about to be processed. It is a no-op when anonStage is nil
// (Anon disabled).
func PreScanBatch(ctx context.Context, anonStage *anon.Stage, files []string) error {
	if anonStage == nil {
		return nil
	}
	return anonStage.PreScan(ctx, files)
}
