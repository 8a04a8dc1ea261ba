package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/negbie/logp"

	"github.com/pktmask/pktmask-go/config"
	"github.com/pktmask/pktmask-go/metrics"
	"github.com/pktmask/pktmask-go/pipeline"
	"github.com/pktmask/pktmask-go/pkgerr"
	"github.com/pktmask/pktmask-go/stages/anon"
)

// App is the thin orchestration layer a CLI entry point drives: load
// config, build the stage chain, pre-scan for Anon if needed, and run the
// executor over a directory of capture files. Grounded on the log capture
// service's cmd/internal split between "build the thing" and "run the
// thing".
type App struct {
	cfg       *config.Config
	executor  *pipeline.Executor
	anonStage *anon.Stage
}

// New loads configuration from configPath (or defaults, if empty) and
// builds the stage chain.
func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, pkgerr.New("config", pkgerr.KindConfigInvalid, fmt.Errorf("load config: %w", err))
	}
	stages, anonStage := BuildChain(cfg)
	exec := pipeline.NewExecutor(stages)

	return &App{cfg: cfg, executor: exec, anonStage: anonStage}, nil
}

// Run discovers every .pcap/.pcapng file under inputDir, pre-scans for
// Anon if enabled, and runs the stage chain over each file, writing output
// to the configured output directory.
func (a *App) Run(ctx context.Context, inputDir string) error {
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	files, err := discoverCaptureFiles(inputDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logp.Warn("no .pcap/.pcapng files found under %s", inputDir)
		return nil
	}

	if err := PreScanBatch(ctx, a.anonStage, files); err != nil {
		return fmt.Errorf("anon pre-scan: %w", err)
	}
	if a.anonStage != nil && a.cfg.Anon.EmitReport {
		if err := writeAnonReport(a.anonStage, filepath.Join(a.cfg.OutputDir, a.cfg.Anon.ReportPath)); err != nil {
			logp.Warn("failed to write IP mapping report: %v", err)
		}
	}

	emit := func(ev pipeline.Event) {
		switch ev.Kind {
		case pipeline.EventFileStart:
			logp.Info("processing %s", ev.File)
		case pipeline.EventFileEnd:
			if ev.Err != nil {
				var perr *pkgerr.Error
				if errors.As(ev.Err, &perr) && perr.Kind.Fatal() {
					logp.Err("failed processing %s: %v", ev.File, ev.Err)
				} else {
					logp.Warn("failed processing %s: %v", ev.File, ev.Err)
				}
			} else {
				logp.Info("finished %s", ev.File)
			}
		case pipeline.EventStageStats:
			metrics.ObserveStats(ev.Stage, ev.Stats.PacketsProcessed, ev.Stats.PacketsModified, ev.Stats.Counters, ev.Stats.Duration.Seconds())
		case pipeline.EventLog:
			logp.Debug("pipeline", "%s: %s", ev.Stage, ev.Message)
		}
	}

	results, err := a.executor.RunDirectory(ctx, inputDir, a.cfg.OutputDir, emit)
	if err != nil {
		return fmt.Errorf("run directory %s: %w", inputDir, err)
	}

	for _, r := range results {
		if r.Success || len(r.Stats) == 0 {
			continue
		}
		metrics.RecordFailure(r.Stats[len(r.Stats)-1].Stage)
	}
	return nil
}

func discoverCaptureFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".pcap" || ext == ".pcapng" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// writeAnonReport marshals the frozen IP mapping table built by the Anon
// stage's pre-scan to a JSON file (spec §3.3: "may be re-emitted as a JSON
// report when the batch ends").
func writeAnonReport(anonStage *anon.Stage, path string) error {
	data, err := anonStage.Mapping().Report().MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
