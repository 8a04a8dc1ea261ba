// Package pipeline implements the staged executor (spec §4.1): it builds
// an ordered chain of stages from configuration, drives file-to-file
// execution through scoped intermediate files, and collects per-stage
// statistics and a success/failure summary.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Executor drives one or more Stages over one or more files.
type Executor struct {
	Stages []Stage

	// ScratchBase, if non-empty, is the parent directory new ScratchDirs
	// are created under. Empty uses the OS default temp root.
	ScratchBase string

	// MaxConcurrentFiles bounds how many files RunDirectory processes at
	// once (spec §5: "Multi-file directory processing may dispatch files
	// in parallel, but each file's stage chain runs on a single logical
	// worker"). Zero or negative means "no limit beyond the discovered
	// file count".
	MaxConcurrentFiles int
}

// NewExecutor builds an executor from an ordered stage list. Ordering is
// the caller's responsibility; app.BuildChain (app/chain.go) applies the
// canonical Dedup -> Anon -> Mask order spec §4.1 mandates.
func NewExecutor(stages []Stage) *Executor {
	return &Executor{Stages: stages}
}

// RunFile drives a single input file through the full stage chain,
// chaining each stage's output into the next stage's input via scoped
// intermediate files (spec §4.1 steps 2-5).
func (e *Executor) RunFile(ctx context.Context, inputPath, outputPath string, emit EventFunc) RunResult {
	if emit == nil {
		emit = noop
	}
	result := RunResult{File: inputPath, Success: true}

	if len(e.Stages) == 0 {
		result.Success = false
		result.Errors = append(result.Errors, "no stages configured")
		return result
	}

	scratch, err := NewScratchDir(e.ScratchBase)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("create scratch dir: %v", err))
		return result
	}
	defer scratch.Close()

	emit(Event{Kind: EventFileStart, File: inputPath})

	originalName := filepath.Base(inputPath)
	current := inputPath
	var stageFailure error

	for i, stage := range e.Stages {
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, "stopped by user")
			break
		}

		var stageOut string
		if i == len(e.Stages)-1 {
			stageOut = outputPath
		} else {
			stageOut, err = scratch.StagePath(i, originalName)
			if err != nil {
				result.Success = false
				result.Errors = append(result.Errors, fmt.Sprintf("allocate stage path: %v", err))
				break
			}
		}

		stats, stageErr := runStageSafely(ctx, stage, current, stageOut, emit)
		result.Stats = append(result.Stats, stats)
		emit(Event{Kind: EventStageStats, File: inputPath, Stage: stage.Name(), Stats: stats})

		if stageErr != nil {
			result.Success = false
			stageFailure = fmt.Errorf("%s: %w", stage.Name(), stageErr)
			result.Errors = append(result.Errors, stageFailure.Error())
			break
		}
		current = stageOut
	}

	// A stage failure is passed on wrapped, not flattened to text, so event
	// handlers can still inspect its typed cause with errors.As.
	fileErr := firstError(result)
	if stageFailure != nil {
		fileErr = stageFailure
	}
	emit(Event{Kind: EventFileEnd, File: inputPath, Err: fileErr})
	return result
}

// runStageSafely recovers from a panic inside a stage the same way
// mel2oo-go-pcap's packet handler recovers from per-packet panics: log and
// convert to a regular error rather than crashing the whole run.
func runStageSafely(ctx context.Context, stage Stage, in, out string, emit EventFunc) (stats StageStats, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stage %s: %v", stage.Name(), r)
			stats = StageStats{Stage: stage.Name(), Duration: time.Since(start)}
		}
	}()
	return stage.Process(ctx, in, out, emit)
}

func firstError(r RunResult) error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%s", r.Errors[0])
}

// RunDirectory discovers every .pcap/.pcapng file directly under dir and
// runs each through RunFile, writing outputs under outDir with the same
// base filename. Files are dispatched with bounded concurrency; each
// individual file's stage chain still runs single-threaded (spec §5).
func (e *Executor) RunDirectory(ctx context.Context, dir, outDir string, emit EventFunc) ([]RunResult, error) {
	if emit == nil {
		emit = noop
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	var files []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := filepath.Ext(ent.Name())
		if ext == ".pcap" || ext == ".pcapng" {
			files = append(files, filepath.Join(dir, ent.Name()))
		}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", outDir, err)
	}

	emit(Event{Kind: EventPipelineStart, File: dir})

	limit := e.MaxConcurrentFiles
	if limit <= 0 || limit > len(files) {
		limit = len(files)
	}
	if limit == 0 {
		emit(Event{Kind: EventPipelineEnd, File: dir})
		return nil, nil
	}

	results := make([]RunResult, len(files))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	guardedEmit := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		emit(ev)
	}

	for i, f := range files {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, f string) {
			defer wg.Done()
			defer func() { <-sem }()
			out := filepath.Join(outDir, filepath.Base(f))
			results[i] = e.RunFile(ctx, f, out, guardedEmit)
		}(i, f)
	}
	wg.Wait()

	emit(Event{Kind: EventPipelineEnd, File: dir})
	return results, nil
}
