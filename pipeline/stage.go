package pipeline

import "context"

// Stage is the small tagged-variant interface spec §9 describes as a
// language-neutral realization of the source's class hierarchy: a single
// process_file(in, out) -> StageStats operation per stage, with the
// executor iterating an ordered list of them. Dedup, Anon, and Mask each
// implement this interface in their own package.
type Stage interface {
	Name() string
	Process(ctx context.Context, inputPath, outputPath string, emit EventFunc) (StageStats, error)
}
