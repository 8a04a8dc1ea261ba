package pipeline

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ScratchDir is the per-run scoped temporary directory the executor owns
// exclusively (spec §4.1 step 1/5, §5 "Shared resources"). Close is
// idempotent and safe to call from a deferred cleanup on every exit path,
// including one reached via recover() after a panic mid-chain — grounded
// in original_source's resource manager, which guarantees the scratch
// directory is always released (SPEC_FULL §3).
type ScratchDir struct {
	path string
	once sync.Once
	err  error
}

// NewScratchDir creates a fresh temporary directory under the system temp
// root (or under base, if non-empty).
func NewScratchDir(base string) (*ScratchDir, error) {
	dir, err := os.MkdirTemp(base, "pktmask-*")
	if err != nil {
		return nil, err
	}
	return &ScratchDir{path: dir}, nil
}

// StagePath returns a fresh path inside the scratch directory carrying the
// original filename, namespaced by stage index so consecutive stages never
// collide (spec §4.1 step 3).
func (s *ScratchDir) StagePath(stageIndex int, originalName string) (string, error) {
	sub := filepath.Join(s.path, stageName(stageIndex))
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(sub, originalName), nil
}

func stageName(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "stage-" + string(letters[i])
	}
	return "stage-z" + strconv.Itoa(i)
}

// Close removes the scratch directory and everything under it. Safe to
// call multiple times; only the first call's error is retained.
func (s *ScratchDir) Close() error {
	s.once.Do(func() {
		s.err = os.RemoveAll(s.path)
	})
	return s.err
}
