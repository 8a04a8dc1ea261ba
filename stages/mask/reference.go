package mask

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ReferenceRecord is one TLS record as reported by an external reference
// analyzer: a 1-indexed capture frame number, the record's content type, and
// its declared length (spec §4.4.5).
type ReferenceRecord struct {
	Frame       int
	ContentType byte
	Length      int
}

// ReferenceAnalyzer independently identifies TLS record boundaries in a
// capture file, for the advisory cross-check crossValidate runs against
// this package's own TLS stream parser. Implementations never influence the
// preservation mask; they only let a mismatch be logged.
type ReferenceAnalyzer interface {
	AnalyzeRecords(path string) ([]ReferenceRecord, error)
}

// TsharkAnalyzer shells out to a tshark binary to extract TLS record
// content types per frame. It is the only ReferenceAnalyzer this package
// ships; tests substitute a fake analyzer instead of invoking a real binary.
type TsharkAnalyzer struct {
	Path string
}

// AnalyzeRecords runs tshark against path and parses its field output. A
// missing binary or non-zero exit is returned as an error, which the caller
// is expected to log and otherwise ignore (spec §4.4.5: "no hard runtime
// dependency").
func (t *TsharkAnalyzer) AnalyzeRecords(path string) ([]ReferenceRecord, error) {
	if _, err := exec.LookPath(t.Path); err != nil {
		return nil, fmt.Errorf("tshark not available: %w", err)
	}
	cmd := exec.Command(t.Path,
		"-r", path,
		"-Y", "tls.record.content_type",
		"-T", "fields",
		"-e", "frame.number",
		"-e", "tls.record.content_type",
		"-e", "tls.record.length",
		"-E", "separator=,",
		"-E", "occurrence=f",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run tshark: %w", err)
	}
	return parseTsharkFields(out)
}

// parseTsharkFields parses tshark's "-T fields -E separator=," output into
// ReferenceRecords, one per line: frame number, content type, record length.
// Lines that don't parse as expected are skipped rather than failing the
// whole analysis, since a single malformed line shouldn't discard every
// other frame's result.
func parseTsharkFields(out []byte) ([]ReferenceRecord, error) {
	var records []ReferenceRecord
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		frame, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		ct, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			continue
		}
		rec := ReferenceRecord{Frame: frame, ContentType: byte(ct)}
		if len(fields) > 2 {
			if length, err := strconv.Atoi(strings.TrimSpace(fields[2])); err == nil {
				rec.Length = length
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
