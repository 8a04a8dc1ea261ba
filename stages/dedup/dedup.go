// Package dedup implements the Dedup stage (spec §4.2): a single streaming
// pass that drops byte-identical duplicate packets while preserving the
// order of everything it keeps. Grounded on heplify's single-pass packet
// source loop (decoder.Process reading one packet at a time and handing it
// off), generalized here into a read-hash-write loop instead of a protocol
// decode.
package dedup

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/negbie/freecache"

	"github.com/pktmask/pktmask-go/pcapio"
	"github.com/pktmask/pktmask-go/pipeline"
	"github.com/pktmask/pktmask-go/pkgerr"
)

// cacheSize is the freecache backing store size for the seen-record store.
// The cache value is the original packet's raw bytes, not a placeholder, so
// a key collision between two distinct packets never gets mistaken for a
// duplicate: identityKey only picks the bucket, bytes.Equal on the stored
// value decides exact byte equality (§4.2). A fixed-size ring means a very
// large capture can evict an older record before a later byte-identical one
// arrives, in which case the duplicate is kept rather than risk a false
// match — a false negative, never a false positive.
const cacheSize = 64 * 1024 * 1024

// Stage implements pipeline.Stage for packet deduplication.
type Stage struct{}

// New returns a ready-to-use Dedup stage.
func New() *Stage { return &Stage{} }

func (s *Stage) Name() string { return "dedup" }

// Process streams inputPath to outputPath, dropping any packet whose raw
// bytes are byte-identical to one already written (spec §4.2).
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

	writer, err := pcapio.CreateWriter(outputPath, format, reader.LinkType(), 262144)
	if err != nil {
		return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("create writer: %w", err))
	}
	defer writer.Close()

	seen := freecache.NewCache(cacheSize)
	var unique, duplicates int64

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

		key := identityKey(pkt.Data)
		if cached, err := seen.Get(key); err == nil && bytes.Equal(cached, pkt.Data) {
			duplicates++
			continue
		}
		// The stored value is the packet's own bytes, so a hash collision
		// between two distinct packets never masquerades as a duplicate:
		// the bytes.Equal check above is the actual byte-identity test,
		// and identityKey only narrows which bucket to look in. Never
		// expire; scoped to this file's lifetime only.
		_ = seen.Set(key, pkt.Data, 0)

		if err := writer.WritePacket(pkt); err != nil {
			return stats, pkgerr.New(s.Name(), pkgerr.KindWrite, fmt.Errorf("write packet: %w", err))
		}
		unique++
	}

	stats.PacketsModified = 0
	stats.AddCounter("duplicates_removed", duplicates)
	stats.AddCounter("packets_kept", unique)
	emit(pipeline.Event{Kind: pipeline.EventLog, Stage: s.Name(), Message: fmt.Sprintf("kept %d, dropped %d duplicates", unique, duplicates)})
	return stats, nil
}

// identityKey derives the cache bucket key for a packet record: the raw
// capture bytes hashed with xxhash. It is a lookup shortcut only, not the
// identity test itself — Process always confirms a cache hit with
// bytes.Equal against the stored original bytes before treating it as a
// duplicate, so a hash collision can only cost a missed dedup opportunity,
// never a false one (§4.2's exact byte equality requirement).
func identityKey(data []byte) []byte {
	h := xxhash.Sum64(data)
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[i] = byte(h >> (8 * uint(i)))
	}
	return key
}
