// Package pcapio reads and writes PCAP and PCAPNG capture files (spec §6):
// output format always matches input format, and packets that are neither
// dropped nor mutated are byte-for-byte identical to their input. It is a
// thin wrapper over gopacket/pcapgo, the same ecosystem the teacher
// (heplify) already depends on for its gopacket stack.
package pcapio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Format identifies the on-disk capture format.
type Format int

const (
	FormatPCAP Format = iota
	FormatPCAPNG
)

const (
	magicPCAPLE      = 0xa1b2c3d4
	magicPCAPBE      = 0xd4c3b2a1
	magicPCAPNsLE    = 0xa1b23c4d
	magicPCAPNsBE    = 0x4d3cb2a1
	magicPCAPNGBlock = 0x0a0d0d0a
)

// DetectFormat peeks the first 4 bytes of a capture file to tell PCAP from
// PCAPNG, without consuming the reader.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return 0, fmt.Errorf("read magic from %s: %w", path, err)
	}
	be := binary.BigEndian.Uint32(magic[:])
	switch be {
	case magicPCAPLE, magicPCAPBE, magicPCAPNsLE, magicPCAPNsBE:
		return FormatPCAP, nil
	case magicPCAPNGBlock:
		return FormatPCAPNG, nil
	default:
		return 0, fmt.Errorf("%s: unrecognized capture format", path)
	}
}

// Packet is one captured record: its raw bytes plus capture metadata.
type Packet struct {
	Data []byte
	CI   gopacket.CaptureInfo
}

// Reader streams packets from a capture file in original order.
type Reader interface {
	LinkType() layers.LinkType
	ReadPacket() (Packet, error) // io.EOF when exhausted
	Close() error
}

// Writer appends packets to an output capture file of the same format as
// its source.
type Writer interface {
	WritePacket(pkt Packet) error
	Close() error
}

// OpenReader opens path for streaming read, auto-detecting PCAP vs PCAPNG.
func OpenReader(path string) (Reader, Format, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}

	switch format {
	case FormatPCAP:
		r, err := pcapgo.NewReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("open pcap reader: %w", err)
		}
		return &pcapReader{f: f, r: r, linkType: r.LinkType()}, FormatPCAP, nil
	case FormatPCAPNG:
		r, err := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("open pcapng reader: %w", err)
		}
		return &pcapngReader{f: f, r: r}, FormatPCAPNG, nil
	default:
		f.Close()
		return nil, 0, fmt.Errorf("%s: unsupported format", path)
	}
}

// CreateWriter creates path for writing in the given format, matching
// linkType to the source file that drives this output (spec §6: output
// format mirrors input format).
func CreateWriter(path string, format Format, linkType layers.LinkType, snaplen uint32) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	switch format {
	case FormatPCAP:
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(snaplen, linkType); err != nil {
			f.Close()
			return nil, fmt.Errorf("write pcap header: %w", err)
		}
		return &pcapWriter{f: f, w: w}, nil
	case FormatPCAPNG:
		w, err := pcapgo.NewNgWriter(f, linkType)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open pcapng writer: %w", err)
		}
		return &pcapngWriter{f: f, w: w}, nil
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported format %v", format)
	}
}

type pcapReader struct {
	f        *os.File
	r        *pcapgo.Reader
	linkType layers.LinkType
}

func (p *pcapReader) LinkType() layers.LinkType { return p.linkType }

func (p *pcapReader) ReadPacket() (Packet, error) {
	data, ci, err := p.r.ReadPacketData()
	if err != nil {
		return Packet{}, err
	}
	return Packet{Data: data, CI: ci}, nil
}

func (p *pcapReader) Close() error { return p.f.Close() }

type pcapWriter struct {
	f *os.File
	w *pcapgo.Writer
}

func (p *pcapWriter) WritePacket(pkt Packet) error {
	return p.w.WritePacket(pkt.CI, pkt.Data)
}

func (p *pcapWriter) Close() error { return p.f.Close() }

type pcapngReader struct {
	f *os.File
	r *pcapgo.NgReader
}

func (p *pcapngReader) LinkType() layers.LinkType { return p.r.LinkType() }

func (p *pcapngReader) ReadPacket() (Packet, error) {
	data, ci, err := p.r.ReadPacketData()
	if err != nil {
		return Packet{}, err
	}
	return Packet{Data: data, CI: ci}, nil
}

func (p *pcapngReader) Close() error { return p.f.Close() }

type pcapngWriter struct {
	f *os.File
	w *pcapgo.NgWriter
}

func (p *pcapngWriter) WritePacket(pkt Packet) error {
	return p.w.WritePacket(pkt.CI, pkt.Data)
}

func (p *pcapngWriter) Close() error {
	if err := p.w.Flush(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}

// NowTimestamp returns the current wall-clock time; tests use it to stamp
// synthetic CaptureInfo values.
func NowTimestamp() time.Time { return time.Now() }
