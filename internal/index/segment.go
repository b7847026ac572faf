package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/codec"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

// Segment file layout (little endian):
//
//	header (96 bytes)
//	postings section (concatenated codec blocks, one run per term)
//	zstd(dictionary)   termCount × 32-byte entries sorted by TermID
//	zstd(lengths)      docCount × uint32
//	scorer descriptor  JSON
//
// The header crc32 covers header bytes 0..92 and the three trailing
// sections. Postings are protected per block by the codec checksum.
const (
	FormatVersion uint32 = 1
	HeaderSize           = 96
	dictEntrySize        = 32
	SegmentFile          = "segment.tks"
)

var magic = [4]byte{'T', 'K', 'S', '1'}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(1<<30))
)

type segmentHeader struct {
	Version     uint32
	ShardID     uint32
	Generation  uint64
	DocCount    uint32
	TermCount   uint32
	TotalLength uint64
	PostOffset  uint64
	PostSize    uint64
	DictOffset  uint64
	DictSize    uint64
	LenOffset   uint64
	LenSize     uint64
	DescSize    uint32
	Checksum    uint32
}

func (h *segmentHeader) encode() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:4], magic[:])
	binary.LittleEndian.PutUint32(b[4:], h.Version)
	binary.LittleEndian.PutUint32(b[8:], h.ShardID)
	binary.LittleEndian.PutUint32(b[12:], 0)
	binary.LittleEndian.PutUint64(b[16:], h.Generation)
	binary.LittleEndian.PutUint32(b[24:], h.DocCount)
	binary.LittleEndian.PutUint32(b[28:], h.TermCount)
	binary.LittleEndian.PutUint64(b[32:], h.TotalLength)
	binary.LittleEndian.PutUint64(b[40:], h.PostOffset)
	binary.LittleEndian.PutUint64(b[48:], h.PostSize)
	binary.LittleEndian.PutUint64(b[56:], h.DictOffset)
	binary.LittleEndian.PutUint64(b[64:], h.DictSize)
	binary.LittleEndian.PutUint64(b[72:], h.LenOffset)
	binary.LittleEndian.PutUint64(b[80:], h.LenSize)
	binary.LittleEndian.PutUint32(b[88:], h.DescSize)
	binary.LittleEndian.PutUint32(b[92:], h.Checksum)
	return b
}

func decodeHeader(b []byte) (segmentHeader, error) {
	if len(b) < HeaderSize {
		return segmentHeader{}, corrupt("file too small for header: %d bytes", len(b))
	}
	if !bytes.Equal(b[0:4], magic[:]) {
		return segmentHeader{}, corrupt("bad magic %q", b[0:4])
	}
	h := segmentHeader{
		Version:     binary.LittleEndian.Uint32(b[4:]),
		ShardID:     binary.LittleEndian.Uint32(b[8:]),
		Generation:  binary.LittleEndian.Uint64(b[16:]),
		DocCount:    binary.LittleEndian.Uint32(b[24:]),
		TermCount:   binary.LittleEndian.Uint32(b[28:]),
		TotalLength: binary.LittleEndian.Uint64(b[32:]),
		PostOffset:  binary.LittleEndian.Uint64(b[40:]),
		PostSize:    binary.LittleEndian.Uint64(b[48:]),
		DictOffset:  binary.LittleEndian.Uint64(b[56:]),
		DictSize:    binary.LittleEndian.Uint64(b[64:]),
		LenOffset:   binary.LittleEndian.Uint64(b[72:]),
		LenSize:     binary.LittleEndian.Uint64(b[80:]),
		DescSize:    binary.LittleEndian.Uint32(b[88:]),
		Checksum:    binary.LittleEndian.Uint32(b[92:]),
	}
	if h.Version != FormatVersion {
		return h, corrupt("unsupported format version %d", h.Version)
	}
	if flags := binary.LittleEndian.Uint32(b[12:]); flags != 0 {
		return h, corrupt("unknown header flags %#x", flags)
	}
	return h, nil
}

// WriteSegment serialises s into a new file at path and fsyncs it. The
// generation recorded in the file is gen, which lets a build produced in
// memory be published under its final number.
func WriteSegment(path string, s *Shard, gen uint64) error {
	dict := make([]byte, 0, len(s.terms)*dictEntrySize)
	for _, e := range s.terms {
		var ent [dictEntrySize]byte
		binary.LittleEndian.PutUint32(ent[0:], e.termID)
		binary.LittleEndian.PutUint32(ent[4:], e.docFreq)
		binary.LittleEndian.PutUint64(ent[8:], e.offset)
		binary.LittleEndian.PutUint32(ent[16:], e.length)
		binary.LittleEndian.PutUint64(ent[24:], math.Float64bits(e.maxScore))
		dict = append(dict, ent[:]...)
	}
	lengths := make([]byte, 4*len(s.lengths))
	for i, l := range s.lengths {
		binary.LittleEndian.PutUint32(lengths[4*i:], l)
	}
	desc, err := s.scorer.Descriptor().Marshal()
	if err != nil {
		return fmt.Errorf("encoding scorer descriptor: %w", err)
	}

	dictZ := zstdEncoder.EncodeAll(dict, nil)
	lenZ := zstdEncoder.EncodeAll(lengths, nil)

	h := segmentHeader{
		Version:     FormatVersion,
		ShardID:     s.id,
		Generation:  gen,
		DocCount:    s.stats.DocCount,
		TermCount:   uint32(len(s.terms)),
		TotalLength: s.stats.TotalLength,
		PostOffset:  HeaderSize,
		PostSize:    uint64(len(s.postings)),
		DescSize:    uint32(len(desc)),
	}
	h.DictOffset = h.PostOffset + h.PostSize
	h.DictSize = uint64(len(dictZ))
	h.LenOffset = h.DictOffset + h.DictSize
	h.LenSize = uint64(len(lenZ))

	hdr := h.encode()
	crc := crc32.NewIEEE()
	crc.Write(hdr[:92])
	crc.Write(dictZ)
	crc.Write(lenZ)
	crc.Write(desc)
	binary.LittleEndian.PutUint32(hdr[92:], crc.Sum32())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating segment file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 1<<20)
	for _, part := range [][]byte{hdr, s.postings, dictZ, lenZ, desc} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("writing segment: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing segment file: %w", err)
	}
	return f.Close()
}

var mapSegment = mapFile

// Open maps the segment at path and validates it. Any structural problem is
// reported as ErrCorruptIndex.
func Open(path string) (*Shard, error) {
	data, release, err := mapSegment(path)
	if err != nil {
		return nil, err
	}
	s, err := parseSegment(data)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("opening %s: %w", path, err), release())
	}
	s.release = release
	return s, nil
}

func parseSegment(data []byte) (*Shard, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	size := uint64(len(data))
	if h.PostSize > size || h.DictSize > size || h.LenSize > size ||
		h.PostOffset != HeaderSize ||
		h.DictOffset != h.PostOffset+h.PostSize ||
		h.LenOffset != h.DictOffset+h.DictSize ||
		h.LenOffset+h.LenSize+uint64(h.DescSize) != size {
		return nil, corrupt("section table does not match file size %d", size)
	}
	dictZ := data[h.DictOffset : h.DictOffset+h.DictSize]
	lenZ := data[h.LenOffset : h.LenOffset+h.LenSize]
	desc := data[h.LenOffset+h.LenSize:]

	crc := crc32.NewIEEE()
	crc.Write(data[:92])
	crc.Write(dictZ)
	crc.Write(lenZ)
	crc.Write(desc)
	if crc.Sum32() != h.Checksum {
		return nil, corrupt("segment checksum mismatch")
	}

	d, err := scoring.UnmarshalDescriptor(desc)
	if err != nil {
		return nil, err
	}
	scorer, err := scoring.FromDescriptor(d)
	if err != nil {
		return nil, corrupt("scorer: %v", err)
	}

	dict, err := zstdDecoder.DecodeAll(dictZ, make([]byte, 0, capHint(int(h.TermCount)*dictEntrySize)))
	if err != nil {
		return nil, corrupt("decompressing dictionary: %v", err)
	}
	if len(dict) != int(h.TermCount)*dictEntrySize {
		return nil, corrupt("dictionary holds %d bytes, want %d", len(dict), int(h.TermCount)*dictEntrySize)
	}
	rawLens, err := zstdDecoder.DecodeAll(lenZ, make([]byte, 0, capHint(int(h.DocCount)*4)))
	if err != nil {
		return nil, corrupt("decompressing lengths: %v", err)
	}
	if len(rawLens) != int(h.DocCount)*4 {
		return nil, corrupt("length table holds %d bytes, want %d", len(rawLens), int(h.DocCount)*4)
	}
	lengths := make([]uint32, h.DocCount)
	var total uint64
	for i := range lengths {
		lengths[i] = binary.LittleEndian.Uint32(rawLens[4*i:])
		total += uint64(lengths[i])
	}
	if total != h.TotalLength {
		return nil, corrupt("length table sums to %d, header says %d", total, h.TotalLength)
	}

	postings := data[h.PostOffset : h.PostOffset+h.PostSize]
	s := &Shard{
		id:         h.ShardID,
		generation: h.Generation,
		scorer:     scorer,
		terms:      make([]termEntry, h.TermCount),
		postings:   postings,
		lengths:    lengths,
		stats:      computeStats(lengths),
	}
	for i := range s.terms {
		ent := dict[i*dictEntrySize:]
		e := termEntry{
			termID:   binary.LittleEndian.Uint32(ent[0:]),
			docFreq:  binary.LittleEndian.Uint32(ent[4:]),
			offset:   binary.LittleEndian.Uint64(ent[8:]),
			length:   binary.LittleEndian.Uint32(ent[16:]),
			maxScore: math.Float64frombits(binary.LittleEndian.Uint64(ent[24:])),
		}
		if i > 0 && e.termID <= s.terms[i-1].termID {
			return nil, corrupt("dictionary not sorted at term %d", e.termID)
		}
		if e.docFreq == 0 || e.length == 0 || e.offset > h.PostSize || uint64(e.length) > h.PostSize-e.offset {
			return nil, corrupt("term %d: bad postings extent %d+%d", e.termID, e.offset, e.length)
		}
		skips, err := codec.ParseSkips(postings[e.offset : e.offset+uint64(e.length)])
		if err != nil {
			return nil, fmt.Errorf("term %d: %w", e.termID, err)
		}
		var n uint64
		var ms float64
		for _, sk := range skips {
			n += uint64(sk.Count)
			ms = max(ms, sk.MaxScore)
		}
		if n != uint64(e.docFreq) {
			return nil, corrupt("term %d: blocks hold %d postings, dictionary says %d", e.termID, n, e.docFreq)
		}
		if ms != e.maxScore {
			return nil, corrupt("term %d: list max score %v disagrees with blocks (%v)", e.termID, e.maxScore, ms)
		}
		if last := skips[len(skips)-1].LastDoc; last >= h.DocCount {
			return nil, corrupt("term %d: doc %d beyond %d documents", e.termID, last, h.DocCount)
		}
		e.skips = skips
		s.terms[i] = e
	}
	return s, nil
}

func capHint(n int) int { return min(n, 64<<20) }

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{apperrors.ErrCorruptIndex}, args...)...)
}
