// Package codec encodes postings lists as a sequence of self-describing
// blocks. Each block holds up to BlockSize (DocumentID, frequency) pairs
// behind a fixed-size header that carries the block's last DocumentID and an
// upper bound on any score inside it, so a reader can skip a block without
// decoding its payload.
//
// Block layout (little endian):
//
//	 0  baseDoc     uint32
//	 4  lastDoc     uint32
//	 8  count       uint16  1..BlockSize
//	10  flags       uint16  reserved, 0
//	12  payloadLen  uint32
//	16  maxScore    float64
//	24  checksum    uint64  xxhash64 of payload
//	32  payload     count-1 uvarint doc gaps, then count uvarint freqs
//
// Decoding never panics and never reads past the input: any malformed block
// yields an error wrapping errors.ErrCorruptIndex.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

const (
	// BlockSize is the maximum number of postings per block.
	BlockSize = 128
	// HeaderSize is the fixed size of a block header in bytes.
	HeaderSize = 32
	// MaxPayload bounds the payload of a full block.
	MaxPayload = 2 * BlockSize * binary.MaxVarintLen32
)

// Header is the decoded fixed-size prefix of a block.
type Header struct {
	BaseDoc    uint32
	LastDoc    uint32
	Count      uint16
	Flags      uint16
	PayloadLen uint32
	MaxScore   float64
	Checksum   uint64
}

// Size is the total encoded size of the block this header describes.
func (h Header) Size() int { return HeaderSize + int(h.PayloadLen) }

// Block is a decoded block. It is reused across DecodeBlock calls so the
// steady-state decode path does not allocate.
type Block struct {
	Header Header
	Docs   [BlockSize]uint32
	Freqs  [BlockSize]uint32
	N      int
}

// EncodeBlock appends one block holding docs/freqs to dst. docs must be
// strictly increasing and every freq at least 1.
func EncodeBlock(dst []byte, docs, freqs []uint32, maxScore float64) ([]byte, error) {
	n := len(docs)
	if n == 0 || n > BlockSize {
		return dst, fmt.Errorf("%w: block must hold 1..%d postings, got %d", apperrors.ErrInvalidInput, BlockSize, n)
	}
	if len(freqs) != n {
		return dst, fmt.Errorf("%w: %d docs but %d freqs", apperrors.ErrInvalidInput, n, len(freqs))
	}
	if math.IsNaN(maxScore) || math.IsInf(maxScore, 0) || maxScore < 0 {
		return dst, fmt.Errorf("%w: block max score %v", apperrors.ErrInvalidInput, maxScore)
	}
	for i := 0; i < n; i++ {
		if freqs[i] == 0 {
			return dst, fmt.Errorf("%w: zero frequency for doc %d", apperrors.ErrInvalidInput, docs[i])
		}
		if i > 0 && docs[i] <= docs[i-1] {
			return dst, fmt.Errorf("%w: doc ids not strictly increasing at %d (%d after %d)",
				apperrors.ErrInvalidInput, i, docs[i], docs[i-1])
		}
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	payloadStart := len(dst)
	for i := 1; i < n; i++ {
		dst = binary.AppendUvarint(dst, uint64(docs[i]-docs[i-1]))
	}
	for i := 0; i < n; i++ {
		dst = binary.AppendUvarint(dst, uint64(freqs[i]))
	}
	payload := dst[payloadStart:]

	h := dst[start:payloadStart]
	binary.LittleEndian.PutUint32(h[0:], docs[0])
	binary.LittleEndian.PutUint32(h[4:], docs[n-1])
	binary.LittleEndian.PutUint16(h[8:], uint16(n))
	binary.LittleEndian.PutUint16(h[10:], 0)
	binary.LittleEndian.PutUint32(h[12:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(h[16:], math.Float64bits(maxScore))
	binary.LittleEndian.PutUint64(h[24:], xxhash.Sum64(payload))
	return dst, nil
}

// ReadHeader decodes and sanity-checks the header at the start of src
// without touching the payload.
func ReadHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, corrupt("truncated header: %d bytes", len(src))
	}
	h := Header{
		BaseDoc:    binary.LittleEndian.Uint32(src[0:]),
		LastDoc:    binary.LittleEndian.Uint32(src[4:]),
		Count:      binary.LittleEndian.Uint16(src[8:]),
		Flags:      binary.LittleEndian.Uint16(src[10:]),
		PayloadLen: binary.LittleEndian.Uint32(src[12:]),
		MaxScore:   math.Float64frombits(binary.LittleEndian.Uint64(src[16:])),
		Checksum:   binary.LittleEndian.Uint64(src[24:]),
	}
	switch {
	case h.Count == 0 || h.Count > BlockSize:
		return h, corrupt("block count %d", h.Count)
	case h.Flags != 0:
		return h, corrupt("unknown block flags %#x", h.Flags)
	case h.LastDoc < h.BaseDoc:
		return h, corrupt("last doc %d before base doc %d", h.LastDoc, h.BaseDoc)
	case h.Count == 1 && h.LastDoc != h.BaseDoc:
		return h, corrupt("single-posting block spans %d..%d", h.BaseDoc, h.LastDoc)
	case uint64(h.LastDoc-h.BaseDoc) < uint64(h.Count-1):
		return h, corrupt("%d postings cannot fit in %d..%d", h.Count, h.BaseDoc, h.LastDoc)
	case h.PayloadLen > MaxPayload:
		return h, corrupt("payload length %d exceeds %d", h.PayloadLen, MaxPayload)
	case int(h.PayloadLen) > len(src)-HeaderSize:
		return h, corrupt("payload length %d exceeds remaining %d bytes", h.PayloadLen, len(src)-HeaderSize)
	case math.IsNaN(h.MaxScore) || math.IsInf(h.MaxScore, 0) || h.MaxScore < 0:
		return h, corrupt("block max score %v", h.MaxScore)
	}
	return h, nil
}

// DecodeBlock decodes the block at the start of src into b and returns the
// number of bytes consumed.
func DecodeBlock(src []byte, b *Block) (int, error) {
	h, err := ReadHeader(src)
	if err != nil {
		return 0, err
	}
	payload := src[HeaderSize : HeaderSize+int(h.PayloadLen)]
	if xxhash.Sum64(payload) != h.Checksum {
		return 0, corrupt("block checksum mismatch at base doc %d", h.BaseDoc)
	}

	n := int(h.Count)
	pos := 0
	doc := uint64(h.BaseDoc)
	b.Docs[0] = h.BaseDoc
	for i := 1; i < n; i++ {
		gap, k := binary.Uvarint(payload[pos:])
		if k <= 0 {
			return 0, corrupt("bad doc gap varint at posting %d", i)
		}
		pos += k
		if gap == 0 || gap > math.MaxUint32 {
			return 0, corrupt("doc gap %d at posting %d", gap, i)
		}
		doc += gap
		if doc > uint64(h.LastDoc) {
			return 0, corrupt("doc %d beyond block end %d", doc, h.LastDoc)
		}
		b.Docs[i] = uint32(doc)
	}
	if doc != uint64(h.LastDoc) {
		return 0, corrupt("block ends at %d, header says %d", doc, h.LastDoc)
	}
	for i := 0; i < n; i++ {
		f, k := binary.Uvarint(payload[pos:])
		if k <= 0 {
			return 0, corrupt("bad frequency varint at posting %d", i)
		}
		pos += k
		if f == 0 || f > math.MaxUint32 {
			return 0, corrupt("frequency %d at posting %d", f, i)
		}
		b.Freqs[i] = uint32(f)
	}
	if pos != len(payload) {
		return 0, corrupt("%d trailing payload bytes", len(payload)-pos)
	}

	b.Header = h
	b.N = n
	return h.Size(), nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{apperrors.ErrCorruptIndex}, args...)...)
}
