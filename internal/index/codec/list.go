package codec

import (
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

// Skip locates one block inside an encoded list.
type Skip struct {
	LastDoc  uint32
	Count    uint16
	MaxScore float64
	Offset   uint32
}

// BlockScorer returns the score upper bound for one block of postings.
type BlockScorer func(docs, freqs []uint32) float64

// EncodeList splits a full postings list into blocks of BlockSize and
// returns the encoded bytes with one Skip per block. A nil scorer records a
// max score of 0.
func EncodeList(docs, freqs []uint32, score BlockScorer) ([]byte, []Skip, error) {
	if len(docs) == 0 {
		return nil, nil, fmt.Errorf("%w: empty postings list", apperrors.ErrInvalidInput)
	}
	if len(docs) != len(freqs) {
		return nil, nil, fmt.Errorf("%w: %d docs but %d freqs", apperrors.ErrInvalidInput, len(docs), len(freqs))
	}

	nblocks := (len(docs) + BlockSize - 1) / BlockSize
	skips := make([]Skip, 0, nblocks)
	var data []byte
	for start := 0; start < len(docs); start += BlockSize {
		end := min(start+BlockSize, len(docs))
		if start > 0 && docs[start] <= docs[start-1] {
			return nil, nil, fmt.Errorf("%w: doc ids not strictly increasing across blocks at %d",
				apperrors.ErrInvalidInput, start)
		}
		var ms float64
		if score != nil {
			ms = score(docs[start:end], freqs[start:end])
		}
		off := len(data)
		var err error
		data, err = EncodeBlock(data, docs[start:end], freqs[start:end], ms)
		if err != nil {
			return nil, nil, err
		}
		skips = append(skips, Skip{LastDoc: docs[end-1], Count: uint16(end - start), MaxScore: ms, Offset: uint32(off)})
	}
	return data, skips, nil
}

// ParseSkips walks the block headers of an encoded list and rebuilds its
// skip table. It validates header structure and block ordering, not
// payload checksums.
func ParseSkips(data []byte) ([]Skip, error) {
	var skips []Skip
	var prevLast uint32
	for off := 0; off < len(data); {
		h, err := ReadHeader(data[off:])
		if err != nil {
			return nil, fmt.Errorf("block at offset %d: %w", off, err)
		}
		if len(skips) > 0 && h.BaseDoc <= prevLast {
			return nil, corrupt("block at offset %d starts at %d, previous ended at %d", off, h.BaseDoc, prevLast)
		}
		skips = append(skips, Skip{LastDoc: h.LastDoc, Count: h.Count, MaxScore: h.MaxScore, Offset: uint32(off)})
		prevLast = h.LastDoc
		off += h.Size()
	}
	return skips, nil
}

// ListIterator walks every posting of an encoded list in order.
type ListIterator struct {
	data  []byte
	off   int
	block Block
	i     int
	err   error
}

// NewListIterator returns an iterator positioned before the first posting.
func NewListIterator(data []byte) *ListIterator {
	return &ListIterator{data: data}
}

// Next advances to the next posting and reports whether one exists.
func (it *ListIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.i++
	if it.i < it.block.N {
		return true
	}
	if it.off >= len(it.data) {
		return false
	}
	prevLast, first := it.block.Header.LastDoc, it.block.N == 0
	n, err := DecodeBlock(it.data[it.off:], &it.block)
	if err != nil {
		it.err = fmt.Errorf("block at offset %d: %w", it.off, err)
		it.block.N = 0
		return false
	}
	if !first && it.block.Header.BaseDoc <= prevLast {
		it.err = corrupt("block at offset %d starts at %d, previous ended at %d", it.off, it.block.Header.BaseDoc, prevLast)
		it.block.N = 0
		return false
	}
	it.off += n
	it.i = 0
	return true
}

// Doc returns the current DocumentID.
func (it *ListIterator) Doc() uint32 { return it.block.Docs[it.i] }

// Freq returns the current frequency.
func (it *ListIterator) Freq() uint32 { return it.block.Freqs[it.i] }

// Err returns the first decode error encountered.
func (it *ListIterator) Err() error { return it.err }

// DecodeList decodes a whole list. It is meant for tests and tooling.
func DecodeList(data []byte) (docs, freqs []uint32, err error) {
	it := NewListIterator(data)
	for it.Next() {
		docs = append(docs, it.Doc())
		freqs = append(freqs, it.Freq())
	}
	return docs, freqs, it.Err()
}
