// Package index holds the immutable inverted index of one shard generation:
// the term dictionary, block-encoded postings lists, the document length
// table, collection statistics and the scorer the generation was built for.
//
// A Shard is never mutated after construction. New data arrives as a new
// generation published next to the old one and swapped in by reference; a
// Handle keeps a generation mapped while queries still read it.
package index

import (
	"fmt"
	"iter"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/codec"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

// CollectionStats summarises the documents of a shard.
type CollectionStats struct {
	DocCount    uint32  `json:"doc_count"`
	TotalLength uint64  `json:"total_length"`
	AvgLength   float64 `json:"avg_length"`
}

// TermData is one term's encoded postings as handed to NewShard.
type TermData struct {
	TermID   uint32
	DocFreq  uint32
	MaxScore float64
	Data     []byte
	Skips    []codec.Skip
}

type termEntry struct {
	termID   uint32
	docFreq  uint32
	maxScore float64
	offset   uint64
	length   uint32
	skips    []codec.Skip
}

// Shard is one immutable generation of one shard's index.
type Shard struct {
	id         uint32
	generation uint64
	scorer     scoring.Scorer
	terms      []termEntry
	postings   []byte
	lengths    []uint32
	stats      CollectionStats
	release    func() error
}

// NewShard assembles an in-memory shard from encoded term lists. terms must
// be sorted by TermID without duplicates.
func NewShard(id uint32, generation uint64, scorer scoring.Scorer, terms []TermData, lengths []uint32) (*Shard, error) {
	s := &Shard{
		id:         id,
		generation: generation,
		scorer:     scorer,
		terms:      make([]termEntry, 0, len(terms)),
		lengths:    lengths,
	}
	var size int
	for _, t := range terms {
		size += len(t.Data)
	}
	s.postings = make([]byte, 0, size)
	for i, t := range terms {
		if i > 0 && t.TermID <= terms[i-1].TermID {
			return nil, fmt.Errorf("%w: terms not sorted at term %d", apperrors.ErrInvalidInput, t.TermID)
		}
		s.terms = append(s.terms, termEntry{
			termID:   t.TermID,
			docFreq:  t.DocFreq,
			maxScore: t.MaxScore,
			offset:   uint64(len(s.postings)),
			length:   uint32(len(t.Data)),
			skips:    t.Skips,
		})
		s.postings = append(s.postings, t.Data...)
	}
	s.stats = computeStats(lengths)
	return s, nil
}

func computeStats(lengths []uint32) CollectionStats {
	st := CollectionStats{DocCount: uint32(len(lengths))}
	for _, l := range lengths {
		st.TotalLength += uint64(l)
	}
	if st.DocCount > 0 {
		st.AvgLength = float64(st.TotalLength) / float64(st.DocCount)
	}
	return st
}

// ID returns the shard id.
func (s *Shard) ID() uint32 { return s.id }

// Generation returns the generation number, 0 for an unpublished build.
func (s *Shard) Generation() uint64 { return s.generation }

// Scorer returns the scoring strategy this generation was built for.
func (s *Shard) Scorer() scoring.Scorer { return s.scorer }

// Stats returns collection statistics.
func (s *Shard) Stats() CollectionStats { return s.stats }

// TermCount returns the number of distinct terms.
func (s *Shard) TermCount() int { return len(s.terms) }

// Postings returns the postings list of term, or ErrTermNotFound.
func (s *Shard) Postings(term uint32) (PostingsList, error) {
	i, ok := slices.BinarySearchFunc(s.terms, term, func(e termEntry, t uint32) int {
		switch {
		case e.termID < t:
			return -1
		case e.termID > t:
			return 1
		}
		return 0
	})
	if !ok {
		return PostingsList{}, fmt.Errorf("%w: term %d in shard %d", apperrors.ErrTermNotFound, term, s.id)
	}
	e := &s.terms[i]
	return PostingsList{
		termID:   e.termID,
		docFreq:  e.docFreq,
		maxScore: e.maxScore,
		data:     s.postings[e.offset : e.offset+uint64(e.length)],
		skips:    e.skips,
	}, nil
}

// DocumentLength returns the length of doc, or ErrIndexOutOfRange.
func (s *Shard) DocumentLength(doc uint32) (uint32, error) {
	if int(doc) >= len(s.lengths) {
		return 0, fmt.Errorf("%w: doc %d, shard %d has %d documents",
			apperrors.ErrIndexOutOfRange, doc, s.id, len(s.lengths))
	}
	return s.lengths[doc], nil
}

// Terms iterates over every TermID in ascending order with its document
// frequency.
func (s *Shard) Terms() iter.Seq2[uint32, uint32] {
	return func(yield func(uint32, uint32) bool) {
		for _, e := range s.terms {
			if !yield(e.termID, e.docFreq) {
				return
			}
		}
	}
}

// Description is a summary for admin and health endpoints.
type Description struct {
	ShardID       uint32             `json:"shard_id"`
	Generation    uint64             `json:"generation"`
	Terms         int                `json:"terms"`
	PostingsBytes int                `json:"postings_bytes"`
	Stats         CollectionStats    `json:"stats"`
	Scorer        scoring.Descriptor `json:"scorer"`
}

// Describe summarises the shard.
func (s *Shard) Describe() Description {
	return Description{
		ShardID:       s.id,
		Generation:    s.generation,
		Terms:         len(s.terms),
		PostingsBytes: len(s.postings),
		Stats:         s.stats,
		Scorer:        s.scorer.Descriptor(),
	}
}

// Close releases the backing mapping of an opened generation. The shard
// must not be used afterwards; Handle enforces that.
func (s *Shard) Close() error {
	if s.release == nil {
		return nil
	}
	r := s.release
	s.release = nil
	return r()
}

// PostingsList is a read-only view of one term's postings.
type PostingsList struct {
	termID   uint32
	docFreq  uint32
	maxScore float64
	data     []byte
	skips    []codec.Skip
}

// TermID returns the term this list belongs to.
func (p PostingsList) TermID() uint32 { return p.termID }

// DocFreq returns the number of postings.
func (p PostingsList) DocFreq() uint32 { return p.docFreq }

// MaxScore is the largest per-posting score anywhere in the list.
func (p PostingsList) MaxScore() float64 { return p.maxScore }

// Skips returns the per-block skip table.
func (p PostingsList) Skips() []codec.Skip { return p.skips }

// Data returns the encoded blocks.
func (p PostingsList) Data() []byte { return p.data }

// Block returns the encoded bytes of block i.
func (p PostingsList) Block(i int) []byte {
	start := p.skips[i].Offset
	if i+1 < len(p.skips) {
		return p.data[start:p.skips[i+1].Offset]
	}
	return p.data[start:]
}

// Iterator returns a sequential iterator over every posting.
func (p PostingsList) Iterator() *codec.ListIterator {
	return codec.NewListIterator(p.data)
}
