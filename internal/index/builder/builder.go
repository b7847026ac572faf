// Package builder turns (DocumentID, TermID, frequency) tuples into an
// immutable index generation. Postings may arrive in any order; each term
// keeps a skiplist keyed by DocumentID so increasing order is restored as
// the postings are inserted.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/huandu/skiplist"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/codec"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

// Builder accumulates one shard's postings. It is safe for concurrent use.
type Builder struct {
	mu       sync.Mutex
	shardID  uint32
	scorer   scoring.Scorer
	terms    map[uint32]*skiplist.SkipList
	explicit map[uint32]uint32
	derived  map[uint32]uint64
	maxDoc   int64
	postings int
	logger   *slog.Logger
}

// New creates an empty builder for shardID whose generation will be scored
// with scorer.
func New(shardID uint32, scorer scoring.Scorer) *Builder {
	return &Builder{
		shardID:  shardID,
		scorer:   scorer,
		terms:    make(map[uint32]*skiplist.SkipList),
		explicit: make(map[uint32]uint32),
		derived:  make(map[uint32]uint64),
		maxDoc:   -1,
		logger:   slog.Default().With("component", "index-builder", "shard_id", shardID),
	}
}

// ShardID returns the shard this builder produces.
func (b *Builder) ShardID() uint32 { return b.shardID }

// Add records that term occurs freq times in doc. Repeated (doc, term) pairs
// are summed.
func (b *Builder) Add(doc, term, freq uint32) error {
	if freq == 0 {
		return fmt.Errorf("%w: zero frequency for doc %d term %d", apperrors.ErrInvalidInput, doc, term)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list, ok := b.terms[term]
	if !ok {
		list = skiplist.New(skiplist.Uint64)
		b.terms[term] = list
	}
	key := uint64(doc)
	if el := list.Get(key); el != nil {
		sum := uint64(el.Value.(uint32)) + uint64(freq)
		if sum > 1<<32-1 {
			return fmt.Errorf("%w: frequency overflow for doc %d term %d", apperrors.ErrInvalidInput, doc, term)
		}
		el.Value = uint32(sum)
	} else {
		list.Set(key, freq)
		b.postings++
	}
	b.derived[doc] += uint64(freq)
	b.maxDoc = max(b.maxDoc, int64(doc))
	return nil
}

// AddDocument adds every (term, freq) of one document.
func (b *Builder) AddDocument(doc uint32, termFreqs map[uint32]uint32) error {
	for term, freq := range termFreqs {
		if err := b.Add(doc, term, freq); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.maxDoc = max(b.maxDoc, int64(doc))
	b.mu.Unlock()
	return nil
}

// SetDocumentLength overrides the length of doc. Without it a document's
// length is the sum of its frequencies.
func (b *Builder) SetDocumentLength(doc, length uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.explicit[doc] = length
	b.maxDoc = max(b.maxDoc, int64(doc))
}

// DocCount returns the number of documents the built shard will hold.
func (b *Builder) DocCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.maxDoc + 1)
}

// Build encodes the accumulated postings into an unpublished shard. Block
// max scores are computed with the builder's scorer.
func (b *Builder) Build() (*index.Shard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxDoc < 0 {
		return nil, fmt.Errorf("shard %d: %w", b.shardID, apperrors.ErrEmptyCollection)
	}
	start := time.Now()

	lengths := make([]uint32, b.maxDoc+1)
	for doc, l := range b.derived {
		if l > 1<<32-1 {
			l = 1<<32 - 1
		}
		lengths[doc] = uint32(l)
	}
	for doc, l := range b.explicit {
		lengths[doc] = l
	}

	termIDs := make([]uint32, 0, len(b.terms))
	for id := range b.terms {
		termIDs = append(termIDs, id)
	}
	slices.Sort(termIDs)

	blockMax := func(docs, freqs []uint32) float64 {
		var m float64
		for i, d := range docs {
			m = max(m, b.scorer.Score(freqs[i], lengths[d]))
		}
		return m
	}

	terms := make([]index.TermData, 0, len(termIDs))
	var docs, freqs []uint32
	for _, id := range termIDs {
		list := b.terms[id]
		docs, freqs = docs[:0], freqs[:0]
		for el := list.Front(); el != nil; el = el.Next() {
			docs = append(docs, uint32(el.Key().(uint64)))
			freqs = append(freqs, el.Value.(uint32))
		}
		data, skips, err := codec.EncodeList(docs, freqs, blockMax)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding term %d: %v", apperrors.ErrBuild, id, err)
		}
		var ms float64
		for _, s := range skips {
			ms = max(ms, s.MaxScore)
		}
		terms = append(terms, index.TermData{
			TermID:   id,
			DocFreq:  uint32(len(docs)),
			MaxScore: ms,
			Data:     data,
			Skips:    skips,
		})
	}

	s, err := index.NewShard(b.shardID, 0, b.scorer, terms, lengths)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBuild, err)
	}
	b.logger.Info("shard built",
		"docs", len(lengths),
		"terms", len(terms),
		"postings", b.postings,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return s, nil
}

// Publish builds and atomically publishes the next generation under
// dataDir.
func (b *Builder) Publish(ctx context.Context, dataDir string) (index.GenerationInfo, error) {
	if err := ctx.Err(); err != nil {
		return index.GenerationInfo{}, err
	}
	s, err := b.Build()
	if err != nil {
		return index.GenerationInfo{}, err
	}
	info, err := index.Publish(dataDir, s)
	if err != nil {
		return index.GenerationInfo{}, fmt.Errorf("%w: publishing shard %d: %v", apperrors.ErrBuild, b.shardID, err)
	}
	b.logger.Info("generation published", "generation", info.Generation, "path", info.Path, "size_bytes", info.SizeBytes)
	return info, nil
}

// BuildAll publishes every builder in parallel. Results are in the order
// of builders.
func BuildAll(ctx context.Context, dataDir string, builders ...*Builder) ([]index.GenerationInfo, error) {
	infos := make([]index.GenerationInfo, len(builders))
	g, ctx := errgroup.WithContext(ctx)
	for i, b := range builders {
		g.Go(func() error {
			info, err := b.Publish(ctx, dataDir)
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}
