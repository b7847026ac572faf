package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index/codec"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

const (
	// DefaultSlack inflates every upper bound before it is compared with the
	// threshold, covering rounding differences between the bound and the
	// exact score.
	DefaultSlack = 1e-9

	checkEvery = 256
)

// Processor runs block-max WAND over one shard. It is safe for concurrent
// use; per-query buffers are pooled.
type Processor struct {
	slack float64
	pool  sync.Pool
}

// Option configures a Processor.
type Option func(*Processor)

// WithSlack sets the relative upper-bound slack.
func WithSlack(s float64) Option {
	return func(p *Processor) { p.slack = s }
}

func NewProcessor(opts ...Option) *Processor {
	p := &Processor{slack: DefaultSlack}
	for _, o := range opts {
		o(p)
	}
	p.pool.New = func() any { return &scratch{} }
	return p
}

type scratch struct {
	blocks  []codec.Block
	cursors []cursor
	order   []*cursor
	byTerm  []*cursor
}

func (s *scratch) size(n int) {
	if cap(s.blocks) < n {
		s.blocks = make([]codec.Block, n)
		s.cursors = make([]cursor, n)
		s.order = make([]*cursor, 0, n)
		s.byTerm = make([]*cursor, 0, n)
	}
	s.order = s.order[:0]
	s.byTerm = s.byTerm[:0]
}

// TopK returns the exact top q.K documents of idx for q, best first.
// Documents that can not reach the current k-th score are skipped a block
// at a time without being decoded or scored.
func (p *Processor) TopK(ctx context.Context, idx Index, q Query) (Result, error) {
	if err := Validate(q); err != nil {
		return Result{}, err
	}
	if !q.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, q.Deadline)
		defer cancel()
	}
	if err := checkCtx(ctx); err != nil {
		return Result{}, err
	}
	if len(q.Terms) == 0 {
		return Result{Hits: []ScoredResult{}}, nil
	}

	sc := p.pool.Get().(*scratch)
	defer p.pool.Put(sc)
	sc.size(len(q.Terms))

	var st Stats
	for i, t := range q.Terms {
		list, err := idx.Postings(t.TermID)
		if errors.Is(err, apperrors.ErrTermNotFound) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		c := &sc.cursors[i]
		c.reset(i, t.Weight, list, &sc.blocks[i])
		if err := c.start(&st); err != nil {
			return Result{}, err
		}
		sc.order = append(sc.order, c)
		sc.byTerm = append(sc.byTerm, c)
	}

	scorer := idx.Scorer()
	shardID := idx.ID()
	acc := NewAccumulator(q.K)
	cs := sc.order
	inflate := 1 + p.slack

	for {
		if st.Candidates%checkEvery == 0 {
			if err := checkCtx(ctx); err != nil {
				return Result{}, err
			}
		}
		st.Candidates++

		sortCursors(cs)
		theta := acc.Threshold()

		// Pivot: first cursor at which the summed list bounds could beat theta.
		pivot := -1
		var bound float64
		for i, c := range cs {
			if c.doc >= noMore {
				break
			}
			bound += c.ub
			if bound*inflate > theta {
				pivot = i
				break
			}
		}
		if pivot < 0 {
			break
		}
		d := cs[pivot].doc
		for pivot+1 < len(cs) && cs[pivot+1].doc == d {
			pivot++
		}

		var blockBound float64
		minEnd := noMore - 1
		for _, c := range cs[:pivot+1] {
			ms, end := c.shallow(d)
			blockBound += ms
			minEnd = min(minEnd, end)
		}
		if blockBound*inflate <= theta {
			target := minEnd + 1
			if pivot+1 < len(cs) {
				target = min(target, cs[pivot+1].doc)
			}
			st.BlocksPruned++
			for _, c := range cs[:pivot+1] {
				if err := c.seek(target, &st); err != nil {
					return Result{}, err
				}
			}
			continue
		}

		if cs[0].doc != d {
			for _, c := range cs[:pivot] {
				if c.doc < d {
					if err := c.seek(d, &st); err != nil {
						return Result{}, err
					}
				}
			}
			continue
		}

		docLen, err := idx.DocumentLength(uint32(d))
		if err != nil {
			return Result{}, fmt.Errorf("%w: posting for doc %d: %v", apperrors.ErrCorruptIndex, d, err)
		}
		var score float64
		for _, c := range sc.byTerm {
			if c.doc == d {
				score += c.weight * scorer.Score(c.freq(), docLen)
			}
		}
		st.Scored++
		acc.Offer(ScoredResult{ShardID: shardID, DocID: uint32(d), Score: score})

		for _, c := range cs[:pivot+1] {
			if err := c.seek(d+1, &st); err != nil {
				return Result{}, err
			}
		}
	}

	return Result{Hits: acc.Results(), Stats: st}, nil
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: query evaluation: %v", apperrors.ErrTimeout, err)
		}
		return err
	}
	return nil
}
