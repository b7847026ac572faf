package query

import (
	"errors"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

// Exhaustive scores every matching document with the same arithmetic as
// TopK and keeps the best q.K. It is the reference TopK is checked against.
func Exhaustive(idx Index, q Query) (Result, error) {
	if err := Validate(q); err != nil {
		return Result{}, err
	}
	scorer := idx.Scorer()
	scores := make(map[uint32]float64)
	var st Stats
	for _, t := range q.Terms {
		list, err := idx.Postings(t.TermID)
		if errors.Is(err, apperrors.ErrTermNotFound) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		it := list.Iterator()
		for it.Next() {
			doc := it.Doc()
			docLen, err := idx.DocumentLength(doc)
			if err != nil {
				return Result{}, fmt.Errorf("%w: posting for doc %d: %v", apperrors.ErrCorruptIndex, doc, err)
			}
			scores[doc] += t.Weight * scorer.Score(it.Freq(), docLen)
		}
		if err := it.Err(); err != nil {
			return Result{}, err
		}
	}

	acc := NewAccumulator(q.K)
	for doc, s := range scores {
		st.Scored++
		acc.Offer(ScoredResult{ShardID: idx.ID(), DocID: doc, Score: s})
	}
	return Result{Hits: acc.Results(), Stats: st}, nil
}
