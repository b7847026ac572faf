// Package query evaluates weighted term queries against one shard and
// returns its exact top-k documents.
package query

import (
	"fmt"
	"math"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/scoring"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

// TermWeight is one query term with its non-negative weight.
type TermWeight struct {
	TermID uint32  `json:"term_id"`
	Weight float64 `json:"weight"`
}

// Query asks for the K best documents. A zero Deadline means none.
type Query struct {
	Terms    []TermWeight
	K        int
	Deadline time.Time
}

// ScoredResult is one ranked document.
type ScoredResult struct {
	ShardID uint32  `json:"shard_id"`
	DocID   uint32  `json:"doc_id"`
	Score   float64 `json:"score"`
}

// Stats counts the work done by one evaluation.
type Stats struct {
	Candidates    int `json:"candidates"`
	Scored        int `json:"scored"`
	BlocksDecoded int `json:"blocks_decoded"`
	BlocksSkipped int `json:"blocks_skipped"`
	BlocksPruned  int `json:"blocks_pruned"`
}

// Result is a shard-local top-k, best first.
type Result struct {
	Hits  []ScoredResult
	Stats Stats
}

// Index is the read side of a shard generation the processor needs.
type Index interface {
	ID() uint32
	Postings(term uint32) (index.PostingsList, error)
	DocumentLength(doc uint32) (uint32, error)
	Scorer() scoring.Scorer
}

// Validate rejects queries that can not be evaluated.
func Validate(q Query) error {
	if q.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", apperrors.ErrInvalidQuery, q.K)
	}
	for i, t := range q.Terms {
		if math.IsNaN(t.Weight) || math.IsInf(t.Weight, 0) || t.Weight < 0 {
			return fmt.Errorf("%w: term %d (id %d) has weight %v", apperrors.ErrInvalidQuery, i, t.TermID, t.Weight)
		}
	}
	return nil
}

// Better reports whether a ranks ahead of b: higher score, then lower
// DocID, then lower ShardID.
func Better(a, b ScoredResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DocID != b.DocID {
		return a.DocID < b.DocID
	}
	return a.ShardID < b.ShardID
}
