package query

import (
	"container/heap"
	"slices"
)

// Accumulator keeps the k best results seen so far. The root of the heap is
// the worst retained result.
type Accumulator struct {
	k int
	h resultHeap
}

// NewAccumulator returns an empty accumulator of capacity k.
func NewAccumulator(k int) *Accumulator {
	return &Accumulator{k: k, h: make(resultHeap, 0, min(k, 1024))}
}

// Offer inserts r if it belongs in the top k and reports whether it did.
func (a *Accumulator) Offer(r ScoredResult) bool {
	if a.k <= 0 {
		return false
	}
	if len(a.h) < a.k {
		heap.Push(&a.h, r)
		return true
	}
	if !Better(r, a.h[0]) {
		return false
	}
	a.h[0] = r
	heap.Fix(&a.h, 0)
	return true
}

// Full reports whether k results are held.
func (a *Accumulator) Full() bool { return len(a.h) >= a.k }

// Threshold is the score a new document must beat once the accumulator is
// full, and -1 before that. Scores are never negative.
func (a *Accumulator) Threshold() float64 {
	if !a.Full() {
		return -1
	}
	return a.h[0].Score
}

// Len returns the number of retained results.
func (a *Accumulator) Len() int { return len(a.h) }

// Results returns the retained results best first. The accumulator is left
// unchanged.
func (a *Accumulator) Results() []ScoredResult {
	out := slices.Clone([]ScoredResult(a.h))
	slices.SortFunc(out, func(x, y ScoredResult) int {
		switch {
		case Better(x, y):
			return -1
		case Better(y, x):
			return 1
		}
		return 0
	})
	return out
}

type resultHeap []ScoredResult

func (h resultHeap) Len() int { return len(h) }

func (h resultHeap) Less(i, j int) bool { return Better(h[j], h[i]) }

func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x any) {
	*h = append(*h, x.(ScoredResult))
}

func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
