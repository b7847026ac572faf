package coordinator

import "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"

// Merge unions per-shard result lists and keeps the k best under the global
// order: score descending, then DocID ascending, then ShardID ascending.
// The order is total, so Merge is associative and commutative.
func Merge(lists [][]query.ScoredResult, k int) []query.ScoredResult {
	if k <= 0 {
		return []query.ScoredResult{}
	}
	acc := query.NewAccumulator(k)
	for _, results := range lists {
		for _, r := range results {
			acc.Offer(r)
		}
	}
	return acc.Results()
}
