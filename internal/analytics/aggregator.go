package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

// latencyWindow bounds how many recent latencies feed the percentiles.
const latencyWindow = 10000

type Stats struct {
	TotalQueries     int64            `json:"total_queries"`
	PartialResults   int64            `json:"partial_results"`
	Failed           int64            `json:"failed"`
	CacheHits        int64            `json:"cache_hits"`
	CacheMisses      int64            `json:"cache_misses"`
	ZeroResultCount  int64            `json:"zero_result_count"`
	AvgLatencyMs     float64          `json:"avg_latency_ms"`
	P50LatencyMs     int64            `json:"p50_latency_ms"`
	P95LatencyMs     int64            `json:"p95_latency_ms"`
	P99LatencyMs     int64            `json:"p99_latency_ms"`
	ExcludedByShard  map[uint32]int64 `json:"excluded_by_shard"`
	QueriesPerMinute float64          `json:"queries_per_minute"`
}

// Aggregator folds QueryEvents into Stats.
type Aggregator struct {
	mu        sync.Mutex
	stats     Stats
	latencies []int64
	next      int
	startTime time.Time
	logger    *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		stats:     Stats{ExcludedByShard: make(map[uint32]int64)},
		latencies: make([]int64, 0, latencyWindow),
		startTime: time.Now(),
		logger:    slog.Default().With("component", "analytics-aggregator"),
	}
}

// Handler consumes the query event topic.
func (a *Aggregator) Handler() kafka.MessageHandler {
	return kafka.JSONHandler(func(_ context.Context, ev proto.QueryEvent) error {
		a.Record(ev)
		return nil
	})
}

func (a *Aggregator) Record(ev proto.QueryEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.stats
	s.TotalQueries++
	if ev.Error != "" {
		s.Failed++
	}
	if ev.Partial {
		s.PartialResults++
	}
	if ev.CacheHit {
		s.CacheHits++
	} else {
		s.CacheMisses++
	}
	if ev.Error == "" && ev.ResultCount == 0 {
		s.ZeroResultCount++
	}
	for _, id := range ev.ShardsExcluded {
		s.ExcludedByShard[id]++
	}
	if len(a.latencies) < latencyWindow {
		a.latencies = append(a.latencies, ev.LatencyMs)
	} else {
		a.latencies[a.next] = ev.LatencyMs
		a.next = (a.next + 1) % latencyWindow
	}
}

// Stats returns a snapshot.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	out := a.stats
	out.ExcludedByShard = make(map[uint32]int64, len(a.stats.ExcludedByShard))
	for id, n := range a.stats.ExcludedByShard {
		out.ExcludedByShard[id] = n
	}
	sorted := slices.Clone(a.latencies)
	a.mu.Unlock()

	if len(sorted) > 0 {
		slices.Sort(sorted)
		var sum int64
		for _, l := range sorted {
			sum += l
		}
		out.AvgLatencyMs = float64(sum) / float64(len(sorted))
		out.P50LatencyMs = percentile(sorted, 50)
		out.P95LatencyMs = percentile(sorted, 95)
		out.P99LatencyMs = percentile(sorted, 99)
	}
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		out.QueriesPerMinute = float64(out.TotalQueries) / elapsed
	}
	return out
}

// ServeHTTP writes the current stats as JSON.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Stats()); err != nil {
		a.logger.Error("failed to write analytics response", "error", err)
	}
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
