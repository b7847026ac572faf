// Package metrics defines the Prometheus metric collectors used across the
// coordinator and shard nodes and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	QueriesTotal       *prometheus.CounterVec
	QueryLatency       *prometheus.HistogramVec
	QueryResultsCount  prometheus.Histogram
	PartialResults     prometheus.Counter
	ShardsExcluded     *prometheus.CounterVec
	LateReplies        prometheus.Counter
	ShardDispatchTotal *prometheus.CounterVec
	ShardDispatchTime  *prometheus.HistogramVec

	ShardEvaluations *prometheus.CounterVec
	ShardInFlight    *prometheus.GaugeVec
	ShardHealthy     *prometheus.GaugeVec
	ShardGeneration  *prometheus.GaugeVec
	GenerationSwaps  *prometheus.CounterVec
	DocsScored       prometheus.Counter
	BlocksSkipped    prometheus.Counter

	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	GenerationsBuilt    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry() so repeated construction does not panic.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topk_queries_total",
				Help: "Total queries by outcome (complete, partial, insufficient_coverage, invalid, error).",
			},
			[]string{"outcome"},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "topk_query_latency_seconds",
				Help:    "End-to-end coordinator query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		QueryResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "topk_query_results_count",
				Help:    "Number of results returned per query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 1000},
			},
		),
		PartialResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "topk_partial_results_total",
				Help: "Queries answered with at least one shard excluded.",
			},
		),
		ShardsExcluded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topk_shards_excluded_total",
				Help: "Shards excluded from a query by reason.",
			},
			[]string{"reason"},
		),
		LateReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "topk_late_replies_total",
				Help: "Shard replies discarded because their query had already completed.",
			},
		),
		ShardDispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topk_shard_dispatch_total",
				Help: "Shard dispatches by outcome.",
			},
			[]string{"outcome"},
		),
		ShardDispatchTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "topk_shard_dispatch_seconds",
				Help:    "Round-trip latency of a shard dispatch.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"shard_id"},
		),
		ShardEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topk_shard_evaluations_total",
				Help: "Shard-side evaluations by shard and outcome.",
			},
			[]string{"shard_id", "outcome"},
		),
		ShardInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "topk_shard_in_flight",
				Help: "Evaluations currently running per shard.",
			},
			[]string{"shard_id"},
		),
		ShardHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "topk_shard_healthy",
				Help: "1 when the shard actor is healthy, 0 otherwise.",
			},
			[]string{"shard_id"},
		),
		ShardGeneration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "topk_shard_generation",
				Help: "Generation currently served per shard.",
			},
			[]string{"shard_id"},
		),
		GenerationSwaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topk_generation_swaps_total",
				Help: "Generation swap attempts by status.",
			},
			[]string{"status"},
		),
		DocsScored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "topk_docs_scored_total",
				Help: "Documents fully scored by the query processor.",
			},
		),
		BlocksSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "topk_blocks_skipped_total",
				Help: "Posting blocks skipped by block-max pruning.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses.",
			},
		),
		GenerationsBuilt: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topk_generations_built_total",
				Help: "Index generations built by status.",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryResultsCount,
		m.PartialResults,
		m.ShardsExcluded,
		m.LateReplies,
		m.ShardDispatchTotal,
		m.ShardDispatchTime,
		m.ShardEvaluations,
		m.ShardInFlight,
		m.ShardHealthy,
		m.ShardGeneration,
		m.GenerationSwaps,
		m.DocsScored,
		m.BlocksSkipped,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.GenerationsBuilt,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
