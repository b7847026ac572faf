// Package proto defines the wire contract shared by the coordinator, the
// shard nodes and external clients.
//
// The types use JSON struct tags for serialization over the platform's
// lightweight JSON-over-TCP RPC layer (see pkg/grpc) and the HTTP API.
// Deadlines are absolute and travel as Unix nanoseconds so every hop agrees
// on the same instant regardless of transit time.
package proto

import "time"

// ---------- Query ----------

// TermWeight is one weighted query term.
type TermWeight struct {
	TermID uint32  `json:"term_id"`
	Weight float64 `json:"weight"`
}

// QueryRequest is the client-facing search request.
type QueryRequest struct {
	Terms            []TermWeight `json:"terms"`
	K                int          `json:"k"`
	DeadlineUnixNano int64        `json:"deadline_unix_nano,omitempty"`
	// Shards optionally restricts the fan-out. Empty means all known shards.
	Shards []uint32 `json:"shards,omitempty"`
}

// Hit is a single scored document.
type Hit struct {
	ShardID uint32  `json:"shard_id"`
	DocID   uint32  `json:"doc_id"`
	Score   float64 `json:"score"`
}

// QueryResponse is returned for every query that met the coverage policy.
type QueryResponse struct {
	QueryID        string   `json:"query_id,omitempty"`
	Results        []Hit    `json:"results"`
	Partial        bool     `json:"partial"`
	ShardsExcluded []uint32 `json:"shards_excluded"`
	LatencyMs      int64    `json:"latency_ms"`
	Cached         bool     `json:"cached,omitempty"`
}

// ---------- Shard dispatch ----------

// ShardRequest is one coordinator-to-shard dispatch.
type ShardRequest struct {
	QueryID          string       `json:"query_id"`
	ShardID          uint32       `json:"shard_id"`
	Terms            []TermWeight `json:"terms"`
	K                int          `json:"k"`
	DeadlineUnixNano int64        `json:"deadline_unix_nano"`
}

// ShardFailure is the in-band failure half of a ShardResponse.
type ShardFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// ShardResponse carries either results or a failure, never both.
type ShardResponse struct {
	ShardID    uint32        `json:"shard_id"`
	Generation uint64        `json:"generation"`
	Results    []Hit         `json:"results,omitempty"`
	Failure    *ShardFailure `json:"failure,omitempty"`
}

// ---------- Generations ----------

// SwapRequest asks a shard node to adopt a newly published generation.
type SwapRequest struct {
	ShardID    uint32 `json:"shard_id"`
	Generation uint64 `json:"generation"`
	Path       string `json:"path"`
}

// SwapResponse acknowledges a swap with the generation now being served.
type SwapResponse struct {
	ShardID    uint32 `json:"shard_id"`
	Generation uint64 `json:"generation"`
}

// GenerationPublished is emitted by the indexer after an atomic publish.
type GenerationPublished struct {
	ShardID     uint32 `json:"shard_id"`
	Generation  uint64 `json:"generation"`
	Path        string `json:"path"`
	DocCount    uint32 `json:"doc_count"`
	TermCount   uint32 `json:"term_count"`
	Scorer      string `json:"scorer"`
	PublishedAt int64  `json:"published_at"`
}

// ---------- Health ----------

// HealthRequest optionally filters by shard.
type HealthRequest struct {
	ShardID *uint32 `json:"shard_id,omitempty"`
}

// ShardHealth reports one shard actor's state.
type ShardHealth struct {
	ShardID    uint32 `json:"shard_id"`
	Generation uint64 `json:"generation"`
	Healthy    bool   `json:"healthy"`
	InFlight   int    `json:"in_flight"`
	Reason     string `json:"reason,omitempty"`
}

// HealthResponse lists the shard actors hosted by a node.
type HealthResponse struct {
	Shards []ShardHealth `json:"shards"`
}

// ---------- Analytics ----------

// QueryEvent is published for every completed query.
type QueryEvent struct {
	QueryID        string   `json:"query_id"`
	TermCount      int      `json:"term_count"`
	K              int      `json:"k"`
	ResultCount    int      `json:"result_count"`
	Partial        bool     `json:"partial"`
	ShardsExcluded []uint32 `json:"shards_excluded,omitempty"`
	LatencyMs      int64    `json:"latency_ms"`
	CacheHit       bool     `json:"cache_hit"`
	Error          string   `json:"error,omitempty"`
	Timestamp      int64    `json:"timestamp"`
}

// Deadline converts a wire deadline to time. Zero means none.
func Deadline(unixNano int64) time.Time {
	if unixNano == 0 {
		return time.Time{}
	}
	return time.Unix(0, unixNano)
}

// UnixNano converts a deadline to its wire form. The zero time maps to 0.
func UnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
