package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/featurize"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (SearchResult, error)
}

type ResultCache interface {
	GetOrCompute(ctx context.Context, req SearchRequest, compute func(context.Context) (SearchResult, error)) (SearchResult, bool, error)
	Invalidate(ctx context.Context) error
	Stats() (hits, misses int64)
}

// TermResolver maps query words to TermIDs and weights them.
type TermResolver interface {
	Lookup(term string) (uint32, error)
	IDF(id uint32) float64
}

type GenerationLister interface {
	Latest(ctx context.Context) ([]catalog.Generation, error)
}

type EventTracker interface {
	Track(ev proto.QueryEvent)
}

// HandlerOptions wires a Handler. Every field but Searcher and Membership
// may be nil, which disables the matching feature.
type HandlerOptions struct {
	Searcher    Searcher
	Membership  cluster.Membership
	Cache       ResultCache
	Terms       TermResolver
	Generations GenerationLister
	Tracker     EventTracker
	Metrics     *metrics.Metrics
	Query       config.QueryConfig
}

// Handler serves the client-facing HTTP API of a coordinator.
type Handler struct {
	opts   HandlerOptions
	logger *slog.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	if opts.Query.DefaultK <= 0 {
		opts.Query.DefaultK = 10
	}
	if opts.Query.MaxK <= 0 {
		opts.Query.MaxK = 1000
	}
	if opts.Query.DefaultDeadline <= 0 {
		opts.Query.DefaultDeadline = 500 * time.Millisecond
	}
	return &Handler{opts: opts, logger: slog.Default().With("component", "search-handler")}
}

// Register mounts the API on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/search", h.SearchJSON)
	mux.HandleFunc("GET /api/v1/search", h.SearchText)
	mux.HandleFunc("GET /api/v1/cluster", h.Cluster)
	mux.HandleFunc("GET /api/v1/generations", h.Generations)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

// SearchJSON answers the wire contract: a proto.QueryRequest of TermIDs and
// weights.
func (h *Handler) SearchJSON(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var in proto.QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	q := query.Query{K: in.K, Deadline: proto.Deadline(in.DeadlineUnixNano)}
	q.Terms = make([]query.TermWeight, len(in.Terms))
	for i, t := range in.Terms {
		q.Terms[i] = query.TermWeight{TermID: t.TermID, Weight: t.Weight}
	}
	h.serve(w, r, start, SearchRequest{Query: q, Shards: in.Shards})
}

// SearchText answers ?q=<text>&k=<n>[&shards=1,2] by featurizing the text
// and weighting each known term by its collection idf.
func (h *Handler) SearchText(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.opts.Terms == nil {
		h.writeError(w, http.StatusServiceUnavailable, "text search needs a term dictionary")
		return
	}
	params := r.URL.Query()
	text := params.Get("q")
	if text == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	k := h.opts.Query.DefaultK
	if s := params.Get("k"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = min(parsed, h.opts.Query.MaxK)
	}
	shards, err := parseShards(params.Get("shards"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := query.Query{K: k}
	for _, wt := range featurize.ParseQuery(text) {
		id, err := h.opts.Terms.Lookup(wt.Term)
		if err != nil {
			continue
		}
		q.Terms = append(q.Terms, query.TermWeight{TermID: id, Weight: wt.Weight * h.opts.Terms.IDF(id)})
	}
	if len(q.Terms) == 0 {
		h.writeJSON(w, http.StatusOK, proto.QueryResponse{Results: []proto.Hit{}, ShardsExcluded: []uint32{}})
		return
	}
	h.serve(w, r, start, SearchRequest{Query: q, Shards: shards})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, start time.Time, req SearchRequest) {
	ctx := r.Context()
	if err := h.admit(req.Query); err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	if req.Query.Deadline.IsZero() {
		req.Query.Deadline = start.Add(h.opts.Query.DefaultDeadline)
	}

	res, cacheHit, err := h.execute(ctx, req)
	latency := time.Since(start)
	h.observe(res, req, cacheHit, latency, err)
	log := logger.FromContext(ctx)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if IsDegraded(err) {
			log.Warn("search degraded", "error", err, "latency_ms", latency.Milliseconds())
		} else if status >= 500 {
			log.Error("search failed", "error", err)
		}
		h.writeError(w, status, err.Error())
		return
	}
	log.Info("search completed",
		"query_id", res.QueryID,
		"returned", len(res.Results),
		"partial", res.Partial,
		"cache_hit", cacheHit,
		"latency_ms", latency.Milliseconds())
	h.writeJSON(w, http.StatusOK, toWire(res, cacheHit, latency))
}

func (h *Handler) admit(q query.Query) error {
	if err := query.Validate(q); err != nil {
		return err
	}
	if q.K > h.opts.Query.MaxK {
		return fmt.Errorf("%w: k=%d exceeds the maximum of %d", apperrors.ErrInvalidQuery, q.K, h.opts.Query.MaxK)
	}
	if h.opts.Query.MaxTerms > 0 && len(q.Terms) > h.opts.Query.MaxTerms {
		return fmt.Errorf("%w: %d terms exceed the maximum of %d", apperrors.ErrInvalidQuery, len(q.Terms), h.opts.Query.MaxTerms)
	}
	return nil
}

func (h *Handler) execute(ctx context.Context, req SearchRequest) (SearchResult, bool, error) {
	if h.opts.Cache == nil {
		res, err := h.opts.Searcher.Search(ctx, req)
		return res, false, err
	}
	return h.opts.Cache.GetOrCompute(ctx, req, func(ctx context.Context) (SearchResult, error) {
		return h.opts.Searcher.Search(ctx, req)
	})
}

func (h *Handler) observe(res SearchResult, req SearchRequest, cacheHit bool, latency time.Duration, err error) {
	if h.opts.Metrics != nil {
		status := "bypass"
		if h.opts.Cache != nil {
			status = "miss"
			if cacheHit {
				status = "hit"
			}
		}
		h.opts.Metrics.QueryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
	if h.opts.Tracker == nil {
		return
	}
	ev := proto.QueryEvent{
		QueryID:        res.QueryID,
		TermCount:      len(req.Query.Terms),
		K:              req.Query.K,
		ResultCount:    len(res.Results),
		Partial:        res.Partial,
		ShardsExcluded: res.ShardsExcluded,
		LatencyMs:      latency.Milliseconds(),
		CacheHit:       cacheHit,
		Timestamp:      time.Now().UnixNano(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	h.opts.Tracker.Track(ev)
}

func toWire(res SearchResult, cached bool, latency time.Duration) proto.QueryResponse {
	out := proto.QueryResponse{
		QueryID:        res.QueryID,
		Results:        make([]proto.Hit, len(res.Results)),
		Partial:        res.Partial,
		ShardsExcluded: res.ShardsExcluded,
		LatencyMs:      latency.Milliseconds(),
		Cached:         cached,
	}
	if out.ShardsExcluded == nil {
		out.ShardsExcluded = []uint32{}
	}
	for i, r := range res.Results {
		out.Results[i] = proto.Hit{ShardID: r.ShardID, DocID: r.DocID, Score: r.Score}
	}
	return out
}

func parseShards(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid shard id %q", part)
		}
		out = append(out, uint32(id))
	}
	return out, nil
}

type shardPlacement struct {
	ShardID  uint32   `json:"shard_id"`
	Replicas []string `json:"replicas"`
}

// Cluster reports the current shard placement.
func (h *Handler) Cluster(w http.ResponseWriter, r *http.Request) {
	view := h.opts.Membership.Snapshot()
	out := struct {
		Shards     []shardPlacement `json:"shards"`
		Unassigned []uint32         `json:"unassigned"`
	}{Shards: []shardPlacement{}, Unassigned: []uint32{}}
	for _, id := range view.Shards() {
		replicas := view.Replicas(id)
		if len(replicas) == 0 {
			out.Unassigned = append(out.Unassigned, id)
		}
		out.Shards = append(out.Shards, shardPlacement{ShardID: id, Replicas: append([]string{}, replicas...)})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Generations lists the latest catalogued generation of every shard.
func (h *Handler) Generations(w http.ResponseWriter, r *http.Request) {
	if h.opts.Generations == nil {
		h.writeError(w, http.StatusServiceUnavailable, "generation catalog is disabled")
		return
	}
	gens, err := h.opts.Generations.Latest(r.Context())
	if err != nil {
		h.logger.Error("listing generations failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing generations failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.opts.Cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.opts.Cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.opts.Cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.opts.Cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
