package coordinator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/redis"
)

const (
	keyPrefix = "topk:result:"
	epochKey  = "topk:result-epoch"
)

// Store is the subset of the Redis client the cache uses.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Epoch(ctx context.Context, key string) (int64, error)
	BumpEpoch(ctx context.Context, key string) (int64, error)
}

// QueryCache caches complete results by the exact query. Keys embed an
// epoch that is bumped whenever a generation is published, so every entry
// computed against older generations becomes unreachable at once. Partial
// results are never stored, and neither are results that some shard
// answered from a generation older than the newest one announced for it.
type QueryCache struct {
	store   Store
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64

	mu        sync.Mutex
	announced map[uint32]uint64
}

// NewQueryCache returns a cache over store. m may be nil.
func NewQueryCache(store Store, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &QueryCache{
		store:     store,
		ttl:       ttl,
		metrics:   m,
		logger:    slog.Default().With("component", "query-cache"),
		announced: make(map[uint32]uint64),
	}
}

// GetOrCompute returns the cached result for req or runs compute, sharing
// one computation among concurrent identical requests. The shared
// computation outlives a cancelled caller but not the query deadline. The
// boolean reports a cache hit.
func (c *QueryCache) GetOrCompute(ctx context.Context, req SearchRequest, compute func(context.Context) (SearchResult, error)) (SearchResult, bool, error) {
	epoch, err := c.store.Epoch(ctx, epochKey)
	if err != nil {
		c.logger.Warn("reading cache epoch failed, bypassing cache", "error", err)
		res, err := compute(ctx)
		return res, false, err
	}
	key := c.buildKey(epoch, req)
	if res, ok := c.get(ctx, key); ok {
		res.QueryID = req.QueryID
		return res, true, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		sctx, cancel := sharedContext(ctx, req.Query.Deadline)
		defer cancel()
		if res, ok := c.get(sctx, key); ok {
			return res, nil
		}
		res, err := compute(sctx)
		if err != nil {
			return SearchResult{}, err
		}
		if c.storable(res) {
			c.set(sctx, key, res)
		}
		return res, nil
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return SearchResult{}, false, ctx.Err()
	}
	if r.Err != nil {
		return SearchResult{}, false, r.Err
	}
	res := r.Val.(SearchResult)
	// Concurrent callers share one result; each gets its own identity.
	res.QueryID = req.QueryID
	res.Results = slices.Clone(res.Results)
	return res, false, nil
}

// sharedContext detaches ctx from its caller's cancellation and bounds it
// by the caller's deadline, or by the query deadline when ctx has none.
func sharedContext(ctx context.Context, queryDeadline time.Time) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, dl)
	}
	if !queryDeadline.IsZero() {
		return context.WithDeadline(detached, queryDeadline)
	}
	return context.WithCancel(detached)
}

// storable reports whether res may be cached: it is complete and every
// shard answered from at least the newest generation announced for it.
func (c *QueryCache) storable(res SearchResult) bool {
	if res.Partial {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for shardID, want := range c.announced {
		if got, ok := res.Generations[shardID]; ok && got < want {
			c.logger.Debug("result predates an announced generation, not caching",
				"shard_id", shardID, "generation", got, "announced", want)
			return false
		}
	}
	return true
}

// announce records that generation is the newest published for shardID.
func (c *QueryCache) announce(shardID uint32, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation > c.announced[shardID] {
		c.announced[shardID] = generation
	}
}

func (c *QueryCache) get(ctx context.Context, key string) (SearchResult, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return SearchResult{}, false
	}
	var res SearchResult
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return SearchResult{}, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	return res, true
}

func (c *QueryCache) set(ctx context.Context, key string, res SearchResult) {
	data, err := json.Marshal(res)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// Invalidate makes every cached result unreachable.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	epoch, err := c.store.BumpEpoch(ctx, epochKey)
	if err != nil {
		return fmt.Errorf("bumping cache epoch: %w", err)
	}
	c.logger.Info("cache invalidated", "epoch", epoch)
	return nil
}

// InvalidationHandler drops cached results whenever a generation is
// published. Until the shard swaps the generation in, results it answers
// from older generations are not cached.
func (c *QueryCache) InvalidationHandler() kafka.MessageHandler {
	return kafka.JSONHandler(func(ctx context.Context, ev proto.GenerationPublished) error {
		c.logger.Debug("generation published", "shard_id", ev.ShardID, "generation", ev.Generation)
		c.announce(ev.ShardID, ev.Generation)
		return c.Invalidate(ctx)
	})
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// buildKey hashes the exact query. Term order is kept: scores are summed in
// query order, so a reordered query is a different query.
func (c *QueryCache) buildKey(epoch int64, req SearchRequest) string {
	h := xxhash.New()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeU64(uint64(req.Query.K))
	writeU64(uint64(len(req.Query.Terms)))
	for _, t := range req.Query.Terms {
		writeU64(uint64(t.TermID))
		writeU64(math.Float64bits(t.Weight))
	}
	shards := slices.Clone(req.Shards)
	slices.Sort(shards)
	shards = slices.Compact(shards)
	writeU64(uint64(len(shards)))
	for _, id := range shards {
		writeU64(uint64(id))
	}
	return fmt.Sprintf("%s%d:%016x", keyPrefix, epoch, h.Sum64())
}
