// Package coordinator fans a query out to one replica of every required
// shard, merges the per-shard top-k lists and applies the partial-failure
// policy. All per-query state lives in a single actor loop; shard replies
// and deadlines reach it as mailbox messages, so the loop never waits on a
// shard.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/cluster"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/tracing"
)

// Exclusion reasons reported per shard.
const (
	ReasonNoReplica    = "no_replica"
	ReasonUnknownShard = "unknown_shard"
	ReasonTimeout      = string(apperrors.FailureTimeout)
)

// ErrStopped is returned by Search once the coordinator has been stopped.
var ErrStopped = fmt.Errorf("%w: coordinator stopped", apperrors.ErrInternal)

// SearchRequest is one query. A zero Query.Deadline is replaced by the
// context deadline or the default budget at admission.
type SearchRequest struct {
	QueryID string
	Query   query.Query
	// Shards restricts the fan-out. Empty means every known shard.
	Shards []uint32
}

// SearchResult is the merged answer to one query.
type SearchResult struct {
	QueryID        string
	Results        []query.ScoredResult
	Partial        bool
	ShardsExcluded []uint32
	Reasons        map[uint32]string
	// Generations is the generation each answering shard evaluated.
	Generations map[uint32]uint64
	Required    int
	Latency     time.Duration
}

// Coverage is the fraction of required shards that answered.
func (r SearchResult) Coverage() float64 {
	if r.Required == 0 {
		return 1
	}
	return float64(r.Required-len(r.ShardsExcluded)) / float64(r.Required)
}

// Options wires a Coordinator.
type Options struct {
	Policy          config.CoordinatorConfig
	DefaultDeadline time.Duration
	Membership      cluster.Membership
	Transport       Transport
	Metrics         *metrics.Metrics
	Tracer          *tracing.Tracer
}

// Coordinator is the query-side actor.
type Coordinator struct {
	policy          config.CoordinatorConfig
	defaultDeadline time.Duration
	membership      cluster.Membership
	transport       Transport
	picker          cluster.RoundRobin
	metrics         *metrics.Metrics
	tracer          *tracing.Tracer
	logger          *slog.Logger
	mailbox         chan message
	done            chan struct{}

	// Owned by the run loop.
	pending map[string]*pendingQuery
}

type pendingQuery struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	q           query.Query
	view        cluster.View
	start       time.Time
	reply       chan<- searchOutcome
	required    int
	outstanding map[uint32]dispatchState
	lists       [][]query.ScoredResult
	excluded    map[uint32]string
	generations map[uint32]uint64
	span        *tracing.Span
	timer       *time.Timer
	log         *slog.Logger
}

type dispatchState struct {
	addr    string
	attempt int
}

// New validates the policy and starts the actor loop.
func New(opts Options) (*Coordinator, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	if opts.Membership == nil || opts.Transport == nil {
		return nil, fmt.Errorf("%w: coordinator needs a membership and a transport", apperrors.ErrInvalidInput)
	}
	if opts.Policy.MailboxSize <= 0 {
		opts.Policy.MailboxSize = 1024
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 500 * time.Millisecond
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.NewTracer(false, 1)
	}
	c := &Coordinator{
		policy:          opts.Policy,
		defaultDeadline: opts.DefaultDeadline,
		membership:      opts.Membership,
		transport:       opts.Transport,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		logger:          slog.Default().With("component", "coordinator"),
		mailbox:         make(chan message, opts.Policy.MailboxSize),
		done:            make(chan struct{}),
		pending:         make(map[string]*pendingQuery),
	}
	go c.run()
	return c, nil
}

// Membership returns the membership the coordinator routes with.
func (c *Coordinator) Membership() cluster.Membership { return c.membership }

// Search runs one query to completion. It fails with ErrInvalidQuery for a
// malformed query and with ErrInsufficientCoverage when fewer shards than
// the policy demands answered; otherwise it returns a possibly partial
// result.
func (c *Coordinator) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if err := query.Validate(req.Query); err != nil {
		c.countQuery("invalid")
		return SearchResult{}, err
	}
	if req.QueryID == "" {
		req.QueryID = uuid.NewString()
	}
	if req.Query.Deadline.IsZero() {
		if dl, ok := ctx.Deadline(); ok {
			req.Query.Deadline = dl
		} else {
			req.Query.Deadline = time.Now().Add(c.defaultDeadline)
		}
	}

	reply := make(chan searchOutcome, 1)
	m := searchMsg{ctx: ctx, req: req, start: time.Now(), reply: reply}
	select {
	case c.mailbox <- m:
	case <-c.done:
		return SearchResult{}, ErrStopped
	case <-ctx.Done():
		return SearchResult{}, ctx.Err()
	}
	select {
	case out := <-reply:
		return out.result, out.err
	case <-c.done:
		return SearchResult{}, ErrStopped
	case <-ctx.Done():
		return SearchResult{}, ctx.Err()
	}
}

// Stop terminates the loop. Queries still pending fail with ErrStopped.
func (c *Coordinator) Stop() {
	ack := make(chan struct{})
	select {
	case <-c.done:
		return
	case c.mailbox <- stopMsg{ack: ack}:
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

func (c *Coordinator) post(m message) {
	select {
	case c.mailbox <- m:
	case <-c.done:
	}
}

func (c *Coordinator) run() {
	c.logger.Info("coordinator started",
		"min_shard_coverage", c.policy.MinShardCoverage,
		"retry_overloaded", c.policy.RetryOverloaded)
	for m := range c.mailbox {
		switch m := m.(type) {
		case searchMsg:
			c.handleSearch(m)
		case shardReplyMsg:
			c.handleReply(m)
		case deadlineMsg:
			c.handleDeadline(m)
		case stopMsg:
			for _, pq := range c.pending {
				pq.timer.Stop()
				pq.cancel()
				pq.reply <- searchOutcome{err: ErrStopped}
			}
			clear(c.pending)
			close(c.done)
			close(m.ack)
			c.logger.Info("coordinator stopped")
			return
		default:
			panic(fmt.Sprintf("coordinator: unexpected message %T", m))
		}
	}
}

func (c *Coordinator) handleSearch(m searchMsg) {
	ctx := logger.WithQueryID(m.ctx, m.req.QueryID)
	if _, dup := c.pending[m.req.QueryID]; dup {
		m.reply <- searchOutcome{err: fmt.Errorf("%w: query id %s already in flight", apperrors.ErrInvalidQuery, m.req.QueryID)}
		return
	}
	ctx, span := c.tracer.StartSpan(ctx, "coordinator.search", m.req.QueryID)
	span.SetAttr("k", m.req.Query.K)
	span.SetAttr("terms", len(m.req.Query.Terms))
	dctx, cancel := context.WithDeadline(ctx, m.req.Query.Deadline)

	view := c.membership.Snapshot()
	required, unknown := requiredShards(view, m.req.Shards)
	pq := &pendingQuery{
		id:          m.req.QueryID,
		ctx:         dctx,
		cancel:      cancel,
		q:           m.req.Query,
		view:        view,
		start:       m.start,
		reply:       m.reply,
		required:    len(required) + len(unknown),
		outstanding: make(map[uint32]dispatchState, len(required)),
		excluded:    make(map[uint32]string),
		generations: make(map[uint32]uint64, len(required)),
		span:        span,
		log:         logger.FromContext(ctx),
	}
	span.SetAttr("required_shards", pq.required)
	c.pending[pq.id] = pq
	pq.timer = time.AfterFunc(time.Until(pq.q.Deadline), func() {
		c.post(deadlineMsg{queryID: pq.id})
	})

	for _, id := range unknown {
		pq.log.Warn("routing hint names an unknown shard", "shard_id", id)
		c.exclude(pq, id, ReasonUnknownShard)
	}
	for _, id := range required {
		addr := c.picker.Pick(view.Replicas(id), "")
		if addr == "" {
			c.exclude(pq, id, ReasonNoReplica)
			continue
		}
		c.dispatch(pq, id, addr, 0)
	}
	if len(pq.outstanding) == 0 {
		c.finish(pq)
	}
}

// requiredShards splits the routing hint into known and unknown shards.
// Without a hint every known shard is required.
func requiredShards(view cluster.View, hint []uint32) (known, unknown []uint32) {
	if len(hint) == 0 {
		return view.Shards(), nil
	}
	hint = slices.Clone(hint)
	slices.Sort(hint)
	for _, id := range slices.Compact(hint) {
		if view.Has(id) {
			known = append(known, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	return known, unknown
}

func (c *Coordinator) dispatch(pq *pendingQuery, shardID uint32, addr string, attempt int) {
	pq.outstanding[shardID] = dispatchState{addr: addr, attempt: attempt}
	ctx, queryID := pq.ctx, pq.id
	req := shard.Request{QueryID: queryID, Query: pq.q}
	go func() {
		ctx, span := tracing.StartChildSpan(ctx, "shard.dispatch")
		span.SetAttr("shard_id", shardID)
		span.SetAttr("addr", addr)
		span.SetAttr("attempt", attempt)
		start := time.Now()
		resp := c.transport.Dispatch(ctx, addr, shardID, req)
		if resp.Failure != nil {
			span.EndWithError(resp.Failure)
		} else {
			span.SetAttr("hits", len(resp.Hits))
			span.SetAttr("generation", resp.Generation)
			span.End()
		}
		c.post(shardReplyMsg{
			queryID: queryID,
			shardID: shardID,
			addr:    addr,
			attempt: attempt,
			resp:    resp,
			latency: time.Since(start),
		})
	}()
}

func (c *Coordinator) handleReply(m shardReplyMsg) {
	c.observeDispatch(m)
	pq, ok := c.pending[m.queryID]
	if !ok {
		c.lateReply(m, "query already answered")
		return
	}
	st, ok := pq.outstanding[m.shardID]
	if !ok || st.attempt != m.attempt {
		c.lateReply(m, "shard already settled")
		return
	}

	if f := m.resp.Failure; f != nil {
		if f.Kind == apperrors.FailureOverloaded && c.policy.RetryOverloaded && st.attempt == 0 {
			alt := c.picker.Pick(pq.view.Replicas(m.shardID), m.addr)
			if alt != "" && alt != m.addr {
				pq.log.Debug("shard overloaded, retrying on another replica",
					"shard_id", m.shardID, "from", m.addr, "to", alt)
				c.dispatch(pq, m.shardID, alt, st.attempt+1)
				return
			}
		}
		delete(pq.outstanding, m.shardID)
		pq.log.Warn("shard excluded", "shard_id", m.shardID, "addr", m.addr, "kind", f.Kind, "error", f.Err)
		c.exclude(pq, m.shardID, string(f.Kind))
	} else {
		delete(pq.outstanding, m.shardID)
		pq.lists = append(pq.lists, m.resp.Hits)
		pq.generations[m.shardID] = m.resp.Generation
	}
	if len(pq.outstanding) == 0 {
		c.finish(pq)
	}
}

func (c *Coordinator) handleDeadline(m deadlineMsg) {
	pq, ok := c.pending[m.queryID]
	if !ok {
		return
	}
	for id, st := range pq.outstanding {
		pq.log.Warn("shard missed the deadline", "shard_id", id, "addr", st.addr)
		c.exclude(pq, id, ReasonTimeout)
	}
	clear(pq.outstanding)
	c.finish(pq)
}

func (c *Coordinator) exclude(pq *pendingQuery, shardID uint32, reason string) {
	pq.excluded[shardID] = reason
	if c.metrics != nil {
		c.metrics.ShardsExcluded.WithLabelValues(reason).Inc()
	}
}

func (c *Coordinator) finish(pq *pendingQuery) {
	pq.timer.Stop()
	pq.cancel()
	delete(c.pending, pq.id)

	res := SearchResult{
		QueryID:        pq.id,
		Results:        Merge(pq.lists, pq.q.K),
		Partial:        len(pq.excluded) > 0,
		ShardsExcluded: slices.Sorted(maps.Keys(pq.excluded)),
		Reasons:        pq.excluded,
		Generations:    pq.generations,
		Required:       pq.required,
		Latency:        time.Since(pq.start),
	}
	var err error
	outcome := "complete"
	if cov := res.Coverage(); cov < c.policy.MinShardCoverage {
		err = fmt.Errorf("%w: %d of %d shards answered, policy requires %.2f",
			apperrors.ErrInsufficientCoverage, pq.required-len(pq.excluded), pq.required, c.policy.MinShardCoverage)
		outcome = "insufficient_coverage"
	} else if res.Partial {
		outcome = "partial"
	}

	c.countQuery(outcome)
	if c.metrics != nil && err == nil {
		c.metrics.QueryResultsCount.Observe(float64(len(res.Results)))
		if res.Partial {
			c.metrics.PartialResults.Inc()
		}
	}
	pq.span.SetAttr("outcome", outcome)
	pq.span.SetAttr("excluded", res.ShardsExcluded)
	pq.span.SetAttr("results", len(res.Results))
	if err != nil {
		pq.span.EndWithError(err)
	} else {
		pq.span.End()
	}
	pq.span.Log()
	pq.log.Info("query completed",
		"outcome", outcome,
		"required_shards", pq.required,
		"shards_excluded", res.ShardsExcluded,
		"results", len(res.Results),
		"latency_ms", res.Latency.Milliseconds())
	pq.reply <- searchOutcome{result: res, err: err}
}

func (c *Coordinator) lateReply(m shardReplyMsg, why string) {
	c.logger.Debug("late shard reply discarded",
		"query_id", m.queryID, "shard_id", m.shardID, "addr", m.addr, "reason", why)
	if c.metrics != nil {
		c.metrics.LateReplies.Inc()
	}
}

func (c *Coordinator) observeDispatch(m shardReplyMsg) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if m.resp.Failure != nil {
		outcome = string(m.resp.Failure.Kind)
	}
	c.metrics.ShardDispatchTotal.WithLabelValues(outcome).Inc()
	c.metrics.ShardDispatchTime.WithLabelValues(strconv.FormatUint(uint64(m.shardID), 10)).Observe(m.latency.Seconds())
}

func (c *Coordinator) countQuery(outcome string) {
	if c.metrics != nil {
		c.metrics.QueriesTotal.WithLabelValues(outcome).Inc()
	}
}

// IsDegraded reports whether err means the cluster could not answer, as
// opposed to the query being malformed.
func IsDegraded(err error) bool {
	return errors.Is(err, apperrors.ErrInsufficientCoverage) || errors.Is(err, ErrStopped)
}
