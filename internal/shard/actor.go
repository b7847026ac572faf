// Package shard hosts Shard Actors. An actor owns the current generation
// of one shard and answers top-k requests against it. Evaluations run in
// worker goroutines so the actor keeps serving swaps and health checks
// while long scans are in progress.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
)

// Request is one top-k evaluation. Query.Deadline is absolute.
type Request struct {
	QueryID string
	Query   query.Query
}

// Response carries either hits or a failure, never both.
type Response struct {
	ShardID    uint32
	Generation uint64
	Hits       []query.ScoredResult
	Stats      query.Stats
	Failure    *apperrors.ShardFailure
}

// Status is a point-in-time view of an actor.
type Status struct {
	ShardID    uint32             `json:"shard_id"`
	Generation uint64             `json:"generation"`
	Loaded     bool               `json:"loaded"`
	Healthy    bool               `json:"healthy"`
	InFlight   int                `json:"in_flight"`
	Reason     string             `json:"reason,omitempty"`
	Index      *index.Description `json:"index,omitempty"`
}

// Actor serialises every state change of one shard through its mailbox.
type Actor struct {
	id        uint32
	mailbox   chan message
	done      chan struct{}
	processor *query.Processor
	limiter   *rate.Limiter
	slots     *semaphore.Weighted
	budget    time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// Owned by the run loop.
	current  *index.Handle
	healthy  bool
	reason   string
	inFlight int
}

// NewActor starts an actor for shardID with no generation loaded. m may be
// nil.
func NewActor(shardID uint32, cfg config.ShardConfig, p *query.Processor, m *metrics.Metrics) *Actor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = int(cfg.MaxConcurrent)
	}
	a := &Actor{
		id:        shardID,
		mailbox:   make(chan message, cfg.MailboxSize),
		done:      make(chan struct{}),
		processor: p,
		limiter:   rate.NewLimiter(limit, burst),
		slots:     semaphore.NewWeighted(cfg.MaxConcurrent),
		budget:    cfg.EvalBudget,
		metrics:   m,
		logger:    slog.Default().With("component", "shard-actor", "shard_id", shardID),
		healthy:   true,
	}
	go a.run()
	return a
}

// ID returns the shard this actor serves.
func (a *Actor) ID() uint32 { return a.id }

// Execute evaluates req against the current generation. Failures of the
// shard are reported in Response.Failure; the error is non-nil only when
// ctx ends or the actor is stopped before a response exists.
func (a *Actor) Execute(ctx context.Context, req Request) (Response, error) {
	reply := make(chan Response, 1)
	if err := a.send(ctx, executeMsg{ctx: ctx, req: req, reply: reply}); err != nil {
		return Response{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-a.done:
		return Response{}, a.stoppedErr()
	}
}

// Swap makes h the current generation. The previous generation is retired
// and unmapped once its last in-flight evaluation finishes. A handle whose
// generation is not newer than the current one is rejected with
// ErrStaleGeneration and retired.
func (a *Actor) Swap(ctx context.Context, h *index.Handle) (uint64, error) {
	reply := make(chan swapResult, 1)
	retire := sync.OnceFunc(h.Retire)
	if err := a.send(ctx, swapMsg{handle: h, retire: retire, reply: reply}); err != nil {
		retire()
		return 0, err
	}
	select {
	case r := <-reply:
		return r.generation, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-a.done:
		// The run loop replies before it stops, so an empty reply means the
		// swap was never handled.
		select {
		case r := <-reply:
			return r.generation, r.err
		default:
			retire()
			return 0, a.stoppedErr()
		}
	}
}

// Status reports the actor's state.
func (a *Actor) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := a.send(ctx, healthMsg{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-a.done:
		return Status{}, a.stoppedErr()
	}
}

// Stop terminates the run loop and retires the current generation.
// Evaluations already running finish against their own reference.
func (a *Actor) Stop() {
	ack := make(chan struct{})
	select {
	case <-a.done:
		return
	case a.mailbox <- stopMsg{ack: ack}:
	}
	select {
	case <-ack:
	case <-a.done:
	}
}

// Done is closed once the actor has stopped.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) send(ctx context.Context, m message) error {
	select {
	case a.mailbox <- m:
		return nil
	case <-a.done:
		return a.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) stoppedErr() error {
	return fmt.Errorf("shard %d: %w: actor stopped", a.id, apperrors.ErrShardUnavailable)
}

// post is used by workers; it never blocks past the actor's lifetime.
func (a *Actor) post(m message) {
	select {
	case a.mailbox <- m:
	case <-a.done:
	}
}

func (a *Actor) run() {
	a.logger.Info("shard actor started")
	for m := range a.mailbox {
		switch m := m.(type) {
		case executeMsg:
			a.handleExecute(m)
		case evalDoneMsg:
			a.handleEvalDone(m)
		case swapMsg:
			a.handleSwap(m)
		case healthMsg:
			m.reply <- a.status()
		case stopMsg:
			if a.current != nil {
				a.current.Retire()
				a.current = nil
			}
			close(a.done)
			a.drain()
			close(m.ack)
			a.logger.Info("shard actor stopped", "in_flight", a.inFlight)
			return
		default:
			panic(fmt.Sprintf("shard actor: unexpected message %T", m))
		}
	}
}

// drain answers whatever is still queued once the actor has stopped and
// retires generations that were waiting to be swapped in.
func (a *Actor) drain() {
	for {
		select {
		case m := <-a.mailbox:
			switch m := m.(type) {
			case swapMsg:
				m.retire()
				m.reply <- swapResult{err: a.stoppedErr()}
			case executeMsg:
				m.reply <- Response{ShardID: a.id, Failure: apperrors.NewShardFailure(apperrors.FailureUnavailable, a.id, a.stoppedErr())}
			case healthMsg:
				m.reply <- a.status()
			case stopMsg:
				close(m.ack)
			}
		default:
			return
		}
	}
}

func (a *Actor) fail(m executeMsg, kind apperrors.FailureKind, err error) {
	var gen uint64
	if a.current != nil {
		gen = a.current.Generation()
	}
	a.countEval(string(kind))
	m.reply <- Response{ShardID: a.id, Generation: gen, Failure: apperrors.NewShardFailure(kind, a.id, err)}
}

func (a *Actor) handleExecute(m executeMsg) {
	switch {
	case a.current == nil:
		a.fail(m, apperrors.FailureUnavailable, errors.New("no generation loaded"))
		return
	case !a.healthy:
		a.fail(m, apperrors.FailureCorrupt, fmt.Errorf("%w: %s", apperrors.ErrShardUnhealthy, a.reason))
		return
	case !a.limiter.Allow():
		a.fail(m, apperrors.FailureOverloaded, errors.New("rate limit exceeded"))
		return
	case !a.slots.TryAcquire(1):
		a.fail(m, apperrors.FailureOverloaded, errors.New("all evaluation slots busy"))
		return
	}

	deadline := m.req.Query.Deadline
	if a.budget > 0 {
		if internal := time.Now().Add(a.budget); deadline.IsZero() || internal.Before(deadline) {
			deadline = internal
		}
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		a.slots.Release(1)
		a.fail(m, apperrors.FailureTimeout, errors.New("deadline passed before evaluation"))
		return
	}

	h := a.current
	if !h.Acquire() {
		a.slots.Release(1)
		a.fail(m, apperrors.FailureUnavailable, errors.New("generation closed"))
		return
	}
	a.inFlight++
	a.setInFlight()

	q := m.req.Query
	q.Deadline = deadline
	go a.evaluate(m, h, q)
}

func (a *Actor) evaluate(m executeMsg, h *index.Handle, q query.Query) {
	defer a.slots.Release(1)
	start := time.Now()

	res, err := a.processor.TopK(m.ctx, h.Shard(), q)
	gen := h.Generation()
	h.Release()

	resp := Response{ShardID: a.id, Generation: gen}
	if err != nil {
		resp.Failure = apperrors.ClassifyShardError(a.id, err)
	} else {
		resp.Hits = res.Hits
		resp.Stats = res.Stats
	}
	a.logger.Debug("evaluation finished",
		"query_id", m.req.QueryID,
		"generation", gen,
		"hits", len(res.Hits),
		"scored", res.Stats.Scored,
		"latency_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	// Bookkeeping is queued before the caller sees the reply, so anything
	// the caller sends next observes it.
	a.post(evalDoneMsg{generation: gen, stats: res.Stats, err: err})
	m.reply <- resp
}

func (a *Actor) handleEvalDone(m evalDoneMsg) {
	a.inFlight--
	a.setInFlight()

	outcome := "ok"
	if m.err != nil {
		outcome = string(apperrors.ClassifyShardError(a.id, m.err).Kind)
	}
	a.countEval(outcome)
	if a.metrics != nil {
		a.metrics.DocsScored.Add(float64(m.stats.Scored))
		a.metrics.BlocksSkipped.Add(float64(m.stats.BlocksSkipped + m.stats.BlocksPruned))
	}

	if errors.Is(m.err, apperrors.ErrCorruptIndex) {
		// A newer generation may already have replaced the corrupt one.
		if a.current != nil && a.current.Generation() == m.generation {
			a.healthy = false
			a.reason = m.err.Error()
			a.setHealthy()
			a.logger.Error("generation is corrupt, shard marked unhealthy", "generation", m.generation, "error", m.err)
		}
	}
}

func (a *Actor) handleSwap(m swapMsg) {
	h := m.handle
	if id := h.Shard().ID(); id != a.id {
		h.Retire()
		m.reply <- swapResult{err: fmt.Errorf("%w: generation belongs to shard %d, not %d", apperrors.ErrInvalidInput, id, a.id)}
		a.countSwap("rejected")
		return
	}
	if a.current != nil && h.Generation() <= a.current.Generation() {
		cur := a.current.Generation()
		h.Retire()
		m.reply <- swapResult{generation: cur, err: fmt.Errorf("%w: shard %d serves %d, offered %d",
			apperrors.ErrStaleGeneration, a.id, cur, h.Generation())}
		a.countSwap("stale")
		return
	}

	old := a.current
	a.current = h
	a.healthy = true
	a.reason = ""
	if old != nil {
		old.Retire()
	}
	a.setHealthy()
	a.countSwap("ok")
	if a.metrics != nil {
		a.metrics.ShardGeneration.WithLabelValues(a.label()).Set(float64(h.Generation()))
	}
	a.logger.Info("generation swapped in", "generation", h.Generation(), "in_flight", a.inFlight)
	m.reply <- swapResult{generation: h.Generation()}
}

func (a *Actor) status() Status {
	st := Status{ShardID: a.id, Healthy: a.healthy, InFlight: a.inFlight, Reason: a.reason}
	if a.current != nil {
		d := a.current.Shard().Describe()
		st.Loaded = true
		st.Generation = a.current.Generation()
		st.Index = &d
	} else {
		st.Reason = "no generation loaded"
	}
	return st
}

func (a *Actor) label() string { return strconv.FormatUint(uint64(a.id), 10) }

func (a *Actor) countEval(outcome string) {
	if a.metrics != nil {
		a.metrics.ShardEvaluations.WithLabelValues(a.label(), outcome).Inc()
	}
}

func (a *Actor) countSwap(status string) {
	if a.metrics != nil {
		a.metrics.GenerationSwaps.WithLabelValues(status).Inc()
	}
}

func (a *Actor) setInFlight() {
	if a.metrics != nil {
		a.metrics.ShardInFlight.WithLabelValues(a.label()).Set(float64(a.inFlight))
	}
}

func (a *Actor) setHealthy() {
	if a.metrics != nil {
		v := 0.0
		if a.healthy {
			v = 1
		}
		a.metrics.ShardHealthy.WithLabelValues(a.label()).Set(v)
	}
}
