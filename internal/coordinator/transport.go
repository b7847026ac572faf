package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/resilience"
)

// Transport delivers one shard dispatch to one replica. It never returns an
// error: every failure comes back as Response.Failure.
type Transport interface {
	Dispatch(ctx context.Context, addr string, shardID uint32, req shard.Request) shard.Response
}

// LocalTransport reaches shard nodes running in the same process.
type LocalTransport struct {
	mu    sync.RWMutex
	nodes map[string]*shard.Node
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{nodes: make(map[string]*shard.Node)}
}

// Add makes node reachable under addr.
func (t *LocalTransport) Add(addr string, node *shard.Node) {
	t.mu.Lock()
	t.nodes[addr] = node
	t.mu.Unlock()
}

// Remove makes addr unreachable.
func (t *LocalTransport) Remove(addr string) {
	t.mu.Lock()
	delete(t.nodes, addr)
	t.mu.Unlock()
}

func (t *LocalTransport) Dispatch(ctx context.Context, addr string, shardID uint32, req shard.Request) shard.Response {
	t.mu.RLock()
	node, ok := t.nodes[addr]
	t.mu.RUnlock()
	if !ok {
		return failed(shardID, apperrors.FailureUnavailable, fmt.Errorf("no node at %s", addr))
	}
	a, err := node.Route(shardID)
	if err != nil {
		return failed(shardID, apperrors.FailureUnavailable, err)
	}
	resp, err := a.Execute(ctx, req)
	if err != nil {
		return shard.Response{ShardID: shardID, Failure: apperrors.ClassifyShardError(shardID, err)}
	}
	return resp
}

// RPCTransport reaches remote shard nodes over pooled RPC clients. Each
// address has its own circuit breaker; a replica that keeps failing is
// skipped until the breaker half-opens.
type RPCTransport struct {
	pool    *grpc.Pool
	dial    time.Duration
	breaker resilience.CircuitBreakerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewRPCTransport returns a transport using pool. m may be nil.
func NewRPCTransport(pool *grpc.Pool, rpc config.RPCConfig, cfg config.CoordinatorConfig, m *metrics.Metrics) *RPCTransport {
	t := &RPCTransport{
		pool:     pool,
		dial:     rpc.DialTimeout,
		metrics:  m,
		logger:   slog.Default().With("component", "rpc-transport"),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	t.breaker = resilience.CircuitBreakerConfig{
		FailureThreshold:    cfg.BreakerThreshold,
		ResetTimeout:        cfg.BreakerReset,
		HalfOpenMaxRequests: 1,
		IsFailure:           countsAgainstReplica,
		OnStateChange: func(name string, from, to resilience.State) {
			t.logger.Warn("replica breaker changed state", "addr", name, "from", from.String(), "to", to.String())
			if t.metrics != nil {
				t.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	}
	return t
}

// countsAgainstReplica reports whether err says something about the replica
// itself. Overload and the caller's own deadline or cancellation do not.
func countsAgainstReplica(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sf *apperrors.ShardFailure
	if errors.As(err, &sf) {
		return sf.Kind == apperrors.FailureUnavailable || sf.Kind == apperrors.FailureCorrupt
	}
	return true
}

func (t *RPCTransport) breakerFor(addr string) *resilience.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[addr]
	if !ok {
		cb = resilience.NewCircuitBreaker(addr, t.breaker)
		t.breakers[addr] = cb
	}
	return cb
}

// BreakerStates reports the state of every breaker created so far.
func (t *RPCTransport) BreakerStates() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.breakers))
	for addr, cb := range t.breakers {
		out[addr] = cb.GetState().String()
	}
	return out
}

func (t *RPCTransport) Dispatch(ctx context.Context, addr string, shardID uint32, req shard.Request) shard.Response {
	var resp shard.Response
	err := t.breakerFor(addr).Execute(func() error {
		client, err := t.get(ctx, addr)
		if err != nil {
			return err
		}
		var wire proto.ShardResponse
		if err := client.Call(ctx, shard.MethodExecute, shard.RequestToWire(req.QueryID, shardID, req.Query), &wire); err != nil {
			return err
		}
		resp = shard.ResponseFromWire(wire)
		if resp.Failure != nil {
			return resp.Failure
		}
		return nil
	})
	switch {
	case err == nil:
		return resp
	case resp.Failure != nil:
		return resp
	case errors.Is(err, resilience.ErrCircuitOpen):
		return failed(shardID, apperrors.FailureUnavailable, fmt.Errorf("replica %s: %w", addr, err))
	default:
		return shard.Response{ShardID: shardID, Failure: apperrors.ClassifyShardError(shardID, fmt.Errorf("replica %s: %w", addr, err))}
	}
}

func (t *RPCTransport) get(ctx context.Context, addr string) (*grpc.Client, error) {
	if t.dial <= 0 {
		return t.pool.Get(ctx, addr)
	}
	dctx, cancel := context.WithTimeout(ctx, t.dial)
	defer cancel()
	return t.pool.Get(dctx, addr)
}

func failed(shardID uint32, kind apperrors.FailureKind, err error) shard.Response {
	return shard.Response{ShardID: shardID, Failure: apperrors.NewShardFailure(kind, shardID, err)}
}
