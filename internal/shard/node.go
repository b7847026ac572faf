package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/metrics"
)

// Node maps shard IDs to the actors hosted by one process. Each shard's
// generations live under their own directory in dataDir.
type Node struct {
	actors  map[uint32]*Actor
	mu      sync.RWMutex
	dataDir string
	keep    int
	logger  *slog.Logger
}

// NewNode starts one actor per shard in idxCfg.Shards and loads the latest
// complete generation of each from disk. Shards without a generation start
// empty and answer Unavailable until one is swapped in.
func NewNode(idxCfg config.IndexConfig, shardCfg config.ShardConfig, p *query.Processor, m *metrics.Metrics) (*Node, error) {
	n := &Node{
		actors:  make(map[uint32]*Actor, len(idxCfg.Shards)),
		dataDir: idxCfg.DataDir,
		keep:    idxCfg.KeepGenerations,
		logger:  slog.Default().With("component", "shard-node"),
	}
	for _, id := range idxCfg.Shards {
		if _, dup := n.actors[id]; dup {
			n.Stop()
			return nil, fmt.Errorf("shard %d listed twice", id)
		}
		n.actors[id] = NewActor(id, shardCfg, p, m)

		gen, ok, err := index.Recover(n.dataDir, id)
		if err != nil {
			n.Stop()
			return nil, fmt.Errorf("recovering shard %d: %w", id, err)
		}
		if !ok {
			n.logger.Warn("no generation on disk, shard starts empty", "shard_id", id, "data_dir", n.dataDir)
			continue
		}
		if _, err := n.Load(context.Background(), id, index.SegmentPath(n.dataDir, id, gen)); err != nil {
			n.Stop()
			return nil, fmt.Errorf("loading shard %d generation %d: %w", id, gen, err)
		}
	}
	n.logger.Info("shard node ready", "shards", n.ShardIDs(), "data_dir", n.dataDir)
	return n, nil
}

// Route returns the actor serving shardID.
func (n *Node) Route(shardID uint32) (*Actor, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.actors[shardID]
	if !ok {
		return nil, fmt.Errorf("%w: shard %d is not hosted here", apperrors.ErrShardUnavailable, shardID)
	}
	return a, nil
}

// Actors returns a snapshot of every hosted actor.
func (n *Node) Actors() map[uint32]*Actor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.actors)
}

// ShardIDs returns the hosted shard IDs in ascending order.
func (n *Node) ShardIDs() []uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Sorted(maps.Keys(n.actors))
}

// Load opens the generation at path and swaps it into its shard's actor.
// Opening happens on the caller's goroutine; only the swap goes through
// the mailbox.
func (n *Node) Load(ctx context.Context, shardID uint32, path string) (uint64, error) {
	a, err := n.Route(shardID)
	if err != nil {
		return 0, err
	}
	s, err := index.Open(path)
	if err != nil {
		return 0, err
	}
	if s.ID() != shardID {
		s.Close()
		return 0, fmt.Errorf("%w: %s holds shard %d, not %d", apperrors.ErrInvalidInput, path, s.ID(), shardID)
	}
	gen, err := a.Swap(ctx, index.NewHandle(s))
	if err != nil {
		return gen, err
	}
	if n.keep > 0 {
		if removed, err := index.Prune(n.dataDir, shardID, n.keep); err != nil {
			n.logger.Warn("pruning old generations failed", "shard_id", shardID, "error", err)
		} else if removed > 0 {
			n.logger.Info("pruned old generations", "shard_id", shardID, "removed", removed)
		}
	}
	return gen, nil
}

// Statuses reports every hosted actor, ordered by shard ID.
func (n *Node) Statuses(ctx context.Context) []Status {
	var out []Status
	for _, id := range n.ShardIDs() {
		a, err := n.Route(id)
		if err != nil {
			continue
		}
		st, err := a.Status(ctx)
		if err != nil {
			st = Status{ShardID: id, Reason: err.Error()}
		}
		out = append(out, st)
	}
	return out
}

// Stop stops every actor.
func (n *Node) Stop() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var wg sync.WaitGroup
	for _, a := range n.actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Stop()
		}()
	}
	wg.Wait()
	n.logger.Info("all shard actors stopped")
}

// IsStale reports whether err is a rejected swap of an old generation.
func IsStale(err error) bool { return errors.Is(err, apperrors.ErrStaleGeneration) }
