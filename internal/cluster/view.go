// Package cluster tells the coordinator which shards exist and where their
// replicas live. Membership implementations publish immutable View
// snapshots; readers never observe a partially updated view.
package cluster

import (
	"maps"
	"slices"
	"sync/atomic"
)

// View is an immutable snapshot of shard placement. Shards lists every
// known shard, including shards that currently have no live replica.
type View struct {
	replicas map[uint32][]string
	shards   []uint32
}

// NewView builds a view from shard → addresses. known adds shards that
// must be accounted for even without replicas.
func NewView(placement map[uint32][]string, known ...uint32) View {
	v := View{replicas: make(map[uint32][]string, len(placement))}
	ids := make(map[uint32]struct{}, len(placement)+len(known))
	for id, addrs := range placement {
		ids[id] = struct{}{}
		if len(addrs) == 0 {
			continue
		}
		sorted := slices.Clone(addrs)
		slices.Sort(sorted)
		v.replicas[id] = slices.Compact(sorted)
	}
	for _, id := range known {
		ids[id] = struct{}{}
	}
	v.shards = slices.Sorted(maps.Keys(ids))
	return v
}

// Shards returns every known shard in ascending order.
func (v View) Shards() []uint32 { return slices.Clone(v.shards) }

// Has reports whether shardID is known.
func (v View) Has(shardID uint32) bool {
	_, ok := slices.BinarySearch(v.shards, shardID)
	return ok
}

// Replicas returns the live addresses of shardID. The slice must not be
// modified.
func (v View) Replicas(shardID uint32) []string { return v.replicas[shardID] }

// Placement returns a copy of shard → addresses, for admin endpoints.
func (v View) Placement() map[uint32][]string {
	out := make(map[uint32][]string, len(v.shards))
	for _, id := range v.shards {
		out[id] = slices.Clone(v.replicas[id])
	}
	return out
}

// Membership yields the current view.
type Membership interface {
	Snapshot() View
}

// Static is a fixed membership taken from configuration.
type Static struct {
	view View
}

// NewStatic returns a membership that never changes.
func NewStatic(placement map[uint32][]string, known ...uint32) *Static {
	return &Static{view: NewView(placement, known...)}
}

func (s *Static) Snapshot() View { return s.view }

// RoundRobin spreads requests over a shard's replicas.
type RoundRobin struct {
	acc atomic.Uint64
}

// Pick returns the next replica, skipping avoid when another replica
// exists. It returns "" when replicas is empty.
func (b *RoundRobin) Pick(replicas []string, avoid string) string {
	switch len(replicas) {
	case 0:
		return ""
	case 1:
		return replicas[0]
	}
	n := b.acc.Add(1)
	addr := replicas[n%uint64(len(replicas))]
	if addr == avoid {
		addr = replicas[(n+1)%uint64(len(replicas))]
	}
	return addr
}
