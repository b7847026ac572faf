// Package partition splits a global document collection into disjoint
// shards. Each external document key hashes to one shard and receives the
// next dense DocumentID of that shard.
package partition

import (
	"fmt"
	"sync"

	farmhash "github.com/leemcloughlin/gofarmhash"
)

// DefaultSeed is the farmhash seed used unless another is configured.
// Changing it reshuffles every document.
const DefaultSeed uint32 = 0x746f706b

// Assignment is where a document landed.
type Assignment struct {
	ShardID uint32
	DocID   uint32
}

// Partitioner assigns external keys to shards. It is safe for concurrent
// use.
type Partitioner struct {
	mu    sync.RWMutex
	n     uint32
	seed  uint32
	byKey map[string]Assignment
	keys  [][]string
}

// New returns a partitioner over numShards shards.
func New(numShards int, seed uint32) (*Partitioner, error) {
	if numShards <= 0 {
		return nil, fmt.Errorf("partition: numShards must be positive, got %d", numShards)
	}
	return &Partitioner{
		n:     uint32(numShards),
		seed:  seed,
		byKey: make(map[string]Assignment),
		keys:  make([][]string, numShards),
	}, nil
}

// NumShards returns the shard count.
func (p *Partitioner) NumShards() int { return int(p.n) }

// ShardFor returns the shard key belongs to without assigning it.
func (p *Partitioner) ShardFor(key string) uint32 {
	return farmhash.Hash32WithSeed([]byte(key), p.seed) % p.n
}

// Assign returns the assignment for key, allocating a DocumentID the first
// time the key is seen. isNew is false for repeated keys.
func (p *Partitioner) Assign(key string) (a Assignment, isNew bool) {
	p.mu.RLock()
	a, ok := p.byKey[key]
	p.mu.RUnlock()
	if ok {
		return a, false
	}

	shard := p.ShardFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.byKey[key]; ok {
		return a, false
	}
	a = Assignment{ShardID: shard, DocID: uint32(len(p.keys[shard]))}
	p.keys[shard] = append(p.keys[shard], key)
	p.byKey[key] = a
	return a, true
}

// Lookup returns the external key of a document.
func (p *Partitioner) Lookup(shardID, docID uint32) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if shardID >= p.n || int(docID) >= len(p.keys[shardID]) {
		return "", false
	}
	return p.keys[shardID][docID], true
}

// Keys returns the external keys of a shard indexed by DocumentID.
func (p *Partitioner) Keys(shardID uint32) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if shardID >= p.n {
		return nil
	}
	return append([]string(nil), p.keys[shardID]...)
}

// DocCount returns how many documents shardID holds.
func (p *Partitioner) DocCount(shardID uint32) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if shardID >= p.n {
		return 0
	}
	return len(p.keys[shardID])
}
