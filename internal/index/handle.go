package index

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handle is a reference-counted owner of one generation. The owner's
// reference is dropped by Retire; every reader pairs Acquire with Release.
// The generation is closed when the count reaches zero, so a retired
// generation stays mapped until its last in-flight query finishes.
type Handle struct {
	shard   *Shard
	refs    atomic.Int64
	retired sync.Once
	closed  chan struct{}
	logger  *slog.Logger
}

// NewHandle takes ownership of s.
func NewHandle(s *Shard) *Handle {
	h := &Handle{
		shard:  s,
		closed: make(chan struct{}),
		logger: slog.Default().With("component", "index-handle", "shard_id", s.ID(), "generation", s.Generation()),
	}
	h.refs.Store(1)
	return h
}

// Shard returns the generation. Callers must hold a reference.
func (h *Handle) Shard() *Shard { return h.shard }

// Generation returns the generation number without requiring a reference.
func (h *Handle) Generation() uint64 { return h.shard.Generation() }

// Acquire takes a reader reference. It fails once the handle is closed.
func (h *Handle) Acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reader reference.
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	if n == 0 {
		if err := h.shard.Close(); err != nil {
			h.logger.Error("failed to unmap generation", "error", err)
		}
		h.logger.Debug("generation closed")
		close(h.closed)
	}
	if n < 0 {
		panic("index: Handle released more times than acquired")
	}
}

// Retire drops the owner's reference. It is idempotent.
func (h *Handle) Retire() {
	h.retired.Do(h.Release)
}

// Refs reports the current reference count.
func (h *Handle) Refs() int64 { return h.refs.Load() }

// Closed is closed once the generation has been released.
func (h *Handle) Closed() <-chan struct{} { return h.closed }
