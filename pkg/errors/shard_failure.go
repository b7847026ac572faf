package errors

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind enumerates the ways a shard can fail to answer a dispatch.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureCorrupt     FailureKind = "corrupt"
	FailureOverloaded  FailureKind = "overloaded"
	FailureUnavailable FailureKind = "unavailable"
)

// ShardFailure is the failure half of the shard dispatch contract. It unwraps
// to the sentinel matching its Kind.
type ShardFailure struct {
	Kind    FailureKind
	ShardID uint32
	Err     error
}

func (f *ShardFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("shard %d failed (%s): %v", f.ShardID, f.Kind, f.Err)
	}
	return fmt.Sprintf("shard %d failed (%s)", f.ShardID, f.Kind)
}

func (f *ShardFailure) Unwrap() []error {
	errs := []error{f.Kind.sentinel()}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// Transient reports whether the Coordinator may try another replica.
func (f *ShardFailure) Transient() bool {
	return f.Kind == FailureOverloaded || f.Kind == FailureUnavailable
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureTimeout:
		return ErrTimeout
	case FailureCorrupt:
		return ErrCorruptIndex
	case FailureOverloaded:
		return ErrOverloaded
	default:
		return ErrShardUnavailable
	}
}

// NewShardFailure builds a ShardFailure of the given kind.
func NewShardFailure(kind FailureKind, shardID uint32, err error) *ShardFailure {
	return &ShardFailure{Kind: kind, ShardID: shardID, Err: err}
}

// ClassifyShardError turns an arbitrary error from a shard evaluation into a
// ShardFailure. Errors that already are ShardFailures pass through unchanged.
func ClassifyShardError(shardID uint32, err error) *ShardFailure {
	var sf *ShardFailure
	if errors.As(err, &sf) {
		return sf
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewShardFailure(FailureTimeout, shardID, err)
	case errors.Is(err, ErrCorruptIndex), errors.Is(err, ErrShardUnhealthy):
		return NewShardFailure(FailureCorrupt, shardID, err)
	case errors.Is(err, ErrOverloaded):
		return NewShardFailure(FailureOverloaded, shardID, err)
	default:
		return NewShardFailure(FailureUnavailable, shardID, err)
	}
}

// ParseFailureKind maps a wire string back to a FailureKind.
func ParseFailureKind(s string) FailureKind {
	switch FailureKind(s) {
	case FailureTimeout, FailureCorrupt, FailureOverloaded:
		return FailureKind(s)
	default:
		return FailureUnavailable
	}
}
