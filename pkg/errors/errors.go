// Package errors defines the sentinel errors shared by every component and
// the mapping from those sentinels to HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCorruptIndex         = errors.New("corrupt index")
	ErrInvalidQuery         = errors.New("invalid query")
	ErrInsufficientCoverage = errors.New("insufficient shard coverage")
	ErrBuild                = errors.New("index build failed")
	ErrEmptyCollection      = fmt.Errorf("%w: empty collection", ErrBuild)
	ErrTermNotFound         = errors.New("term not found")
	ErrIndexOutOfRange      = errors.New("document id out of range")
	ErrShardUnavailable     = errors.New("shard unavailable")
	ErrShardUnhealthy       = errors.New("shard unhealthy")
	ErrOverloaded           = errors.New("shard overloaded")
	ErrStaleGeneration      = errors.New("stale index generation")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInternal             = errors.New("internal error")
	ErrTimeout              = errors.New("operation timed out")
)

// HTTPStatusCode maps an error wrapping one of the sentinels above to the
// status the HTTP API answers with.
func HTTPStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTermNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrInsufficientCoverage),
		errors.Is(err, ErrShardUnavailable),
		errors.Is(err, ErrShardUnhealthy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
