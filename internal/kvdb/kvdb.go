// Package kvdb is a small key-value abstraction with two embedded
// backends: bbolt (B+tree) and badger (LSM-tree). The term dictionary is
// stored through it.
package kvdb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	Bolt   = "bolt"
	Badger = "badger"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kvdb: key not found")

// Store is implemented by every backend.
type Store interface {
	Set(k, v []byte) error
	// BatchSet writes all pairs; keys and values must have the same length.
	BatchSet(keys, values [][]byte) error
	Get(k []byte) ([]byte, error)
	Has(k []byte) bool
	Delete(k []byte) error
	// Iterate visits every pair in key order and returns how many were
	// visited. The slices passed to fn are only valid during the call.
	Iterate(fn func(k, v []byte) error) (int64, error)
	Path() string
	Close() error
}

// Open opens (creating if needed) a store of the given backend at path.
func Open(backend, path string) (Store, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	switch backend {
	case Bolt, "":
		return openBolt(path)
	case Badger:
		return openBadger(path)
	default:
		return nil, fmt.Errorf("kvdb: unknown backend %q", backend)
	}
}

func ensureParent(path string) error {
	parent := filepath.Dir(path)
	info, err := os.Stat(parent)
	switch {
	case os.IsNotExist(err):
		slog.Info("creating key-value store directory", "path", parent)
		return os.MkdirAll(parent, 0o755)
	case err != nil:
		return fmt.Errorf("kvdb: checking %s: %w", parent, err)
	case !info.IsDir():
		return fmt.Errorf("kvdb: %s is not a directory", parent)
	}
	return nil
}

func checkBatch(keys, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("kvdb: %d keys but %d values", len(keys), len(values))
	}
	return nil
}
