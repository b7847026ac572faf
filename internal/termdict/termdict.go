// Package termdict maps term strings to dense TermIDs and keeps the
// collection-wide document frequency of each term. The dictionary is
// append-only while an index is being built and read-only once frozen.
package termdict

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/kvdb"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

var (
	termPrefix = []byte("t/")
	dfPrefix   = []byte("d/")
	docsKey    = []byte("m/docs")
	frozenKey  = []byte("m/frozen")
)

// ErrFrozen is returned when assigning a new term to a frozen dictionary.
var ErrFrozen = fmt.Errorf("%w: term dictionary is frozen", apperrors.ErrInvalidInput)

// Dict is safe for concurrent use.
type Dict struct {
	store  kvdb.Store
	logger *slog.Logger

	mu      sync.RWMutex
	ids     map[string]uint32
	terms   []string
	df      []uint32
	docs    uint64
	frozen  bool
	pending int
	dirty   map[uint32]struct{}
}

// Open opens the dictionary stored at path with the given kvdb backend.
func Open(backend, path string) (*Dict, error) {
	store, err := kvdb.Open(backend, path)
	if err != nil {
		return nil, err
	}
	d, err := New(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// New loads every term held by store.
func New(store kvdb.Store) (*Dict, error) {
	d := &Dict{
		store:  store,
		ids:    make(map[string]uint32),
		dirty:  make(map[uint32]struct{}),
		logger: slog.Default().With("component", "termdict", "path", store.Path()),
	}
	dfs := make(map[uint32]uint32)
	_, err := store.Iterate(func(k, v []byte) error {
		switch {
		case hasPrefix(k, termPrefix):
			if len(v) != 4 {
				return fmt.Errorf("%w: term %q has a %d-byte id", apperrors.ErrCorruptIndex, k[len(termPrefix):], len(v))
			}
			d.ids[string(k[len(termPrefix):])] = binary.BigEndian.Uint32(v)
		case hasPrefix(k, dfPrefix):
			if len(k) != len(dfPrefix)+4 || len(v) != 4 {
				return fmt.Errorf("%w: malformed document frequency entry", apperrors.ErrCorruptIndex)
			}
			dfs[binary.BigEndian.Uint32(k[len(dfPrefix):])] = binary.BigEndian.Uint32(v)
		case string(k) == string(docsKey):
			d.docs = binary.BigEndian.Uint64(v)
		case string(k) == string(frozenKey):
			d.frozen = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading term dictionary: %w", err)
	}
	d.terms = make([]string, len(d.ids))
	d.df = make([]uint32, len(d.ids))
	for term, id := range d.ids {
		if int(id) >= len(d.terms) || d.terms[id] != "" {
			return nil, fmt.Errorf("%w: term ids are not dense at %d", apperrors.ErrCorruptIndex, id)
		}
		d.terms[id] = term
		d.df[id] = dfs[id]
	}
	d.logger.Info("term dictionary loaded", "terms", len(d.terms), "documents", d.docs, "frozen", d.frozen)
	return d, nil
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// Assign returns the id of term, allocating the next id for a new term.
func (d *Dict) Assign(term string) (uint32, error) {
	if term == "" {
		return 0, fmt.Errorf("%w: empty term", apperrors.ErrInvalidInput)
	}
	d.mu.RLock()
	id, ok := d.ids[term]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.ids[term]; ok {
		return id, nil
	}
	if d.frozen {
		return 0, fmt.Errorf("%w: cannot add %q", ErrFrozen, term)
	}
	if len(d.terms) >= math.MaxUint32 {
		return 0, fmt.Errorf("%w: term id space exhausted", apperrors.ErrBuild)
	}
	id = uint32(len(d.terms))
	d.ids[term] = id
	d.terms = append(d.terms, term)
	d.df = append(d.df, 0)
	d.dirty[id] = struct{}{}
	d.pending++
	return id, nil
}

// Lookup returns the id of term or ErrTermNotFound.
func (d *Dict) Lookup(term string) (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.ids[term]
	if !ok {
		return 0, fmt.Errorf("%w: %q", apperrors.ErrTermNotFound, term)
	}
	return id, nil
}

// Term returns the string of id.
func (d *Dict) Term(id uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(id) >= len(d.terms) {
		return "", false
	}
	return d.terms[id], true
}

// AddDocument counts one document containing each of termIDs. Repeated ids
// count once.
func (d *Dict) AddDocument(termIDs []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		return ErrFrozen
	}
	seen := make(map[uint32]struct{}, len(termIDs))
	for _, id := range termIDs {
		if int(id) >= len(d.df) {
			return fmt.Errorf("%w: unknown term id %d", apperrors.ErrInvalidInput, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		d.df[id]++
		d.dirty[id] = struct{}{}
	}
	d.docs++
	return nil
}

// DocFreq is the number of documents containing id.
func (d *Dict) DocFreq(id uint32) uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(id) >= len(d.df) {
		return 0
	}
	return d.df[id]
}

func (d *Dict) DocCount() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.docs
}

func (d *Dict) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.terms)
}

// IDF is the BM25 inverse document frequency of id over the whole
// collection. It is never negative.
func (d *Dict) IDF(id uint32) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var df float64
	if int(id) < len(d.df) {
		df = float64(d.df[id])
	}
	n := float64(d.docs)
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

func (d *Dict) Frozen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.frozen
}

// Flush persists terms and frequencies changed since the last flush.
func (d *Dict) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Dict) flushLocked() error {
	if len(d.dirty) == 0 {
		return nil
	}
	keys := make([][]byte, 0, 2*len(d.dirty)+1)
	values := make([][]byte, 0, cap(keys))
	for id := range d.dirty {
		idBytes := binary.BigEndian.AppendUint32(nil, id)
		keys = append(keys, append(append([]byte(nil), termPrefix...), d.terms[id]...))
		values = append(values, idBytes)
		keys = append(keys, append(append([]byte(nil), dfPrefix...), idBytes...))
		values = append(values, binary.BigEndian.AppendUint32(nil, d.df[id]))
	}
	keys = append(keys, docsKey)
	values = append(values, binary.BigEndian.AppendUint64(nil, d.docs))
	if err := d.store.BatchSet(keys, values); err != nil {
		return fmt.Errorf("flushing term dictionary: %w", err)
	}
	d.logger.Debug("term dictionary flushed", "changed", len(d.dirty), "new_terms", d.pending)
	clear(d.dirty)
	d.pending = 0
	return nil
}

// Freeze flushes and makes the dictionary read-only, permanently.
func (d *Dict) Freeze() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		return nil
	}
	if err := d.flushLocked(); err != nil {
		return err
	}
	if err := d.store.Set(frozenKey, []byte{1}); err != nil {
		return fmt.Errorf("freezing term dictionary: %w", err)
	}
	d.frozen = true
	if gc, ok := d.store.(interface{ GC() }); ok {
		gc.GC()
	}
	d.logger.Info("term dictionary frozen", "terms", len(d.terms), "documents", d.docs)
	return nil
}

// Close flushes pending changes and closes the store.
func (d *Dict) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.flushLocked(), d.store.Close())
}
