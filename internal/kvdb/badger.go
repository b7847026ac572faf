package kvdb

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

type badgerStore struct {
	db   *badger.DB
	path string
}

func openBadger(path string) (*badgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithNumVersionsToKeep(1).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvdb: opening badger store %s: %w", path, err)
	}
	return &badgerStore{db: db, path: path}, nil
}

func (s *badgerStore) Set(k, v []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, v)
	})
}

// BatchSet commits in as many transactions as badger's size limit needs.
func (s *badgerStore) BatchSet(keys, values [][]byte) error {
	if err := checkBatch(keys, values); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for i, k := range keys {
		err := txn.Set(k, values[i])
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			err = txn.Set(k, values[i])
		}
		if err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (s *badgerStore) Get(k []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *badgerStore) Has(k []byte) bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		return err
	})
	return err == nil
}

func (s *badgerStore) Delete(k []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func (s *badgerStore) Iterate(fn func(k, v []byte) error) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			if err := item.Value(func(v []byte) error { return fn(k, v) }); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// GC reclaims value-log space until badger reports nothing left to
// rewrite.
func (s *badgerStore) GC() {
	_, before := s.db.Size()
	for {
		err := s.db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			slog.Error("badger value log GC failed", "path", s.path, "error", err)
		}
		break
	}
	_, after := s.db.Size()
	slog.Info("badger GC finished", "path", s.path, "vlog_before", before, "vlog_after", after)
}

func (s *badgerStore) Path() string { return s.path }

func (s *badgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
