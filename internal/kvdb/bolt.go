package kvdb

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucket = []byte("kv")

type boltStore struct {
	db   *bolt.DB
	path string
}

func openBolt(path string) (*boltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvdb: opening bolt store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvdb: creating bucket: %w", err)
	}
	return &boltStore{db: db, path: path}, nil
}

func (s *boltStore) Set(k, v []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(k, v)
	})
}

func (s *boltStore) BatchSet(keys, values [][]byte) error {
	if err := checkBatch(keys, values); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		for i, k := range keys {
			if err := b.Put(k, values[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Get(k []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(k)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *boltStore) Has(k []byte) bool {
	var ok bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucket).Get(k) != nil
		return nil
	})
	return ok
}

func (s *boltStore) Delete(k []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(k)
	})
}

func (s *boltStore) Iterate(fn func(k, v []byte) error) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			if err := fn(k, v); err != nil {
				return err
			}
			n++
			return nil
		})
	})
	return n, err
}

func (s *boltStore) Path() string { return s.path }

func (s *boltStore) Close() error { return s.db.Close() }
