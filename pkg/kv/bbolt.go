package kv

import (
	"bytes"
	"context"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// BoltStore is the embedded B-tree backend, selected by the "sled" or
// "rocksdb" backend names (both require a "path" parameter).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database rooted at
// filepath.Join(dataDir, "spear.db").
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "spear.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrapErr("init bucket", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, wrapErr("get", err)
	}
	return out, nil
}

func (s *BoltStore) Put(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	if err != nil {
		return wrapErr("put", err)
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, key string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		existed = b.Get([]byte(key)) != nil
		if !existed {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, wrapErr("delete", err)
	}
	return existed, nil
}

func (s *BoltStore) Exists(_ context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketKV).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, wrapErr("exists", err)
	}
	return exists, nil
}

func (s *BoltStore) KeysWithPrefix(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("keys_with_prefix", err)
	}
	return keys, nil
}

func (s *BoltStore) ScanPrefix(_ context.Context, prefix string) ([]Pair, error) {
	var pairs []Pair
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			val := make([]byte, len(v))
			copy(val, v)
			pairs = append(pairs, Pair{Key: string(k), Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("scan_prefix", err)
	}
	return pairs, nil
}

func (s *BoltStore) Range(_ context.Context, opts RangeOptions) ([]Pair, error) {
	var pairs []Pair
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		var k, v []byte
		if opts.StartKey != "" {
			k, v = c.Seek([]byte(opts.StartKey))
		} else {
			k, v = c.First()
		}
		end := []byte(opts.EndKey)
		for ; k != nil; k, v = c.Next() {
			if len(end) > 0 && bytes.Compare(k, end) >= 0 {
				break
			}
			val := make([]byte, len(v))
			copy(val, v)
			pairs = append(pairs, Pair{Key: string(k), Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("range", err)
	}

	if opts.Reverse {
		for l, r := 0, len(pairs)-1; l < r; l, r = l+1, r-1 {
			pairs[l], pairs[r] = pairs[r], pairs[l]
		}
	}
	if opts.Limit > 0 && len(pairs) > opts.Limit {
		pairs = pairs[:opts.Limit]
	}
	return pairs, nil
}

func (s *BoltStore) Count(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketKV).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, wrapErr("count", err)
	}
	return n, nil
}

func (s *BoltStore) Clear(_ context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKV); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketKV)
		return err
	})
	if err != nil {
		return wrapErr("clear", err)
	}
	return nil
}

func (s *BoltStore) BatchPut(_ context.Context, pairs []Pair) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for _, p := range pairs {
			if err := b.Put([]byte(p.Key), p.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapErr("batch_put", err)
	}
	return nil
}

func (s *BoltStore) BatchDelete(_ context.Context, keys []string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapErr("batch_delete", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return wrapErr("close", err)
	}
	return nil
}
