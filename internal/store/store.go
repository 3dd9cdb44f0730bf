// Package store persists per-VM network state.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store provides type-safe key-value storage.
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Set(ctx context.Context, key string, value *T) error
	// Update runs fn on the current value (nil when absent) and stores its
	// result in one transaction. A nil result deletes the key. An error from
	// fn aborts without writing.
	Update(ctx context.Context, key string, fn func(current *T) (*T, error)) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error
	Close() error
}

var ErrNotFound = errdefs.ErrNotFound

// BoltStore is a bolt-backed Store[T]. Stores opened on the same dbPath
// share one bolt.DB handle.
type BoltStore[T any] struct {
	db         *bolt.DB
	path       string
	bucketName []byte
	closed     bool // guarded by dbMu
}

var (
	sharedDBs = make(map[string]*sharedDB)
	dbMu      sync.Mutex
)

type sharedDB struct {
	db       *bolt.DB
	refCount int
}

// NewBoltStore opens (or reuses) the database at dbPath and ensures bucket exists.
func NewBoltStore[T any](dbPath string, bucket string) (*BoltStore[T], error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	sdb, exists := sharedDBs[dbPath]
	if !exists {
		db, err := bolt.Open(dbPath, 0600, &bolt.Options{
			Timeout:        30 * time.Second,
			NoFreelistSync: true,
			FreelistType:   bolt.FreelistMapType,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt db: %w", err)
		}
		sdb = &sharedDB{db: db}
		sharedDBs[dbPath] = sdb
	}
	sdb.refCount++

	err := sdb.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		releaseLocked(dbPath, sdb)
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	return &BoltStore[T]{
		db:         sdb.db,
		path:       dbPath,
		bucketName: []byte(bucket),
	}, nil
}

func (s *BoltStore[T]) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(s.bucketName)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", s.bucketName)
	}
	return b, nil
}

// Get retrieves a value by key.
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key.
func (s *BoltStore[T]) Set(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Update performs a read-modify-write of key inside one bolt transaction.
func (s *BoltStore[T]) Update(ctx context.Context, key string, fn func(current *T) (*T, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}

		var current *T
		if data := b.Get([]byte(key)); data != nil {
			current = new(T)
			if err := json.Unmarshal(data, current); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return b.Delete([]byte(key))
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes a value by key.
func (s *BoltStore[T]) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Scan iterates over all keys with the given prefix in key order.
func (s *BoltStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()

		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", string(k), err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close drops this store's reference. The database is closed with the
// last reference.
func (s *BoltStore[T]) Close() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	sdb, ok := sharedDBs[s.path]
	if !ok || sdb.db != s.db {
		return nil
	}
	return releaseLocked(s.path, sdb)
}

func releaseLocked(path string, sdb *sharedDB) error {
	sdb.refCount--
	if sdb.refCount > 0 {
		return nil
	}
	delete(sharedDBs, path)
	return sdb.db.Close()
}

var _ Store[struct{}] = (*BoltStore[struct{}])(nil)
