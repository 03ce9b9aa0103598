// Package boltbackend keeps blob parts in a local bbolt file. It suits single
// node deployments and development.
package boltbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/abduss/blobgate/internal/backend"
)

var bucketParts = []byte("parts")

// Config controls how the bolt file is opened.
type Config struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// Store persists part bytes in BoltDB.
type Store struct {
	db *bolt.DB
}

var _ backend.Store = (*Store)(nil)

// Open opens or creates the bolt file.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketParts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltdb: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("boltdb put %s: read payload: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("boltdb put %s: expected %d bytes, got %d: %w", key, size, len(data), backend.ErrSizeMismatch)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketParts).Put([]byte(key), data)
	})
	return s.translate("put", key, err)
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketParts).Get([]byte(key))
		if v == nil {
			return backend.ErrNotFound
		}
		// values are only valid for the life of the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, s.translate("get", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParts)
		if b.Get([]byte(key)) == nil {
			return backend.ErrNotFound
		}
		return b.Delete([]byte(key))
	})
	return s.translate("delete", key, err)
}

// Ping verifies the database is still open.
func (s *Store) Ping(context.Context) error {
	return s.translate("ping", "", s.db.View(func(*bolt.Tx) error { return nil }))
}

func (s *Store) translate(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotFound):
		return fmt.Errorf("boltdb %s %s: %w", op, key, backend.ErrNotFound)
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTimeout):
		return fmt.Errorf("boltdb %s %s: %w: %w", op, key, backend.ErrUnavailable, err)
	default:
		return fmt.Errorf("boltdb %s %s: %w", op, key, err)
	}
}
