package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/pkg/metrics"
)

// BadgerStore implements Store on an embedded BadgerDB. Transactions give
// the write-once discipline for free: a Set either lands completely or not
// at all.
type BadgerStore struct {
	db *badger.DB
}

// Option applies a configuration option to the BadgerStore.
type Option func(*badger.Options)

// WithSyncWrites enables synchronous writes for durability.
func WithSyncWrites(sync bool) Option {
	return func(o *badger.Options) {
		o.SyncWrites = sync
	}
}

// NewBadgerStore opens (or creates) the cache under dir. An empty dir opens
// an in-memory store, useful for tests and cache-less deployments.
func NewBadgerStore(dir string, opts ...Option) (*BadgerStore, error) {
	var bo badger.Options
	if dir == "" {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bo = badger.DefaultOptions(dir)
	}
	// Badger's own logging is noisy at info level; the service logs cache
	// activity itself.
	bo = bo.WithLogger(nil)
	for _, opt := range opts {
		opt(&bo)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return &BadgerStore{db: db}, nil
}

// Get loads the result stored under key.
func (s *BadgerStore) Get(_ context.Context, key string) (*estimate.FitResult, bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.RecordCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrRead, err)
	}

	var res estimate.FitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	metrics.RecordCacheHit()
	return &res, true, nil
}

// Put stores res under key atomically.
func (s *BadgerStore) Put(_ context.Context, key string, res *estimate.FitResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	metrics.RecordCacheWrite()
	return nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
