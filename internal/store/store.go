// Package store wraps the per-partition Badger database that holds the
// account table and the settlement queue. Badger transactions provide the
// single-writer-per-key semantics the settlement pipeline relies on.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"github.com/xtrntr/clearinghouse/internal/models"
	"go.uber.org/zap"
)

// Options selects where the partition lives
type Options struct {
	Dir      string
	InMemory bool
}

// Store is one partition's transactional key/value state
type Store struct {
	db     *badger.DB
	fenced atomic.Bool
	logger *zap.Logger
}

// Open opens (or creates) the partition database
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLogger(badgerLogger{logger.Named("badger").Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Update runs fn in a read-write transaction and commits if fn returns nil.
// Any error from fn discards the transaction.
func (s *Store) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return classify(err)
	}
	// Cancellation never commits a half-finished unit of work.
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// View runs fn in a read-only transaction
func (s *Store) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return classify(s.db.View(fn))
}

// Sequence leases a monotonically increasing counter stored under key
func (s *Store) Sequence(key []byte, bandwidth uint64) (*badger.Sequence, error) {
	if s.fenced.Load() {
		return nil, models.ErrAuthorityLost
	}
	seq, err := s.db.GetSequence(key, bandwidth)
	if err != nil {
		return nil, classify(err)
	}
	return seq, nil
}

// Fence revokes this replica's write authority. Every later call fails with
// models.ErrAuthorityLost.
func (s *Store) Fence() {
	if s.fenced.CompareAndSwap(false, true) {
		s.logger.Warn("write authority revoked")
	}
}

// Close fences the store and closes the database
func (s *Store) Close() error {
	s.Fence()
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if s.fenced.Load() {
		return models.ErrAuthorityLost
	}
	return ctx.Err()
}

// classify maps badger failures onto the service error taxonomy
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", models.ErrContention, err)
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %v", models.ErrAuthorityLost, err)
	case errors.Is(err, badger.ErrTxnTooBig), errors.Is(err, badger.ErrBlockedWrites):
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return err
}

// badgerLogger routes badger's internal logging through zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
