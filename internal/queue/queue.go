// Package queue implements the durable FIFO of trade requests that sits
// between the matching engine and the settlement engine.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/store"
)

var (
	// ErrEmpty is returned by Dequeue when nothing is pending
	ErrEmpty = errors.New("settlement queue empty")
	// ErrFull is returned by EnqueueBounded at the depth ceiling
	ErrFull = errors.New("settlement queue full")
)

// SettlementQueue is a transactional FIFO stored in a partition's Badger db.
// Keys are q/<partition>/<20-digit sequence> so iteration order is FIFO.
type SettlementQueue struct {
	s      *store.Store
	prefix []byte

	mu  sync.Mutex // orders sequence allocation with commit
	seq *badger.Sequence
}

// New opens the queue for partition
func New(s *store.Store, partition string) (*SettlementQueue, error) {
	seq, err := s.Sequence([]byte("seq/queue/"+partition), 128)
	if err != nil {
		return nil, fmt.Errorf("failed to lease queue sequence: %w", err)
	}
	return &SettlementQueue{
		s:      s,
		prefix: []byte("q/" + partition + "/"),
		seq:    seq,
	}, nil
}

func (q *SettlementQueue) key(n uint64) []byte {
	return append(append([]byte{}, q.prefix...), fmt.Sprintf("%020d", n)...)
}

// Enqueue appends req and returns once the append is committed
func (q *SettlementQueue) Enqueue(ctx context.Context, req models.TradeRequest) error {
	_, err := q.EnqueueBounded(ctx, req, 0)
	return err
}

// EnqueueBounded appends req unless limit requests are already pending and
// returns the depth after the append. The depth check and the append commit
// together under the enqueue lock, so concurrent callers cannot overshoot limit.
// A limit of zero disables the check.
func (q *SettlementQueue) EnqueueBounded(ctx context.Context, req models.TradeRequest, limit int) (int, error) {
	val, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("failed to encode trade request: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	depth := 0
	err = q.s.Update(ctx, func(txn *badger.Txn) error {
		if limit > 0 {
			depth = q.depth(txn, limit)
			if depth >= limit {
				return fmt.Errorf("%w: %d requests pending", ErrFull, depth)
			}
		}
		n, err := q.seq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate queue position: %w", err)
		}
		return txn.Set(q.key(n), val)
	})
	if err != nil {
		return depth, err
	}
	return depth + 1, nil
}

// Dequeue removes and returns the oldest request inside txn. The removal is
// only visible to txn and is undone if txn is discarded. An entry that does
// not decode is removed and reported as models.ErrInvalidTrade.
func (q *SettlementQueue) Dequeue(txn *badger.Txn) (models.TradeRequest, error) {
	var req models.TradeRequest

	opts := badger.DefaultIteratorOptions
	opts.Prefix = q.prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(q.prefix)
	if !it.ValidForPrefix(q.prefix) {
		return req, ErrEmpty
	}
	item := it.Item()
	key := item.KeyCopy(nil)
	err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &req)
	})
	if delErr := txn.Delete(key); delErr != nil {
		return req, fmt.Errorf("failed to remove queued request %s: %w", key, delErr)
	}
	// An undecodable entry is still removed so it cannot block the queue.
	if err != nil {
		return req, fmt.Errorf("%w: undecodable queued request %s: %v", models.ErrInvalidTrade, key, err)
	}
	return req, nil
}

// Count returns the number of pending requests
func (q *SettlementQueue) Count(ctx context.Context) (int, error) {
	n := 0
	err := q.s.View(ctx, func(txn *badger.Txn) error {
		n = q.depth(txn, 0)
		return nil
	})
	return n, err
}

// depth counts pending keys visible to txn, stopping at limit when it is set
func (q *SettlementQueue) depth(txn *badger.Txn, limit int) int {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = q.prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(q.prefix); it.ValidForPrefix(q.prefix); it.Next() {
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n
}

// Close returns unused sequence numbers to the store
func (q *SettlementQueue) Close() error {
	return q.seq.Release()
}
