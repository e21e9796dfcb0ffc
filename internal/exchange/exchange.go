package exchange

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/clearinghouse/internal/metrics"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/validation"
	"go.uber.org/zap"
)

const (
	sideAsk = "ask"
	sideBid = "bid"
)

// Settler hands a matched trade to the settlement service. Failures are
// classified with the models sentinels: ErrTradeRejected, ErrBusy,
// ErrDestinationMoved, ErrUnreachable and ErrAuthorityLost.
type Settler interface {
	Submit(ctx context.Context, req models.TradeRequest) error
}

// Options configures an OrderBook
type Options struct {
	MaxPendingAsks int
	MaxPendingBids int
	OrderTTL       time.Duration
	IdleInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Now            func() time.Time
}

// OrderBook owns the ask and bid indexes of one partition and runs the
// matching loop over them.
type OrderBook struct {
	mu   sync.Mutex
	asks *PriceLevelIndex
	bids *PriceLevelIndex

	settler Settler
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewOrderBook creates an empty book. rec may be nil.
func NewOrderBook(settler Settler, opts Options, logger *zap.Logger, rec *metrics.Recorder) *OrderBook {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &OrderBook{
		asks:    NewPriceLevelIndex(),
		bids:    NewPriceLevelIndex(),
		settler: settler,
		opts:    opts,
		logger:  logger.Named("orderbook"),
		metrics: rec,
	}
}

// AddAsk admits a sell order and returns its id
func (b *OrderBook) AddAsk(order models.Order) (string, error) {
	return b.add(sideAsk, order)
}

// AddBid admits a buy order and returns its id
func (b *OrderBook) AddBid(order models.Order) (string, error) {
	return b.add(sideBid, order)
}

func (b *OrderBook) add(side string, order models.Order) (string, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Timestamp.IsZero() {
		order.Timestamp = b.opts.Now()
	}
	if err := validation.Order(order); err != nil {
		b.metrics.OrderRejected(side, metrics.OutcomeInvalid)
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, limit := b.asks, b.opts.MaxPendingAsks
	if side == sideBid {
		idx, limit = b.bids, b.opts.MaxPendingBids
	}
	if idx.Count() >= limit {
		b.metrics.OrderRejected(side, metrics.OutcomeBackpressure)
		return "", fmt.Errorf("%w: %d %ss pending", models.ErrBackpressure, limit, side)
	}
	idx.Add(order)
	b.metrics.OrderAdmitted(side, idx.Count())

	b.logger.Debug("order admitted",
		zap.String("side", side),
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Uint64("price", order.Price),
		zap.Uint64("quantity", order.Quantity))
	return order.ID, nil
}

// GetAsks returns the ask levels, best (lowest) price first
func (b *OrderBook) GetAsks() []models.Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks.Snapshot()
}

// GetBids returns the bid levels, best (highest) price first
func (b *OrderBook) GetBids() []models.Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := b.bids.Snapshot()
	slices.Reverse(levels)
	return levels
}

// Pending returns the number of resting asks and bids
func (b *OrderBook) Pending() (asks, bids int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks.Count(), b.bids.Count()
}

// ClearAll empties both sides of the book
func (b *OrderBook) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asks.Clear()
	b.bids.Clear()
	b.metrics.BookDepth(0, 0)
	b.logger.Info("order book cleared")
}

// removePair resolves a matched bid and ask together. Both must still be at
// the head of their levels; otherwise nothing is removed.
func (b *OrderBook) removePair(bid, ask models.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.bids.IsHead(bid) {
		return fmt.Errorf("%w: bid %s already resolved", models.ErrOrdering, bid.ID)
	}
	if !b.asks.IsHead(ask) {
		return fmt.Errorf("%w: ask %s already resolved", models.ErrOrdering, ask.ID)
	}
	// Both heads were checked under the lock, so neither removal can fail.
	_ = b.bids.Remove(bid)
	_ = b.asks.Remove(ask)
	b.metrics.BookDepth(b.asks.Count(), b.bids.Count())
	return nil
}

// evictExpired drops bid and/or ask if older than the TTL. Caller holds mu.
func (b *OrderBook) evictExpired(bid, ask models.Order) bool {
	now := b.opts.Now()
	evicted := false
	if now.Sub(bid.Timestamp) > b.opts.OrderTTL {
		if err := b.bids.Remove(bid); err == nil {
			b.metrics.OrderExpired(sideBid)
			b.logger.Info("bid expired", zap.String("order_id", bid.ID), zap.Time("timestamp", bid.Timestamp))
			evicted = true
		}
	}
	if now.Sub(ask.Timestamp) > b.opts.OrderTTL {
		if err := b.asks.Remove(ask); err == nil {
			b.metrics.OrderExpired(sideAsk)
			b.logger.Info("ask expired", zap.String("order_id", ask.ID), zap.Time("timestamp", ask.Timestamp))
			evicted = true
		}
	}
	if evicted {
		b.metrics.BookDepth(b.asks.Count(), b.bids.Count())
	}
	return evicted
}
