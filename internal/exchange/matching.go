package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/clearinghouse/internal/metrics"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/retry"
	"go.uber.org/zap"
)

// maxImmediateRetries bounds back-to-back "moved" retries before the loop
// falls back to the backoff schedule.
const maxImmediateRetries = 8

// IsMatch reports whether bid can take ask: the bid pays at least the ask
// price and wants no more than the ask offers.
func IsMatch(bid, ask models.Order) bool {
	return bid.Price >= ask.Price && bid.Quantity <= ask.Quantity
}

// SplitAsk computes what actually clears when bid takes ask.
//
// The settlement always carries the bid's price and quantity. When the ask is
// larger, the remainder comes back as a leftover ask at the original ask
// price, without id or timestamp so it is admitted as a new order. Equal
// quantities consume the ask entirely and leftover is nil.
func SplitAsk(bid, ask models.Order) (models.Order, *models.Order, error) {
	if ask.Price == 0 || ask.Quantity == 0 || bid.Price == 0 || bid.Quantity == 0 {
		return models.Order{}, nil, fmt.Errorf("%w: zero price or quantity (ask %d@%d, bid %d@%d)",
			models.ErrInvalidOrder, ask.Quantity, ask.Price, bid.Quantity, bid.Price)
	}
	if bid.Quantity > ask.Quantity {
		return models.Order{}, nil, fmt.Errorf("%w: bid quantity %d exceeds ask quantity %d",
			models.ErrInvalidOrder, bid.Quantity, ask.Quantity)
	}

	settlement := models.Order{
		ID:        models.TradeID(ask.ID, bid.ID),
		UserID:    ask.UserID,
		Price:     bid.Price,
		Quantity:  bid.Quantity,
		Timestamp: ask.Timestamp,
	}
	if bid.Timestamp.After(settlement.Timestamp) {
		settlement.Timestamp = bid.Timestamp
	}
	if ask.Quantity == bid.Quantity {
		return settlement, nil, nil
	}

	leftover := &models.Order{
		UserID:   ask.UserID,
		Price:    ask.Price,
		Quantity: ask.Quantity - bid.Quantity,
	}
	return settlement, leftover, nil
}

type stepResult int

const (
	stepIdle stepResult = iota
	stepProgress
)

// Run matches the book until ctx is cancelled. It returns nil on
// cancellation and models.ErrAuthorityLost when settlement reports that this
// replica may no longer write.
func (b *OrderBook) Run(ctx context.Context) error {
	b.logger.Info("matching loop started",
		zap.Duration("order_ttl", b.opts.OrderTTL),
		zap.Int("max_pending_asks", b.opts.MaxPendingAsks),
		zap.Int("max_pending_bids", b.opts.MaxPendingBids))
	defer b.logger.Info("matching loop stopped")

	attempt, immediate := 0, 0
	for ctx.Err() == nil {
		res, err := b.step(ctx)
		switch {
		case err == nil:
			attempt, immediate = 0, 0
			if res == stepIdle {
				retry.Sleep(ctx, b.opts.IdleInterval)
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, models.ErrAuthorityLost):
			b.logger.Error("write authority lost, stopping matching loop", zap.Error(err))
			return err
		case errors.Is(err, models.ErrOrdering):
			b.logger.Debug("matched orders already resolved, re-reading book", zap.Error(err))
		case errors.Is(err, models.ErrDestinationMoved) && immediate < maxImmediateRetries:
			immediate++
			b.logger.Info("settlement destination moved, retrying", zap.Error(err))
		default:
			d := retry.Backoff(attempt, b.opts.BackoffBase, b.opts.BackoffMax)
			attempt++
			b.logger.Warn("settlement hand-off failed, backing off",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", d))
			retry.Sleep(ctx, d)
		}
	}
	return nil
}

// step runs one iteration of the matching loop
func (b *OrderBook) step(ctx context.Context) (stepResult, error) {
	b.mu.Lock()
	bid, okBid := b.bids.PeekBest(Highest)
	ask, okAsk := b.asks.PeekBest(Lowest)
	if !okBid || !okAsk {
		b.mu.Unlock()
		return stepIdle, nil
	}
	if b.evictExpired(bid, ask) {
		b.mu.Unlock()
		return stepProgress, nil
	}
	b.mu.Unlock()

	if !IsMatch(bid, ask) {
		return stepIdle, nil
	}

	settlement, leftover, err := SplitAsk(bid, ask)
	if err != nil {
		b.logger.Error("unsplittable match, dropping both orders", zap.Error(err),
			zap.String("bid_id", bid.ID), zap.String("ask_id", ask.ID))
		return stepProgress, b.removePair(bid, ask)
	}

	req := models.TradeRequest{Ask: ask, Bid: bid, Settlement: settlement}
	log := b.logger.With(
		zap.String("trade_id", req.TradeID()),
		zap.String("bid_id", bid.ID),
		zap.String("ask_id", ask.ID))

	// The book lock is not held across the hand-off.
	if err := b.settler.Submit(ctx, req); err != nil {
		if errors.Is(err, models.ErrTradeRejected) {
			b.metrics.Submission(metrics.OutcomeRejected)
			log.Warn("settlement rejected trade, dropping both orders", zap.Error(err))
			return stepProgress, b.removePair(bid, ask)
		}
		b.metrics.Submission(metrics.OutcomeRetried)
		return stepProgress, err
	}

	if err := b.removePair(bid, ask); err != nil {
		return stepProgress, err
	}
	b.metrics.Submission(metrics.OutcomeAccepted)
	log.Info("trade handed to settlement",
		zap.Uint64("price", settlement.Price),
		zap.Uint64("quantity", settlement.Quantity))

	if leftover != nil {
		b.requeueLeftover(*leftover)
	}
	return stepProgress, nil
}

// requeueLeftover admits the unfilled part of an ask as a new ask. When the
// ask side is at its ceiling the leftover is dropped.
func (b *OrderBook) requeueLeftover(leftover models.Order) {
	id, err := b.add(sideAsk, leftover)
	if err != nil {
		b.metrics.LeftoverDropped()
		b.logger.Warn("leftover ask dropped",
			zap.Error(err),
			zap.String("user_id", leftover.UserID),
			zap.Uint64("price", leftover.Price),
			zap.Uint64("quantity", leftover.Quantity))
		return
	}
	b.logger.Debug("leftover ask requeued", zap.String("order_id", id), zap.Uint64("quantity", leftover.Quantity))
}
