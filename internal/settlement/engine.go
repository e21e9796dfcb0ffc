// Package settlement drains the settlement queue and applies each matched
// trade to the account table, one request per Badger transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/xtrntr/clearinghouse/internal/metrics"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/queue"
	"github.com/xtrntr/clearinghouse/internal/retry"
	"github.com/xtrntr/clearinghouse/internal/store"
	"github.com/xtrntr/clearinghouse/internal/validation"
	"go.uber.org/zap"
)

// TradeLog is the external record of settled trades. Implementations return
// errors wrapping models.ErrTransient or models.ErrPermanent.
type TradeLog interface {
	Insert(ctx context.Context, trade models.Trade) error
}

// Reconnector is implemented by trade logs that can re-establish their
// connection after a transient failure.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Options tunes the settlement loop. Now defaults to time.Now.
type Options struct {
	IdleInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Now          func() time.Time
}

// Engine settles queued trade requests
type Engine struct {
	store    *store.Store
	accounts *store.Accounts
	queue    *queue.SettlementQueue
	log      TradeLog

	opts    Options
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewEngine wires an engine to a partition. rec may be nil.
func NewEngine(s *store.Store, q *queue.SettlementQueue, tl TradeLog, opts Options, logger *zap.Logger, rec *metrics.Recorder) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:    s,
		accounts: store.NewAccounts(s),
		queue:    q,
		log:      tl,
		opts:     opts,
		logger:   logger.Named("settlement"),
		metrics:  rec,
	}
}

// ProcessNext settles the oldest pending request. It reports false when the
// queue is empty. Requests that fail validation are dequeued without touching
// any account; every other failure leaves the request queued.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	var (
		req      models.TradeRequest
		trade    models.Trade
		rejected error
	)
	err := e.store.Update(ctx, func(txn *badger.Txn) error {
		var err error
		req, err = e.queue.Dequeue(txn)
		if models.IsValidation(err) {
			rejected = err
			return nil
		}
		if err != nil {
			return err
		}
		trade, err = e.apply(txn, req)
		if models.IsValidation(err) {
			rejected = err
			return nil
		}
		if err != nil {
			return err
		}
		return e.log.Insert(ctx, trade)
	})
	if errors.Is(err, queue.ErrEmpty) {
		e.metrics.QueueDepth(0)
		return false, nil
	}
	if err != nil {
		e.metrics.Settlement(metrics.OutcomeAborted)
		return true, err
	}

	log := e.logger.With(zap.String("trade_id", req.TradeID()),
		zap.String("seller_id", req.Ask.UserID),
		zap.String("buyer_id", req.Bid.UserID))
	switch {
	case rejected != nil:
		e.metrics.Settlement(metrics.OutcomeRejected)
		log.Warn("trade request rejected", zap.Error(rejected))
	case trade.Voided:
		e.metrics.Settlement(metrics.OutcomeVoided)
		log.Info("duplicate trade request voided")
	default:
		e.metrics.Settlement(metrics.OutcomeSettled)
		log.Info("trade settled",
			zap.Uint64("price", trade.Settlement.Price),
			zap.Uint64("quantity", trade.Settlement.Quantity))
	}
	return true, nil
}

// apply validates req against the current accounts and writes the transfer
// into txn. Errors in the validation class leave txn untouched.
func (e *Engine) apply(txn *badger.Txn, req models.TradeRequest) (models.Trade, error) {
	trade := models.Trade{
		ID:         req.TradeID(),
		Ask:        req.Ask,
		Bid:        req.Bid,
		Settlement: req.Settlement,
		ExecutedAt: e.opts.Now(),
	}
	if err := validation.TradeRequest(req); err != nil {
		return trade, err
	}

	seller, err := e.accounts.Get(txn, req.Ask.UserID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return trade, fmt.Errorf("%w: %s", models.ErrBadSeller, req.Ask.UserID)
	}
	if err != nil {
		return trade, err
	}
	buyer, err := e.accounts.Get(txn, req.Bid.UserID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return trade, fmt.Errorf("%w: %s", models.ErrBadBuyer, req.Bid.UserID)
	}
	if err != nil {
		return trade, err
	}

	if seller.HasTrade(trade.ID) || buyer.HasTrade(trade.ID) {
		trade.Voided = true
		trade.Settlement.Price = 0
		trade.Settlement.Quantity = 0
		return trade, nil
	}

	qty := req.Settlement.Quantity
	value, _ := req.Settlement.Value() // overflow already rejected
	if seller.Holdings < qty {
		return trade, fmt.Errorf("%w: seller %s holds %d, needs %d", models.ErrInsufficientHoldings, seller.ID, seller.Holdings, qty)
	}
	if buyer.Balance < value {
		return trade, fmt.Errorf("%w: buyer %s has %d, needs %d", models.ErrInsufficientBalance, buyer.ID, buyer.Balance, value)
	}

	var next []models.Account
	if seller.ID == buyer.ID {
		next = append(next, seller.WithTransfer(trade.ID, value, value, qty, qty))
	} else {
		if math.MaxUint64-seller.Balance < value || math.MaxUint64-buyer.Holdings < qty {
			return trade, fmt.Errorf("%w: transfer overflows account totals", models.ErrInvalidTrade)
		}
		next = append(next,
			seller.WithTransfer(trade.ID, value, 0, 0, qty),
			buyer.WithTransfer(trade.ID, 0, value, qty, 0))
	}

	// Every write is checked first so a rejection leaves txn untouched.
	for _, acct := range next {
		if err := validation.Account(acct); err != nil {
			return trade, fmt.Errorf("account %s: %w", acct.ID, err)
		}
	}
	for _, acct := range next {
		if err := e.accounts.Put(txn, acct); err != nil {
			return trade, fmt.Errorf("failed to write account %s: %w", acct.ID, err)
		}
	}
	return trade, nil
}

// Run settles requests until ctx is cancelled. It returns nil on
// cancellation and models.ErrAuthorityLost once the store is fenced.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("settlement loop started")
	defer e.logger.Info("settlement loop stopped")

	attempt := 0
	for ctx.Err() == nil {
		processed, err := e.ProcessNext(ctx)
		switch {
		case err == nil:
			attempt = 0
			if !processed {
				retry.Sleep(ctx, e.opts.IdleInterval)
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, models.ErrAuthorityLost):
			e.logger.Error("write authority lost, stopping settlement loop", zap.Error(err))
			return err
		case errors.Is(err, models.ErrContention):
			e.logger.Debug("settlement transaction conflicted, retrying", zap.Error(err))
		default:
			if errors.Is(err, models.ErrPermanent) {
				e.logger.Error("trade log refused trade", zap.Error(err))
			} else {
				e.logger.Warn("settlement aborted", zap.Error(err))
			}
			if errors.Is(err, models.ErrTransient) {
				e.reconnect(ctx)
			}
			d := retry.Backoff(attempt, e.opts.BackoffBase, e.opts.BackoffMax)
			attempt++
			retry.Sleep(ctx, d)
		}
	}
	return nil
}

func (e *Engine) reconnect(ctx context.Context) {
	rc, ok := e.log.(Reconnector)
	if !ok {
		return
	}
	if err := rc.Reconnect(ctx); err != nil {
		e.logger.Warn("trade log reconnect failed", zap.Error(err))
	}
}
