package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/clearinghouse/internal/metrics"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/queue"
	"github.com/xtrntr/clearinghouse/internal/store"
	"github.com/xtrntr/clearinghouse/internal/validation"
	"go.uber.org/zap"
)

// Submitter is the receiving side of the matching hand-off. It accepts a
// trade request once it is durably queued.
type Submitter struct {
	accounts   *store.Accounts
	queue      *queue.SettlementQueue
	maxPending int
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

// NewSubmitter accepts trades into q while fewer than maxPending are queued.
// rec may be nil.
func NewSubmitter(s *store.Store, q *queue.SettlementQueue, maxPending int, logger *zap.Logger, rec *metrics.Recorder) *Submitter {
	return &Submitter{
		accounts:   store.NewAccounts(s),
		queue:      q,
		maxPending: maxPending,
		logger:     logger.Named("submitter"),
		metrics:    rec,
	}
}

// Submit validates and enqueues req. Malformed requests and unknown accounts
// fail with models.ErrTradeRejected, a full queue with models.ErrBusy.
func (s *Submitter) Submit(ctx context.Context, req models.TradeRequest) error {
	if err := validation.TradeRequest(req); err != nil {
		return fmt.Errorf("%w: %w", models.ErrTradeRejected, err)
	}
	if err := s.checkAccount(ctx, req.Ask.UserID, models.ErrBadSeller); err != nil {
		return err
	}
	if err := s.checkAccount(ctx, req.Bid.UserID, models.ErrBadBuyer); err != nil {
		return err
	}

	n, err := s.queue.EnqueueBounded(ctx, req, s.maxPending)
	if errors.Is(err, queue.ErrFull) {
		s.metrics.QueueDepth(n)
		return fmt.Errorf("%w: %w", models.ErrBusy, err)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue trade %s: %w", req.TradeID(), err)
	}
	s.metrics.QueueDepth(n)
	s.logger.Debug("trade request queued", zap.String("trade_id", req.TradeID()))
	return nil
}

func (s *Submitter) checkAccount(ctx context.Context, id string, missing error) error {
	_, err := s.accounts.Lookup(ctx, id)
	if errors.Is(err, models.ErrAccountNotFound) {
		return fmt.Errorf("%w: %w: %s", models.ErrTradeRejected, missing, id)
	}
	return err
}
