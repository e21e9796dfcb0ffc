package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtrntr/clearinghouse/internal/models"
)

// DB wraps a PostgreSQL connection pool and serves as the trade log
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Ping checks that a connection can be acquired
func (db *DB) Ping(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", classify(err))
	}
	return nil
}

// Insert records a settled or voided trade. Re-inserting the same trade is a
// no-op so redelivered settlements are safe.
func (db *DB) Insert(ctx context.Context, trade models.Trade) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trades (id, voided, ask_id, bid_id, seller_id, buyer_id, price, quantity, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id, voided) DO NOTHING`,
		trade.ID, trade.Voided, trade.Ask.ID, trade.Bid.ID, trade.Ask.UserID, trade.Bid.UserID,
		trade.Settlement.Price, trade.Settlement.Quantity, trade.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.ID, classify(err))
	}
	return nil
}

// Reconnect drops every pooled connection and verifies a fresh one
func (db *DB) Reconnect(ctx context.Context) error {
	db.Pool.Reset()
	return db.Ping(ctx)
}

// GetUserTrades retrieves the trades a user took part in, newest first
func (db *DB) GetUserTrades(ctx context.Context, userID string) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, voided, ask_id, bid_id, seller_id, buyer_id, price, quantity, executed_at
		 FROM trades WHERE seller_id = $1 OR buyer_id = $1
		 ORDER BY executed_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", classify(err))
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		err := rows.Scan(&t.ID, &t.Voided, &t.Ask.ID, &t.Bid.ID, &t.Ask.UserID, &t.Bid.UserID,
			&t.Settlement.Price, &t.Settlement.Quantity, &t.ExecutedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Settlement.ID = t.ID
		t.Settlement.UserID = t.Ask.UserID
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", classify(err))
	}
	return trades, nil
}

// classify sorts driver failures into transient and permanent
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// connection exception, transaction rollback, insufficient resources,
		// operator intervention
		for _, class := range []string{"08", "40", "53", "57P"} {
			if strings.HasPrefix(pgErr.Code, class) {
				return fmt.Errorf("%w: %v", models.ErrTransient, err)
			}
		}
		return fmt.Errorf("%w: %v", models.ErrPermanent, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, pgx.ErrTxClosed), errors.Is(err, pgx.ErrTxCommitRollback):
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	case pgconn.SafeToRetry(err), pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", models.ErrPermanent, err)
}
