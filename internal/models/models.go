package models

import (
	"math/bits"
	"slices"
	"time"

	"github.com/google/uuid"
)

// tradeNamespace seeds deterministic trade ids
var tradeNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8e-9a51-2c7d9e4f0b13")

// Order represents a resting ask or bid
type Order struct {
	ID        string    `json:"id" validate:"required"`
	UserID    string    `json:"user_id" validate:"required"`
	Price     uint64    `json:"price" validate:"gt=0"`    // Price per unit in the quote currency
	Quantity  uint64    `json:"quantity" validate:"gt=0"` // Units of the traded asset
	Timestamp time.Time `json:"timestamp"`                // Used for TTL expiry
}

// Value returns price × quantity and false if the product overflows
func (o Order) Value() (uint64, bool) {
	hi, lo := bits.Mul64(o.Price, o.Quantity)
	return lo, hi == 0
}

// Level is one price level of a book snapshot, oldest order first
type Level struct {
	Price  uint64  `json:"price"`
	Orders []Order `json:"orders"`
}

// TradeRequest is the hand-off from the matching loop to settlement
type TradeRequest struct {
	Ask        Order `json:"ask"`
	Bid        Order `json:"bid"`
	Settlement Order `json:"settlement"`
}

// TradeID returns the id every delivery of this request settles under
func (r TradeRequest) TradeID() string {
	return TradeID(r.Ask.ID, r.Bid.ID)
}

// TradeID derives a stable trade id from the matched order ids
func TradeID(askID, bidID string) string {
	return uuid.NewSHA1(tradeNamespace, []byte(askID+"|"+bidID)).String()
}

// Trade is the immutable record of a settled exchange
type Trade struct {
	ID         string    `json:"id"`
	Ask        Order     `json:"ask"`
	Bid        Order     `json:"bid"`
	Settlement Order     `json:"settlement"`
	Voided     bool      `json:"voided"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Account represents a registered user and what it owns.
// Values are never mutated in place; the With* helpers return copies.
type Account struct {
	ID           string   `json:"id" validate:"required"`
	Username     string   `json:"username" validate:"required"`
	PasswordHash string   `json:"password_hash,omitempty"`
	Balance      uint64   `json:"balance"`  // Quote currency
	Holdings     uint64   `json:"holdings"` // Traded asset
	TradeIDs     []string `json:"trade_ids"`
}

// HasTrade reports whether tradeID was already applied to the account
func (a Account) HasTrade(tradeID string) bool {
	return slices.Contains(a.TradeIDs, tradeID)
}

// WithTransfer returns a copy with the balance and holdings deltas applied
// and tradeID appended to the history. Callers check sufficiency first.
func (a Account) WithTransfer(tradeID string, balanceIn, balanceOut, holdingsIn, holdingsOut uint64) Account {
	next := a
	next.Balance = a.Balance + balanceIn - balanceOut
	next.Holdings = a.Holdings + holdingsIn - holdingsOut
	next.TradeIDs = append(slices.Clone(a.TradeIDs), tradeID)
	return next
}
