package models

import "errors"

// Validation errors are never retried.
var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInvalidTrade         = errors.New("invalid trade request")
	ErrInvalidAccount       = errors.New("invalid account")
	ErrBadSeller            = errors.New("seller account not found")
	ErrBadBuyer             = errors.New("buyer account not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrAccountNotFound      = errors.New("account not found")
	ErrUsernameTaken        = errors.New("username already taken")

	// ErrTradeRejected means the settlement side refused the request for good.
	ErrTradeRejected = errors.New("trade request rejected")
)

// Contention and ordering errors: re-derive state and retry.
var (
	ErrOrdering   = errors.New("order is not at the head of its price level")
	ErrContention = errors.New("transaction conflict")
)

// Transient infrastructure errors: back off and retry.
var (
	ErrTransient        = errors.New("transient failure")
	ErrUnreachable      = errors.New("settlement unreachable")
	ErrBusy             = errors.New("settlement busy")
	ErrDestinationMoved = errors.New("settlement destination moved")
)

// ErrPermanent marks a downstream failure that retrying will not fix.
var ErrPermanent = errors.New("permanent failure")

// ErrAuthorityLost means this replica is no longer the writer; loops stop.
var ErrAuthorityLost = errors.New("write authority lost")

// ErrBackpressure is returned when a pending ceiling is reached.
var ErrBackpressure = errors.New("backpressure: too many pending orders")

// IsValidation reports whether err belongs to the non-retryable input class.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidOrder, ErrInvalidTrade, ErrInvalidAccount,
		ErrBadSeller, ErrBadBuyer,
		ErrInsufficientBalance, ErrInsufficientHoldings,
		ErrTradeRejected,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
