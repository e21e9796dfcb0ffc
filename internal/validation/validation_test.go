package validation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xtrntr/clearinghouse/internal/models"
)

func order(id, user string, price, qty uint64) models.Order {
	return models.Order{ID: id, UserID: user, Price: price, Quantity: qty}
}

func TestOrder(t *testing.T) {
	tests := []struct {
		name        string
		order       models.Order
		expectError bool
	}{
		{name: "Valid", order: order("o1", "u1", 100, 10)},
		{name: "ZeroPrice", order: order("o1", "u1", 0, 10), expectError: true},
		{name: "ZeroQuantity", order: order("o1", "u1", 100, 0), expectError: true},
		{name: "MissingID", order: order("", "u1", 100, 10), expectError: true},
		{name: "MissingUser", order: order("o1", "", 100, 10), expectError: true},
		{name: "Overflow", order: order("o1", "u1", math.MaxUint64, 2), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Order(tt.order)
			if tt.expectError {
				assert.ErrorIs(t, err, models.ErrInvalidOrder)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrder_MessageUsesJSONNames(t *testing.T) {
	err := Order(order("o1", "", 100, 10))
	assert.ErrorContains(t, err, "user_id")
}

func TestTradeRequest(t *testing.T) {
	ask := order("a1", "seller", 100, 100)
	bid := order("b1", "buyer", 150, 60)
	settlement := order("s1", "seller", 150, 60)

	tests := []struct {
		name        string
		req         models.TradeRequest
		expectError bool
	}{
		{name: "Valid", req: models.TradeRequest{Ask: ask, Bid: bid, Settlement: settlement}},
		{name: "InvalidSettlement", req: models.TradeRequest{Ask: ask, Bid: bid, Settlement: order("s1", "seller", 0, 60)}, expectError: true},
		{name: "BidBelowAsk", req: models.TradeRequest{Ask: ask, Bid: order("b1", "buyer", 90, 60), Settlement: order("s1", "seller", 90, 60)}, expectError: true},
		{name: "BidExceedsAsk", req: models.TradeRequest{Ask: ask, Bid: order("b1", "buyer", 150, 120), Settlement: order("s1", "seller", 150, 120)}, expectError: true},
		{name: "SettlementQuantityMismatch", req: models.TradeRequest{Ask: ask, Bid: bid, Settlement: order("s1", "seller", 150, 50)}, expectError: true},
		{name: "SettlementPriceMismatch", req: models.TradeRequest{Ask: ask, Bid: bid, Settlement: order("s1", "seller", 100, 60)}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := TradeRequest(tt.req)
			if tt.expectError {
				assert.ErrorIs(t, err, models.ErrInvalidTrade)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAccount(t *testing.T) {
	assert.NoError(t, Account(models.Account{ID: "u1", Username: "alice"}))
	assert.ErrorIs(t, Account(models.Account{ID: "u1"}), models.ErrInvalidAccount)
	assert.ErrorIs(t, Account(models.Account{Username: "alice"}), models.ErrInvalidAccount)
}
