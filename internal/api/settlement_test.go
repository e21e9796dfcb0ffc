package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/clearinghouse/internal/exchange"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/queue"
	"github.com/xtrntr/clearinghouse/internal/settlement"
	"github.com/xtrntr/clearinghouse/internal/store"
	"go.uber.org/zap"
)

type stubSettler struct {
	err error
}

func (s stubSettler) Submit(context.Context, models.TradeRequest) error { return s.err }

const testToken = "settlement-secret"

func testRequest() models.TradeRequest {
	ask := models.Order{ID: "ask-1", UserID: "seller", Price: 100, Quantity: 100}
	bid := models.Order{ID: "bid-1", UserID: "buyer", Price: 100, Quantity: 60}
	settlementOrder, _, _ := exchange.SplitAsk(bid, ask)
	return models.TradeRequest{Ask: ask, Bid: bid, Settlement: settlementOrder}
}

func TestSettlementHandler_SubmitTrade(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		body           []byte
		expectedStatus int
	}{
		{name: "Accepted", expectedStatus: http.StatusAccepted},
		{name: "Rejected", err: models.ErrTradeRejected, expectedStatus: http.StatusBadRequest},
		{name: "Busy", err: models.ErrBusy, expectedStatus: http.StatusTooManyRequests},
		{name: "AuthorityLost", err: models.ErrAuthorityLost, expectedStatus: http.StatusGone},
		{name: "StoreFailure", err: errors.New("disk full"), expectedStatus: http.StatusServiceUnavailable},
		{name: "Malformed", body: []byte("{"), expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSettlementHandler(stubSettler{err: tt.err}, testToken, zap.NewNop())
			body := tt.body
			if body == nil {
				body, _ = json.Marshal(testRequest())
			}
			req := httptest.NewRequest(http.MethodPost, SettlementPath, bytes.NewReader(body))
			w := httptest.NewRecorder()
			h.SubmitTrade(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestSettlementHandler_RequiresServiceToken(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(store.Options{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	q, err := queue.New(s, "auth")
	require.NoError(t, err)
	defer q.Close()

	accounts := store.NewAccounts(s)
	require.NoError(t, accounts.Create(ctx, models.Account{ID: "seller", Username: "seller", Holdings: 100}))
	require.NoError(t, accounts.Create(ctx, models.Account{ID: "buyer", Username: "buyer", Balance: 10000}))

	tests := []struct {
		name           string
		token          string
		header         string
		expectedStatus int
	}{
		{name: "No Header", token: testToken, expectedStatus: http.StatusUnauthorized},
		{name: "Wrong Token", token: testToken, header: "Bearer guess", expectedStatus: http.StatusUnauthorized},
		{name: "Missing Bearer", token: testToken, header: testToken, expectedStatus: http.StatusUnauthorized},
		{name: "Unset Token", header: "Bearer ", expectedStatus: http.StatusUnauthorized},
		{name: "Valid Token", token: testToken, header: "Bearer " + testToken, expectedStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := chi.NewRouter()
			NewSettlementHandler(settlement.NewSubmitter(s, q, 10, zap.NewNop(), nil), tt.token, zap.NewNop()).Routes(router)

			before, err := q.Count(ctx)
			require.NoError(t, err)

			body, _ := json.Marshal(models.TradeRequest{
				Ask:        models.Order{ID: "ask-1", UserID: "seller", Price: 1, Quantity: 50},
				Bid:        models.Order{ID: "bid-1", UserID: "buyer", Price: 1, Quantity: 50},
				Settlement: models.Order{ID: "ask-1", UserID: "seller", Price: 1, Quantity: 50},
			})
			req := httptest.NewRequest(http.MethodPost, SettlementPath, bytes.NewReader(body))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			after, err := q.Count(ctx)
			require.NoError(t, err)
			if tt.expectedStatus == http.StatusAccepted {
				assert.Equal(t, before+1, after)
			} else {
				assert.Equal(t, before, after, "nothing queued without the token")
			}
		})
	}
}

func TestSettlementClient_Submit(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		expectErr error
	}{
		{name: "Accepted", status: http.StatusAccepted},
		{name: "Rejected", status: http.StatusBadRequest, expectErr: models.ErrTradeRejected},
		{name: "Busy", status: http.StatusTooManyRequests, expectErr: models.ErrBusy},
		{name: "Moved", status: http.StatusGone, expectErr: models.ErrDestinationMoved},
		{name: "ServerError", status: http.StatusInternalServerError, expectErr: models.ErrUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, SettlementPath, r.URL.Path)
				assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
				var req models.TradeRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				writeError(w, tt.status, "status")
			}))
			defer srv.Close()

			c, err := NewSettlementClient([]string{srv.URL}, testToken, time.Second, zap.NewNop())
			require.NoError(t, err)
			err = c.Submit(context.Background(), testRequest())
			if tt.expectErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.expectErr)
		})
	}
}

func TestSettlementClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewSettlementClient([]string{url}, testToken, time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Submit(context.Background(), testRequest()), models.ErrUnreachable)

	_, err = NewSettlementClient(nil, testToken, time.Second, zap.NewNop())
	assert.Error(t, err)
}

func TestSettlementClient_FollowsMovedDestination(t *testing.T) {
	var primaryHits, standbyHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		writeError(w, http.StatusGone, models.ErrAuthorityLost.Error())
	}))
	defer primary.Close()
	standby := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		standbyHits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer standby.Close()

	c, err := NewSettlementClient([]string{primary.URL, standby.URL + "/"}, testToken, time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, primary.URL, c.Endpoint())

	err = c.Submit(context.Background(), testRequest())
	assert.ErrorIs(t, err, models.ErrDestinationMoved)
	assert.Equal(t, standby.URL, c.Endpoint())

	require.NoError(t, c.Submit(context.Background(), testRequest()))
	require.NoError(t, c.Submit(context.Background(), testRequest()))
	assert.Equal(t, int32(1), primaryHits.Load())
	assert.Equal(t, int32(2), standbyHits.Load())
}

// A book on one side of the wire hands trades to a settlement replica on the
// other.
func TestSettlement_RemoteHandOff(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(store.Options{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	q, err := queue.New(s, "remote")
	require.NoError(t, err)
	defer q.Close()

	accounts := store.NewAccounts(s)
	require.NoError(t, accounts.Create(ctx, models.Account{ID: "seller", Username: "seller", Holdings: 100}))
	require.NoError(t, accounts.Create(ctx, models.Account{ID: "buyer", Username: "buyer", Balance: 10000}))

	router := chi.NewRouter()
	NewSettlementHandler(settlement.NewSubmitter(s, q, 10, zap.NewNop(), nil), testToken, zap.NewNop()).Routes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	client, err := NewSettlementClient([]string{srv.URL}, testToken, time.Second, zap.NewNop())
	require.NoError(t, err)
	book := exchange.NewOrderBook(client, exchange.Options{
		MaxPendingAsks: 10,
		MaxPendingBids: 10,
		OrderTTL:       time.Minute,
		IdleInterval:   time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, zap.NewNop(), nil)

	_, err = book.AddAsk(models.Order{UserID: "seller", Price: 100, Quantity: 100})
	require.NoError(t, err)
	_, err = book.AddBid(models.Order{UserID: "buyer", Price: 100, Quantity: 60})
	require.NoError(t, err)
	// Unknown buyer: rejected remotely, both orders dropped.
	_, err = book.AddBid(models.Order{UserID: "ghost", Price: 100, Quantity: 10})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- book.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, bids := book.Pending()
		return bids == 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the valid trade is queued")
	assert.Empty(t, book.GetAsks(), "the leftover ask went with the rejected trade")
}
