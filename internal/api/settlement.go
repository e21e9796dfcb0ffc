package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xtrntr/clearinghouse/internal/exchange"
	"github.com/xtrntr/clearinghouse/internal/models"
	"go.uber.org/zap"
)

// SettlementPath is where a settlement replica accepts trade requests
const SettlementPath = "/settlement/trades"

// SettlementHandler is the HTTP face of a settlement replica
type SettlementHandler struct {
	Settler exchange.Settler
	token   []byte
	logger  *zap.Logger
}

// NewSettlementHandler serves settler to callers presenting the shared
// settlement token.
func NewSettlementHandler(settler exchange.Settler, token string, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{Settler: settler, token: []byte(token), logger: logger.Named("settlement_api")}
}

// Routes mounts the trade intake behind the service token check
func (h *SettlementHandler) Routes(r chi.Router) {
	r.With(h.ServiceAuthMiddleware).Post(SettlementPath, h.SubmitTrade)
}

// ServiceAuthMiddleware admits requests carrying the shared settlement token.
// An unset token admits nobody.
func (h *SettlementHandler) ServiceAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || len(h.token) == 0 || subtle.ConstantTimeCompare([]byte(token), h.token) != 1 {
			writeError(w, http.StatusUnauthorized, "Settlement token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SubmitTrade accepts a matched trade. Status codes tell the matching side
// whether to drop the orders (400), back off (429, 503) or look elsewhere (410).
func (h *SettlementHandler) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req models.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.Settler.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"trade_id": req.TradeID()})
	case errors.Is(err, models.ErrTradeRejected):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrBusy):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, models.ErrAuthorityLost):
		writeError(w, http.StatusGone, err.Error())
	default:
		h.logger.Warn("failed to accept trade", zap.String("trade_id", req.TradeID()), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Settlement unavailable")
	}
}

// SettlementClient hands trades to remote settlement replicas. Endpoints are
// tried round-robin; the resolver only advances when a replica reports that
// it no longer holds write authority.
type SettlementClient struct {
	endpoints []string
	token     string
	next      atomic.Uint64
	client    *http.Client
	logger    *zap.Logger
}

// NewSettlementClient builds a client that authenticates with token and gives
// each request timeout to complete.
func NewSettlementClient(endpoints []string, token string, timeout time.Duration, logger *zap.Logger) (*SettlementClient, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one settlement endpoint is required")
	}
	trimmed := make([]string, len(endpoints))
	for i, e := range endpoints {
		trimmed[i] = strings.TrimRight(e, "/")
	}
	return &SettlementClient{
		endpoints: trimmed,
		token:     token,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.Named("settlement_client"),
	}, nil
}

// Endpoint returns the replica the next submission goes to
func (c *SettlementClient) Endpoint() string {
	n := c.next.Load()
	return c.endpoints[n%uint64(len(c.endpoints))]
}

func (c *SettlementClient) advance(from uint64) {
	if c.next.CompareAndSwap(from, from+1) {
		c.logger.Info("settlement destination moved",
			zap.String("from", c.endpoints[from%uint64(len(c.endpoints))]),
			zap.String("to", c.Endpoint()))
	}
}

// Submit posts req to the current replica
func (c *SettlementClient) Submit(ctx context.Context, req models.TradeRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: failed to encode trade request: %v", models.ErrTradeRejected, err)
	}

	n := c.next.Load()
	endpoint := c.endpoints[n%uint64(len(c.endpoints))]
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+SettlementPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrUnreachable, endpoint, err)
	}
	defer resp.Body.Close()
	msg := readError(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrTradeRejected, msg)
	case resp.StatusCode == http.StatusGone:
		c.advance(n)
		return fmt.Errorf("%w: %s", models.ErrDestinationMoved, endpoint)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", models.ErrBusy, msg)
	}
	return fmt.Errorf("%w: %s returned %d: %s", models.ErrUnreachable, endpoint, resp.StatusCode, msg)
}

func readError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
