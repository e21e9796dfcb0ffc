package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xtrntr/clearinghouse/internal/auth"
	"github.com/xtrntr/clearinghouse/internal/exchange"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/store"
	"go.uber.org/zap"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// TradeHistory lists the trades an account took part in
type TradeHistory interface {
	GetUserTrades(ctx context.Context, userID string) ([]models.Trade, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Book        *exchange.OrderBook
	AuthService *auth.AuthService
	Accounts    *store.Accounts
	Trades      TradeHistory // optional
	logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(book *exchange.OrderBook, authService *auth.AuthService, accounts *store.Accounts, logger *zap.Logger) *Handler {
	return &Handler{Book: book, AuthService: authService, Accounts: accounts, logger: logger.Named("api")}
}

// Routes mounts the public auth endpoints and the JWT protected book endpoints
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/asks", h.PlaceAsk)
		r.Post("/bids", h.PlaceBid)
		r.Get("/asks", h.GetAsks)
		r.Get("/bids", h.GetBids)
		r.Delete("/book", h.ClearBook)
		r.Get("/account", h.GetAccount)
		if h.Trades != nil {
			r.Get("/trades", h.GetUserTrades)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	acct, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, models.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already taken")
		return
	case errors.Is(err, models.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to register user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       acct.ID,
		"username": acct.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Warn("login failed", zap.String("username", req.Username), zap.Error(err))
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

type orderRequest struct {
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
}

// PlaceAsk admits a sell order for the caller
func (h *Handler) PlaceAsk(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, h.Book.AddAsk)
}

// PlaceBid admits a buy order for the caller
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, h.Book.AddBid)
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request, add func(models.Order) (string, error)) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := add(models.Order{UserID: userID, Price: req.Price, Quantity: req.Quantity})
	switch {
	case errors.Is(err, models.ErrBackpressure):
		writeError(w, http.StatusTooManyRequests, "Too many pending orders")
		return
	case errors.Is(err, models.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to place order", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to place order")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// GetAsks returns the ask side, lowest price first
func (h *Handler) GetAsks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Book.GetAsks())
}

// GetBids returns the bid side, highest price first
func (h *Handler) GetBids(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Book.GetBids())
}

// ClearBook drops every resting order
func (h *Handler) ClearBook(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	h.Book.ClearAll()
	h.logger.Info("order book cleared", zap.String("user_id", userID))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order book cleared"})
}

// GetAccount returns the caller's balances and trade history ids
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	acct, err := h.Accounts.Lookup(r.Context(), userID)
	if errors.Is(err, models.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "Account not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load account", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve account")
		return
	}
	acct.PasswordHash = ""
	if acct.TradeIDs == nil {
		acct.TradeIDs = []string{}
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.Trades.GetUserTrades(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load trades", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve trades")
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}
