// Package api provides the HTTP handlers for balances, deposits,
// withdrawals, orders, and positions.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/matching"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/order"
	"github.com/predictr/ledger-engine/internal/reservation"
	"github.com/predictr/ledger-engine/internal/store"
)

// Handlers carries the service dependencies for the HTTP surface.
type Handlers struct {
	store        store.Store
	orders       *order.Service
	reservations *reservation.Manager
	custody      string // custody wallet address shown in deposit instructions
}

// NewHandlers wires the HTTP handlers.
func NewHandlers(st store.Store, orders *order.Service, rm *reservation.Manager, custody string) *Handlers {
	return &Handlers{store: st, orders: orders, reservations: rm, custody: custody}
}

// Routes mounts all endpoints on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/balance/{userID}", h.GetBalance)
	r.Get("/balance/{userID}/history", h.GetBalanceHistory)

	r.Get("/deposits/{userID}/instructions", h.GetDepositInstructions)
	r.Get("/deposits/{userID}", h.ListDeposits)

	r.Post("/withdrawals", h.RequestWithdrawal)
	r.Get("/withdrawals/{userID}", h.ListWithdrawals)

	r.Post("/orders", h.PlaceOrder)
	r.Get("/orders/{userID}", h.ListOrders)
	r.Get("/orderbook/{marketID}", h.GetOrderbook)

	r.Get("/positions/{userID}", h.ListPositions)
}

// GetBalance handles GET /api/v1/balance/{userID}
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := h.store.GetBalance(r.Context(), userID, model.AssetUSDC)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   balance.UserID,
		"asset":     balance.Asset,
		"available": balance.Available,
		"reserved":  balance.Reserved,
		"total":     balance.Total(),
	})
}

// GetBalanceHistory handles GET /api/v1/balance/{userID}/history
// Optional filters: ?type=DEPOSIT&limit=50&offset=0
func (h *Handlers) GetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	filter := store.ChangeFilter{
		Asset:  model.AssetUSDC,
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		filter.ChangeType = model.ChangeType(t)
	}

	changes, err := h.store.ListLedgerChanges(r.Context(), userID, filter)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if changes == nil {
		changes = []model.LedgerChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// GetDepositInstructions handles GET /api/v1/deposits/{userID}/instructions
// Returns the user's stable DEP memo and the custody address to pay.
func (h *Handlers) GetDepositInstructions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	m, err := h.store.GetOrCreateDepositMemo(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to assign deposit memo", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"deposit_address": h.custody,
		"memo":            m,
		"asset":           model.AssetUSDC,
		"note":            "include the memo exactly as shown or the deposit cannot be credited automatically",
	})
}

// ListDeposits handles GET /api/v1/deposits/{userID}
func (h *Handlers) ListDeposits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	deposits, err := h.store.ListDeposits(r.Context(), userID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, "failed to load deposits", http.StatusInternalServerError)
		return
	}
	if deposits == nil {
		deposits = []model.Deposit{}
	}
	writeJSON(w, http.StatusOK, deposits)
}

// WithdrawalRequest is the JSON body for POST /api/v1/withdrawals.
type WithdrawalRequest struct {
	UserID             string          `json:"user_id"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destination_address"`
}

// RequestWithdrawal handles POST /api/v1/withdrawals
func (h *Handlers) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	wd, err := h.reservations.ReserveForWithdrawal(r.Context(), req.UserID, req.Amount, req.DestinationAddress)
	if err != nil {
		switch {
		case errors.Is(err, reservation.ErrInvalidAddress),
			errors.Is(err, reservation.ErrBelowMinimum):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrInsufficientFunds):
			writeError(w, "insufficient balance", http.StatusConflict)
		default:
			writeError(w, "withdrawal request failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, wd)
}

// ListWithdrawals handles GET /api/v1/withdrawals/{userID}
func (h *Handlers) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	withdrawals, err := h.store.ListWithdrawals(r.Context(), userID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, "failed to load withdrawals", http.StatusInternalServerError)
		return
	}
	if withdrawals == nil {
		withdrawals = []model.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, withdrawals)
}

// OrderRequest is the JSON body for POST /api/v1/orders.
type OrderRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	Side      string          `json:"side"`
	Outcome   string          `json:"outcome"`
	OrderType string          `json:"order_type"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
}

// PlaceOrder handles POST /api/v1/orders
func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.orders.PlaceOrder(r.Context(), order.PlaceOrderParams{
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		Side:      req.Side,
		Outcome:   req.Outcome,
		OrderType: req.OrderType,
		Amount:    req.Amount,
		Price:     req.Price,
	})
	if err != nil {
		switch {
		case errors.Is(err, order.ErrInvalidOrder):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrInsufficientFunds):
			writeError(w, "insufficient balance", http.StatusConflict)
		case errors.Is(err, matching.ErrMatchingEngine):
			// Funds were released; the user may retry.
			writeError(w, "matching engine unavailable, please retry", http.StatusServiceUnavailable)
		default:
			writeError(w, "order placement failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// ListOrders handles GET /api/v1/orders/{userID}?market_id=...
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	orders, err := h.orders.ListOrders(r.Context(), userID, r.URL.Query().Get("market_id"),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrderbook handles GET /api/v1/orderbook/{marketID}?outcome=YES
func (h *Handlers) GetOrderbook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	outcome := r.URL.Query().Get("outcome")

	book, err := h.orders.GetOrderbook(r.Context(), marketID, outcome)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrInvalidOrder):
			writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		case errors.Is(err, matching.ErrMatchingEngine):
			writeError(w, "matching engine unavailable", http.StatusServiceUnavailable)
		default:
			writeError(w, "failed to load orderbook", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// ListPositions handles GET /api/v1/positions/{userID}
func (h *Handlers) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	positions, err := h.store.ListPositionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- helpers ---

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
