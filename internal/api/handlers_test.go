package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/api"
	"github.com/predictr/ledger-engine/internal/matching"
	"github.com/predictr/ledger-engine/internal/memo"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/order"
	"github.com/predictr/ledger-engine/internal/queue"
	"github.com/predictr/ledger-engine/internal/reservation"
	"github.com/predictr/ledger-engine/internal/settlement"
	"github.com/predictr/ledger-engine/internal/store"
)

const custodyWallet = "7v91N7iZ9mNicL8WfG6cgSCKyRXydQjLh6UYBWwm6y1Q"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*store.MemoryStore, *matching.StubEngine, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	pub := queue.NewMemoryPublisher()
	engine := &matching.StubEngine{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rm := reservation.NewManager(ms, pub, logger)
	sp := settlement.NewProcessor(ms, pub, logger)
	orders := order.NewService(ms, rm, sp, engine, logger)

	h := api.NewHandlers(ms, orders, rm, custodyWallet)
	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return ms, engine, r
}

func doRequest(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetBalance(t *testing.T) {
	ms, _, router := newTestEnv(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	w := doRequest(t, router, "GET", "/api/v1/balance/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	var resp struct {
		Available decimal.Decimal `json:"available"`
		Reserved  decimal.Decimal `json:"reserved"`
		Total     decimal.Decimal `json:"total"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Available.Equal(d(100)) || !resp.Total.Equal(d(100)) {
		t.Errorf("unexpected balance response: %s", w.Body)
	}
}

func TestGetBalance_UnknownUserIsZero(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doRequest(t, router, "GET", "/api/v1/balance/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	var resp struct {
		Available decimal.Decimal `json:"available"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Available.IsZero() {
		t.Errorf("expected zero balance, got %s", resp.Available)
	}
}

func TestDepositInstructions(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doRequest(t, router, "GET", "/api/v1/deposits/u1/instructions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["deposit_address"] != custodyWallet {
		t.Errorf("deposit_address = %q", resp["deposit_address"])
	}
	if !memo.IsValid(resp["memo"]) {
		t.Errorf("memo %q is not a valid DEP memo", resp["memo"])
	}

	// The memo is stable across requests.
	w2 := doRequest(t, router, "GET", "/api/v1/deposits/u1/instructions", nil)
	var resp2 map[string]string
	json.Unmarshal(w2.Body.Bytes(), &resp2)
	if resp2["memo"] != resp["memo"] {
		t.Errorf("memo changed between requests: %q vs %q", resp["memo"], resp2["memo"])
	}
}

func TestRequestWithdrawal(t *testing.T) {
	ms, _, router := newTestEnv(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	w := doRequest(t, router, "POST", "/api/v1/withdrawals", api.WithdrawalRequest{
		UserID:             "u1",
		Amount:             d(30),
		DestinationAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	b, _ := ms.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Reserved.Equal(d(30)) {
		t.Errorf("reserved = %s, want 30", b.Reserved)
	}
}

func TestRequestWithdrawal_Errors(t *testing.T) {
	ms, _, router := newTestEnv(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	cases := []struct {
		name string
		req  api.WithdrawalRequest
		code int
	}{
		{"bad address", api.WithdrawalRequest{UserID: "u1", Amount: d(30), DestinationAddress: "nope"}, http.StatusBadRequest},
		{"below minimum", api.WithdrawalRequest{UserID: "u1", Amount: d(1), DestinationAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"}, http.StatusBadRequest},
		{"insufficient", api.WithdrawalRequest{UserID: "u1", Amount: d(1000), DestinationAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"}, http.StatusConflict},
		{"missing user", api.WithdrawalRequest{Amount: d(30), DestinationAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := doRequest(t, router, "POST", "/api/v1/withdrawals", tc.req); w.Code != tc.code {
			t.Errorf("%s: status %d, want %d (%s)", tc.name, w.Code, tc.code, w.Body)
		}
	}
}

func TestPlaceOrder_HTTP(t *testing.T) {
	ms, _, router := newTestEnv(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	w := doRequest(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID:   "u1",
		MarketID: "m1",
		Side:     model.SideBuy,
		Outcome:  model.OutcomeYes,
		Amount:   d(40),
		Price:    d(0.5),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	var resp struct {
		OrderID string            `json:"order_id"`
		Status  model.OrderStatus `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != model.OrderOpen || resp.OrderID == "" {
		t.Errorf("unexpected response: %s", w.Body)
	}
}

func TestPlaceOrder_EngineDown(t *testing.T) {
	ms, engine, router := newTestEnv(t)
	ms.Credit("u1", model.AssetUSDC, d(100))
	engine.Err = matching.ErrMatchingEngine

	w := doRequest(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID:   "u1",
		MarketID: "m1",
		Side:     model.SideBuy,
		Outcome:  model.OutcomeYes,
		Amount:   d(40),
		Price:    d(0.5),
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}

	// Funds are back after the rollback.
	b, _ := ms.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(d(100)) || !b.Reserved.IsZero() {
		t.Errorf("rollback incomplete: %+v", b)
	}
}

func TestBalanceHistory_FilterByType(t *testing.T) {
	ms, _, router := newTestEnv(t)
	ms.Credit("u1", model.AssetUSDC, d(100))
	ms.Reserve(context.Background(), "u1", model.AssetUSDC, d(10), store.Ref{ID: "o1", Type: "ORDER"})

	w := doRequest(t, router, "GET", "/api/v1/balance/u1/history?type=RESERVE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	var changes []model.LedgerChange
	json.Unmarshal(w.Body.Bytes(), &changes)
	if len(changes) != 1 || changes[0].ChangeType != model.ChangeReserve {
		t.Errorf("expected one RESERVE row, got %+v", changes)
	}
}

func TestListPositions_Empty(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doRequest(t, router, "GET", "/api/v1/positions/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}
