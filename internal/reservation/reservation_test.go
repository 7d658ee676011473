package reservation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/queue"
	"github.com/predictr/ledger-engine/internal/store"
)

const validAddress = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newManager(t *testing.T) (*Manager, *store.MemoryStore, *queue.MemoryPublisher) {
	t.Helper()
	ms := store.NewMemoryStore()
	pub := queue.NewMemoryPublisher()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(ms, pub, logger), ms, pub
}

func buyOrder(amount, price float64) *model.Order {
	return &model.Order{
		ID:        "o1",
		UserID:    "u1",
		MarketID:  "m1",
		Side:      model.SideBuy,
		Outcome:   model.OutcomeYes,
		Amount:    d(amount),
		Price:     d(price),
		Quantity:  d(amount).Div(d(price)),
		Status:    model.OrderPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestReserveForOrder_Buy(t *testing.T) {
	mgr, ms, _ := newManager(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	if err := mgr.ReserveForOrder(context.Background(), buyOrder(40, 0.5)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	b, _ := ms.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(d(60)) || !b.Reserved.Equal(d(40)) {
		t.Errorf("available=%s reserved=%s", b.Available, b.Reserved)
	}
}

func TestReserveForOrder_InsufficientFunds(t *testing.T) {
	mgr, ms, _ := newManager(t)
	ms.Credit("u1", model.AssetUSDC, d(10))

	err := mgr.ReserveForOrder(context.Background(), buyOrder(40, 0.5))
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// No order row on failure.
	if _, err := ms.GetOrder(context.Background(), "o1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("order should not exist after failed reservation")
	}
}

func TestReserveForOrder_SellHoldsNothing(t *testing.T) {
	mgr, ms, _ := newManager(t)

	order := buyOrder(40, 0.5)
	order.Side = model.SideSell
	if err := mgr.ReserveForOrder(context.Background(), order); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	b, _ := ms.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Reserved.IsZero() {
		t.Errorf("sell order should hold no collateral, reserved=%s", b.Reserved)
	}
}

func TestReleaseReservation_Symmetric(t *testing.T) {
	mgr, ms, _ := newManager(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	order := buyOrder(40, 0.5)
	if err := mgr.ReserveForOrder(context.Background(), order); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := mgr.ReleaseReservation(context.Background(), order); err != nil {
		t.Fatalf("release: %v", err)
	}

	b, _ := ms.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(d(100)) || !b.Reserved.IsZero() {
		t.Errorf("release not symmetric: available=%s reserved=%s", b.Available, b.Reserved)
	}

	got, _ := ms.GetOrder(context.Background(), "o1")
	if got.Status != model.OrderFailed {
		t.Errorf("order status = %s, want FAILED", got.Status)
	}
}

func TestReserveForWithdrawal(t *testing.T) {
	mgr, ms, pub := newManager(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	w, err := mgr.ReserveForWithdrawal(context.Background(), "u1", d(30), validAddress)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	b, _ := ms.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(d(70)) || !b.Reserved.Equal(d(30)) {
		t.Errorf("available=%s reserved=%s", b.Available, b.Reserved)
	}

	if pub.Len(queue.PayoutQueue) != 1 {
		t.Fatalf("expected 1 payout job, got %d", pub.Len(queue.PayoutQueue))
	}
	var job queue.PayoutJob
	pub.Decode(queue.PayoutQueue, 0, &job)
	if job.WithdrawalID != w.ID || !job.Amount.Equal(d(30)) || job.DestinationAddress != validAddress {
		t.Errorf("unexpected payout job: %+v", job)
	}
}

func TestReserveForWithdrawal_BelowMinimum(t *testing.T) {
	mgr, ms, pub := newManager(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	if _, err := mgr.ReserveForWithdrawal(context.Background(), "u1", d(4.99), validAddress); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if pub.Len(queue.PayoutQueue) != 0 {
		t.Error("no payout job should be enqueued")
	}
}

func TestReserveForWithdrawal_InvalidAddress(t *testing.T) {
	mgr, ms, _ := newManager(t)
	ms.Credit("u1", model.AssetUSDC, d(100))

	cases := []string{"", "not-base58-0OIl", "abc", validAddress + validAddress}
	for _, addr := range cases {
		if _, err := mgr.ReserveForWithdrawal(context.Background(), "u1", d(10), addr); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("address %q: expected ErrInvalidAddress, got %v", addr, err)
		}
	}
}

func TestReserveForWithdrawal_InsufficientFunds(t *testing.T) {
	mgr, ms, pub := newManager(t)
	ms.Credit("u1", model.AssetUSDC, d(10))

	if _, err := mgr.ReserveForWithdrawal(context.Background(), "u1", d(30), validAddress); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if pub.Len(queue.PayoutQueue) != 0 {
		t.Error("no payout job should be enqueued")
	}

	list, _ := ms.ListWithdrawals(context.Background(), "u1", 10, 0)
	if len(list) != 0 {
		t.Error("no withdrawal row should exist")
	}
}
