package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/matching"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/queue"
	"github.com/predictr/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newProcessor(t *testing.T) (*Processor, *store.MemoryStore, *queue.MemoryPublisher) {
	t.Helper()
	ms := store.NewMemoryStore()
	pub := queue.NewMemoryPublisher()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessor(ms, pub, logger), ms, pub
}

func seedBuyerSeller(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	ms.Credit("buyer", model.AssetUSDC, d(100))
	if err := ms.Reserve(context.Background(), "buyer", model.AssetUSDC, d(50), store.Ref{ID: "o1", Type: "ORDER"}); err != nil {
		t.Fatalf("seed reserve: %v", err)
	}
	avg := d(0.4)
	ms.SetPosition(&model.Position{
		UserID: "seller", MarketID: "m1",
		YesTokens: d(200), AvgYesPrice: &avg,
	})
}

func engineTrade(id string, qty, price float64) matching.EngineTrade {
	return matching.EngineTrade{
		TradeID:   id,
		MarketID:  "m1",
		Outcome:   "yes",
		TradeType: "SECONDARY",
		BuyerID:   "buyer",
		SellerID:  "seller",
		Quantity:  d(qty),
		Price:     d(price),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func TestApplySecondaryTrade(t *testing.T) {
	p, ms, _ := newProcessor(t)
	seedBuyerSeller(t, ms)

	if err := p.ApplySecondaryTrade(context.Background(), engineTrade("t1", 100, 0.5), "m1", ""); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sellerBal, _ := ms.GetBalance(context.Background(), "seller", model.AssetUSDC)
	if !sellerBal.Available.Equal(d(50)) {
		t.Errorf("seller credited %s, want 50", sellerBal.Available)
	}

	buyerPos, _ := ms.GetPosition(context.Background(), "buyer", "m1")
	if !buyerPos.YesTokens.Equal(d(100)) {
		t.Errorf("buyer holds %s YES, want 100", buyerPos.YesTokens)
	}
}

func TestApplySecondaryTrade_ReplayIsNoop(t *testing.T) {
	p, ms, _ := newProcessor(t)
	seedBuyerSeller(t, ms)

	trade := engineTrade("t1", 40, 0.5)
	if err := p.ApplySecondaryTrade(context.Background(), trade, "m1", ""); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := p.ApplySecondaryTrade(context.Background(), trade, "m1", ""); err != nil {
		t.Fatalf("replay should be absorbed, got %v", err)
	}

	sellerBal, _ := ms.GetBalance(context.Background(), "seller", model.AssetUSDC)
	if !sellerBal.Available.Equal(d(20)) {
		t.Errorf("seller credited %s after replay, want 20", sellerBal.Available)
	}
}

func TestApplySecondaryTrade_WeightedAverage(t *testing.T) {
	p, ms, _ := newProcessor(t)
	ms.Credit("buyer", model.AssetUSDC, d(100))
	ms.Reserve(context.Background(), "buyer", model.AssetUSDC, d(10), store.Ref{ID: "o1", Type: "ORDER"})
	ms.Reserve(context.Background(), "buyer", model.AssetUSDC, d(6), store.Ref{ID: "o2", Type: "ORDER"})
	ms.SetPosition(&model.Position{UserID: "seller", MarketID: "m1", YesTokens: d(100)})

	// 10 tokens at 0.40, then 10 more at 0.60: average lands at 0.50.
	if err := p.ApplySecondaryTrade(context.Background(), engineTrade("t1", 10, 0.40), "m1", ""); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if err := p.ApplySecondaryTrade(context.Background(), engineTrade("t2", 10, 0.60), "m1", ""); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	pos, _ := ms.GetPosition(context.Background(), "buyer", "m1")
	if !pos.YesTokens.Equal(d(20)) {
		t.Errorf("tokens = %s, want 20", pos.YesTokens)
	}
	if pos.AvgYesPrice == nil || !pos.AvgYesPrice.Equal(d(0.5)) {
		t.Errorf("avg price = %v, want 0.5", pos.AvgYesPrice)
	}
}

func TestApplySecondaryTrade_PartialFillsAccumulate(t *testing.T) {
	p, ms, _ := newProcessor(t)
	seedBuyerSeller(t, ms)
	ms.CreateOrder(context.Background(), &model.Order{
		ID: "o1", UserID: "buyer", MarketID: "m1",
		Side: model.SideBuy, Outcome: model.OutcomeYes,
		Amount: d(50), Price: d(0.5), Quantity: d(100),
		Status: model.OrderPending, CreatedAt: time.Now().UTC(),
	}, decimal.Zero)

	// One order, two fills from the book.
	if err := p.ApplySecondaryTrade(context.Background(), engineTrade("t1", 40, 0.5), "m1", "o1"); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if err := p.ApplySecondaryTrade(context.Background(), engineTrade("t2", 60, 0.5), "m1", "o1"); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	order, _ := ms.GetOrder(context.Background(), "o1")
	if order.Status != model.OrderFilled {
		t.Errorf("order status = %s, want FILLED", order.Status)
	}
	if !order.FilledQuantity.Equal(d(100)) {
		t.Errorf("filled quantity = %s, want 100", order.FilledQuantity)
	}
}

func TestApplySecondaryTrade_SellerOverdrawFatal(t *testing.T) {
	p, ms, _ := newProcessor(t)
	seedBuyerSeller(t, ms)

	err := p.ApplySecondaryTrade(context.Background(), engineTrade("t1", 201, 0.2), "m1", "")
	if !errors.Is(err, store.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}

	// The trade must not be partially applied.
	sellerPos, _ := ms.GetPosition(context.Background(), "seller", "m1")
	if !sellerPos.YesTokens.Equal(d(200)) {
		t.Errorf("seller tokens mutated: %s", sellerPos.YesTokens)
	}
}

func TestApplySecondaryTrade_BadPayload(t *testing.T) {
	p, _, _ := newProcessor(t)

	bad := engineTrade("t1", 10, 0.5)
	bad.Outcome = "MAYBE"
	if err := p.ApplySecondaryTrade(context.Background(), bad, "m1", ""); !errors.Is(err, ErrBadTrade) {
		t.Errorf("bad outcome: expected ErrBadTrade, got %v", err)
	}

	if err := p.ApplySecondaryTrade(context.Background(), engineTrade("t2", 10, 0.5), "", ""); !errors.Is(err, ErrBadTrade) {
		t.Errorf("missing market: expected ErrBadTrade, got %v", err)
	}

	zero := engineTrade("t3", 0, 0.5)
	if err := p.ApplySecondaryTrade(context.Background(), zero, "m1", ""); !errors.Is(err, ErrBadTrade) {
		t.Errorf("zero quantity: expected ErrBadTrade, got %v", err)
	}
}

func TestApplyComplementaryMatch(t *testing.T) {
	p, ms, pub := newProcessor(t)
	ms.CreateOrder(context.Background(), &model.Order{
		ID: "o1", UserID: "buyer", MarketID: "m1",
		Side: model.SideBuy, Outcome: model.OutcomeYes,
		Amount: d(40), Price: d(0.4), Quantity: d(100),
		Status: model.OrderPending, CreatedAt: time.Now().UTC(),
	}, decimal.Zero)

	match := matching.ComplementaryMatch{
		TradeID:    "t1",
		MarketID:   "m1",
		YesBuyerID: "buyer",
		NoBuyerID:  "other",
		Quantity:   d(100),
		YesPrice:   d(0.4),
		NoPrice:    d(0.6),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.ApplyComplementaryMatch(context.Background(), match, "o1"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if pub.Len(queue.MintQueue) != 1 {
		t.Fatalf("expected 1 mint job, got %d", pub.Len(queue.MintQueue))
	}
	var job queue.MintJob
	pub.Decode(queue.MintQueue, 0, &job)
	if job.TradeID != "t1" || !job.Pairs.Equal(d(100)) || job.YesUserID != "buyer" || job.NoUserID != "other" {
		t.Errorf("unexpected mint job: %+v", job)
	}

	order, _ := ms.GetOrder(context.Background(), "o1")
	if order.Status != model.OrderMatched {
		t.Errorf("order status = %s, want MATCHED", order.Status)
	}

	// No balance movement for complementary matches.
	b, _ := ms.GetBalance(context.Background(), "buyer", model.AssetUSDC)
	if !b.Available.IsZero() || !b.Reserved.IsZero() {
		t.Errorf("complementary match must not move balances: %+v", b)
	}
}
