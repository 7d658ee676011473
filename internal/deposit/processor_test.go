package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/dedup"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/queue"
	"github.com/predictr/ledger-engine/internal/solana"
	"github.com/predictr/ledger-engine/internal/store"
)

const (
	custodyATA = "CustodyTokenAccount11111111111111111111111"
	usdcMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type stubRPC struct {
	mu  sync.Mutex
	txs map[string]*solana.Transaction
	err error
}

func (s *stubRPC) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.txs[signature], nil
}

func (s *stubRPC) GetSignaturesForAddress(context.Context, string, *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	return nil, nil
}

type testEnv struct {
	processor *Processor
	store     *store.MemoryStore
	dedup     *dedup.MemoryStore
	queue     *queue.MemoryPublisher
	rpc       *stubRPC
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		dedup: dedup.NewMemoryStore(),
		queue: queue.NewMemoryPublisher(),
		rpc:   &stubRPC{txs: make(map[string]*solana.Transaction)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.processor = NewProcessor(env.rpc, env.store, env.dedup, env.queue, custodyATA, usdcMint, logger)
	return env
}

func depositTx(amountRaw, memoText string) *solana.Transaction {
	tx := &solana.Transaction{Signature: "SIG"}
	transfer, _ := json.Marshal(map[string]any{
		"type": "transferChecked",
		"info": map[string]any{
			"source":      "SenderATA",
			"destination": custodyATA,
			"authority":   "SenderWallet",
			"mint":        usdcMint,
			"tokenAmount": map[string]any{"amount": amountRaw, "decimals": 6},
		},
	})
	tx.Instructions = append(tx.Instructions, solana.Instruction{
		Program: "spl-token", ProgramID: solana.TokenProgramID, Parsed: transfer,
	})
	if memoText != "" {
		raw, _ := json.Marshal(memoText)
		tx.Instructions = append(tx.Instructions, solana.Instruction{
			Program: "spl-memo", ProgramID: solana.MemoProgramID, Parsed: raw,
		})
	}
	return tx
}

func TestHandle_CreditsResolvedDeposit(t *testing.T) {
	env := newTestEnv(t)
	m, _ := env.store.GetOrCreateDepositMemo(context.Background(), "u1")
	env.rpc.txs["SIG"] = depositTx("100000000", m)

	if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	b, _ := env.store.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected 100 USDC credited, got %s", b.Available)
	}

	state, _ := env.dedup.State("SIG")
	if state != "completed" {
		t.Errorf("dedup state = %q, want completed", state)
	}
}

func TestHandle_IdempotentRepeat(t *testing.T) {
	env := newTestEnv(t)
	m, _ := env.store.GetOrCreateDepositMemo(context.Background(), "u1")
	env.rpc.txs["SIG"] = depositTx("50000000", m)

	for i := 0; i < 3; i++ {
		if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	b, _ := env.store.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected single credit of 50, got %s", b.Available)
	}
}

func TestHandle_ConcurrentDelivery(t *testing.T) {
	env := newTestEnv(t)
	m, _ := env.store.GetOrCreateDepositMemo(context.Background(), "u1")
	env.rpc.txs["SIG"] = depositTx("25000000", m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.processor.Handle(context.Background(), "SIG")
		}()
	}
	wg.Wait()

	b, _ := env.store.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(decimal.NewFromInt(25)) {
		t.Errorf("concurrent delivery credited %s, want 25", b.Available)
	}
}

func TestHandle_NoMemo(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.txs["SIG"] = depositTx("10000000", "")

	if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if env.queue.Len(queue.NoMemo) != 1 {
		t.Errorf("expected 1 item on no_memo queue, got %d", env.queue.Len(queue.NoMemo))
	}

	var item queue.ReviewItem
	env.queue.Decode(queue.NoMemo, 0, &item)
	if item.Signature != "SIG" || !item.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("unexpected review item: %+v", item)
	}
}

func TestHandle_InvalidMemo(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.txs["SIG"] = depositTx("10000000", "hello world")

	if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if env.queue.Len(queue.InvalidMemo) != 1 {
		t.Errorf("expected 1 item on invalid_memo queue, got %d", env.queue.Len(queue.InvalidMemo))
	}
}

func TestHandle_UnknownMemo(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.txs["SIG"] = depositTx("10000000", "DEP-1A2B3C")

	if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if env.queue.Len(queue.UnknownMemo) != 1 {
		t.Errorf("expected 1 item on unknown_memo queue, got %d", env.queue.Len(queue.UnknownMemo))
	}

	var item queue.ReviewItem
	env.queue.Decode(queue.UnknownMemo, 0, &item)
	if item.Memo != "DEP-1A2B3C" {
		t.Errorf("review item memo = %q", item.Memo)
	}
}

func TestHandle_LowercaseMemoNormalized(t *testing.T) {
	env := newTestEnv(t)
	m, _ := env.store.GetOrCreateDepositMemo(context.Background(), "u1")
	// Wallets sometimes lowercase the memo text.
	env.rpc.txs["SIG"] = depositTx("10000000", "  "+lower(m)+" ")

	if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	b, _ := env.store.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected credit despite lowercase memo, got %s", b.Available)
	}
}

func lower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + 32
		}
	}
	return string(out)
}

func TestHandle_FailedTransactionSkipped(t *testing.T) {
	env := newTestEnv(t)
	tx := depositTx("10000000", "DEP-1A2B3C")
	tx.Failed = true
	env.rpc.txs["SIG"] = tx

	if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	state, _ := env.dedup.State("SIG")
	if state != "completed" {
		t.Errorf("failed tx should be marked completed, got %q", state)
	}
}

func TestHandle_FetchErrorReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.err = errors.New("rpc down")

	if err := env.processor.Handle(context.Background(), "SIG"); err == nil {
		t.Fatal("expected error")
	}

	if _, ok := env.dedup.State("SIG"); ok {
		t.Error("claim should be abandoned after fetch failure")
	}

	// Node recovers; retry succeeds.
	env.rpc.err = nil
	m, _ := env.store.GetOrCreateDepositMemo(context.Background(), "u1")
	env.rpc.txs["SIG"] = depositTx("10000000", m)

	if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	b, _ := env.store.GetBalance(context.Background(), "u1", model.AssetUSDC)
	if !b.Available.Equal(decimal.NewFromInt(10)) {
		t.Errorf("retry should credit, got %s", b.Available)
	}
}

type abandonFailDedup struct {
	*dedup.MemoryStore
}

func (d *abandonFailDedup) Abandon(context.Context, string) error {
	return errors.New("redis down")
}

func TestHandle_AbandonFailureSurfacesFetchError(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.processor = NewProcessor(env.rpc, env.store, &abandonFailDedup{env.dedup}, env.queue, custodyATA, usdcMint, logger)
	env.rpc.err = errors.New("rpc down")

	// The fetch error still comes back even when the claim cannot be
	// dropped; the stuck claim expires with its TTL.
	if err := env.processor.Handle(context.Background(), "SIG"); err == nil {
		t.Fatal("expected fetch error")
	}

	state, _ := env.dedup.State("SIG")
	if state != "processing" {
		t.Errorf("claim state = %q, want processing when abandon fails", state)
	}
}

func TestHandle_NonDepositTransfer(t *testing.T) {
	env := newTestEnv(t)
	tx := &solana.Transaction{Signature: "SIG"}
	transfer, _ := json.Marshal(map[string]any{
		"type": "transfer",
		"info": map[string]any{
			"source":      "A",
			"destination": "SomebodyElse1111111111111111111111111111111",
			"amount":      "10000000",
		},
	})
	tx.Instructions = []solana.Instruction{{Program: "spl-token", ProgramID: solana.TokenProgramID, Parsed: transfer}}
	env.rpc.txs["SIG"] = tx

	if err := env.processor.Handle(context.Background(), "SIG"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	state, _ := env.dedup.State("SIG")
	if state != "completed" {
		t.Errorf("non-deposit tx should complete, got %q", state)
	}
	if env.queue.Len(queue.NoMemo) != 0 {
		t.Error("non-deposit tx should not hit review queues")
	}
}
