// Package deposit credits on-chain USDC transfers to user ledgers.
// Signatures arrive from the WebSocket watcher and from periodic
// backfill scans; the processor deduplicates them, resolves the paying
// user through the DEP memo, and credits the ledger exactly once.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/predictr/ledger-engine/internal/dedup"
	"github.com/predictr/ledger-engine/internal/memo"
	"github.com/predictr/ledger-engine/internal/metrics"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/queue"
	"github.com/predictr/ledger-engine/internal/solana"
	"github.com/predictr/ledger-engine/internal/store"
)

// Processor handles individual deposit transactions.
type Processor struct {
	rpc     solana.RPCClient
	store   store.Store
	dedup   dedup.Store
	queue   queue.Publisher
	custody string // custody USDC token account
	mint    string // USDC mint address
	logger  *slog.Logger
}

// NewProcessor wires a deposit processor.
func NewProcessor(rpc solana.RPCClient, st store.Store, dd dedup.Store, pub queue.Publisher, custody, mint string, logger *slog.Logger) *Processor {
	return &Processor{
		rpc:     rpc,
		store:   st,
		dedup:   dd,
		queue:   pub,
		custody: custody,
		mint:    mint,
		logger:  logger,
	}
}

// Handle processes one transaction signature end to end. Signatures
// already claimed or completed are skipped; a signature stuck in
// "processing" after a crash surfaces on the failed-deposits queue
// rather than being silently retried into a double credit.
func (p *Processor) Handle(ctx context.Context, signature string) error {
	claimed, err := p.dedup.Begin(ctx, signature)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if !claimed {
		metrics.DepositsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	tx, err := p.rpc.GetTransaction(ctx, signature)
	if err != nil {
		// Transient fetch failure: drop the claim so the backfill
		// scan retries once the node responds.
		p.abandon(ctx, signature)
		return fmt.Errorf("fetching transaction %s: %w", signature, err)
	}
	if tx == nil {
		// Not queryable yet at confirmed commitment; retry later.
		p.abandon(ctx, signature)
		return nil
	}
	if tx.Failed {
		return p.dedup.Complete(ctx, signature)
	}

	transfer, ok := solana.FindTransferTo(tx, p.custody, p.mint)
	if !ok {
		// Touches the custody wallet but is not a USDC deposit.
		return p.dedup.Complete(ctx, signature)
	}

	rawMemo := solana.ExtractMemo(tx)
	if rawMemo == "" {
		p.logger.Warn("deposit without memo", "signature", signature, "amount", transfer.Amount)
		metrics.DepositsTotal.WithLabelValues("no_memo").Inc()
		p.review(ctx, queue.NoMemo, signature, "", transfer)
		return p.dedup.Complete(ctx, signature)
	}

	m := memo.Normalize(rawMemo)
	if !memo.IsValid(m) {
		p.logger.Warn("deposit with invalid memo", "signature", signature, "memo", m)
		metrics.DepositsTotal.WithLabelValues("invalid_memo").Inc()
		p.review(ctx, queue.InvalidMemo, signature, m, transfer)
		return p.dedup.Complete(ctx, signature)
	}

	userID, err := p.store.ResolveMemo(ctx, m)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("deposit with unknown memo", "signature", signature, "memo", m)
		metrics.DepositsTotal.WithLabelValues("unknown_memo").Inc()
		p.review(ctx, queue.UnknownMemo, signature, m, transfer)
		return p.dedup.Complete(ctx, signature)
	}
	if err != nil {
		p.fail(ctx, signature, err)
		return fmt.Errorf("resolving memo %s: %w", m, err)
	}

	dep := &model.Deposit{
		UserID:      userID,
		Asset:       model.AssetUSDC,
		Amount:      transfer.Amount,
		TxHash:      signature,
		Memo:        m,
		FromAddress: transfer.Source,
		ToAddress:   transfer.Destination,
		Status:      "CONFIRMED",
		ConfirmedAt: time.Now().UTC(),
	}
	if tx.BlockTime != nil {
		dep.BlockTime = time.Unix(*tx.BlockTime, 0).UTC()
	}

	if err := p.store.RecordDeposit(ctx, dep); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Credited by an earlier run; close out the claim.
			metrics.DepositsTotal.WithLabelValues("duplicate").Inc()
			return p.dedup.Complete(ctx, signature)
		}
		p.fail(ctx, signature, err)
		return fmt.Errorf("recording deposit %s: %w", signature, err)
	}

	metrics.DepositsTotal.WithLabelValues("credited").Inc()
	amt, _ := transfer.Amount.Float64()
	metrics.DepositAmount.Observe(amt)
	p.logger.Info("deposit credited",
		"signature", signature,
		"user_id", userID,
		"amount", transfer.Amount,
		"memo", m)

	return p.dedup.Complete(ctx, signature)
}

// abandon drops the dedup claim so the signature can be retried. A
// failed drop would strand the claim in "processing" until its TTL, so
// it is loud.
func (p *Processor) abandon(ctx context.Context, signature string) {
	if err := p.dedup.Abandon(ctx, signature); err != nil {
		p.logger.Error("abandoning dedup claim", "signature", signature, "error", err)
	}
}

func (p *Processor) review(ctx context.Context, q, signature, m string, transfer solana.Transfer) {
	item := queue.ReviewItem{
		Signature:   signature,
		Memo:        m,
		Amount:      transfer.Amount,
		FromAddress: transfer.Source,
		ToAddress:   transfer.Destination,
		Timestamp:   time.Now().UTC(),
	}
	if err := p.queue.Publish(ctx, q, item); err != nil {
		p.logger.Error("publishing review item", "queue", q, "signature", signature, "error", err)
	}
}

// fail records a crediting failure on the operator queue. The dedup
// entry stays in "processing": operators resolve it, the processor
// never retries it on its own.
func (p *Processor) fail(ctx context.Context, signature string, cause error) {
	metrics.DepositsTotal.WithLabelValues("failed").Inc()
	item := queue.ReviewItem{
		Signature: signature,
		Reason:    cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := p.queue.Publish(ctx, queue.FailedCredit, item); err != nil {
		p.logger.Error("publishing failed deposit", "signature", signature, "error", err)
	}
}
