// Package settlement applies matching-engine results to the ledger.
// Complementary matches only produce a mint instruction for the
// on-chain worker; secondary trades move reserved USDC and outcome
// tokens between the two sides in one atomic transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/predictr/ledger-engine/internal/matching"
	"github.com/predictr/ledger-engine/internal/metrics"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/queue"
	"github.com/predictr/ledger-engine/internal/store"
)

// ErrBadTrade means the engine reported a trade this service cannot
// interpret. Such a trade is never partially applied.
var ErrBadTrade = errors.New("malformed trade from matching engine")

// Processor settles engine-reported matches.
type Processor struct {
	store  store.Store
	queue  queue.Publisher
	logger *slog.Logger
}

// NewProcessor wires a settlement processor.
func NewProcessor(st store.Store, pub queue.Publisher, logger *slog.Logger) *Processor {
	return &Processor{store: st, queue: pub, logger: logger}
}

// ApplyComplementaryMatch enqueues a mint job for the matched pair and
// marks the originating order MATCHED. No balances or positions move
// here: the buyers' reserved funds are consumed by the on-chain mint,
// which the minting worker reports separately.
func (p *Processor) ApplyComplementaryMatch(ctx context.Context, match matching.ComplementaryMatch, orderID string) error {
	job := queue.MintJob{
		TradeID:   match.TradeID,
		MarketID:  match.MarketID,
		YesUserID: match.YesBuyerID,
		NoUserID:  match.NoBuyerID,
		Pairs:     match.Quantity,
		YesPrice:  match.YesPrice,
		NoPrice:   match.NoPrice,
		Timestamp: parseTimestamp(match.Timestamp),
	}
	if err := p.queue.Publish(ctx, queue.MintQueue, job); err != nil {
		return fmt.Errorf("enqueueing mint for trade %s: %w", match.TradeID, err)
	}

	if err := p.store.SetOrderStatus(ctx, orderID, model.OrderMatched); err != nil {
		return fmt.Errorf("marking order %s matched: %w", orderID, err)
	}

	metrics.TradesSettled.WithLabelValues(model.TradePrimaryMint).Inc()
	p.logger.Info("complementary match queued for minting",
		"trade_id", match.TradeID,
		"market_id", match.MarketID,
		"pairs", match.Quantity)
	return nil
}

// ApplySecondaryTrade settles one engine fill: buyer's reserved USDC
// is consumed, the seller is credited, tokens move between positions,
// and the originating order (orderID, whichever side placed it)
// advances toward FILLED, all in one transaction keyed by the engine's
// trade id. A replay of the same trade id is absorbed as a no-op.
func (p *Processor) ApplySecondaryTrade(ctx context.Context, et matching.EngineTrade, marketID, orderID string) error {
	start := time.Now()

	outcome := strings.ToUpper(et.Outcome)
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return fmt.Errorf("%w: outcome %q", ErrBadTrade, et.Outcome)
	}
	if marketID == "" || et.TradeID == "" {
		return fmt.Errorf("%w: missing market or trade id", ErrBadTrade)
	}
	if !et.Quantity.IsPositive() || !et.Price.IsPositive() {
		return fmt.Errorf("%w: quantity %s price %s", ErrBadTrade, et.Quantity, et.Price)
	}

	trade := &model.Trade{
		ID:        et.TradeID,
		MarketID:  marketID,
		Outcome:   outcome,
		BuyerID:   et.BuyerID,
		SellerID:  et.SellerID,
		Quantity:  et.Quantity,
		Price:     et.Price,
		TradeType: model.TradeSecondary,
		CreatedAt: time.Now().UTC(),
	}

	err := p.store.ApplySecondaryTrade(ctx, trade, orderID)
	if errors.Is(err, store.ErrDuplicate) {
		p.logger.Warn("duplicate trade ignored", "trade_id", et.TradeID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settling trade %s: %w", et.TradeID, err)
	}

	metrics.TradesSettled.WithLabelValues(model.TradeSecondary).Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	p.logger.Info("secondary trade settled",
		"trade_id", et.TradeID,
		"market_id", marketID,
		"buyer_id", et.BuyerID,
		"seller_id", et.SellerID,
		"quantity", et.Quantity,
		"price", et.Price)
	return nil
}

func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	return time.Now().UTC()
}
