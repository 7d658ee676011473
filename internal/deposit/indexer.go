package deposit

import (
	"context"
	"log/slog"
	"time"

	"github.com/predictr/ledger-engine/internal/solana"
)

// DefaultBackfillInterval is how often the indexer rescans recent
// signatures to cover gaps in the WebSocket stream.
const DefaultBackfillInterval = 2 * time.Minute

const backfillLimit = 100

// Indexer drives the Processor from two signature sources: the live
// WebSocket subscription and a periodic backfill scan of the custody
// wallet. Both feed the same dedup gate, so overlap is harmless.
type Indexer struct {
	processor *Processor
	rpc       solana.RPCClient
	wallet    string // custody wallet address, scanned for signatures
	interval  time.Duration
	logger    *slog.Logger
}

// NewIndexer wires an Indexer. interval <= 0 selects the default
// backfill interval.
func NewIndexer(processor *Processor, rpc solana.RPCClient, wallet string, interval time.Duration, logger *slog.Logger) *Indexer {
	if interval <= 0 {
		interval = DefaultBackfillInterval
	}
	return &Indexer{
		processor: processor,
		rpc:       rpc,
		wallet:    wallet,
		interval:  interval,
		logger:    logger,
	}
}

// Run consumes signatures until ctx is cancelled or sigs is closed.
func (ix *Indexer) Run(ctx context.Context, sigs <-chan solana.SignatureInfo) {
	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	ix.logger.Info("deposit indexer running", "wallet", ix.wallet, "backfill_interval", ix.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case info, ok := <-sigs:
			if !ok {
				return
			}
			if info.Failed {
				continue
			}
			if err := ix.processor.Handle(ctx, info.Signature); err != nil {
				ix.logger.Error("processing deposit signature", "signature", info.Signature, "error", err)
			}
		case <-ticker.C:
			ix.backfill(ctx)
		}
	}
}

// backfill scans recent custody-wallet signatures so deposits missed
// during a WebSocket outage still land.
func (ix *Indexer) backfill(ctx context.Context) {
	sigs, err := ix.rpc.GetSignaturesForAddress(ctx, ix.wallet, &solana.SignaturesOpts{Limit: backfillLimit})
	if err != nil {
		ix.logger.Error("backfill scan failed", "error", err)
		return
	}

	// Newest first from the RPC node; process oldest first.
	for i := len(sigs) - 1; i >= 0; i-- {
		if sigs[i].Failed {
			continue
		}
		if err := ix.processor.Handle(ctx, sigs[i].Signature); err != nil {
			ix.logger.Error("backfill processing failed", "signature", sigs[i].Signature, "error", err)
		}
	}
}
