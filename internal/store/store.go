// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// balance cache), and in-memory (for testing).
//
// Every mutating method is a single atomic unit: either all of its row
// changes and its audit rows apply, or none do. Concurrent writers to the
// same (user, asset) or (user, market) key serialize inside the storage
// layer; no method reads a balance and writes it back in two steps
// visible to other callers.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/model"
)

// Ref identifies the event behind a ledger mutation in the audit log.
type Ref struct {
	ID   string // transaction signature, order id, trade id, withdrawal id
	Type string // "DEPOSIT", "ORDER", "TRADE", "WITHDRAWAL"
}

// ChangeFilter narrows audit-log queries.
type ChangeFilter struct {
	Asset      string
	ChangeType model.ChangeType
	Limit      int
	Offset     int
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// --- Balances ---

	// GetBalance returns the (user, asset) balance pair, creating a
	// zero row if absent.
	GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error)

	// Reserve atomically moves amount from available to reserved.
	// Fails with ErrInsufficientFunds if available < amount.
	Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal, ref Ref) error

	// Release reverses a reservation that was never consumed.
	Release(ctx context.Context, userID, asset string, amount decimal.Decimal, ref Ref) error

	// --- Deposits ---

	// RecordDeposit inserts the deposit row, credits available, and
	// appends the DEPOSIT audit row, all in one transaction. A deposit
	// whose TxHash was already recorded returns ErrDuplicate with no
	// state change.
	RecordDeposit(ctx context.Context, dep *model.Deposit) error

	ListDeposits(ctx context.Context, userID string, limit, offset int) ([]model.Deposit, error)

	// --- Orders ---

	// CreateOrder inserts an order and, when reserve is positive,
	// moves that much of the user's available balance to reserved in
	// the same transaction (BUY orders reserve their USDC cost).
	CreateOrder(ctx context.Context, order *model.Order, reserve decimal.Decimal) error

	// FailOrder marks the order FAILED and, when release is positive,
	// returns the hold to available — the single rollback path, run in
	// a transaction symmetric to the original reserve.
	FailOrder(ctx context.Context, orderID, userID, asset string, release decimal.Decimal) error

	// SetOrderStatus transitions an order to OPEN or MATCHED.
	SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error

	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID, marketID string, limit, offset int) ([]model.Order, error)

	// --- Settlement ---

	// ApplySecondaryTrade settles one engine-reported fill in a single
	// transaction keyed by trade.ID: consume the buyer's hold, credit
	// the seller, move tokens between positions with weighted-average
	// recomputation, insert the Trade row, and mark the originating
	// order FILLED with its filled quantity incremented. orderID is the
	// order whose placement triggered the fill, which on a SELL
	// placement is the seller's. A replayed trade id
	// returns ErrDuplicate with no state change; a seller without the
	// tokens returns ErrInvariantViolation and aborts everything.
	ApplySecondaryTrade(ctx context.Context, trade *model.Trade, orderID string) error

	// --- Withdrawals ---

	// CreateWithdrawal reserves the amount and inserts the PENDING
	// withdrawal row in one transaction.
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error

	ListWithdrawals(ctx context.Context, userID string, limit, offset int) ([]model.Withdrawal, error)

	// --- Positions (read path; mutation only via ApplySecondaryTrade) ---

	// GetPosition returns the user's holdings in a market, or a zero
	// position if none exist yet.
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)

	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// --- Audit log ---

	ListLedgerChanges(ctx context.Context, userID string, f ChangeFilter) ([]model.LedgerChange, error)

	// --- Deposit memos ---

	// ResolveMemo maps a normalized deposit memo to its user, or
	// ErrNotFound if no user claims it.
	ResolveMemo(ctx context.Context, memo string) (string, error)

	// GetOrCreateDepositMemo returns the user's deposit memo,
	// assigning a fresh one on first use.
	GetOrCreateDepositMemo(ctx context.Context, userID string) (string, error)
}
