// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetUSDC is the only collateral asset the platform currently accepts.
const AssetUSDC = "USDC"

// Balance is the per-(user, asset) available/reserved pair. Rows are
// created lazily on first query or credit and never deleted.
// Invariant: available >= 0 and reserved >= 0 at all times.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Available decimal.Decimal `json:"available" db:"available"`
	Reserved  decimal.Decimal `json:"reserved" db:"reserved"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Total returns available + reserved.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// ChangeType classifies a ledger mutation in the audit log.
type ChangeType string

const (
	ChangeDeposit     ChangeType = "DEPOSIT"
	ChangeReserve     ChangeType = "RESERVE"
	ChangeRelease     ChangeType = "RELEASE"
	ChangeTradeDebit  ChangeType = "TRADE_DEBIT"
	ChangeTradeCredit ChangeType = "TRADE_CREDIT"

	// ChangeWithdrawal is written by the payout worker when it consumes
	// the hold after the on-chain transfer confirms. This service only
	// RESERVEs for withdrawals; it reads WITHDRAWAL rows in the history
	// endpoint but never writes them.
	ChangeWithdrawal ChangeType = "WITHDRAWAL"
)

// LedgerChange is an immutable audit record of one balance mutation.
// BalanceBefore/BalanceAfter snapshot the field the mutation touched
// (available for DEPOSIT/RESERVE/RELEASE/TRADE_CREDIT, reserved for
// TRADE_DEBIT/WITHDRAWAL), so balanceAfter - balanceBefore == amount
// holds for every row.
type LedgerChange struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Asset         string          `json:"asset" db:"asset"`
	ChangeType    ChangeType      `json:"change_type" db:"change_type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	ReferenceID   string          `json:"reference_id" db:"reference_id"`
	ReferenceType string          `json:"reference_type" db:"reference_type"`
	Memo          string          `json:"memo,omitempty" db:"memo"`
	MarketID      string          `json:"market_id,omitempty" db:"market_id"`
	Counterparty  string          `json:"counterparty,omitempty" db:"counterparty"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Deposit is one confirmed on-chain USDC transfer to the custody wallet.
// Only resolvable deposits become rows; unresolved transfers go to the
// manual-review queues instead. TxHash is globally unique and doubles as
// the idempotency key for crediting.
type Deposit struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Asset       string          `json:"asset" db:"asset"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	TxHash      string          `json:"tx_hash" db:"tx_hash"`
	Memo        string          `json:"memo" db:"memo"`
	FromAddress string          `json:"from_address" db:"from_address"`
	ToAddress   string          `json:"to_address" db:"to_address"`
	Status      string          `json:"status" db:"status"` // always "CONFIRMED"
	BlockTime   time.Time       `json:"block_time" db:"block_time"`
	ConfirmedAt time.Time       `json:"confirmed_at" db:"confirmed_at"`
}

// WithdrawalStatus is the state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "PENDING"
	WithdrawalProcessing WithdrawalStatus = "PROCESSING"
	WithdrawalConfirmed  WithdrawalStatus = "CONFIRMED"
	WithdrawalFailed     WithdrawalStatus = "FAILED"
)

// Withdrawal is a user request to move funds off-platform. It is created
// with the available→reserved transfer already applied; the external
// payout worker drives it through PROCESSING to CONFIRMED or FAILED.
type Withdrawal struct {
	ID                 string           `json:"id" db:"id"`
	UserID             string           `json:"user_id" db:"user_id"`
	Asset              string           `json:"asset" db:"asset"`
	Amount             decimal.Decimal  `json:"amount" db:"amount"`
	DestinationAddress string           `json:"destination_address" db:"destination_address"`
	Status             WithdrawalStatus `json:"status" db:"status"`
	RequestedAt        time.Time        `json:"requested_at" db:"requested_at"`
	ProcessedAt        *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
	FailureReason      string           `json:"failure_reason,omitempty" db:"failure_reason"`
}

// Order sides and outcomes.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// OrderStatus is the order state machine: PENDING → {OPEN, MATCHED,
// FILLED, FAILED}. FAILED is terminal; a failed order is never retried,
// the user must resubmit.
type OrderStatus string

const (
	OrderPending OrderStatus = "PENDING"
	OrderOpen    OrderStatus = "OPEN"
	OrderMatched OrderStatus = "MATCHED"
	OrderFilled  OrderStatus = "FILLED"
	OrderFailed  OrderStatus = "FAILED"
)

// Order is a user's request to trade outcome tokens. Quantity is
// computed once at creation as amount/price and immutable thereafter.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	Side           string          `json:"side" db:"side"`       // BUY or SELL
	Outcome        string          `json:"outcome" db:"outcome"` // YES or NO
	Amount         decimal.Decimal `json:"amount" db:"amount"`   // USDC committed
	Price          decimal.Decimal `json:"price" db:"price"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	Status         OrderStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Trade types reported by the matching engine.
const (
	TradeSecondary   = "SECONDARY"
	TradePrimaryMint = "PRIMARY_MINT"
)

// Trade is one matching-engine-reported fill. ID is issued by the engine
// and is the idempotency key for settlement: inserting a duplicate ID is
// detected and the whole settlement becomes a no-op.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   string          `json:"outcome" db:"outcome"`
	BuyerID   string          `json:"buyer_id" db:"buyer_id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	TradeType string          `json:"trade_type" db:"trade_type"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Amount returns the USDC value of the fill (quantity * price).
func (t Trade) Amount() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// Position is a user's outcome-token holdings in one market, with
// volume-weighted average entry prices. Token counts never go negative;
// a decrement past zero is a fatal consistency fault, not an error the
// caller can recover from.
type Position struct {
	UserID      string           `json:"user_id" db:"user_id"`
	MarketID    string           `json:"market_id" db:"market_id"`
	YesTokens   decimal.Decimal  `json:"yes_tokens" db:"yes_tokens"`
	NoTokens    decimal.Decimal  `json:"no_tokens" db:"no_tokens"`
	AvgYesPrice *decimal.Decimal `json:"avg_yes_price,omitempty" db:"avg_yes_price"`
	AvgNoPrice  *decimal.Decimal `json:"avg_no_price,omitempty" db:"avg_no_price"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}
