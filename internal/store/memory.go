package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/memo"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/position"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence). A
// single mutex serializes all mutations, which gives the same
// observable atomicity as the row-locked Postgres implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	balances    map[string]*model.Balance  // userID|asset
	changes     []model.LedgerChange
	deposits    map[string]*model.Deposit  // txHash
	orders      map[string]*model.Order    // orderID
	trades      map[string]*model.Trade    // tradeID
	withdrawals map[string]*model.Withdrawal
	positions   map[string]*model.Position // userID|marketID
	memos       map[string]string          // memo → userID
	userMemos   map[string]string          // userID → memo
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]*model.Balance),
		deposits:    make(map[string]*model.Deposit),
		orders:      make(map[string]*model.Order),
		trades:      make(map[string]*model.Trade),
		withdrawals: make(map[string]*model.Withdrawal),
		positions:   make(map[string]*model.Position),
		memos:       make(map[string]string),
		userMemos:   make(map[string]string),
	}
}

func balKey(userID, asset string) string    { return userID + "|" + asset }
func posKey(userID, marketID string) string { return userID + "|" + marketID }

func (s *MemoryStore) balance(userID, asset string) *model.Balance {
	key := balKey(userID, asset)
	b, ok := s.balances[key]
	if !ok {
		b = &model.Balance{
			UserID:    userID,
			Asset:     asset,
			Available: decimal.Zero,
			Reserved:  decimal.Zero,
			UpdatedAt: time.Now().UTC(),
		}
		s.balances[key] = b
	}
	return b
}

func (s *MemoryStore) appendChange(c model.LedgerChange) {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()
	s.changes = append(s.changes, c)
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID, asset string) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(userID, asset)
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) Reserve(_ context.Context, userID, asset string, amount decimal.Decimal, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveLocked(userID, asset, amount, ref, "")
}

func (s *MemoryStore) reserveLocked(userID, asset string, amount decimal.Decimal, ref Ref, marketID string) error {
	b := s.balance(userID, asset)
	if b.Available.LessThan(amount) {
		return &InsufficientFundsError{UserID: userID, Asset: asset, Required: amount, Available: b.Available}
	}

	before := b.Available
	b.Available = b.Available.Sub(amount)
	b.Reserved = b.Reserved.Add(amount)
	b.UpdatedAt = time.Now().UTC()

	s.appendChange(model.LedgerChange{
		UserID:        userID,
		Asset:         asset,
		ChangeType:    model.ChangeReserve,
		Amount:        amount.Neg(),
		BalanceBefore: before,
		BalanceAfter:  b.Available,
		ReferenceID:   ref.ID,
		ReferenceType: ref.Type,
		MarketID:      marketID,
	})
	return nil
}

func (s *MemoryStore) Release(_ context.Context, userID, asset string, amount decimal.Decimal, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(userID, asset, amount, ref)
}

func (s *MemoryStore) releaseLocked(userID, asset string, amount decimal.Decimal, ref Ref) error {
	b := s.balance(userID, asset)
	if b.Reserved.LessThan(amount) {
		return fmt.Errorf("%w: release %s %s for %s exceeds hold",
			ErrInvariantViolation, amount, asset, userID)
	}

	before := b.Available
	b.Reserved = b.Reserved.Sub(amount)
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = time.Now().UTC()

	s.appendChange(model.LedgerChange{
		UserID:        userID,
		Asset:         asset,
		ChangeType:    model.ChangeRelease,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  b.Available,
		ReferenceID:   ref.ID,
		ReferenceType: ref.Type,
	})
	return nil
}

// --- Deposits ---

func (s *MemoryStore) RecordDeposit(_ context.Context, dep *model.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deposits[dep.TxHash]; exists {
		return fmt.Errorf("%w: deposit %s already recorded", ErrDuplicate, dep.TxHash)
	}

	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	copy := *dep
	s.deposits[dep.TxHash] = &copy

	b := s.balance(dep.UserID, dep.Asset)
	before := b.Available
	b.Available = b.Available.Add(dep.Amount)
	b.UpdatedAt = time.Now().UTC()

	s.appendChange(model.LedgerChange{
		UserID:        dep.UserID,
		Asset:         dep.Asset,
		ChangeType:    model.ChangeDeposit,
		Amount:        dep.Amount,
		BalanceBefore: before,
		BalanceAfter:  b.Available,
		ReferenceID:   dep.TxHash,
		ReferenceType: "DEPOSIT",
		Memo:          dep.Memo,
	})
	return nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, userID string, limit, offset int) ([]model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var deposits []model.Deposit
	for _, d := range s.deposits {
		if d.UserID == userID {
			deposits = append(deposits, *d)
		}
	}
	sort.Slice(deposits, func(i, j int) bool {
		return deposits[i].ConfirmedAt.After(deposits[j].ConfirmedAt)
	})
	return page(deposits, limit, offset), nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, order *model.Order, reserve decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reserve.IsPositive() {
		ref := Ref{ID: order.ID, Type: "ORDER"}
		if err := s.reserveLocked(order.UserID, model.AssetUSDC, reserve, ref, order.MarketID); err != nil {
			return err
		}
	}

	copy := *order
	s.orders[order.ID] = &copy
	return nil
}

func (s *MemoryStore) FailOrder(_ context.Context, orderID, userID, asset string, release decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if release.IsPositive() {
		if err := s.releaseLocked(userID, asset, release, Ref{ID: orderID, Type: "ORDER"}); err != nil {
			return err
		}
	}
	if o, ok := s.orders[orderID]; ok {
		o.Status = model.OrderFailed
	}
	return nil
}

func (s *MemoryStore) SetOrderStatus(_ context.Context, orderID string, status model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	o.Status = status
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID, marketID string, limit, offset int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if marketID != "" && o.MarketID != marketID {
			continue
		}
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return page(orders, limit, offset), nil
}

// --- Settlement ---

func (s *MemoryStore) ApplySecondaryTrade(_ context.Context, trade *model.Trade, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trades[trade.ID]; exists {
		return fmt.Errorf("%w: trade %s already settled", ErrDuplicate, trade.ID)
	}

	amount := trade.Amount()

	// Validate everything before mutating anything: the memory "tx"
	// has no rollback, so checks come first.
	buyerBal := s.balance(trade.BuyerID, model.AssetUSDC)
	if buyerBal.Reserved.LessThan(amount) {
		return fmt.Errorf("%w: buyer %s hold does not cover trade %s (%s USDC)",
			ErrInvariantViolation, trade.BuyerID, trade.ID, amount)
	}

	sellerPos, ok := s.positions[posKey(trade.SellerID, trade.MarketID)]
	if !ok {
		return fmt.Errorf("%w: seller %s has no position in %s for trade %s",
			ErrInvariantViolation, trade.SellerID, trade.MarketID, trade.ID)
	}
	sellerCopy := *sellerPos
	if err := position.ApplySell(&sellerCopy, trade.Outcome, trade.Quantity); err != nil {
		return fmt.Errorf("%w: %v (trade %s)", ErrInvariantViolation, err, trade.ID)
	}

	buyerPos, ok := s.positions[posKey(trade.BuyerID, trade.MarketID)]
	if !ok {
		buyerPos = &model.Position{UserID: trade.BuyerID, MarketID: trade.MarketID}
		s.positions[posKey(trade.BuyerID, trade.MarketID)] = buyerPos
	}
	if err := position.ApplyBuy(buyerPos, trade.Outcome, trade.Quantity, trade.Price); err != nil {
		return err
	}
	buyerPos.UpdatedAt = time.Now().UTC()

	sellerCopy.UpdatedAt = time.Now().UTC()
	*sellerPos = sellerCopy

	// Buyer hold consumed.
	reservedBefore := buyerBal.Reserved
	buyerBal.Reserved = buyerBal.Reserved.Sub(amount)
	buyerBal.UpdatedAt = time.Now().UTC()
	s.appendChange(model.LedgerChange{
		UserID:        trade.BuyerID,
		Asset:         model.AssetUSDC,
		ChangeType:    model.ChangeTradeDebit,
		Amount:        amount.Neg(),
		BalanceBefore: reservedBefore,
		BalanceAfter:  buyerBal.Reserved,
		ReferenceID:   trade.ID,
		ReferenceType: "TRADE",
		MarketID:      trade.MarketID,
		Counterparty:  trade.SellerID,
	})

	// Seller paid.
	sellerBal := s.balance(trade.SellerID, model.AssetUSDC)
	availBefore := sellerBal.Available
	sellerBal.Available = sellerBal.Available.Add(amount)
	sellerBal.UpdatedAt = time.Now().UTC()
	s.appendChange(model.LedgerChange{
		UserID:        trade.SellerID,
		Asset:         model.AssetUSDC,
		ChangeType:    model.ChangeTradeCredit,
		Amount:        amount,
		BalanceBefore: availBefore,
		BalanceAfter:  sellerBal.Available,
		ReferenceID:   trade.ID,
		ReferenceType: "TRADE",
		MarketID:      trade.MarketID,
		Counterparty:  trade.BuyerID,
	})

	tcopy := *trade
	tcopy.CreatedAt = time.Now().UTC()
	s.trades[trade.ID] = &tcopy

	if orderID != "" {
		if o, ok := s.orders[orderID]; ok {
			o.Status = model.OrderFilled
			o.FilledQuantity = o.FilledQuantity.Add(trade.Quantity)
		}
	}
	return nil
}

// --- Withdrawals ---

func (s *MemoryStore) CreateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reserveLocked(w.UserID, w.Asset, w.Amount, Ref{ID: w.ID, Type: "WITHDRAWAL"}, ""); err != nil {
		return err
	}

	copy := *w
	s.withdrawals[w.ID] = &copy
	return nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, userID string, limit, offset int) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var withdrawals []model.Withdrawal
	for _, w := range s.withdrawals {
		if w.UserID == userID {
			withdrawals = append(withdrawals, *w)
		}
	}
	sort.Slice(withdrawals, func(i, j int) bool {
		return withdrawals[i].RequestedAt.After(withdrawals[j].RequestedAt)
	})
	return page(withdrawals, limit, offset), nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, marketID)]
	if !ok {
		return &model.Position{UserID: userID, MarketID: marketID}, nil
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].MarketID < positions[j].MarketID
	})
	return positions, nil
}

// --- Audit log ---

func (s *MemoryStore) ListLedgerChanges(_ context.Context, userID string, f ChangeFilter) ([]model.LedgerChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var changes []model.LedgerChange
	for i := len(s.changes) - 1; i >= 0; i-- {
		c := s.changes[i]
		if c.UserID != userID {
			continue
		}
		if f.Asset != "" && c.Asset != f.Asset {
			continue
		}
		if f.ChangeType != "" && c.ChangeType != f.ChangeType {
			continue
		}
		changes = append(changes, c)
	}
	return page(changes, limit, f.Offset), nil
}

// AllChanges returns every audit row, oldest first. Test helper for
// conservation checks.
func (s *MemoryStore) AllChanges() []model.LedgerChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.LedgerChange, len(s.changes))
	copy(out, s.changes)
	return out
}

// --- Deposit memos ---

func (s *MemoryStore) ResolveMemo(_ context.Context, m string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.memos[m]
	if !ok {
		return "", fmt.Errorf("%w: memo %s", ErrNotFound, m)
	}
	return userID, nil
}

func (s *MemoryStore) GetOrCreateDepositMemo(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.userMemos[userID]; ok {
		return m, nil
	}
	m := memo.Generate()
	for {
		if _, taken := s.memos[m]; !taken {
			break
		}
		m = memo.Generate()
	}
	s.memos[m] = userID
	s.userMemos[userID] = m
	return m, nil
}

// SetDepositMemo registers a fixed memo for a user. Test helper.
func (s *MemoryStore) SetDepositMemo(userID, m string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memos[m] = userID
	s.userMemos[userID] = m
}

// SetPosition seeds a position directly. Test helper.
func (s *MemoryStore) SetPosition(p *model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *p
	s.positions[posKey(p.UserID, p.MarketID)] = &copy
}

// Credit adds to available directly, bypassing the deposit path. Test
// helper for seeding balances.
func (s *MemoryStore) Credit(userID, asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(userID, asset)
	before := b.Available
	b.Available = b.Available.Add(amount)
	s.appendChange(model.LedgerChange{
		UserID:        userID,
		Asset:         asset,
		ChangeType:    model.ChangeDeposit,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  b.Available,
		ReferenceID:   "seed",
		ReferenceType: "DEPOSIT",
	})
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
