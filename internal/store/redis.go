package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balances. Reads check Redis first then fall back to the
// primary; every balance mutation invalidates the affected keys (DEL,
// never an in-place update) so the durable ledger stays the only source
// of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func balanceKey(userID, asset string) string {
	return fmt.Sprintf("balance:%s:%s", userID, asset)
}

// --- Read-through ---

func (s *CachedStore) GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(userID, asset)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, userID, asset)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(userID, asset), data, s.ttl)
	}
	return b, nil
}

// --- Write-through (mutate primary, invalidate cache) ---

func (s *CachedStore) invalidate(ctx context.Context, userIDs ...string) {
	for _, id := range userIDs {
		s.rdb.Del(ctx, balanceKey(id, model.AssetUSDC))
	}
}

func (s *CachedStore) Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal, ref Ref) error {
	if err := s.primary.Reserve(ctx, userID, asset, amount, ref); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(userID, asset))
	return nil
}

func (s *CachedStore) Release(ctx context.Context, userID, asset string, amount decimal.Decimal, ref Ref) error {
	if err := s.primary.Release(ctx, userID, asset, amount, ref); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(userID, asset))
	return nil
}

func (s *CachedStore) RecordDeposit(ctx context.Context, dep *model.Deposit) error {
	if err := s.primary.RecordDeposit(ctx, dep); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(dep.UserID, dep.Asset))
	return nil
}

func (s *CachedStore) CreateOrder(ctx context.Context, order *model.Order, reserve decimal.Decimal) error {
	if err := s.primary.CreateOrder(ctx, order, reserve); err != nil {
		return err
	}
	s.invalidate(ctx, order.UserID)
	return nil
}

func (s *CachedStore) FailOrder(ctx context.Context, orderID, userID, asset string, release decimal.Decimal) error {
	if err := s.primary.FailOrder(ctx, orderID, userID, asset, release); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(userID, asset))
	return nil
}

func (s *CachedStore) ApplySecondaryTrade(ctx context.Context, trade *model.Trade, orderID string) error {
	if err := s.primary.ApplySecondaryTrade(ctx, trade, orderID); err != nil {
		return err
	}
	s.invalidate(ctx, trade.BuyerID, trade.SellerID)
	return nil
}

func (s *CachedStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	if err := s.primary.CreateWithdrawal(ctx, w); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(w.UserID, w.Asset))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListDeposits(ctx context.Context, userID string, limit, offset int) ([]model.Deposit, error) {
	return s.primary.ListDeposits(ctx, userID, limit, offset)
}

func (s *CachedStore) SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	return s.primary.SetOrderStatus(ctx, orderID, status)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID, marketID string, limit, offset int) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID, marketID, limit, offset)
}

func (s *CachedStore) ListWithdrawals(ctx context.Context, userID string, limit, offset int) ([]model.Withdrawal, error) {
	return s.primary.ListWithdrawals(ctx, userID, limit, offset)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, userID)
}

func (s *CachedStore) ListLedgerChanges(ctx context.Context, userID string, f ChangeFilter) ([]model.LedgerChange, error) {
	return s.primary.ListLedgerChanges(ctx, userID, f)
}

func (s *CachedStore) ResolveMemo(ctx context.Context, m string) (string, error) {
	return s.primary.ResolveMemo(ctx, m)
}

func (s *CachedStore) GetOrCreateDepositMemo(ctx context.Context, userID string) (string, error) {
	return s.primary.GetOrCreateDepositMemo(ctx, userID)
}
