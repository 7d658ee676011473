package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/memo"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/position"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Balance mutations are single conditional UPDATEs, so concurrent writers
// to the same (user, asset) row serialize on row-level locks and a
// balance can never be observed mid-mutation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error) {
	if err := ensureLedger(ctx, s.pool, userID, asset); err != nil {
		return nil, err
	}
	return getBalance(ctx, s.pool, userID, asset)
}

func ensureLedger(ctx context.Context, q queryer, userID, asset string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO ledgers (user_id, asset, available, reserved, updated_at)
		 VALUES ($1, $2, 0, 0, $3)
		 ON CONFLICT (user_id, asset) DO NOTHING`,
		userID, asset, time.Now().UTC())
	return err
}

func getBalance(ctx context.Context, q queryer, userID, asset string) (*model.Balance, error) {
	var b model.Balance
	var avail, reserved string

	err := q.QueryRow(ctx,
		`SELECT user_id, asset, available::TEXT, reserved::TEXT, updated_at
		 FROM ledgers WHERE user_id = $1 AND asset = $2`,
		userID, asset).
		Scan(&b.UserID, &b.Asset, &avail, &reserved, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", userID, asset, err)
	}

	b.Available, _ = decimal.NewFromString(avail)
	b.Reserved, _ = decimal.NewFromString(reserved)
	return &b, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal, ref Ref) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := reserveTx(ctx, tx, userID, asset, amount, ref, ""); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// reserveTx moves amount from available to reserved inside tx. The
// conditional WHERE closes the double-spend race: the update only lands
// if available still covers the amount at commit time.
func reserveTx(ctx context.Context, tx pgx.Tx, userID, asset string, amount decimal.Decimal, ref Ref, marketID string) error {
	if err := ensureLedger(ctx, tx, userID, asset); err != nil {
		return err
	}

	var availAfter string
	err := tx.QueryRow(ctx,
		`UPDATE ledgers
		 SET available = available - $3::NUMERIC,
		     reserved  = reserved  + $3::NUMERIC,
		     updated_at = $4
		 WHERE user_id = $1 AND asset = $2 AND available >= $3::NUMERIC
		 RETURNING available::TEXT`,
		userID, asset, amount.String(), time.Now().UTC()).
		Scan(&availAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		b, berr := getBalance(ctx, tx, userID, asset)
		if berr != nil {
			return berr
		}
		return &InsufficientFundsError{UserID: userID, Asset: asset, Required: amount, Available: b.Available}
	}
	if err != nil {
		return fmt.Errorf("reserve %s/%s: %w", userID, asset, err)
	}

	after, _ := decimal.NewFromString(availAfter)
	return insertChange(ctx, tx, &model.LedgerChange{
		UserID:        userID,
		Asset:         asset,
		ChangeType:    model.ChangeReserve,
		Amount:        amount.Neg(),
		BalanceBefore: after.Add(amount),
		BalanceAfter:  after,
		ReferenceID:   ref.ID,
		ReferenceType: ref.Type,
		MarketID:      marketID,
	})
}

func (s *PostgresStore) Release(ctx context.Context, userID, asset string, amount decimal.Decimal, ref Ref) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := releaseTx(ctx, tx, userID, asset, amount, ref); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func releaseTx(ctx context.Context, tx pgx.Tx, userID, asset string, amount decimal.Decimal, ref Ref) error {
	var availAfter string
	err := tx.QueryRow(ctx,
		`UPDATE ledgers
		 SET available = available + $3::NUMERIC,
		     reserved  = reserved  - $3::NUMERIC,
		     updated_at = $4
		 WHERE user_id = $1 AND asset = $2 AND reserved >= $3::NUMERIC
		 RETURNING available::TEXT`,
		userID, asset, amount.String(), time.Now().UTC()).
		Scan(&availAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: release %s %s for %s exceeds hold",
			ErrInvariantViolation, amount, asset, userID)
	}
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", userID, asset, err)
	}

	after, _ := decimal.NewFromString(availAfter)
	return insertChange(ctx, tx, &model.LedgerChange{
		UserID:        userID,
		Asset:         asset,
		ChangeType:    model.ChangeRelease,
		Amount:        amount,
		BalanceBefore: after.Sub(amount),
		BalanceAfter:  after,
		ReferenceID:   ref.ID,
		ReferenceType: ref.Type,
	})
}

func insertChange(ctx context.Context, q queryer, c *model.LedgerChange) error {
	_, err := q.Exec(ctx,
		`INSERT INTO ledger_changes
		   (id, user_id, asset, change_type, amount, balance_before, balance_after,
		    reference_id, reference_type, memo, market_id, counterparty, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13)`,
		uuid.New().String(), c.UserID, c.Asset, c.ChangeType,
		c.Amount.String(), c.BalanceBefore.String(), c.BalanceAfter.String(),
		c.ReferenceID, c.ReferenceType, c.Memo, c.MarketID, c.Counterparty,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert ledger change: %w", err)
	}
	return nil
}

// creditTx increments available inside tx, creating the ledger row if
// needed, and appends the audit row for the given change type.
func creditTx(ctx context.Context, tx pgx.Tx, userID, asset string, amount decimal.Decimal, change *model.LedgerChange) error {
	if err := ensureLedger(ctx, tx, userID, asset); err != nil {
		return err
	}

	var availAfter string
	err := tx.QueryRow(ctx,
		`UPDATE ledgers
		 SET available = available + $3::NUMERIC, updated_at = $4
		 WHERE user_id = $1 AND asset = $2
		 RETURNING available::TEXT`,
		userID, asset, amount.String(), time.Now().UTC()).
		Scan(&availAfter)
	if err != nil {
		return fmt.Errorf("credit %s/%s: %w", userID, asset, err)
	}

	after, _ := decimal.NewFromString(availAfter)
	change.UserID = userID
	change.Asset = asset
	change.Amount = amount
	change.BalanceBefore = after.Sub(amount)
	change.BalanceAfter = after
	return insertChange(ctx, tx, change)
}

// --- Deposits ---

func (s *PostgresStore) RecordDeposit(ctx context.Context, dep *model.Deposit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO deposits
		   (id, user_id, asset, amount, tx_hash, memo, from_address, to_address,
		    status, block_time, confirmed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tx_hash) DO NOTHING`,
		dep.ID, dep.UserID, dep.Asset, dep.Amount.String(), dep.TxHash,
		dep.Memo, dep.FromAddress, dep.ToAddress, dep.Status,
		dep.BlockTime, dep.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("insert deposit %s: %w", dep.TxHash, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: deposit %s already recorded", ErrDuplicate, dep.TxHash)
	}

	err = creditTx(ctx, tx, dep.UserID, dep.Asset, dep.Amount, &model.LedgerChange{
		ChangeType:    model.ChangeDeposit,
		ReferenceID:   dep.TxHash,
		ReferenceType: "DEPOSIT",
		Memo:          dep.Memo,
	})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListDeposits(ctx context.Context, userID string, limit, offset int) ([]model.Deposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, amount::TEXT, tx_hash, memo, from_address,
		        to_address, status, block_time, confirmed_at
		 FROM deposits WHERE user_id = $1
		 ORDER BY confirmed_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		var d model.Deposit
		var amount string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Asset, &amount, &d.TxHash,
			&d.Memo, &d.FromAddress, &d.ToAddress, &d.Status,
			&d.BlockTime, &d.ConfirmedAt); err != nil {
			return nil, err
		}
		d.Amount, _ = decimal.NewFromString(amount)
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

// --- Orders ---

const selectOrder = `SELECT id, user_id, market_id, side, outcome,
	amount::TEXT, price::TEXT, quantity::TEXT, filled_quantity::TEXT,
	status, created_at FROM orders`

func (s *PostgresStore) CreateOrder(ctx context.Context, order *model.Order, reserve decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if reserve.IsPositive() {
		ref := Ref{ID: order.ID, Type: "ORDER"}
		if err := reserveTx(ctx, tx, order.UserID, model.AssetUSDC, reserve, ref, order.MarketID); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO orders
		   (id, user_id, market_id, side, outcome, amount, price, quantity,
		    filled_quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, 0, $9, $10)`,
		order.ID, order.UserID, order.MarketID, order.Side, order.Outcome,
		order.Amount.String(), order.Price.String(), order.Quantity.String(),
		order.Status, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) FailOrder(ctx context.Context, orderID, userID, asset string, release decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if release.IsPositive() {
		if err := releaseTx(ctx, tx, userID, asset, release, Ref{ID: orderID, Type: "ORDER"}); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`, orderID, model.OrderFailed)
	if err != nil {
		return fmt.Errorf("fail order %s: %w", orderID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`, orderID, status)
	if err != nil {
		return fmt.Errorf("set order %s status: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, orderID))
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var amount, price, qty, filled string
	err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Side, &o.Outcome,
		&amount, &price, &qty, &filled, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Amount, _ = decimal.NewFromString(amount)
	o.Price, _ = decimal.NewFromString(price)
	o.Quantity, _ = decimal.NewFromString(qty)
	o.FilledQuantity, _ = decimal.NewFromString(filled)
	return &o, nil
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID, marketID string, limit, offset int) ([]model.Order, error) {
	query := selectOrder + ` WHERE user_id = $1`
	args := []any{userID}
	if marketID != "" {
		args = append(args, marketID)
		query += fmt.Sprintf(` AND market_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// --- Settlement ---

func (s *PostgresStore) ApplySecondaryTrade(ctx context.Context, trade *model.Trade, orderID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Insert-or-detect-duplicate on the trade id is the idempotency gate
	// for the whole settlement.
	tag, err := tx.Exec(ctx,
		`INSERT INTO trades
		   (id, market_id, outcome, buyer_id, seller_id, quantity, price, trade_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		trade.ID, trade.MarketID, trade.Outcome, trade.BuyerID, trade.SellerID,
		trade.Quantity.String(), trade.Price.String(), trade.TradeType,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: trade %s already settled", ErrDuplicate, trade.ID)
	}

	amount := trade.Amount()
	now := time.Now().UTC()

	// Consume the buyer's hold: reserved shrinks, available untouched.
	var reservedAfter string
	err = tx.QueryRow(ctx,
		`UPDATE ledgers
		 SET reserved = reserved - $3::NUMERIC, updated_at = $4
		 WHERE user_id = $1 AND asset = $2 AND reserved >= $3::NUMERIC
		 RETURNING reserved::TEXT`,
		trade.BuyerID, model.AssetUSDC, amount.String(), now).
		Scan(&reservedAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: buyer %s hold does not cover trade %s (%s USDC)",
			ErrInvariantViolation, trade.BuyerID, trade.ID, amount)
	}
	if err != nil {
		return fmt.Errorf("settle buyer hold: %w", err)
	}

	resAfter, _ := decimal.NewFromString(reservedAfter)
	err = insertChange(ctx, tx, &model.LedgerChange{
		UserID:        trade.BuyerID,
		Asset:         model.AssetUSDC,
		ChangeType:    model.ChangeTradeDebit,
		Amount:        amount.Neg(),
		BalanceBefore: resAfter.Add(amount),
		BalanceAfter:  resAfter,
		ReferenceID:   trade.ID,
		ReferenceType: "TRADE",
		MarketID:      trade.MarketID,
		Counterparty:  trade.SellerID,
	})
	if err != nil {
		return err
	}

	// Pay the seller.
	err = creditTx(ctx, tx, trade.SellerID, model.AssetUSDC, amount, &model.LedgerChange{
		ChangeType:    model.ChangeTradeCredit,
		ReferenceID:   trade.ID,
		ReferenceType: "TRADE",
		MarketID:      trade.MarketID,
		Counterparty:  trade.BuyerID,
	})
	if err != nil {
		return err
	}

	// Move the tokens.
	buyerPos, err := lockPosition(ctx, tx, trade.BuyerID, trade.MarketID, true)
	if err != nil {
		return err
	}
	if err := position.ApplyBuy(buyerPos, trade.Outcome, trade.Quantity, trade.Price); err != nil {
		return err
	}
	if err := updatePosition(ctx, tx, buyerPos); err != nil {
		return err
	}

	sellerPos, err := lockPosition(ctx, tx, trade.SellerID, trade.MarketID, false)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: seller %s has no position in %s for trade %s",
			ErrInvariantViolation, trade.SellerID, trade.MarketID, trade.ID)
	}
	if err != nil {
		return err
	}
	if err := position.ApplySell(sellerPos, trade.Outcome, trade.Quantity); err != nil {
		return fmt.Errorf("%w: %v (trade %s)", ErrInvariantViolation, err, trade.ID)
	}
	if err := updatePosition(ctx, tx, sellerPos); err != nil {
		return err
	}

	// The originating order fills; repeated fills accumulate.
	if orderID != "" {
		_, err = tx.Exec(ctx,
			`UPDATE orders
			 SET status = $2, filled_quantity = filled_quantity + $3::NUMERIC
			 WHERE id = $1`,
			orderID, model.OrderFilled, trade.Quantity.String())
		if err != nil {
			return fmt.Errorf("fill order %s: %w", orderID, err)
		}
	}

	return tx.Commit(ctx)
}

// lockPosition reads a (user, market) position row FOR UPDATE. When
// create is true a zero row is inserted first; otherwise a missing row
// is ErrNotFound.
func lockPosition(ctx context.Context, tx pgx.Tx, userID, marketID string, create bool) (*model.Position, error) {
	if create {
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (user_id, market_id, yes_tokens, no_tokens, updated_at)
			 VALUES ($1, $2, 0, 0, $3)
			 ON CONFLICT (user_id, market_id) DO NOTHING`,
			userID, marketID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
	}

	var p model.Position
	var yes, no string
	var avgYes, avgNo *string

	err := tx.QueryRow(ctx,
		`SELECT user_id, market_id, yes_tokens::TEXT, no_tokens::TEXT,
		        avg_yes_price::TEXT, avg_no_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2
		 FOR UPDATE`,
		userID, marketID).
		Scan(&p.UserID, &p.MarketID, &yes, &no, &avgYes, &avgNo, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock position %s/%s: %w", userID, marketID, err)
	}

	p.YesTokens, _ = decimal.NewFromString(yes)
	p.NoTokens, _ = decimal.NewFromString(no)
	if avgYes != nil {
		v, _ := decimal.NewFromString(*avgYes)
		p.AvgYesPrice = &v
	}
	if avgNo != nil {
		v, _ := decimal.NewFromString(*avgNo)
		p.AvgNoPrice = &v
	}
	return &p, nil
}

func updatePosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	var avgYes, avgNo *string
	if p.AvgYesPrice != nil {
		s := p.AvgYesPrice.String()
		avgYes = &s
	}
	if p.AvgNoPrice != nil {
		s := p.AvgNoPrice.String()
		avgNo = &s
	}

	_, err := tx.Exec(ctx,
		`UPDATE positions
		 SET yes_tokens = $3::NUMERIC, no_tokens = $4::NUMERIC,
		     avg_yes_price = $5::NUMERIC, avg_no_price = $6::NUMERIC,
		     updated_at = $7
		 WHERE user_id = $1 AND market_id = $2`,
		p.UserID, p.MarketID, p.YesTokens.String(), p.NoTokens.String(),
		avgYes, avgNo, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update position %s/%s: %w", p.UserID, p.MarketID, err)
	}
	return nil
}

// --- Withdrawals ---

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := reserveTx(ctx, tx, w.UserID, w.Asset, w.Amount, Ref{ID: w.ID, Type: "WITHDRAWAL"}, ""); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO withdrawals
		   (id, user_id, asset, amount, destination_address, status, requested_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		w.ID, w.UserID, w.Asset, w.Amount.String(), w.DestinationAddress,
		w.Status, w.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal %s: %w", w.ID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, userID string, limit, offset int) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, amount::TEXT, destination_address, status,
		        requested_at, processed_at, failure_reason
		 FROM withdrawals WHERE user_id = $1
		 ORDER BY requested_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var withdrawals []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		var amount string
		var failure *string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Asset, &amount,
			&w.DestinationAddress, &w.Status, &w.RequestedAt,
			&w.ProcessedAt, &failure); err != nil {
			return nil, err
		}
		w.Amount, _ = decimal.NewFromString(amount)
		if failure != nil {
			w.FailureReason = *failure
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	var p model.Position
	var yes, no string
	var avgYes, avgNo *string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, market_id, yes_tokens::TEXT, no_tokens::TEXT,
		        avg_yes_price::TEXT, avg_no_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID).
		Scan(&p.UserID, &p.MarketID, &yes, &no, &avgYes, &avgNo, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Position{UserID: userID, MarketID: marketID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}

	p.YesTokens, _ = decimal.NewFromString(yes)
	p.NoTokens, _ = decimal.NewFromString(no)
	if avgYes != nil {
		v, _ := decimal.NewFromString(*avgYes)
		p.AvgYesPrice = &v
	}
	if avgNo != nil {
		v, _ := decimal.NewFromString(*avgNo)
		p.AvgNoPrice = &v
	}
	return &p, nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, yes_tokens::TEXT, no_tokens::TEXT,
		        avg_yes_price::TEXT, avg_no_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY market_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var yes, no string
		var avgYes, avgNo *string
		if err := rows.Scan(&p.UserID, &p.MarketID, &yes, &no, &avgYes, &avgNo, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.YesTokens, _ = decimal.NewFromString(yes)
		p.NoTokens, _ = decimal.NewFromString(no)
		if avgYes != nil {
			v, _ := decimal.NewFromString(*avgYes)
			p.AvgYesPrice = &v
		}
		if avgNo != nil {
			v, _ := decimal.NewFromString(*avgNo)
			p.AvgNoPrice = &v
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Audit log ---

func (s *PostgresStore) ListLedgerChanges(ctx context.Context, userID string, f ChangeFilter) ([]model.LedgerChange, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT id, user_id, asset, change_type, amount::TEXT,
		balance_before::TEXT, balance_after::TEXT, reference_id, reference_type,
		memo, market_id, counterparty, created_at
		FROM ledger_changes WHERE user_id = $1`
	args := []any{userID}

	if f.Asset != "" {
		args = append(args, f.Asset)
		query += fmt.Sprintf(" AND asset = $%d", len(args))
	}
	if f.ChangeType != "" {
		args = append(args, f.ChangeType)
		query += fmt.Sprintf(" AND change_type = $%d", len(args))
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []model.LedgerChange
	for rows.Next() {
		var c model.LedgerChange
		var amount, before, after string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Asset, &c.ChangeType, &amount,
			&before, &after, &c.ReferenceID, &c.ReferenceType,
			&c.Memo, &c.MarketID, &c.Counterparty, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Amount, _ = decimal.NewFromString(amount)
		c.BalanceBefore, _ = decimal.NewFromString(before)
		c.BalanceAfter, _ = decimal.NewFromString(after)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// --- Deposit memos ---

func (s *PostgresStore) ResolveMemo(ctx context.Context, m string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM deposit_memos WHERE memo = $1`, m).
		Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: memo %s", ErrNotFound, m)
	}
	if err != nil {
		return "", fmt.Errorf("resolve memo: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) GetOrCreateDepositMemo(ctx context.Context, userID string) (string, error) {
	var m string
	err := s.pool.QueryRow(ctx,
		`SELECT memo FROM deposit_memos WHERE user_id = $1`, userID).
		Scan(&m)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("get deposit memo: %w", err)
	}

	// Memo collisions are rare but possible; the UNIQUE constraint arbitrates.
	for i := 0; i < 5; i++ {
		candidate := memo.Generate()
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO deposit_memos (user_id, memo) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			userID, candidate)
		if err != nil {
			return "", fmt.Errorf("assign deposit memo: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return candidate, nil
		}
		// Either the memo collided or a concurrent request won; re-read.
		if err := s.pool.QueryRow(ctx,
			`SELECT memo FROM deposit_memos WHERE user_id = $1`, userID).
			Scan(&m); err == nil {
			return m, nil
		}
	}
	return "", fmt.Errorf("assign deposit memo for %s: exhausted retries", userID)
}
