// Package reservation moves funds between available and reserved for
// pending orders and withdrawal requests. Every hold it places is
// paired with exactly one terminal action downstream: settlement
// consumes it or a release returns it.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/metrics"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/queue"
	"github.com/predictr/ledger-engine/internal/store"
)

// MinWithdrawal is the smallest withdrawal the platform pays out.
var MinWithdrawal = decimal.NewFromInt(5)

var (
	// ErrInvalidAddress means the destination is not a Solana public key.
	ErrInvalidAddress = errors.New("invalid solana address")

	// ErrBelowMinimum means the withdrawal amount is under MinWithdrawal.
	ErrBelowMinimum = errors.New("amount below minimum withdrawal")
)

// Manager places and releases balance holds.
type Manager struct {
	store  store.Store
	queue  queue.Publisher
	logger *slog.Logger
}

// NewManager wires a reservation manager.
func NewManager(st store.Store, pub queue.Publisher, logger *slog.Logger) *Manager {
	return &Manager{store: st, queue: pub, logger: logger}
}

// ReserveForOrder creates the order row and, for BUY orders, moves the
// order amount from available to reserved in the same transaction.
// SELL orders hold no collateral; settlement enforces token coverage.
func (m *Manager) ReserveForOrder(ctx context.Context, order *model.Order) error {
	reserve := decimal.Zero
	if order.Side == model.SideBuy {
		reserve = order.Amount
	}

	if err := m.store.CreateOrder(ctx, order, reserve); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			metrics.ReservationsTotal.WithLabelValues("insufficient_funds").Inc()
		} else {
			metrics.ReservationsTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	return nil
}

// ReleaseReservation returns an order's unconsumed hold and marks the
// order FAILED. Used when the matching engine call fails after the
// hold was placed.
func (m *Manager) ReleaseReservation(ctx context.Context, order *model.Order) error {
	release := decimal.Zero
	if order.Side == model.SideBuy {
		release = order.Amount
	}

	if err := m.store.FailOrder(ctx, order.ID, order.UserID, model.AssetUSDC, release); err != nil {
		metrics.ReservationsTotal.WithLabelValues("release_error").Inc()
		return fmt.Errorf("releasing reservation for order %s: %w", order.ID, err)
	}

	metrics.ReservationsTotal.WithLabelValues("released").Inc()
	m.logger.Info("reservation released", "order_id", order.ID, "user_id", order.UserID, "amount", release)
	return nil
}

// ReserveForWithdrawal validates the request, moves the amount from
// available to reserved together with the Withdrawal row in one
// transaction, then enqueues the payout job for the external signer.
func (m *Manager) ReserveForWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, destination string) (*model.Withdrawal, error) {
	if err := ValidateAddress(destination); err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("invalid_address").Inc()
		return nil, err
	}
	if amount.LessThan(MinWithdrawal) {
		metrics.WithdrawalsTotal.WithLabelValues("below_minimum").Inc()
		return nil, fmt.Errorf("%w: minimum is %s USDC", ErrBelowMinimum, MinWithdrawal)
	}

	w := &model.Withdrawal{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Asset:              model.AssetUSDC,
		Amount:             amount,
		DestinationAddress: destination,
		Status:             model.WithdrawalPending,
		RequestedAt:        time.Now().UTC(),
	}

	if err := m.store.CreateWithdrawal(ctx, w); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			metrics.WithdrawalsTotal.WithLabelValues("insufficient_funds").Inc()
		} else {
			metrics.WithdrawalsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	job := queue.PayoutJob{
		WithdrawalID:       w.ID,
		UserID:             w.UserID,
		Asset:              w.Asset,
		Amount:             w.Amount,
		DestinationAddress: w.DestinationAddress,
		RequestedAt:        w.RequestedAt,
	}
	if err := m.queue.Publish(ctx, queue.PayoutQueue, job); err != nil {
		// The hold and the row are durable; the payout worker also
		// polls PENDING withdrawals, so a lost enqueue only delays it.
		m.logger.Error("enqueueing payout", "withdrawal_id", w.ID, "error", err)
	}

	metrics.WithdrawalsTotal.WithLabelValues("requested").Inc()
	m.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"user_id", userID,
		"amount", amount,
		"destination", destination)

	return w, nil
}

// ValidateAddress checks that s decodes to a 32-byte Solana public key.
func ValidateAddress(s string) error {
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != 32 {
		return ErrInvalidAddress
	}
	return nil
}
