// Package order orchestrates order placement: reserve funds, submit
// to the external matching engine, then hand the engine's verdict to
// settlement — or roll the reservation back when the engine cannot be
// reached.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/matching"
	"github.com/predictr/ledger-engine/internal/metrics"
	"github.com/predictr/ledger-engine/internal/model"
	"github.com/predictr/ledger-engine/internal/reservation"
	"github.com/predictr/ledger-engine/internal/settlement"
	"github.com/predictr/ledger-engine/internal/store"
)

// ErrInvalidOrder rejects a request before any funds move.
var ErrInvalidOrder = errors.New("invalid order")

// Order types accepted by the engine.
const (
	TypeLimit    = "LIMIT"
	TypeMarket   = "MARKET"
	TypePostOnly = "POSTONLY"
)

var one = decimal.NewFromInt(1)

// Service drives the order lifecycle.
type Service struct {
	store        store.Store
	reservations *reservation.Manager
	settlement   *settlement.Processor
	engine       matching.Engine
	logger       *slog.Logger
}

// NewService wires an order service.
func NewService(st store.Store, rm *reservation.Manager, sp *settlement.Processor, engine matching.Engine, logger *slog.Logger) *Service {
	return &Service{
		store:        st,
		reservations: rm,
		settlement:   sp,
		engine:       engine,
		logger:       logger,
	}
}

// PlaceOrderParams is a user's order request. Amount is the USDC the
// user commits; quantity is derived as amount/price.
type PlaceOrderParams struct {
	UserID    string
	MarketID  string
	Side      string
	Outcome   string
	OrderType string
	Amount    decimal.Decimal
	Price     decimal.Decimal
}

// PlaceOrderResult reports the outcome of a placement.
type PlaceOrderResult struct {
	OrderID       string             `json:"order_id"`
	EngineOrderID string             `json:"engine_order_id"`
	Status        model.OrderStatus  `json:"status"`
	Trades        int                `json:"trades"`
	Matches       int                `json:"complementary_matches"`
}

func (p *PlaceOrderParams) validate() error {
	if p.UserID == "" || p.MarketID == "" {
		return fmt.Errorf("%w: missing user or market", ErrInvalidOrder)
	}
	if p.Side != model.SideBuy && p.Side != model.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, p.Side)
	}
	if p.Outcome != model.OutcomeYes && p.Outcome != model.OutcomeNo {
		return fmt.Errorf("%w: outcome %q", ErrInvalidOrder, p.Outcome)
	}
	switch p.OrderType {
	case "":
		p.OrderType = TypeLimit
	case TypeLimit, TypeMarket, TypePostOnly:
	default:
		return fmt.Errorf("%w: order type %q", ErrInvalidOrder, p.OrderType)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	// Outcome token prices live strictly inside (0, 1).
	if !p.Price.IsPositive() || p.Price.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: price %s outside (0, 1)", ErrInvalidOrder, p.Price)
	}
	return nil
}

// PlaceOrder runs the full flow: validate, reserve, match, settle.
// The engine decides what matched; market existence and state are its
// call too — an unknown market comes back as a rejection.
func (s *Service) PlaceOrder(ctx context.Context, params PlaceOrderParams) (*PlaceOrderResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	ord := &model.Order{
		ID:        uuid.NewString(),
		UserID:    params.UserID,
		MarketID:  params.MarketID,
		Side:      params.Side,
		Outcome:   params.Outcome,
		Amount:    params.Amount,
		Price:     params.Price,
		Quantity:  params.Amount.Div(params.Price),
		Status:    model.OrderPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.reservations.ReserveForOrder(ctx, ord); err != nil {
		return nil, err
	}

	result, err := s.engine.PlaceOrder(ctx, matching.PlaceOrderRequest{
		UserID:        ord.UserID,
		MarketID:      ord.MarketID,
		Side:          ord.Side,
		Outcome:       ord.Outcome,
		OrderType:     params.OrderType,
		Price:         ord.Price,
		Quantity:      ord.Quantity,
		ReservationID: ord.ID,
	})
	if err != nil {
		metrics.MatchingEngineErrors.Inc()
		s.logger.Error("matching engine call failed, rolling back",
			"order_id", ord.ID, "error", err)
		if relErr := s.reservations.ReleaseReservation(ctx, ord); relErr != nil {
			// The hold survives; operators reconcile via the audit log.
			s.logger.Error("rollback failed", "order_id", ord.ID, "error", relErr)
		}
		metrics.OrdersTotal.WithLabelValues(string(model.OrderFailed)).Inc()
		return nil, fmt.Errorf("placing order %s: %w", ord.ID, err)
	}

	for _, match := range result.ComplementaryMatches {
		if err := s.settlement.ApplyComplementaryMatch(ctx, match, ord.ID); err != nil {
			return nil, err
		}
	}
	for _, trade := range result.Trades {
		if err := s.settlement.ApplySecondaryTrade(ctx, trade, ord.MarketID, ord.ID); err != nil {
			return nil, err
		}
	}

	if len(result.Trades) == 0 && len(result.ComplementaryMatches) == 0 {
		if err := s.store.SetOrderStatus(ctx, ord.ID, model.OrderOpen); err != nil {
			return nil, fmt.Errorf("opening order %s: %w", ord.ID, err)
		}
	}

	final, err := s.store.GetOrder(ctx, ord.ID)
	if err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(final.Status)).Inc()
	s.logger.Info("order placed",
		"order_id", ord.ID,
		"user_id", ord.UserID,
		"market_id", ord.MarketID,
		"status", final.Status,
		"trades", len(result.Trades),
		"complementary", len(result.ComplementaryMatches))

	return &PlaceOrderResult{
		OrderID:       ord.ID,
		EngineOrderID: result.OrderID,
		Status:        final.Status,
		Trades:        len(result.Trades),
		Matches:       len(result.ComplementaryMatches),
	}, nil
}

// GetOrderbook proxies the book snapshot from the engine.
func (s *Service) GetOrderbook(ctx context.Context, marketID, outcome string) (*matching.Orderbook, error) {
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidOrder, outcome)
	}
	return s.engine.GetOrderbook(ctx, marketID, outcome)
}

// ListOrders returns a user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID, marketID string, limit, offset int) ([]model.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID, marketID, limit, offset)
}
