// Package matching is the client for the external matching engine.
// The engine owns the orderbook and decides what matched; this service
// only applies the ledger effects it reports. Engine calls are never
// retried: a timeout is surfaced as ErrMatchingEngine and the caller
// rolls the reservation back.
package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMatchingEngine marks any failure to reach the engine or decode
// its response. Retryable by the user, not by this service.
var ErrMatchingEngine = errors.New("matching engine unavailable")

const defaultTimeout = 10 * time.Second

// Engine is the matching engine surface the order flow needs.
type Engine interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error)
	GetOrderbook(ctx context.Context, marketID, outcome string) (*Orderbook, error)
}

// PlaceOrderRequest submits an order to the engine. ReservationID ties
// the engine's fills back to the funds held for this order.
type PlaceOrderRequest struct {
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	Side          string          `json:"side"`
	Outcome       string          `json:"outcome"`
	OrderType     string          `json:"order_type"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ReservationID string          `json:"reservation_id"`
}

// EngineTrade is one secondary-market fill reported by the engine.
type EngineTrade struct {
	TradeID   string          `json:"trade_id"`
	MarketID  string          `json:"market_id"`
	Outcome   string          `json:"outcome"`
	TradeType string          `json:"trade_type"`
	BuyerID   string          `json:"buyer_id"`
	SellerID  string          `json:"seller_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp string          `json:"timestamp"`
}

// ComplementaryMatch pairs a YES buyer with a NO buyer whose prices
// sum to 1; settlement mints new token pairs for it.
type ComplementaryMatch struct {
	TradeID    string          `json:"trade_id"`
	MarketID   string          `json:"market_id"`
	YesBuyerID string          `json:"yes_buyer_id"`
	NoBuyerID  string          `json:"no_buyer_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	YesPrice   decimal.Decimal `json:"yes_price"`
	NoPrice    decimal.Decimal `json:"no_price"`
	Timestamp  string          `json:"timestamp"`
}

// PlaceOrderResult is the engine's matching outcome for one order.
type PlaceOrderResult struct {
	OrderID              string               `json:"order_id"`
	Status               string               `json:"status"`
	Trades               []EngineTrade        `json:"trades"`
	ComplementaryMatches []ComplementaryMatch `json:"complementary_matches"`
}

// PriceLevel is one aggregated orderbook level.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// Orderbook is the engine's book snapshot for one market outcome.
type Orderbook struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// Client talks to the engine over HTTP JSON.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an engine client for the given base URL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: baseURL, client: httpClient}
}

// PlaceOrder submits an order and returns the matching outcome.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	var result PlaceOrderResult
	if err := c.post(ctx, "/v1/orders", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetOrderbook fetches the book snapshot for a market outcome.
func (c *Client) GetOrderbook(ctx context.Context, marketID, outcome string) (*Orderbook, error) {
	q := url.Values{}
	q.Set("market_id", marketID)
	q.Set("outcome", outcome)

	var book Orderbook
	if err := c.get(ctx, "/v1/orderbook?"+q.Encode(), &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMatchingEngine, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMatchingEngine, err)
	}
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMatchingEngine, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrMatchingEngine, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrMatchingEngine, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrMatchingEngine, err)
	}
	return nil
}
