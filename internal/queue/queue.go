// Package queue publishes work items for downstream consumers: the
// on-chain minting worker, the payout signer, and operator review of
// deposits that could not be credited automatically. Items are JSON
// documents pushed onto Redis lists; consumers drain with BRPOP.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Queue names. Consumers are separate services that share the naming.
const (
	MintQueue    = "mint:queue"
	PayoutQueue  = "withdrawal:queue"
	NoMemo       = "deposits:no_memo"
	InvalidMemo  = "deposits:invalid_memo"
	UnknownMemo  = "deposits:unknown_memo"
	FailedCredit = "deposits:failed"
)

// MintJob asks the minting worker to create a complementary YES/NO
// token pair on-chain for a matched primary trade.
type MintJob struct {
	TradeID   string          `json:"trade_id"`
	MarketID  string          `json:"market_id"`
	YesUserID string          `json:"yes_user_id"`
	NoUserID  string          `json:"no_user_id"`
	Pairs     decimal.Decimal `json:"pairs"`
	YesPrice  decimal.Decimal `json:"yes_price"`
	NoPrice   decimal.Decimal `json:"no_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PayoutJob asks the payout signer to send reserved funds on-chain.
type PayoutJob struct {
	WithdrawalID       string          `json:"withdrawal_id"`
	UserID             string          `json:"user_id"`
	Asset              string          `json:"asset"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destination_address"`
	RequestedAt        time.Time       `json:"requested_at"`
}

// ReviewItem describes a deposit that needs a human decision. Memo is
// empty for transfers that carried none.
type ReviewItem struct {
	Signature   string          `json:"signature"`
	Memo        string          `json:"memo,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Reason      string          `json:"reason,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Publisher pushes jobs onto named queues.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

type redisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher returns a Publisher backed by Redis lists.
func NewRedisPublisher(rdb *redis.Client) Publisher {
	return &redisPublisher{rdb: rdb}
}

func (p *redisPublisher) Publish(ctx context.Context, queue string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", queue, err)
	}
	if err := p.rdb.LPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("pushing to %s: %w", queue, err)
	}
	return nil
}
