// Package dedup tracks which Solana transaction signatures have already
// been processed, so a deposit is never credited twice even when the
// same signature arrives from both the live subscription and a backfill
// scan. A signature moves through two states: "processing" while a
// worker holds it, then "completed" once the deposit outcome is final.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL keeps signature records around long enough to cover overlapping
// backfill windows. Solana signatures are only queryable for a bounded
// history anyway, so expired entries cannot resurface.
const TTL = 24 * time.Hour

// Store records processed transaction signatures.
type Store interface {
	// Begin claims a signature for processing. It returns false when
	// another worker already claimed or completed it.
	Begin(ctx context.Context, signature string) (bool, error)

	// Complete marks a claimed signature as fully processed.
	Complete(ctx context.Context, signature string) error

	// Abandon drops the claim on a signature so it can be retried,
	// used when processing fails for a transient reason.
	Abandon(ctx context.Context, signature string) error
}

type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore returns a Store backed by Redis.
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func sigKey(signature string) string {
	return "deposit:tx:" + signature
}

func (s *redisStore) Begin(ctx context.Context, signature string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, sigKey(signature), "processing", TTL).Result()
	if err != nil {
		return false, fmt.Errorf("claiming signature: %w", err)
	}
	return ok, nil
}

func (s *redisStore) Complete(ctx context.Context, signature string) error {
	if err := s.rdb.Set(ctx, sigKey(signature), "completed", TTL).Err(); err != nil {
		return fmt.Errorf("completing signature: %w", err)
	}
	return nil
}

func (s *redisStore) Abandon(ctx context.Context, signature string) error {
	if err := s.rdb.Del(ctx, sigKey(signature)).Err(); err != nil {
		return fmt.Errorf("abandoning signature: %w", err)
	}
	return nil
}
