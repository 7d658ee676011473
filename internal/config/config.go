// Package config loads service configuration from the environment.
// Read once in main; dependencies are injected from there.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Port string

	// DatabaseURL is the Postgres DSN. Empty selects the in-memory
	// store (development only).
	DatabaseURL string

	// RedisURL backs the balance cache, dedup store, and work queues.
	RedisURL string

	// Solana endpoints and custody identity.
	SolanaRPCURL        string
	SolanaWSURL         string
	CustodyWallet       string // wallet address watched for deposits
	CustodyTokenAccount string // USDC token account transfers must hit
	USDCMint            string

	// MatchingEngineURL is the external matching engine's base URL.
	MatchingEngineURL string

	// BackfillInterval is how often the deposit indexer rescans
	// custody-wallet signatures.
	BackfillInterval time.Duration
}

// Load reads configuration from the environment and validates the
// required fields.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getenv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		SolanaRPCURL:        os.Getenv("SOLANA_RPC_URL"),
		SolanaWSURL:         os.Getenv("SOLANA_WS_URL"),
		CustodyWallet:       os.Getenv("CUSTODY_WALLET_ADDRESS"),
		CustodyTokenAccount: os.Getenv("CUSTODY_TOKEN_ACCOUNT"),
		USDCMint:            getenv("USDC_MINT_ADDRESS", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		MatchingEngineURL:   getenv("MATCHING_ENGINE_URL", "http://localhost:50052"),
		BackfillInterval:    2 * time.Minute,
	}

	if v := os.Getenv("DEPOSIT_BACKFILL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEPOSIT_BACKFILL_INTERVAL: %w", err)
		}
		cfg.BackfillInterval = d
	}

	// Deposit indexing only runs when the chain side is configured;
	// all three go together.
	if cfg.SolanaRPCURL != "" || cfg.SolanaWSURL != "" || cfg.CustodyWallet != "" {
		if cfg.SolanaRPCURL == "" || cfg.SolanaWSURL == "" || cfg.CustodyWallet == "" || cfg.CustodyTokenAccount == "" {
			return nil, fmt.Errorf("partial Solana config: SOLANA_RPC_URL, SOLANA_WS_URL, CUSTODY_WALLET_ADDRESS, and CUSTODY_TOKEN_ACCOUNT are all required together")
		}
	}

	return cfg, nil
}

// DepositsEnabled reports whether the chain watcher should run.
func (c *Config) DepositsEnabled() bool {
	return c.SolanaRPCURL != ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
