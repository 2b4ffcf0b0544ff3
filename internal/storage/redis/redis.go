package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/quiztime/internal/config"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyQuotaSnapshot   = "quiztime:quota:snapshot"
	keyLedgerPrefix    = "quiztime:ledger:"
	keyLedgerCurrent   = "quiztime:ledger:current"
	keyLedgerIndex     = "quiztime:ledgers"
	keyScore           = "quiztime:score"
	keyCreditPrefix    = "quiztime:credit:"
	keyCreditsPending  = "quiztime:credits:pending"
	keyCreditsApplied  = "quiztime:credits:applied"
	keyUsagePrefix     = "quiztime:usage:daily:"
	keyUsageDailyIndex = "quiztime:usage:daily:index"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client      *redis.Client
	quotaStore  *quotaStore
	ledgerStore *ledgerStore
	creditStore *creditStore
	usageStore  *usageStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	var usageTTL time.Duration
	if cfg.UsageTTL != "" {
		usageTTL, err = time.ParseDuration(cfg.UsageTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid usage_ttl: %w", err)
		}
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:      client,
		quotaStore:  &quotaStore{client: client},
		ledgerStore: &ledgerStore{client: client},
		creditStore: &creditStore{client: client},
		usageStore:  &usageStore{client: client, ttl: usageTTL},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Quota returns the QuotaStore implementation
func (s *Store) Quota() storage.QuotaStore {
	return s.quotaStore
}

// Ledger returns the LedgerStore implementation
func (s *Store) Ledger() storage.LedgerStore {
	return s.ledgerStore
}

// Credits returns the CreditStore implementation
func (s *Store) Credits() storage.CreditStore {
	return s.creditStore
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}

func ledgerKey(dateKey string) string {
	return keyLedgerPrefix + dateKey
}

func creditKey(sourceID string) string {
	return keyCreditPrefix + sourceID
}

func usageKey(date string) string {
	return keyUsagePrefix + date
}
