package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/quiztime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type ledgerStore struct {
	client *redis.Client
}

// Current retrieves the most recently opened ledger
func (s *ledgerStore) Current(ctx context.Context) (*storage.DailyLedger, error) {
	dateKey, err := s.client.Get(ctx, keyLedgerCurrent).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, dateKey)
}

// Get retrieves the ledger for dateKey
func (s *ledgerStore) Get(ctx context.Context, dateKey string) (*storage.DailyLedger, error) {
	data, err := s.client.HGetAll(ctx, ledgerKey(dateKey)).Result()
	if err != nil {
		return nil, err
	}
	return parseDailyLedger(data)
}

// List returns all ledgers ordered by date key
func (s *ledgerStore) List(ctx context.Context) ([]storage.DailyLedger, error) {
	dateKeys, err := s.client.SMembers(ctx, keyLedgerIndex).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(dateKeys)

	if len(dateKeys) == 0 {
		return []storage.DailyLedger{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(dateKeys))
	for i, dateKey := range dateKeys {
		cmds[i] = pipe.HGetAll(ctx, ledgerKey(dateKey))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	ledgers := make([]storage.DailyLedger, 0, len(dateKeys))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		ledger, err := parseDailyLedger(data)
		if err == nil {
			ledgers = append(ledgers, *ledger)
		}
	}

	return ledgers, nil
}

// Open creates the ledger if absent and makes it current
func (s *ledgerStore) Open(ctx context.Context, ledger storage.DailyLedger) (*storage.DailyLedger, error) {
	if ledger.DateKey == "" {
		return nil, fmt.Errorf("date key is required")
	}

	keys := []string{ledgerKey(ledger.DateKey), keyLedgerCurrent, keyLedgerIndex, keyScore}
	args := []interface{}{ledger.DateKey, formatTime(openedAt(ledger))}

	if err := openLedger.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", ledger.DateKey, err)
	}
	return s.Get(ctx, ledger.DateKey)
}

// Settle applies delta exactly once for dateKey and opens next
func (s *ledgerStore) Settle(ctx context.Context, dateKey string, delta int64, settledAt time.Time, next storage.DailyLedger) (*storage.Settlement, error) {
	keys := []string{
		ledgerKey(dateKey),
		ledgerKey(next.DateKey),
		keyLedgerCurrent,
		keyLedgerIndex,
		keyScore,
	}
	args := []interface{}{delta, formatTime(settledAt), next.DateKey, formatTime(openedAt(next))}

	result, err := settleLedger.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("settle ledger %s: %w", dateKey, err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("settle ledger %s: unexpected reply %v", dateKey, result)
	}

	status, _ := result[0].(string)
	switch status {
	case "ok":
	case "already_settled":
		return nil, storage.ErrAlreadySettled
	case "not_found":
		return nil, fmt.Errorf("load ledger %s: %w", dateKey, storage.ErrNotFound)
	default:
		return nil, fmt.Errorf("settle ledger %s: unexpected status %q", dateKey, status)
	}

	score, ok := result[1].(int64)
	if !ok {
		return nil, fmt.Errorf("settle ledger %s: unexpected score %v", dateKey, result[1])
	}

	opened, err := s.Get(ctx, next.DateKey)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", next.DateKey, err)
	}

	return &storage.Settlement{
		DateKey:      dateKey,
		AppliedDelta: delta,
		Score:        score,
		Next:         *opened,
	}, nil
}

// Score returns the stored score
func (s *ledgerStore) Score(ctx context.Context) (int64, error) {
	score, err := s.client.Get(ctx, keyScore).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return score, err
}

// AddScore adjusts the stored score by delta
func (s *ledgerStore) AddScore(ctx context.Context, delta int64) (int64, error) {
	score, err := s.client.IncrBy(ctx, keyScore, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("add score: %w", err)
	}
	return score, nil
}

func openedAt(ledger storage.DailyLedger) time.Time {
	if ledger.OpenedAt.IsZero() {
		return time.Now()
	}
	return ledger.OpenedAt
}
