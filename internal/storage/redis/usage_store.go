package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type usageStore struct {
	client *redis.Client
	ttl    time.Duration
}

// GetDailyUsage retrieves daily usage for a specific date
func (s *usageStore) GetDailyUsage(ctx context.Context, date string) (*storage.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, usageKey(date)).Result()
	if err != nil {
		return nil, err
	}
	return parseDailyUsage(data)
}

// IncrementDailyUsage atomically increments (or creates) daily usage
func (s *usageStore) IncrementDailyUsage(ctx context.Context, date string, usedSeconds, creditedSeconds int64) error {
	keys := []string{usageKey(date), keyUsageDailyIndex}
	args := []interface{}{date, usedSeconds, creditedSeconds, int64(s.ttl / time.Second)}

	return incrementDailyUsage.Run(ctx, s.client, keys, args...).Err()
}

// DeleteDailyUsageBefore deletes daily usage entries before the specified date.
// Rows also expire through their TTL; this prunes the index alongside them.
func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := time.Parse(clock.DateLayout, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}

	dates, err := s.client.SMembers(ctx, keyUsageDailyIndex).Result()
	if err != nil {
		return 0, err
	}

	expired := make([]string, 0)
	for _, date := range dates {
		value, err := time.Parse(clock.DateLayout, date)
		if err != nil {
			continue
		}
		if value.Before(cutoff) {
			expired = append(expired, date)
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}

	keys := make([]string, len(expired))
	members := make([]interface{}, len(expired))
	for i, date := range expired {
		keys[i] = usageKey(date)
		members[i] = date
	}

	pipe := s.client.TxPipeline()
	deleted := pipe.Del(ctx, keys...)
	pipe.SRem(ctx, keyUsageDailyIndex, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return int(deleted.Val()), nil
}
