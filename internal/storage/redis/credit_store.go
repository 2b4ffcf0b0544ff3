package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/quiztime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type creditStore struct {
	client *redis.Client
}

// Get retrieves a credit by source id
func (s *creditStore) Get(ctx context.Context, sourceID string) (*storage.RewardCredit, error) {
	data, err := s.client.HGetAll(ctx, creditKey(sourceID)).Result()
	if err != nil {
		return nil, err
	}
	return parseRewardCredit(data)
}

// Reserve records a pending credit unless the source id exists
func (s *creditStore) Reserve(ctx context.Context, credit storage.RewardCredit) (bool, error) {
	keys := []string{creditKey(credit.SourceID), keyCreditsPending}
	args := []interface{}{credit.SourceID, credit.Seconds, formatTime(credit.CreatedAt)}

	reserved, err := reserveCredit.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("reserve credit %s: %w", credit.SourceID, err)
	}
	return reserved == 1, nil
}

// MarkApplied marks a credit as durably applied
func (s *creditStore) MarkApplied(ctx context.Context, sourceID string, appliedAt time.Time) error {
	keys := []string{creditKey(sourceID), keyCreditsPending, keyCreditsApplied}
	args := []interface{}{sourceID, formatTime(appliedAt), appliedAt.Unix()}

	found, err := markApplied.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("mark credit %s applied: %w", sourceID, err)
	}
	if found == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecordFailure records a failed delivery attempt
func (s *creditStore) RecordFailure(ctx context.Context, sourceID string, reason string) error {
	found, err := recordFailure.Run(ctx, s.client, []string{creditKey(sourceID)}, reason).Int()
	if err != nil {
		return fmt.Errorf("record credit %s failure: %w", sourceID, err)
	}
	if found == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListPending returns credits not yet applied
func (s *creditStore) ListPending(ctx context.Context) ([]storage.RewardCredit, error) {
	sourceIDs, err := s.client.SMembers(ctx, keyCreditsPending).Result()
	if err != nil {
		return nil, err
	}

	if len(sourceIDs) == 0 {
		return []storage.RewardCredit{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(sourceIDs))
	for i, id := range sourceIDs {
		cmds[i] = pipe.HGetAll(ctx, creditKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	credits := make([]storage.RewardCredit, 0, len(sourceIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		credit, err := parseRewardCredit(data)
		if err == nil && credit.Status == storage.CreditPending {
			credits = append(credits, *credit)
		}
	}

	return credits, nil
}

// DeleteAppliedBefore prunes applied credits older than cutoff
func (s *creditStore) DeleteAppliedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	sourceIDs, err := s.client.ZRangeByScore(ctx, keyCreditsApplied, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	if len(sourceIDs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(sourceIDs))
	members := make([]interface{}, len(sourceIDs))
	for i, id := range sourceIDs {
		keys[i] = creditKey(id)
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, keyCreditsApplied, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return len(sourceIDs), nil
}
