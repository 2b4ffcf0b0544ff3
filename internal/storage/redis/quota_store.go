package redis

import (
	"context"

	"github.com/goodtune/quiztime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type quotaStore struct {
	client *redis.Client
}

// LoadSnapshot retrieves the persisted quota snapshot
func (s *quotaStore) LoadSnapshot(ctx context.Context) (*storage.QuotaRecord, error) {
	data, err := s.client.HGetAll(ctx, keyQuotaSnapshot).Result()
	if err != nil {
		return nil, err
	}
	return parseQuotaRecord(data)
}

// SaveSnapshot overwrites the persisted quota snapshot
func (s *quotaStore) SaveSnapshot(ctx context.Context, record storage.QuotaRecord) error {
	return s.client.HSet(ctx, keyQuotaSnapshot,
		"remaining_seconds", record.RemainingSeconds,
		"overtime_seconds", record.OvertimeSeconds,
		"is_tracking", formatBool(record.IsTracking),
		"is_foreground", formatBool(record.IsForeground),
		"last_update_epoch_ms", record.LastUpdateEpochMs,
		"saved_at", formatTime(record.SavedAt),
	).Err()
}
