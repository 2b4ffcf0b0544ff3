package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/quiztime/internal/storage"
)

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseQuotaRecord converts a Redis hash to QuotaRecord
func parseQuotaRecord(data map[string]string) (*storage.QuotaRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	remaining, err := strconv.ParseInt(data["remaining_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remaining_seconds: %w", err)
	}

	overtime, err := strconv.ParseInt(data["overtime_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse overtime_seconds: %w", err)
	}

	lastUpdate, err := strconv.ParseInt(data["last_update_epoch_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_update_epoch_ms: %w", err)
	}

	savedAt, err := time.Parse(time.RFC3339Nano, data["saved_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse saved_at: %w", err)
	}

	return &storage.QuotaRecord{
		RemainingSeconds:  remaining,
		OvertimeSeconds:   overtime,
		IsTracking:        data["is_tracking"] == "1",
		IsForeground:      data["is_foreground"] == "1",
		LastUpdateEpochMs: lastUpdate,
		SavedAt:           savedAt,
	}, nil
}

// parseDailyLedger converts a Redis hash to DailyLedger
func parseDailyLedger(data map[string]string) (*storage.DailyLedger, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startScore, err := strconv.ParseInt(data["start_of_day_score"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_of_day_score: %w", err)
	}

	appliedDelta, err := strconv.ParseInt(data["applied_delta"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse applied_delta: %w", err)
	}

	openedAt, err := time.Parse(time.RFC3339Nano, data["opened_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse opened_at: %w", err)
	}

	settledAt, err := parseOptionalTime(data["settled_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse settled_at: %w", err)
	}

	return &storage.DailyLedger{
		DateKey:         data["date_key"],
		StartOfDayScore: startScore,
		Settled:         data["settled"] == "1",
		AppliedDelta:    appliedDelta,
		OpenedAt:        openedAt,
		SettledAt:       settledAt,
	}, nil
}

// parseRewardCredit converts a Redis hash to RewardCredit
func parseRewardCredit(data map[string]string) (*storage.RewardCredit, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	seconds, err := strconv.ParseInt(data["seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seconds: %w", err)
	}

	attempts, err := strconv.Atoi(data["attempts"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse attempts: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	appliedAt, err := parseOptionalTime(data["applied_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse applied_at: %w", err)
	}

	return &storage.RewardCredit{
		SourceID:  data["source_id"],
		Seconds:   seconds,
		Status:    storage.CreditStatus(data["status"]),
		Attempts:  attempts,
		LastError: data["last_error"],
		CreatedAt: createdAt,
		AppliedAt: appliedAt,
	}, nil
}

// parseDailyUsage converts a Redis hash to DailyUsage
func parseDailyUsage(data map[string]string) (*storage.DailyUsage, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	used, err := strconv.ParseInt(data["used_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse used_seconds: %w", err)
	}

	credited, err := strconv.ParseInt(data["credited_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credited_seconds: %w", err)
	}

	return &storage.DailyUsage{
		Date:            data["date"],
		UsedSeconds:     used,
		CreditedSeconds: credited,
	}, nil
}
