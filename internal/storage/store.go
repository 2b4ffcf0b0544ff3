package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrAlreadySettled is returned when a ledger day has already been settled.
var ErrAlreadySettled = errors.New("storage: ledger already settled")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Quota() QuotaStore
	Ledger() LedgerStore
	Credits() CreditStore
	Usage() UsageStore
}

// QuotaStore persists the single live quota snapshot.
type QuotaStore interface {
	LoadSnapshot(ctx context.Context) (*QuotaRecord, error)
	SaveSnapshot(ctx context.Context, record QuotaRecord) error
}

// LedgerStore manages daily settlement bookkeeping and the score it adjusts.
type LedgerStore interface {
	// Current returns the most recently opened ledger.
	Current(ctx context.Context) (*DailyLedger, error)
	Get(ctx context.Context, dateKey string) (*DailyLedger, error)
	List(ctx context.Context) ([]DailyLedger, error)
	// Open creates the ledger for ledger.DateKey if absent and makes it current.
	// StartOfDayScore is taken from the stored score.
	Open(ctx context.Context, ledger DailyLedger) (*DailyLedger, error)
	// Settle atomically applies delta to the score, marks dateKey settled and
	// opens next with the post-adjustment score. Returns ErrAlreadySettled if
	// dateKey was settled before.
	Settle(ctx context.Context, dateKey string, delta int64, settledAt time.Time, next DailyLedger) (*Settlement, error)
	Score(ctx context.Context) (int64, error)
	AddScore(ctx context.Context, delta int64) (int64, error)
}

// CreditStore manages the reward credit ledger used for grant idempotence.
type CreditStore interface {
	Get(ctx context.Context, sourceID string) (*RewardCredit, error)
	// Reserve records a pending credit. It returns false when sourceID exists.
	Reserve(ctx context.Context, credit RewardCredit) (bool, error)
	MarkApplied(ctx context.Context, sourceID string, appliedAt time.Time) error
	RecordFailure(ctx context.Context, sourceID string, reason string) error
	ListPending(ctx context.Context) ([]RewardCredit, error)
	DeleteAppliedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// UsageStore manages display-only daily usage totals.
type UsageStore interface {
	GetDailyUsage(ctx context.Context, date string) (*DailyUsage, error)
	IncrementDailyUsage(ctx context.Context, date string, usedSeconds, creditedSeconds int64) error
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
}
