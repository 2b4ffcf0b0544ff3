package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CreditStatus is the delivery state of a reward credit.
type CreditStatus string

const (
	CreditPending CreditStatus = "pending"
	CreditApplied CreditStatus = "applied"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to lowercase.
func (s *CreditStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := CreditStatus(strings.ToLower(raw))
	switch normalized {
	case CreditPending, CreditApplied:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid credit status: %s (must be pending or applied)", raw)
	}
}

// QuotaRecord is the persisted form of the live quota snapshot.
type QuotaRecord struct {
	RemainingSeconds  int64     `json:"remaining_seconds"`
	OvertimeSeconds   int64     `json:"overtime_seconds"`
	IsTracking        bool      `json:"is_tracking"`
	IsForeground      bool      `json:"is_foreground"`
	LastUpdateEpochMs int64     `json:"last_update_epoch_ms"`
	SavedAt           time.Time `json:"saved_at"`
}

// DailyLedger is the settlement bookkeeping for one calendar day.
type DailyLedger struct {
	DateKey         string     `json:"date_key"`
	StartOfDayScore int64      `json:"start_of_day_score"`
	Settled         bool       `json:"settled"`
	AppliedDelta    int64      `json:"applied_delta"`
	OpenedAt        time.Time  `json:"opened_at"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
}

// Settlement describes one applied carryover.
type Settlement struct {
	DateKey      string      `json:"date_key"`
	AppliedDelta int64       `json:"applied_delta"`
	Score        int64       `json:"score"`
	Next         DailyLedger `json:"next"`
}

// RewardCredit is an earned time grant keyed by its source.
type RewardCredit struct {
	SourceID  string       `json:"source_id"`
	Seconds   int64        `json:"seconds"`
	Status    CreditStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	AppliedAt *time.Time   `json:"applied_at,omitempty"`
}

// DailyUsage aggregates display-only usage per day.
type DailyUsage struct {
	Date            string `json:"date"`
	UsedSeconds     int64  `json:"used_seconds"`
	CreditedSeconds int64  `json:"credited_seconds"`
}
