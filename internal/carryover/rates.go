// Package carryover settles unused or overspent time into the score once per
// day.
package carryover

import (
	"math"

	"github.com/goodtune/quiztime/internal/quota"
)

// Rates are score points per minute of leftover budget or overtime.
type Rates struct {
	BonusPerMinute   float64
	PenaltyPerMinute float64
}

// Delta returns the score adjustment for a day that ended in snap.
func Delta(snap quota.Snapshot, rates Rates) int64 {
	switch {
	case snap.RemainingSeconds > 0:
		return int64(math.Round(float64(snap.RemainingSeconds) / 60 * rates.BonusPerMinute))
	case snap.OvertimeSeconds > 0:
		return -int64(math.Round(float64(snap.OvertimeSeconds) / 60 * rates.PenaltyPerMinute))
	default:
		return 0
	}
}

// Quote is a read-only projection of what settling now would apply.
type Quote struct {
	RemainingMinutes int64 `json:"remaining_minutes"`
	OvertimeMinutes  int64 `json:"overtime_minutes"`
	PotentialScore   int64 `json:"potential_score"`
	IsPositive       bool  `json:"is_positive"`
}

// QuoteFor projects the settlement of snap with the same rates Settle uses.
func QuoteFor(snap quota.Snapshot, rates Rates) Quote {
	return Quote{
		RemainingMinutes: snap.RemainingSeconds / 60,
		OvertimeMinutes:  snap.OvertimeSeconds / 60,
		PotentialScore:   Delta(snap, rates),
		IsPositive:       snap.OvertimeSeconds == 0,
	}
}
