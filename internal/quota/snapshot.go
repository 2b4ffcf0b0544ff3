package quota

import (
	"fmt"
	"time"

	"github.com/goodtune/quiztime/internal/storage"
)

// Snapshot is the live quota state. RemainingSeconds and OvertimeSeconds are
// never both positive.
type Snapshot struct {
	RemainingSeconds  int64 `json:"remaining_seconds"`
	OvertimeSeconds   int64 `json:"overtime_seconds"`
	IsTracking        bool  `json:"is_tracking"`
	IsForeground      bool  `json:"is_foreground"`
	LastUpdateEpochMs int64 `json:"last_update_epoch_ms"`
}

// Credit adds n seconds, paying down overtime before refilling the budget.
func (s Snapshot) Credit(n int64) Snapshot {
	if n <= 0 {
		return s
	}
	if s.OvertimeSeconds > 0 {
		if n < s.OvertimeSeconds {
			s.OvertimeSeconds -= n
			return s
		}
		n -= s.OvertimeSeconds
		s.OvertimeSeconds = 0
	}
	s.RemainingSeconds += n
	return s
}

// Consume spends n seconds; whatever the budget cannot cover becomes overtime.
func (s Snapshot) Consume(n int64) Snapshot {
	if n <= 0 {
		return s
	}
	if s.RemainingSeconds >= n {
		s.RemainingSeconds -= n
		return s
	}
	n -= s.RemainingSeconds
	s.RemainingSeconds = 0
	s.OvertimeSeconds += n
	return s
}

// normalize folds a snapshot that violates the zero-crossing invariant into
// its net balance.
func (s Snapshot) normalize() Snapshot {
	if s.RemainingSeconds < 0 {
		s.OvertimeSeconds -= s.RemainingSeconds
		s.RemainingSeconds = 0
	}
	if s.OvertimeSeconds < 0 {
		s.RemainingSeconds -= s.OvertimeSeconds
		s.OvertimeSeconds = 0
	}
	if s.RemainingSeconds > 0 && s.OvertimeSeconds > 0 {
		net := s.RemainingSeconds - s.OvertimeSeconds
		s.RemainingSeconds, s.OvertimeSeconds = 0, 0
		if net > 0 {
			s.RemainingSeconds = net
		} else {
			s.OvertimeSeconds = -net
		}
	}
	return s
}

// Policy selects the lifecycle phase in which tracked time is consumed.
type Policy string

const (
	// PolicyBackground consumes budget while the app is in the background.
	PolicyBackground Policy = "background"
	// PolicyForeground consumes budget while the app is in the foreground.
	PolicyForeground Policy = "foreground"
)

// ParsePolicy validates a consumption policy name.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case PolicyBackground, PolicyForeground:
		return Policy(value), nil
	default:
		return "", fmt.Errorf("unknown consumption policy %q", value)
	}
}

// Consumes reports whether s is in a consuming state under p.
func (p Policy) Consumes(s Snapshot) bool {
	if !s.IsTracking {
		return false
	}
	return s.IsForeground == (p == PolicyForeground)
}

func phase(s Snapshot) string {
	if s.IsForeground {
		return "foreground"
	}
	return "background"
}

func toRecord(s Snapshot, savedAt time.Time) storage.QuotaRecord {
	return storage.QuotaRecord{
		RemainingSeconds:  s.RemainingSeconds,
		OvertimeSeconds:   s.OvertimeSeconds,
		IsTracking:        s.IsTracking,
		IsForeground:      s.IsForeground,
		LastUpdateEpochMs: s.LastUpdateEpochMs,
		SavedAt:           savedAt,
	}
}

func fromRecord(r storage.QuotaRecord) Snapshot {
	return Snapshot{
		RemainingSeconds:  r.RemainingSeconds,
		OvertimeSeconds:   r.OvertimeSeconds,
		IsTracking:        r.IsTracking,
		IsForeground:      r.IsForeground,
		LastUpdateEpochMs: r.LastUpdateEpochMs,
	}.normalize()
}
