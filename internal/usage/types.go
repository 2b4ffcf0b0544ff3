package usage

import (
	"time"
)

// Session represents a stretch of continuous device use
type Session struct {
	ID        string
	DateKey   string // day the session is attributed to
	StartedAt time.Time
	Active    bool
}

// Elapsed returns how long the session has been running at now.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if now.Before(s.StartedAt) {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Stats represents usage statistics for the current day
type Stats struct {
	DateKey         string
	UsedSeconds     int64
	CreditedSeconds int64
	ActiveSession   *Session
}
