// Package usage tracks device usage per day. It is a usage-reporting backend:
// its totals are displayed next to the budget but never feed budget math.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/metrics"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMinSessionDuration is the minimum duration to count a session
	DefaultMinSessionDuration = 10 * time.Second

	// Name is the backend name of the tracker
	Name = "usage"
)

// Config holds tracker configuration
type Config struct {
	MinSessionDuration time.Duration
	DayStart           clock.DayStart
}

// Tracker manages usage tracking sessions
type Tracker struct {
	usageStore storage.UsageStore
	session    *Session
	config     Config
	clock      clock.Clock
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewTracker creates a new usage tracker
func NewTracker(usageStore storage.UsageStore, config Config, clk clock.Clock, logger zerolog.Logger) *Tracker {
	if config.MinSessionDuration == 0 {
		config.MinSessionDuration = DefaultMinSessionDuration
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Tracker{
		usageStore: usageStore,
		config:     config,
		clock:      clk,
		logger:     logger.With().Str("component", "usage-tracker").Logger(),
	}
}

// Name implements backend.Backend.
func (t *Tracker) Name() string { return Name }

// Observe records whether the device is in use right now. A transition to
// active starts a session; a transition to inactive finalizes it.
func (t *Tracker) Observe(ctx context.Context, active bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	if active {
		if t.session != nil {
			return nil
		}
		t.session = &Session{
			ID:        uuid.NewString(),
			DateKey:   t.config.DayStart.Key(now),
			StartedAt: now,
			Active:    true,
		}
		t.logger.Debug().
			Str("session_id", t.session.ID).
			Str("date", t.session.DateKey).
			Msg("Started usage session")
		return nil
	}

	if t.session == nil {
		return nil
	}
	return t.finalizeSession(ctx, now)
}

// UsageToday implements backend.UsageReporter. It includes the running
// session when it belongs to the current day.
func (t *Tracker) UsageToday(ctx context.Context) (int64, error) {
	stats, err := t.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.UsedSeconds, nil
}

// Stats returns usage statistics for the current day.
func (t *Tracker) Stats(ctx context.Context) (*Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	today := t.config.DayStart.Key(now)

	stats := &Stats{DateKey: today}

	daily, err := t.usageStore.GetDailyUsage(ctx, today)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	if err == nil && daily != nil {
		stats.UsedSeconds = daily.UsedSeconds
		stats.CreditedSeconds = daily.CreditedSeconds
	}

	if t.session != nil && t.session.Active {
		session := *t.session
		stats.ActiveSession = &session

		if session.DateKey == today {
			stats.UsedSeconds += int64(session.Elapsed(now).Seconds())
		} else {
			// Session spans the day boundary; only today's portion counts here
			stats.UsedSeconds += int64(now.Sub(t.config.DayStart.DayOf(now)).Seconds())
		}
	}

	return stats, nil
}

// Credit implements backend.CreditAcceptor by recording credited seconds
// against today's usage row.
func (t *Tracker) Credit(ctx context.Context, seconds int64, source string) error {
	if seconds <= 0 {
		return nil
	}

	today := t.config.DayStart.Key(t.clock.Now())
	if err := t.usageStore.IncrementDailyUsage(ctx, today, 0, seconds); err != nil {
		return fmt.Errorf("failed to record credit: %w", err)
	}

	t.logger.Debug().
		Str("date", today).
		Str("source_id", source).
		Int64("seconds", seconds).
		Msg("Recorded credited seconds")
	return nil
}

// Probe implements backend.Prober.
func (t *Tracker) Probe(ctx context.Context) error {
	_, err := t.usageStore.GetDailyUsage(ctx, t.config.DayStart.Key(t.clock.Now()))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("usage store unavailable: %w", err)
	}
	return nil
}

// Close finalizes any running session.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return nil
	}
	return t.finalizeSession(ctx, t.clock.Now())
}

// finalizeSession finalizes the running session (must be called with lock held)
func (t *Tracker) finalizeSession(ctx context.Context, now time.Time) error {
	session := t.session
	t.session = nil
	session.Active = false

	elapsed := session.Elapsed(now)
	if elapsed < t.config.MinSessionDuration {
		t.logger.Debug().
			Str("session_id", session.ID).
			Dur("duration", elapsed).
			Dur("min_duration", t.config.MinSessionDuration).
			Msg("Session too short, not counting")
		return nil
	}

	seconds := int64(elapsed.Seconds())
	if err := t.usageStore.IncrementDailyUsage(ctx, session.DateKey, seconds, 0); err != nil {
		return fmt.Errorf("failed to aggregate daily usage: %w", err)
	}

	metrics.UsageSecondsRecorded.Add(float64(seconds))

	t.logger.Debug().
		Str("session_id", session.ID).
		Str("date", session.DateKey).
		Int64("seconds", seconds).
		Msg("Aggregated session to daily usage")

	return nil
}
