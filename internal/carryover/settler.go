package carryover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/quiztime/internal/bus"
	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/metrics"
	"github.com/goodtune/quiztime/internal/quota"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is the result of a settlement check.
type Outcome string

const (
	OutcomeOpened         Outcome = "opened"
	OutcomeNoop           Outcome = "noop"
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
)

// Engine is the part of the timer engine settlement drives.
type Engine interface {
	Snapshot() quota.Snapshot
	Rollover(boundary time.Time, grant int64, apply func(final quota.Snapshot) error) (quota.Snapshot, error)
}

// Config holds settlement configuration
type Config struct {
	Rates        Rates
	DayStart     clock.DayStart
	DefaultGrant int64
}

// Result describes one settlement check.
type Result struct {
	ID           string  `json:"id"`
	Outcome      Outcome `json:"outcome"`
	DateKey      string  `json:"date_key"`
	NextDateKey  string  `json:"next_date_key,omitempty"`
	AppliedDelta int64   `json:"applied_delta"`
	Score        int64   `json:"score"`
	Quote        Quote   `json:"quote"`
}

// Settler applies the daily carryover at most once per day key.
type Settler struct {
	mu      sync.Mutex
	ledgers storage.LedgerStore
	engine  Engine
	quotes  *bus.Bus[Quote]
	config  Config
	logger  zerolog.Logger

	// quoteMu guards last. It is never held while s.mu is acquired.
	quoteMu sync.Mutex
	last    *Quote
}

// NewSettler creates a settler. quotes may be nil.
func NewSettler(ledgers storage.LedgerStore, engine Engine, quotes *bus.Bus[Quote], config Config, logger zerolog.Logger) *Settler {
	return &Settler{
		ledgers: ledgers,
		engine:  engine,
		quotes:  quotes,
		config:  config,
		logger:  logger.With().Str("component", "carryover").Logger(),
	}
}

// CheckAndSettle settles the open ledger when the day key of now has strictly
// advanced past it. It is safe to call on every foreground.
func (s *Settler) CheckAndSettle(ctx context.Context, now time.Time) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.config.DayStart.Key(now)
	result := &Result{ID: uuid.NewString(), DateKey: today}

	current, err := s.ledgers.Current(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.open(ctx, today, now, result)
	case err != nil:
		return nil, fmt.Errorf("failed to load current ledger: %w", err)
	}

	// Clock skew or same day: never settle unless the day strictly advanced
	if current.DateKey >= today {
		result.DateKey = current.DateKey
		result.Outcome = OutcomeNoop
		if score, err := s.ledgers.Score(ctx); err == nil {
			result.Score = score
		}
		result.Quote = QuoteFor(s.engine.Snapshot(), s.config.Rates)
		metrics.SettlementsTotal.WithLabelValues(string(OutcomeNoop)).Inc()
		return result, nil
	}

	if current.Settled {
		return s.open(ctx, today, now, result)
	}

	// The closing day ends at today's boundary, not at now
	boundary := s.config.DayStart.DayOf(now)
	var delta int64
	var settlement *storage.Settlement
	final, err := s.engine.Rollover(boundary, s.config.DefaultGrant, func(closing quota.Snapshot) error {
		delta = Delta(closing, s.config.Rates)
		var err error
		settlement, err = s.ledgers.Settle(ctx, current.DateKey, delta, now, storage.DailyLedger{
			DateKey:  today,
			OpenedAt: now,
		})
		return err
	})
	if errors.Is(err, storage.ErrAlreadySettled) {
		result.DateKey = current.DateKey
		result.Outcome = OutcomeAlreadySettled
		metrics.SettlementsTotal.WithLabelValues(string(OutcomeAlreadySettled)).Inc()
		s.logger.Warn().Str("date", current.DateKey).Msg("Ledger already settled")
		return result, nil
	}
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to settle %s: %w", current.DateKey, err)
	}

	quote, _ := s.publish(true)

	metrics.SettlementsTotal.WithLabelValues(string(OutcomeSettled)).Inc()
	metrics.SettlementDelta.Observe(float64(delta))

	s.logger.Info().
		Str("settlement_id", result.ID).
		Str("date", current.DateKey).
		Str("next_date", today).
		Time("boundary", boundary).
		Int64("remaining_seconds", final.RemainingSeconds).
		Int64("overtime_seconds", final.OvertimeSeconds).
		Int64("delta", delta).
		Int64("score", settlement.Score).
		Msg("Carryover settled")

	result.Outcome = OutcomeSettled
	result.DateKey = settlement.DateKey
	result.NextDateKey = settlement.Next.DateKey
	result.AppliedDelta = settlement.AppliedDelta
	result.Score = settlement.Score
	result.Quote = quote
	return result, nil
}

// open must be called with s.mu held.
func (s *Settler) open(ctx context.Context, today string, now time.Time, result *Result) (*Result, error) {
	ledger, err := s.ledgers.Open(ctx, storage.DailyLedger{DateKey: today, OpenedAt: now})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", today, err)
	}

	s.logger.Info().
		Str("date", ledger.DateKey).
		Int64("start_of_day_score", ledger.StartOfDayScore).
		Msg("Opened daily ledger")

	metrics.SettlementsTotal.WithLabelValues(string(OutcomeOpened)).Inc()

	result.Outcome = OutcomeOpened
	result.Score = ledger.StartOfDayScore
	result.Quote = QuoteFor(s.engine.Snapshot(), s.config.Rates)
	return result, nil
}

// Preview quotes what settling the current snapshot would apply.
func (s *Settler) Preview() Quote {
	return QuoteFor(s.engine.Snapshot(), s.config.Rates)
}

// PublishPreview publishes the current quote when it differs from the last
// one published. It reports whether anything was published.
func (s *Settler) PublishPreview() bool {
	_, published := s.publish(false)
	return published
}

// publish records the current quote and hands it to the quote bus. Unless
// force is set, an unchanged quote is not republished.
func (s *Settler) publish(force bool) (Quote, bool) {
	s.quoteMu.Lock()
	defer s.quoteMu.Unlock()

	quote := QuoteFor(s.engine.Snapshot(), s.config.Rates)
	if !force && s.last != nil && *s.last == quote {
		return quote, false
	}
	s.last = &quote
	if s.quotes != nil {
		s.quotes.Publish(quote)
	}
	return quote, true
}
