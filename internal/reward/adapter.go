// Package reward turns reward events into idempotent time credits.
package reward

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/quiztime/internal/backend"
	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/metrics"
	"github.com/goodtune/quiztime/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize is the number of applied source ids kept in memory
const DefaultCacheSize = 1024

// ErrInvalidGrant is returned for an empty source id or non-positive seconds.
var ErrInvalidGrant = errors.New("reward: invalid grant")

// Status is the outcome of a grant.
type Status string

const (
	StatusGranted        Status = "granted"
	StatusAlreadyGranted Status = "already_granted"
	StatusPending        Status = "pending"
)

// Result describes a grant outcome.
type Result struct {
	SourceID string   `json:"source_id"`
	Seconds  int64    `json:"seconds"`
	Status   Status   `json:"status"`
	Accepted []string `json:"accepted,omitempty"`
}

// Crediter delivers credits to the timer backends.
type Crediter interface {
	CreditAll(ctx context.Context, seconds int64, source string) (backend.CreditResult, error)
}

// Adapter grants each source id at most once. Grants are serialized.
type Adapter struct {
	mu       sync.Mutex
	store    storage.CreditStore
	crediter Crediter
	applied  *lru.Cache[string, struct{}]
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewAdapter creates a reward adapter.
func NewAdapter(store storage.CreditStore, crediter Crediter, cacheSize int, clk clock.Clock, logger zerolog.Logger) (*Adapter, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	cache, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create applied cache: %w", err)
	}

	return &Adapter{
		store:    store,
		crediter: crediter,
		applied:  cache,
		clock:    clk,
		logger:   logger.With().Str("component", "reward-adapter").Logger(),
	}, nil
}

// Grant credits seconds for sourceID unless it was granted before. A failed
// delivery leaves the credit pending for RetryPending.
func (a *Adapter) Grant(ctx context.Context, sourceID string, seconds int64) (Result, error) {
	result := Result{SourceID: sourceID, Seconds: seconds}
	if sourceID == "" || seconds <= 0 {
		return result, fmt.Errorf("%w: source=%q seconds=%d", ErrInvalidGrant, sourceID, seconds)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.applied.Contains(sourceID) {
		return a.alreadyGranted(result), nil
	}

	existing, err := a.store.Get(ctx, sourceID)
	switch {
	case err == nil && existing.Status == storage.CreditApplied:
		a.applied.Add(sourceID, struct{}{})
		return a.alreadyGranted(result), nil
	case err == nil:
		// A pending credit from an earlier failed delivery keeps its seconds
		result.Seconds = existing.Seconds
		return a.deliver(ctx, result), nil
	case !errors.Is(err, storage.ErrNotFound):
		return result, fmt.Errorf("failed to look up credit %s: %w", sourceID, err)
	}

	reserved, err := a.store.Reserve(ctx, storage.RewardCredit{
		SourceID:  sourceID,
		Seconds:   seconds,
		Status:    storage.CreditPending,
		CreatedAt: a.clock.Now(),
	})
	if err != nil {
		return result, fmt.Errorf("failed to reserve credit %s: %w", sourceID, err)
	}
	if !reserved {
		return a.alreadyGranted(result), nil
	}

	return a.deliver(ctx, result), nil
}

// RetryPending redelivers every pending credit and returns how many were
// applied.
func (a *Adapter) RetryPending(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending credits: %w", err)
	}

	applied := 0
	for _, credit := range pending {
		if a.applied.Contains(credit.SourceID) {
			// Delivered already; only the ledger write failed
			if err := a.store.MarkApplied(ctx, credit.SourceID, a.clock.Now()); err != nil {
				a.logger.Error().Err(err).Str("source_id", credit.SourceID).Msg("Failed to mark credit applied")
				continue
			}
			applied++
			continue
		}

		result := a.deliver(ctx, Result{SourceID: credit.SourceID, Seconds: credit.Seconds})
		if result.Status == StatusGranted {
			applied++
		}
	}

	if len(pending) > 0 {
		a.logger.Info().
			Int("pending", len(pending)).
			Int("applied", applied).
			Msg("Retried pending credits")
	}

	return applied, nil
}

// deliver must be called with a.mu held.
func (a *Adapter) deliver(ctx context.Context, result Result) Result {
	credited, err := a.crediter.CreditAll(ctx, result.Seconds, result.SourceID)
	if err != nil {
		if recErr := a.store.RecordFailure(ctx, result.SourceID, err.Error()); recErr != nil {
			a.logger.Error().Err(recErr).Str("source_id", result.SourceID).Msg("Failed to record credit failure")
		}
		metrics.CreditsTotal.WithLabelValues(string(StatusPending)).Inc()
		a.logger.Warn().
			Err(err).
			Str("source_id", result.SourceID).
			Int64("seconds", result.Seconds).
			Msg("Credit delivery failed, will retry")
		result.Status = StatusPending
		return result
	}

	// The quota has been credited: never deliver this source again
	a.applied.Add(result.SourceID, struct{}{})

	if err := a.store.MarkApplied(ctx, result.SourceID, a.clock.Now()); err != nil {
		a.logger.Error().Err(err).Str("source_id", result.SourceID).Msg("Failed to mark credit applied")
	}

	metrics.CreditsTotal.WithLabelValues(string(StatusGranted)).Inc()
	metrics.CreditedSeconds.Add(float64(result.Seconds))

	a.logger.Info().
		Str("source_id", result.SourceID).
		Int64("seconds", result.Seconds).
		Strs("accepted", credited.Accepted).
		Msg("Reward granted")

	result.Status = StatusGranted
	result.Accepted = credited.Accepted
	return result
}

func (a *Adapter) alreadyGranted(result Result) Result {
	metrics.CreditsTotal.WithLabelValues(string(StatusAlreadyGranted)).Inc()
	a.logger.Debug().Str("source_id", result.SourceID).Msg("Reward already granted")
	result.Status = StatusAlreadyGranted
	return result
}

// Prune removes applied credits older than retentionDays.
func (a *Adapter) Prune(ctx context.Context, retentionDays int) (int, error) {
	cutoff := storage.RetentionCutoff(a.clock.Now(), retentionDays)
	deleted, err := a.store.DeleteAppliedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune credits: %w", err)
	}
	return deleted, nil
}
