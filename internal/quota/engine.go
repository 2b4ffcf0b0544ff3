package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/metrics"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is how often Run advances the engine
	DefaultTickInterval = time.Second

	// DefaultPersistTimeout bounds a single snapshot write
	DefaultPersistTimeout = 5 * time.Second
)

// Config holds engine configuration
type Config struct {
	DefaultGrant   int64 // seconds granted on first start and after each settlement
	Policy         Policy
	TickInterval   time.Duration
	PersistTimeout time.Duration
}

type hook struct {
	id int
	fn func(Snapshot)
}

// Engine is the timer state machine. All mutations go through one mutex.
type Engine struct {
	mu       sync.Mutex
	snap     Snapshot
	hooks    []hook
	nextHook int
	closed   bool

	config Config
	store  storage.QuotaStore
	clock  clock.Clock
	logger zerolog.Logger

	persistCh chan Snapshot
	done      chan struct{}
}

// NewEngine restores the persisted snapshot, or creates one holding the
// default grant, and starts the persistence writer.
func NewEngine(ctx context.Context, store storage.QuotaStore, config Config, clk clock.Clock, logger zerolog.Logger) (*Engine, error) {
	if config.Policy == "" {
		config.Policy = PolicyBackground
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultPersistTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	e := &Engine{
		config:    config,
		store:     store,
		clock:     clk,
		logger:    logger.With().Str("component", "timer-engine").Logger(),
		persistCh: make(chan Snapshot, 1),
		done:      make(chan struct{}),
	}

	record, err := store.LoadSnapshot(ctx)
	switch {
	case err == nil:
		e.snap = fromRecord(*record)
		e.logger.Info().
			Int64("remaining_seconds", e.snap.RemainingSeconds).
			Int64("overtime_seconds", e.snap.OvertimeSeconds).
			Bool("tracking", e.snap.IsTracking).
			Msg("Restored quota snapshot")
	case errors.Is(err, storage.ErrNotFound):
		e.snap = Snapshot{
			RemainingSeconds:  config.DefaultGrant,
			LastUpdateEpochMs: clk.Now().UnixMilli(),
		}
		e.logger.Info().
			Int64("default_grant_seconds", config.DefaultGrant).
			Msg("Created initial quota snapshot")
	default:
		return nil, fmt.Errorf("load quota snapshot: %w", err)
	}

	go e.persistLoop()

	e.mu.Lock()
	e.commit()
	e.mu.Unlock()

	return e, nil
}

// Policy returns the configured consumption policy.
func (e *Engine) Policy() Policy {
	return e.config.Policy
}

// Snapshot returns the current state by value.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// Tick consumes the whole seconds elapsed since the last anchor if the engine
// is in a consuming state.
func (e *Engine) Tick(now time.Time) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.advance(now) > 0 {
		e.commit()
	}
	return e.snap
}

// AddSeconds credits n seconds. n <= 0 is a no-op.
func (e *Engine) AddSeconds(n int64) Snapshot {
	if n <= 0 {
		return e.Snapshot()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.advance(e.clock.Now())
	e.snap = e.snap.Credit(n)
	e.commit()

	e.logger.Debug().
		Int64("seconds", n).
		Int64("remaining_seconds", e.snap.RemainingSeconds).
		Int64("overtime_seconds", e.snap.OvertimeSeconds).
		Msg("Credited seconds")

	return e.snap
}

// SetTracking arms or disarms consumption. Elapsed time is settled under the
// previous flags first.
func (e *Engine) SetTracking(on bool) Snapshot {
	return e.transition(func(s *Snapshot) bool {
		if s.IsTracking == on {
			return false
		}
		s.IsTracking = on
		return true
	}, "tracking", on)
}

// SetForeground records the app lifecycle phase. Elapsed time is settled under
// the previous phase first.
func (e *Engine) SetForeground(foreground bool) Snapshot {
	return e.transition(func(s *Snapshot) bool {
		if s.IsForeground == foreground {
			return false
		}
		s.IsForeground = foreground
		return true
	}, "foreground", foreground)
}

func (e *Engine) transition(flip func(*Snapshot) bool, flag string, value bool) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	consumed := e.advance(now)
	changed := flip(&e.snap)
	if changed {
		// The sub-second remainder belongs to the previous phase
		e.snap.LastUpdateEpochMs = now.UnixMilli()
		e.logger.Debug().Bool(flag, value).Msg("Lifecycle transition")
	}
	if changed || consumed > 0 {
		e.commit()
	}
	return e.snap
}

// Rollover closes the budget day that ended at boundary and starts a new one
// holding grant seconds. Time tracked before boundary is consumed into the
// closing snapshot, which is passed to apply; time after boundary stays with
// the new day. apply runs with the engine lock held and must not call back
// into the engine. When apply fails the budget is left unreset.
func (e *Engine) Rollover(boundary time.Time, grant int64, apply func(final Snapshot) error) (final Snapshot, err error) {
	if grant < 0 {
		grant = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	boundaryMs := boundary.UnixMilli()
	if e.snap.LastUpdateEpochMs < boundaryMs {
		if e.advance(boundary) > 0 {
			e.commit()
		}
	}
	final = e.snap

	if err := apply(final); err != nil {
		return final, err
	}

	e.snap.RemainingSeconds = grant
	e.snap.OvertimeSeconds = 0
	if e.snap.LastUpdateEpochMs < boundaryMs {
		// Sub-second remainder of the closing day is dropped
		e.snap.LastUpdateEpochMs = boundaryMs
	}
	e.commit()

	e.logger.Info().
		Time("boundary", boundary).
		Int64("grant_seconds", grant).
		Msg("Quota rolled over")
	return final, nil
}

// OnChange registers fn to run after every committed mutation, in mutation
// order. fn runs with the engine lock held and must not call back into the
// engine.
func (e *Engine) OnChange(fn func(Snapshot)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextHook
	e.nextHook++
	e.hooks = append(e.hooks, hook{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, h := range e.hooks {
			if h.id == id {
				e.hooks = append(e.hooks[:i], e.hooks[i+1:]...)
				return
			}
		}
	}
}

// Run ticks the engine until ctx is cancelled. Elapsed time is computed from
// the wall clock, so ticks missed while suspended are recovered on resume.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.logger.Info().
		Dur("interval", e.config.TickInterval).
		Str("policy", string(e.config.Policy)).
		Msg("Timer engine started")

	for {
		select {
		case <-ctx.Done():
			e.Tick(e.clock.Now())
			e.logger.Info().Msg("Timer engine stopped")
			return
		case <-ticker.C:
			e.Tick(e.clock.Now())
		}
	}
}

// Close flushes the latest snapshot and stops the persistence writer.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.persistCh)
	e.mu.Unlock()

	<-e.done
}

// advance consumes elapsed whole seconds and returns how many were consumed.
// Must be called with the lock held.
func (e *Engine) advance(now time.Time) int64 {
	nowMs := now.UnixMilli()

	if !e.config.Policy.Consumes(e.snap) {
		e.snap.LastUpdateEpochMs = nowMs
		return 0
	}

	if nowMs < e.snap.LastUpdateEpochMs {
		e.logger.Warn().
			Int64("anchor_ms", e.snap.LastUpdateEpochMs).
			Int64("now_ms", nowMs).
			Msg("Clock moved backwards, re-anchoring")
		e.snap.LastUpdateEpochMs = nowMs
		return 0
	}

	elapsed := (nowMs - e.snap.LastUpdateEpochMs) / 1000
	if elapsed == 0 {
		return 0
	}

	e.snap = e.snap.Consume(elapsed)
	e.snap.LastUpdateEpochMs += elapsed * 1000
	metrics.ConsumedSeconds.WithLabelValues(phase(e.snap)).Add(float64(elapsed))

	return elapsed
}

// commit publishes the current snapshot to metrics, the writer and hooks.
// Must be called with the lock held.
func (e *Engine) commit() {
	snap := e.snap

	metrics.RemainingSeconds.Set(float64(snap.RemainingSeconds))
	metrics.OvertimeSeconds.Set(float64(snap.OvertimeSeconds))

	if !e.closed {
		// Keep only the latest snapshot queued
		select {
		case e.persistCh <- snap:
		default:
			select {
			case <-e.persistCh:
			default:
			}
			e.persistCh <- snap
		}
	}

	for _, h := range e.hooks {
		h.fn(snap)
	}
}

func (e *Engine) persistLoop() {
	defer close(e.done)

	for snap := range e.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.PersistTimeout)
		err := e.store.SaveSnapshot(ctx, toRecord(snap, e.clock.Now()))
		cancel()

		if err != nil {
			metrics.PersistFailures.Inc()
			e.logger.Error().Err(err).Msg("Failed to persist quota snapshot")
		}
	}
}
