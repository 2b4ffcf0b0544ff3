package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/quiztime/internal/bus"
	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/metrics"
	"github.com/goodtune/quiztime/internal/quota"
	"github.com/rs/zerolog"
)

// DefaultInitTimeout bounds the startup probe of each backend
const DefaultInitTimeout = 2 * time.Second

// Config holds reconciler configuration
type Config struct {
	InitTimeout time.Duration
	Clock       clock.Clock
}

type entry struct {
	backend   Backend
	available bool
	err       string
	budget    *quota.Snapshot
	usage     int64
}

// Reconciler merges backends in priority order and publishes the merged View.
type Reconciler struct {
	mu      sync.RWMutex
	entries []*entry
	cancels []func()
	started bool

	bus    *bus.Bus[View]
	config Config
	logger zerolog.Logger
}

// New creates a reconciler. backends are given in priority order: the first
// available budget backend owns the budget fields.
func New(views *bus.Bus[View], config Config, logger zerolog.Logger, backends ...Backend) *Reconciler {
	if config.InitTimeout <= 0 {
		config.InitTimeout = DefaultInitTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}

	entries := make([]*entry, len(backends))
	for i, b := range backends {
		entries[i] = &entry{backend: b}
	}

	return &Reconciler{
		entries: entries,
		bus:     views,
		config:  config,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

type probeResult struct {
	err    error
	budget *quota.Snapshot
	usage  int64
}

// Start probes and queries every backend concurrently, bounded by the init
// timeout. Backends that fail are omitted; Start itself never fails.
func (r *Reconciler) Start(ctx context.Context) {
	initCtx, cancel := context.WithTimeout(ctx, r.config.InitTimeout)
	defer cancel()

	type indexed struct {
		i   int
		res probeResult
	}
	// Buffered so late backends never block after Start has moved on
	done := make(chan indexed, len(r.entries))
	for i, e := range r.entries {
		i, b := i, e.backend
		go func() {
			done <- indexed{i: i, res: probe(initCtx, b)}
		}()
	}

	results := make([]probeResult, len(r.entries))
	answered := make([]bool, len(r.entries))
collect:
	for range r.entries {
		select {
		case d := <-done:
			results[d.i] = d.res
			answered[d.i] = true
		case <-initCtx.Done():
			break collect
		}
	}
	for i := range results {
		if !answered[i] {
			results[i] = probeResult{err: fmt.Errorf("no answer within %s", r.config.InitTimeout)}
		}
	}

	r.mu.Lock()
	for i, e := range r.entries {
		res := results[i]
		name := e.backend.Name()
		if res.err != nil {
			e.available = false
			e.err = res.err.Error()
			metrics.BackendAvailable.WithLabelValues(name).Set(0)
			r.logger.Warn().Err(res.err).Str("backend", name).Msg("Backend unavailable, omitting")
			continue
		}
		e.available = true
		e.err = ""
		e.budget = res.budget
		e.usage = res.usage
		metrics.BackendAvailable.WithLabelValues(name).Set(1)
		r.logger.Info().
			Str("backend", name).
			Strs("capabilities", capabilities(e.backend)).
			Msg("Backend available")
	}
	r.started = true
	r.mu.Unlock()

	// Watchers are attached outside the lock: their first push may arrive
	// synchronously from another goroutine holding the backend's own lock.
	for _, e := range r.entries {
		if !e.available {
			continue
		}
		watcher, ok := e.backend.(BudgetWatcher)
		if !ok {
			continue
		}
		name := watcher.Name()
		cancelWatch := watcher.WatchBudget(func(s quota.Snapshot) {
			r.onBudget(name, s)
		})
		r.mu.Lock()
		r.cancels = append(r.cancels, cancelWatch)
		r.mu.Unlock()
	}

	r.publish()
}

func probe(ctx context.Context, b Backend) probeResult {
	var res probeResult

	if p, ok := b.(Prober); ok {
		if err := p.Probe(ctx); err != nil {
			res.err = fmt.Errorf("probe: %w", err)
			return res
		}
	}

	if br, ok := b.(BudgetReporter); ok {
		s, err := br.Budget(ctx)
		if err != nil {
			res.err = fmt.Errorf("query budget: %w", err)
			return res
		}
		res.budget = &s
	}

	if ur, ok := b.(UsageReporter); ok {
		usage, err := ur.UsageToday(ctx)
		if err != nil {
			res.err = fmt.Errorf("query usage: %w", err)
			return res
		}
		res.usage = usage
	}

	if err := ctx.Err(); err != nil {
		res.err = err
	}
	return res
}

// Stop detaches budget watchers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (r *Reconciler) onBudget(name string, s quota.Snapshot) {
	r.mu.Lock()
	for _, e := range r.entries {
		if e.backend.Name() == name && e.available {
			snap := s
			e.budget = &snap
		}
	}
	r.mu.Unlock()

	r.publish()
}

// Refresh re-pulls pull-style backends. Backends are queried without holding
// the reconciler lock.
func (r *Reconciler) Refresh(ctx context.Context) {
	r.mu.RLock()
	available := make([]Backend, 0, len(r.entries))
	for _, e := range r.entries {
		if e.available {
			available = append(available, e.backend)
		}
	}
	r.mu.RUnlock()

	type pulled struct {
		name   string
		budget *quota.Snapshot
		usage  *int64
	}
	updates := make([]pulled, 0, len(available))

	for _, b := range available {
		p := pulled{name: b.Name()}
		if br, ok := b.(BudgetReporter); ok {
			if _, push := b.(BudgetWatcher); !push {
				s, err := br.Budget(ctx)
				if err != nil {
					r.logger.Warn().Err(err).Str("backend", p.name).Msg("Failed to refresh budget")
				} else {
					p.budget = &s
				}
			}
		}
		if ur, ok := b.(UsageReporter); ok {
			usage, err := ur.UsageToday(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Str("backend", p.name).Msg("Failed to refresh usage")
			} else {
				p.usage = &usage
			}
		}
		updates = append(updates, p)
	}

	changed := false
	r.mu.Lock()
	for _, u := range updates {
		for _, e := range r.entries {
			if e.backend.Name() != u.name {
				continue
			}
			if u.budget != nil && (e.budget == nil || *e.budget != *u.budget) {
				e.budget = u.budget
				changed = true
			}
			if u.usage != nil && e.usage != *u.usage {
				e.usage = *u.usage
				changed = true
			}
		}
	}
	r.mu.Unlock()

	if changed {
		r.publish()
	}
}

// CreditAll broadcasts a credit to every available credit acceptor. It
// succeeds when at least one backend accepted it.
func (r *Reconciler) CreditAll(ctx context.Context, seconds int64, source string) (CreditResult, error) {
	r.mu.RLock()
	acceptors := make([]CreditAcceptor, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.available {
			continue
		}
		if ca, ok := e.backend.(CreditAcceptor); ok {
			acceptors = append(acceptors, ca)
		}
	}
	r.mu.RUnlock()

	result := CreditResult{Accepted: make([]string, 0, len(acceptors))}
	for _, ca := range acceptors {
		if err := ca.Credit(ctx, seconds, source); err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[ca.Name()] = err.Error()
			metrics.BackendCreditErrors.WithLabelValues(ca.Name()).Inc()
			r.logger.Warn().
				Err(err).
				Str("backend", ca.Name()).
				Str("source_id", source).
				Msg("Backend rejected credit")
			continue
		}
		result.Accepted = append(result.Accepted, ca.Name())
	}

	if len(result.Accepted) == 0 {
		return result, fmt.Errorf("credit %s: %w", source, ErrNoCreditBackend)
	}

	if len(result.Failed) > 0 {
		r.logger.Info().
			Str("source_id", source).
			Strs("accepted", result.Accepted).
			Msg("Credit partially applied")
	}

	r.Refresh(ctx)
	return result, nil
}

// View returns the current merged view.
func (r *Reconciler) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewLocked()
}

func (r *Reconciler) viewLocked() View {
	v := View{
		Backends:  make([]Status, 0, len(r.entries)),
		UpdatedAt: r.config.Clock.Now(),
	}

	for _, e := range r.entries {
		v.Backends = append(v.Backends, Status{
			Name:         e.backend.Name(),
			Available:    e.available,
			Capabilities: capabilities(e.backend),
			Error:        e.err,
		})
		if !e.available {
			continue
		}
		if v.BudgetSource == "" && e.budget != nil {
			v.Snapshot = *e.budget
			v.BudgetSource = e.backend.Name()
		}
		if _, ok := e.backend.(UsageReporter); ok {
			v.UsageTodaySeconds += e.usage
		}
	}

	return v
}

func (r *Reconciler) publish() {
	r.mu.RLock()
	if !r.started {
		r.mu.RUnlock()
		return
	}
	v := r.viewLocked()
	r.mu.RUnlock()

	r.bus.Publish(v)
}
