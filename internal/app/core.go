// Package app wires the timer engine, backends, rewards and settlement into
// the single facade the UI layer talks to.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/quiztime/internal/backend"
	"github.com/goodtune/quiztime/internal/bus"
	"github.com/goodtune/quiztime/internal/carryover"
	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/quota"
	"github.com/goodtune/quiztime/internal/reward"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/goodtune/quiztime/internal/usage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultRefreshInterval is how often pull-style backends are re-queried
const DefaultRefreshInterval = time.Second

// Components are the constructed parts Core coordinates. Tracker is optional.
type Components struct {
	Engine     *quota.Engine
	Reconciler *backend.Reconciler
	Rewards    *reward.Adapter
	Sizer      reward.Sizer
	Settler    *carryover.Settler
	Tracker    *usage.Tracker
	Views      *bus.Bus[backend.View]
	Quotes     *bus.Bus[carryover.Quote]
	Clock      clock.Clock

	RefreshInterval time.Duration
}

// Core is the UI contract.
type Core struct {
	Components

	mu     sync.Mutex
	cancel []func()
	logger zerolog.Logger
}

// New creates a core. Call Start before use.
func New(c Components, logger zerolog.Logger) *Core {
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	return &Core{
		Components: c,
		logger:     logger.With().Str("component", "core").Logger(),
	}
}

// Start brings up the backends, attaches the view listeners and runs the
// first settlement check and pending grant retry.
func (c *Core) Start(ctx context.Context) {
	c.Reconciler.Start(ctx)

	unsubscribe := c.Views.Subscribe(func(v backend.View) {
		if c.Tracker != nil {
			if err := c.Tracker.Observe(context.Background(), v.IsTracking); err != nil {
				c.logger.Error().Err(err).Msg("Failed to record usage")
			}
		}
		c.Settler.PublishPreview()
	})

	c.mu.Lock()
	c.cancel = append(c.cancel, unsubscribe)
	c.mu.Unlock()

	c.checkAndSettle(ctx)
	c.retryPending(ctx)
}

// Run ticks the engine and refreshes pull-style backends until ctx is done.
func (c *Core) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.Engine.Run(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(c.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				c.Reconciler.Refresh(gctx)
			}
		}
	})

	return g.Wait()
}

// Close detaches listeners and finalizes the usage session. The engine and
// buses are closed by their owner.
func (c *Core) Close(ctx context.Context) {
	c.mu.Lock()
	cancels := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.Reconciler.Stop()

	if c.Tracker != nil {
		if err := c.Tracker.Close(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Failed to finalize usage session")
		}
	}
}

// GrantReward credits seconds for sourceID at most once.
func (c *Core) GrantReward(ctx context.Context, sourceID string, seconds int64) (reward.Result, error) {
	return c.Rewards.Grant(ctx, sourceID, seconds)
}

// GrantAnswer credits a correctly answered question at the given difficulty.
func (c *Core) GrantAnswer(ctx context.Context, questionID, tier string) (reward.Result, error) {
	return c.Rewards.Grant(ctx, reward.QuestionSource(questionID), c.Sizer.ForAnswer(tier))
}

// GrantBonus credits the difficulty bonus for finishing quizID at tier, once
// per quiz and tier.
func (c *Core) GrantBonus(ctx context.Context, quizID, tier string) (reward.Result, error) {
	return c.Rewards.Grant(ctx, reward.BonusSource(quizID, tier), c.Sizer.ForBonus(tier))
}

// AnswerSeconds sizes the credit for a correct answer at tier.
func (c *Core) AnswerSeconds(tier string) int64 {
	return c.Sizer.ForAnswer(tier)
}

// GrantGoal credits a goal claimed on claimDate.
func (c *Core) GrantGoal(ctx context.Context, goalID, claimDate string, seconds int64) (reward.Result, error) {
	return c.Rewards.Grant(ctx, reward.GoalSource(goalID, claimDate), c.Sizer.ForGoal(seconds))
}

// SetTracking turns budget tracking on or off. It takes effect before the
// next tick.
func (c *Core) SetTracking(on bool) backend.View {
	c.Engine.SetTracking(on)
	return c.Reconciler.View()
}

// SetForeground records an app lifecycle transition. Coming to the
// foreground also runs the settlement check, retries pending grants and
// refreshes the backends.
func (c *Core) SetForeground(ctx context.Context, foreground bool) backend.View {
	if !foreground {
		c.Engine.SetForeground(false)
		return c.Reconciler.View()
	}

	// Settle first so the closing day is charged with the policy that was
	// in effect up to the day boundary
	c.checkAndSettle(ctx)
	c.Engine.SetForeground(true)
	c.retryPending(ctx)
	c.Reconciler.Refresh(ctx)

	return c.Reconciler.View()
}

// PreviewCarryover quotes the settlement of the current budget.
func (c *Core) PreviewCarryover() carryover.Quote {
	return c.Settler.Preview()
}

// History returns the score and every daily ledger.
func (c *Core) History(ctx context.Context) (*carryover.History, error) {
	return c.Settler.History(ctx)
}

// Ledger returns the ledger for dateKey.
func (c *Core) Ledger(ctx context.Context, dateKey string) (*storage.DailyLedger, error) {
	return c.Settler.Ledger(ctx, dateKey)
}

// AdjustScore applies a manual score correction and returns the new score.
func (c *Core) AdjustScore(ctx context.Context, delta int64) (int64, error) {
	return c.Settler.AdjustScore(ctx, delta)
}

// Settle runs the settlement check now.
func (c *Core) Settle(ctx context.Context) (*carryover.Result, error) {
	return c.Settler.CheckAndSettle(ctx, c.Clock.Now())
}

// Subscribe registers fn for merged view updates.
func (c *Core) Subscribe(fn func(backend.View)) func() {
	return c.Views.Subscribe(fn)
}

// SubscribeCarryover registers fn for carryover quote updates.
func (c *Core) SubscribeCarryover(fn func(carryover.Quote)) func() {
	return c.Quotes.Subscribe(fn)
}

// View returns the current merged view.
func (c *Core) View() backend.View {
	return c.Reconciler.View()
}

func (c *Core) checkAndSettle(ctx context.Context) {
	result, err := c.Settler.CheckAndSettle(ctx, c.Clock.Now())
	if err != nil {
		c.logger.Error().Err(err).Msg("Settlement check failed")
		return
	}
	if result.Outcome == carryover.OutcomeSettled {
		c.Reconciler.Refresh(ctx)
	}
}

func (c *Core) retryPending(ctx context.Context) {
	if _, err := c.Rewards.RetryPending(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Pending grant retry failed")
	}
}
