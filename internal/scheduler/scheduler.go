// Package scheduler runs the periodic maintenance jobs: day-boundary
// settlement, pending grant retries and retention pruning.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/goodtune/quiztime/internal/carryover"
	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/metrics"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/rs/zerolog"
)

const (
	JobSettle = "carryover-settle"
	JobRetry  = "retry-pending"
	JobPrune  = "retention-prune"

	// DefaultJobTimeout bounds a single job run
	DefaultJobTimeout = 30 * time.Second
)

// Settler runs the day-boundary settlement check.
type Settler interface {
	CheckAndSettle(ctx context.Context, now time.Time) (*carryover.Result, error)
}

// Rewards retries and prunes reward credits.
type Rewards interface {
	RetryPending(ctx context.Context) (int, error)
	Prune(ctx context.Context, retentionDays int) (int, error)
}

// Config holds scheduler configuration
type Config struct {
	DayStart            clock.DayStart
	RetryInterval       time.Duration
	CreditRetentionDays int
	UsageRetentionDays  int
	JobTimeout          time.Duration
}

// Scheduler owns the gocron scheduler and its jobs.
type Scheduler struct {
	sched   gocron.Scheduler
	settler Settler
	rewards Rewards
	usage   storage.UsageStore
	config  Config
	clock   clock.Clock
	logger  zerolog.Logger
}

// New registers the jobs. usage may be nil when usage tracking is disabled.
func New(settler Settler, rewards Rewards, usage storage.UsageStore, config Config, clk clock.Clock, logger zerolog.Logger) (*Scheduler, error) {
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Hour
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultJobTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		sched:   sched,
		settler: settler,
		rewards: rewards,
		usage:   usage,
		config:  config,
		clock:   clk,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}

	// One second past the boundary so the new day key is unambiguous
	atBoundary := gocron.NewAtTimes(gocron.NewAtTime(uint(config.DayStart.Hour), uint(config.DayStart.Minute), 1))

	jobs := []struct {
		name string
		def  gocron.JobDefinition
		fn   func(context.Context) error
	}{
		{name: JobSettle, def: gocron.DailyJob(1, atBoundary), fn: s.settle},
		{name: JobRetry, def: gocron.DurationJob(config.RetryInterval), fn: s.retry},
		{name: JobPrune, def: gocron.DailyJob(1, atBoundary), fn: s.prune},
	}

	for _, job := range jobs {
		name, fn := job.name, job.fn
		_, err := sched.NewJob(
			job.def,
			gocron.NewTask(func() { s.run(name, fn) }),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("failed to register job %s: %w", name, err)
		}
	}

	return s, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
	s.logger.Info().
		Str("day_start", s.config.DayStart.String()).
		Dur("retry_interval", s.config.RetryInterval).
		Msg("Scheduler started")
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() error {
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Error().Err(err).Str("job", name).Msg("Job failed")
		return
	}
	metrics.JobRunsTotal.WithLabelValues(name, "ok").Inc()
	s.logger.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Job finished")
}

func (s *Scheduler) settle(ctx context.Context) error {
	result, err := s.settler.CheckAndSettle(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("outcome", string(result.Outcome)).
		Str("date", result.DateKey).
		Msg("Day boundary check complete")
	return nil
}

func (s *Scheduler) retry(ctx context.Context) error {
	_, err := s.rewards.RetryPending(ctx)
	return err
}

func (s *Scheduler) prune(ctx context.Context) error {
	credits, err := s.rewards.Prune(ctx, s.config.CreditRetentionDays)
	if err != nil {
		return err
	}

	var rows int
	var cutoff string
	if s.usage != nil && s.config.UsageRetentionDays > 0 {
		cutoff = storage.RetentionCutoff(s.clock.Now(), s.config.UsageRetentionDays).Format(clock.DateLayout)
		rows, err = s.usage.DeleteDailyUsageBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune daily usage: %w", err)
		}
	}

	s.logger.Info().
		Int("credits_deleted", credits).
		Int("usage_rows_deleted", rows).
		Str("usage_cutoff_date", cutoff).
		Msg("Retention prune complete")
	return nil
}
