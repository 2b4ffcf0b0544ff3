package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/quiztime/internal/carryover"
	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/rs/zerolog"
)

type fakeSettler struct {
	calls []time.Time
	err   error
}

func (f *fakeSettler) CheckAndSettle(ctx context.Context, now time.Time) (*carryover.Result, error) {
	f.calls = append(f.calls, now)
	if f.err != nil {
		return nil, f.err
	}
	return &carryover.Result{Outcome: carryover.OutcomeSettled, DateKey: "2024-01-14"}, nil
}

type fakeRewards struct {
	retries       int
	pruneDays     int
	pruneReturned int
	err           error
}

func (f *fakeRewards) RetryPending(ctx context.Context) (int, error) {
	f.retries++
	return 0, f.err
}

func (f *fakeRewards) Prune(ctx context.Context, retentionDays int) (int, error) {
	f.pruneDays = retentionDays
	return f.pruneReturned, f.err
}

type fakeUsage struct {
	cutoff string
}

func (f *fakeUsage) GetDailyUsage(ctx context.Context, date string) (*storage.DailyUsage, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeUsage) IncrementDailyUsage(ctx context.Context, date string, used, credited int64) error {
	return nil
}

func (f *fakeUsage) DeleteDailyUsageBefore(ctx context.Context, cutoff string) (int, error) {
	f.cutoff = cutoff
	return 3, nil
}

func newTestScheduler(t *testing.T, settler Settler, rewards Rewards, usage storage.UsageStore) (*Scheduler, *clock.TestClock) {
	t.Helper()

	clk := clock.NewTestClock(time.Date(2024, 4, 1, 0, 0, 1, 0, time.UTC))
	s, err := New(settler, rewards, usage, Config{
		DayStart:            clock.DayStart{},
		RetryInterval:       time.Hour,
		CreditRetentionDays: 90,
		UsageRetentionDays:  30,
	}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, clk
}

func TestSettleJobUsesClock(t *testing.T) {
	settler := &fakeSettler{}
	s, clk := newTestScheduler(t, settler, &fakeRewards{}, nil)

	if err := s.settle(context.Background()); err != nil {
		t.Fatalf("settle job: %v", err)
	}
	if len(settler.calls) != 1 || !settler.calls[0].Equal(clk.Now()) {
		t.Errorf("expected one check at %v, got %v", clk.Now(), settler.calls)
	}
}

func TestSettleJobPropagatesError(t *testing.T) {
	settler := &fakeSettler{err: errors.New("store closed")}
	s, _ := newTestScheduler(t, settler, &fakeRewards{}, nil)

	if err := s.settle(context.Background()); err == nil {
		t.Error("expected settle job error")
	}
}

func TestRetryJob(t *testing.T) {
	rewards := &fakeRewards{}
	s, _ := newTestScheduler(t, &fakeSettler{}, rewards, nil)

	if err := s.retry(context.Background()); err != nil {
		t.Fatalf("retry job: %v", err)
	}
	if rewards.retries != 1 {
		t.Errorf("expected one retry, got %d", rewards.retries)
	}
}

func TestPruneJob(t *testing.T) {
	rewards := &fakeRewards{pruneReturned: 2}
	usage := &fakeUsage{}
	s, _ := newTestScheduler(t, &fakeSettler{}, rewards, usage)

	if err := s.prune(context.Background()); err != nil {
		t.Fatalf("prune job: %v", err)
	}
	if rewards.pruneDays != 90 {
		t.Errorf("expected credit retention 90 days, got %d", rewards.pruneDays)
	}
	if usage.cutoff != "2024-03-02" {
		t.Errorf("expected usage cutoff 2024-03-02, got %q", usage.cutoff)
	}
}

func TestPruneJobWithoutUsage(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSettler{}, &fakeRewards{}, nil)

	if err := s.prune(context.Background()); err != nil {
		t.Fatalf("prune job: %v", err)
	}
}

func TestSchedulerRegistersJobs(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSettler{}, &fakeRewards{}, nil)

	names := make(map[string]bool)
	for _, job := range s.sched.Jobs() {
		names[job.Name()] = true
	}
	for _, want := range []string{JobSettle, JobRetry, JobPrune} {
		if !names[want] {
			t.Errorf("expected job %s registered", want)
		}
	}
}
