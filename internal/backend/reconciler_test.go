package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/quiztime/internal/bus"
	"github.com/goodtune/quiztime/internal/quota"
	"github.com/rs/zerolog"
)

type fakeBudget struct {
	name    string
	mu      sync.Mutex
	snap    quota.Snapshot
	err     error
	credits []int64
}

func (f *fakeBudget) Name() string { return f.name }

func (f *fakeBudget) Budget(ctx context.Context) (quota.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeBudget) Credit(ctx context.Context, seconds int64, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.credits = append(f.credits, seconds)
	f.snap = f.snap.Credit(seconds)
	return nil
}

type fakeUsage struct {
	name     string
	used     int64
	probeErr error
	creditFn func(seconds int64) error
}

func (f *fakeUsage) Name() string { return f.name }

func (f *fakeUsage) UsageToday(ctx context.Context) (int64, error) { return f.used, nil }

func (f *fakeUsage) Probe(ctx context.Context) error { return f.probeErr }

func (f *fakeUsage) Credit(ctx context.Context, seconds int64, source string) error {
	if f.creditFn != nil {
		return f.creditFn(seconds)
	}
	return nil
}

type fakeWatcher struct {
	fakeBudget
	mu2 sync.Mutex
	fns []func(quota.Snapshot)
}

func (f *fakeWatcher) WatchBudget(fn func(quota.Snapshot)) func() {
	f.mu2.Lock()
	f.fns = append(f.fns, fn)
	f.mu2.Unlock()
	return func() {
		f.mu2.Lock()
		f.fns = nil
		f.mu2.Unlock()
	}
}

func (f *fakeWatcher) push(s quota.Snapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()

	f.mu2.Lock()
	fns := append([]func(quota.Snapshot){}, f.fns...)
	f.mu2.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

type blockingProbe struct{}

func (blockingProbe) Name() string { return "slow" }

func (blockingProbe) Probe(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// stuckBackend ignores ctx and answers only when release is closed.
type stuckBackend struct {
	release chan struct{}
}

func (stuckBackend) Name() string { return "stuck" }

func (p stuckBackend) Probe(ctx context.Context) error {
	<-p.release
	return nil
}

func newTestReconciler(t *testing.T, backends ...Backend) (*Reconciler, chan View) {
	t.Helper()

	views := bus.New[View](0)
	t.Cleanup(views.Close)

	ch := make(chan View, 64)
	views.Subscribe(func(v View) { ch <- v })

	r := New(views, Config{InitTimeout: 200 * time.Millisecond}, zerolog.Nop(), backends...)
	t.Cleanup(r.Stop)
	return r, ch
}

func waitView(t *testing.T, ch chan View, match func(View) bool) View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for view")
			return View{}
		}
	}
}

func TestReconcilerPriorityResolvesConflicts(t *testing.T) {
	a := &fakeBudget{name: "a", snap: quota.Snapshot{RemainingSeconds: 300, IsTracking: true}}
	b := &fakeBudget{name: "b", snap: quota.Snapshot{RemainingSeconds: 900, IsTracking: false}}

	r, ch := newTestReconciler(t, a, b)
	r.Start(context.Background())

	v := waitView(t, ch, func(View) bool { return true })
	if v.BudgetSource != "a" {
		t.Errorf("expected budget source a, got %q", v.BudgetSource)
	}
	if !v.IsTracking || v.RemainingSeconds != 300 {
		t.Errorf("expected backend a state, got %+v", v.Snapshot)
	}
}

func TestReconcilerFallsBackWhenPrimaryUnavailable(t *testing.T) {
	a := &fakeBudget{name: "a", err: errors.New("not installed")}
	b := &fakeBudget{name: "b", snap: quota.Snapshot{RemainingSeconds: 900}}

	r, _ := newTestReconciler(t, a, b)
	r.Start(context.Background())

	v := r.View()
	if v.BudgetSource != "b" || v.RemainingSeconds != 900 {
		t.Errorf("expected backend b budget, got source=%q remaining=%d", v.BudgetSource, v.RemainingSeconds)
	}
	if v.Backends[0].Available || v.Backends[0].Error == "" {
		t.Errorf("expected backend a reported unavailable, got %+v", v.Backends[0])
	}
}

func TestReconcilerSumsUsage(t *testing.T) {
	a := &fakeBudget{name: "a", snap: quota.Snapshot{RemainingSeconds: 60}}
	u1 := &fakeUsage{name: "u1", used: 120}
	u2 := &fakeUsage{name: "u2", used: 30}
	u3 := &fakeUsage{name: "u3", used: 1000, probeErr: errors.New("no permission")}

	r, _ := newTestReconciler(t, a, u1, u2, u3)
	r.Start(context.Background())

	v := r.View()
	if v.UsageTodaySeconds != 150 {
		t.Errorf("expected usage 150, got %d", v.UsageTodaySeconds)
	}
	if v.RemainingSeconds != 60 {
		t.Errorf("usage must not touch budget, got remaining=%d", v.RemainingSeconds)
	}
}

func TestReconcilerProbeTimeout(t *testing.T) {
	a := &fakeBudget{name: "a", snap: quota.Snapshot{RemainingSeconds: 60}}

	r, _ := newTestReconciler(t, blockingProbe{}, a)

	start := time.Now()
	r.Start(context.Background())
	if time.Since(start) > time.Second {
		t.Errorf("start exceeded init timeout")
	}

	v := r.View()
	if v.Backends[0].Available {
		t.Error("expected blocking backend to be omitted")
	}
	if v.BudgetSource != "a" {
		t.Errorf("expected budget source a, got %q", v.BudgetSource)
	}
}

func TestReconcilerStartIgnoresBackendThatIgnoresContext(t *testing.T) {
	stuck := stuckBackend{release: make(chan struct{})}
	a := &fakeBudget{name: "a", snap: quota.Snapshot{RemainingSeconds: 60}}

	r, _ := newTestReconciler(t, stuck, a)

	start := time.Now()
	r.Start(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("start took %s with a 200ms init timeout", elapsed)
	}

	v := r.View()
	if v.Backends[0].Available || v.Backends[0].Error == "" {
		t.Errorf("expected stuck backend omitted with an error, got %+v", v.Backends[0])
	}
	if v.BudgetSource != "a" {
		t.Errorf("expected budget source a, got %q", v.BudgetSource)
	}

	// A late answer must not bring the backend back
	close(stuck.release)
	time.Sleep(50 * time.Millisecond)
	if r.View().Backends[0].Available {
		t.Error("expected late answer to be dropped")
	}
}

func TestReconcilerWatcherPushesView(t *testing.T) {
	w := &fakeWatcher{fakeBudget: fakeBudget{name: "engine", snap: quota.Snapshot{RemainingSeconds: 100}}}

	r, ch := newTestReconciler(t, w)
	r.Start(context.Background())

	w.push(quota.Snapshot{RemainingSeconds: 40, IsTracking: true})

	v := waitView(t, ch, func(v View) bool { return v.RemainingSeconds == 40 })
	if !v.IsTracking {
		t.Errorf("expected pushed tracking state, got %+v", v.Snapshot)
	}

	r.Stop()
	w.mu2.Lock()
	defer w.mu2.Unlock()
	if len(w.fns) != 0 {
		t.Error("expected watcher detached on stop")
	}
}

func TestReconcilerCreditAll(t *testing.T) {
	a := &fakeBudget{name: "a", snap: quota.Snapshot{OvertimeSeconds: 30}}
	u := &fakeUsage{name: "u", creditFn: func(int64) error { return errors.New("read only") }}

	r, _ := newTestReconciler(t, a, u)
	r.Start(context.Background())

	result, err := r.CreditAll(context.Background(), 90, "question:q1")
	if err != nil {
		t.Fatalf("credit all: %v", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != "a" {
		t.Errorf("expected accepted=[a], got %v", result.Accepted)
	}
	if _, ok := result.Failed["u"]; !ok {
		t.Errorf("expected failure recorded for u, got %v", result.Failed)
	}

	v := r.View()
	if v.RemainingSeconds != 60 || v.OvertimeSeconds != 0 {
		t.Errorf("expected refreshed view remaining=60 overtime=0, got %+v", v.Snapshot)
	}
}

func TestReconcilerCreditAllNoAcceptor(t *testing.T) {
	a := &fakeBudget{name: "a", snap: quota.Snapshot{RemainingSeconds: 60}}

	r, _ := newTestReconciler(t, a)
	r.Start(context.Background())

	a.mu.Lock()
	a.err = errors.New("offline")
	a.mu.Unlock()

	_, err := r.CreditAll(context.Background(), 60, "question:q1")
	if !errors.Is(err, ErrNoCreditBackend) {
		t.Errorf("expected ErrNoCreditBackend, got %v", err)
	}
}
