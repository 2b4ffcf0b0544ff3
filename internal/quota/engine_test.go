package quota

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/quiztime/internal/clock"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu     sync.Mutex
	record *storage.QuotaRecord
	fail   bool
	saves  int
}

func (m *memStore) LoadSnapshot(ctx context.Context) (*storage.QuotaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return nil, storage.ErrNotFound
	}
	record := *m.record
	return &record, nil
}

func (m *memStore) SaveSnapshot(ctx context.Context, record storage.QuotaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.saves++
	m.record = &record
	return nil
}

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *memStore) saved() *storage.QuotaRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

var epoch = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store *memStore, config Config) (*Engine, *clock.TestClock) {
	t.Helper()

	clk := clock.NewTestClock(epoch)
	engine, err := NewEngine(context.Background(), store, config, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, clk
}

func TestSnapshotCredit(t *testing.T) {
	tests := []struct {
		name          string
		start         Snapshot
		credit        int64
		wantRemaining int64
		wantOvertime  int64
	}{
		{name: "refill budget", start: Snapshot{RemainingSeconds: 100}, credit: 50, wantRemaining: 150},
		{name: "partial pay down", start: Snapshot{OvertimeSeconds: 300}, credit: 100, wantOvertime: 200},
		{name: "exact pay down", start: Snapshot{OvertimeSeconds: 300}, credit: 300},
		{name: "pay down then refill", start: Snapshot{OvertimeSeconds: 300}, credit: 500, wantRemaining: 200},
		{name: "zero is no-op", start: Snapshot{OvertimeSeconds: 10}, credit: 0, wantOvertime: 10},
		{name: "negative is no-op", start: Snapshot{RemainingSeconds: 10}, credit: -5, wantRemaining: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.start.Credit(tt.credit)
			if got.RemainingSeconds != tt.wantRemaining || got.OvertimeSeconds != tt.wantOvertime {
				t.Errorf("expected remaining=%d overtime=%d, got remaining=%d overtime=%d",
					tt.wantRemaining, tt.wantOvertime, got.RemainingSeconds, got.OvertimeSeconds)
			}
		})
	}
}

func TestSnapshotConsume(t *testing.T) {
	tests := []struct {
		name          string
		start         Snapshot
		consume       int64
		wantRemaining int64
		wantOvertime  int64
	}{
		{name: "within budget", start: Snapshot{RemainingSeconds: 600}, consume: 100, wantRemaining: 500},
		{name: "exact zero crossing", start: Snapshot{RemainingSeconds: 600}, consume: 600},
		{name: "into overtime", start: Snapshot{RemainingSeconds: 600}, consume: 900, wantOvertime: 300},
		{name: "more overtime", start: Snapshot{OvertimeSeconds: 10}, consume: 5, wantOvertime: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.start.Consume(tt.consume)
			if got.RemainingSeconds != tt.wantRemaining || got.OvertimeSeconds != tt.wantOvertime {
				t.Errorf("expected remaining=%d overtime=%d, got remaining=%d overtime=%d",
					tt.wantRemaining, tt.wantOvertime, got.RemainingSeconds, got.OvertimeSeconds)
			}
		})
	}
}

func TestSnapshotNeverBothPositive(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := Snapshot{RemainingSeconds: 120}

	for i := 0; i < 10000; i++ {
		n := rng.Int63n(400) - 50
		if rng.Intn(2) == 0 {
			s = s.Credit(n)
		} else {
			s = s.Consume(n)
		}
		if s.RemainingSeconds > 0 && s.OvertimeSeconds > 0 {
			t.Fatalf("step %d: both positive: %+v", i, s)
		}
		if s.RemainingSeconds < 0 || s.OvertimeSeconds < 0 {
			t.Fatalf("step %d: negative balance: %+v", i, s)
		}
	}
}

func TestPolicyConsumes(t *testing.T) {
	tests := []struct {
		policy     Policy
		tracking   bool
		foreground bool
		want       bool
	}{
		{PolicyBackground, true, false, true},
		{PolicyBackground, true, true, false},
		{PolicyBackground, false, false, false},
		{PolicyForeground, true, true, true},
		{PolicyForeground, true, false, false},
		{PolicyForeground, false, true, false},
	}

	for _, tt := range tests {
		s := Snapshot{IsTracking: tt.tracking, IsForeground: tt.foreground}
		if got := tt.policy.Consumes(s); got != tt.want {
			t.Errorf("%s tracking=%v foreground=%v: expected %v, got %v",
				tt.policy, tt.tracking, tt.foreground, tt.want, got)
		}
	}

	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("expected unknown policy to fail")
	}
}

func TestEngineInitialGrant(t *testing.T) {
	store := &memStore{}
	engine, _ := newTestEngine(t, store, Config{DefaultGrant: 1800})

	snap := engine.Snapshot()
	if snap.RemainingSeconds != 1800 || snap.OvertimeSeconds != 0 {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}

	engine.Close()
	if saved := store.saved(); saved == nil || saved.RemainingSeconds != 1800 {
		t.Fatalf("expected initial snapshot persisted, got %+v", saved)
	}
}

func TestEngineRestoresSnapshot(t *testing.T) {
	store := &memStore{record: &storage.QuotaRecord{
		RemainingSeconds:  42,
		IsTracking:        true,
		LastUpdateEpochMs: epoch.UnixMilli(),
	}}
	engine, _ := newTestEngine(t, store, Config{DefaultGrant: 1800})
	defer engine.Close()

	snap := engine.Snapshot()
	if snap.RemainingSeconds != 42 || !snap.IsTracking {
		t.Fatalf("expected restored snapshot, got %+v", snap)
	}
}

func TestEngineOvertimeScenario(t *testing.T) {
	store := &memStore{}
	engine, clk := newTestEngine(t, store, Config{DefaultGrant: 0, Policy: PolicyBackground})
	defer engine.Close()

	engine.AddSeconds(600)
	if snap := engine.Snapshot(); snap.RemainingSeconds != 600 {
		t.Fatalf("expected 600 remaining, got %+v", snap)
	}

	engine.SetTracking(true)
	snap := engine.Tick(clk.Advance(900 * time.Second))
	if snap.RemainingSeconds != 0 || snap.OvertimeSeconds != 300 {
		t.Fatalf("expected remaining=0 overtime=300, got %+v", snap)
	}
}

func TestEnginePolicyGatesConsumption(t *testing.T) {
	tests := []struct {
		name         string
		policy       Policy
		foreground   bool
		wantConsumed bool
	}{
		{name: "background policy in background", policy: PolicyBackground, foreground: false, wantConsumed: true},
		{name: "background policy in foreground", policy: PolicyBackground, foreground: true, wantConsumed: false},
		{name: "foreground policy in foreground", policy: PolicyForeground, foreground: true, wantConsumed: true},
		{name: "foreground policy in background", policy: PolicyForeground, foreground: false, wantConsumed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, clk := newTestEngine(t, &memStore{}, Config{DefaultGrant: 100, Policy: tt.policy})
			defer engine.Close()

			engine.SetForeground(tt.foreground)
			engine.SetTracking(true)
			snap := engine.Tick(clk.Advance(30 * time.Second))

			consumed := snap.RemainingSeconds != 100
			if consumed != tt.wantConsumed {
				t.Errorf("expected consumed=%v, got snapshot %+v", tt.wantConsumed, snap)
			}
		})
	}
}

func TestEngineCarriesSubSecondRemainder(t *testing.T) {
	engine, clk := newTestEngine(t, &memStore{}, Config{DefaultGrant: 100})
	defer engine.Close()

	engine.SetTracking(true)
	engine.Tick(clk.Advance(1500 * time.Millisecond))
	snap := engine.Tick(clk.Advance(600 * time.Millisecond))

	if snap.RemainingSeconds != 98 {
		t.Fatalf("expected 2 whole seconds consumed across ticks, got %+v", snap)
	}
}

func TestEngineClockBackwards(t *testing.T) {
	engine, clk := newTestEngine(t, &memStore{}, Config{DefaultGrant: 100})
	defer engine.Close()

	engine.SetTracking(true)
	engine.Tick(clk.Advance(10 * time.Second))
	snap := engine.Tick(clk.Advance(-time.Hour))
	if snap.RemainingSeconds != 90 {
		t.Fatalf("expected no consumption on backwards clock, got %+v", snap)
	}

	snap = engine.Tick(clk.Advance(5 * time.Second))
	if snap.RemainingSeconds != 85 {
		t.Fatalf("expected consumption from new anchor, got %+v", snap)
	}
}

func TestEngineTransitionTicksFirst(t *testing.T) {
	engine, clk := newTestEngine(t, &memStore{}, Config{DefaultGrant: 100, Policy: PolicyBackground})
	defer engine.Close()

	engine.SetTracking(true)
	clk.Advance(20 * time.Second)

	// The 20s in background belong to the background phase
	snap := engine.SetForeground(true)
	if snap.RemainingSeconds != 80 {
		t.Fatalf("expected 20s consumed before foreground, got %+v", snap)
	}

	// Foreground time is not consumed under the background policy
	clk.Advance(50 * time.Second)
	snap = engine.SetForeground(false)
	if snap.RemainingSeconds != 80 {
		t.Fatalf("expected foreground time free, got %+v", snap)
	}

	clk.Advance(10 * time.Second)
	snap = engine.SetTracking(false)
	if snap.RemainingSeconds != 70 {
		t.Fatalf("expected 10s consumed before disarming, got %+v", snap)
	}

	snap = engine.Tick(clk.Advance(time.Hour))
	if snap.RemainingSeconds != 70 {
		t.Fatalf("expected no consumption while disarmed, got %+v", snap)
	}
}

func TestEngineAddSecondsNoop(t *testing.T) {
	engine, _ := newTestEngine(t, &memStore{}, Config{DefaultGrant: 10})
	defer engine.Close()

	calls := 0
	cancel := engine.OnChange(func(Snapshot) { calls++ })
	defer cancel()

	engine.AddSeconds(0)
	engine.AddSeconds(-30)
	if calls != 0 {
		t.Fatalf("expected no notifications for no-op credits, got %d", calls)
	}
	if snap := engine.Snapshot(); snap.RemainingSeconds != 10 {
		t.Fatalf("expected unchanged snapshot, got %+v", snap)
	}
}

func TestEngineHooksInOrder(t *testing.T) {
	engine, _ := newTestEngine(t, &memStore{}, Config{DefaultGrant: 0})
	defer engine.Close()

	var seen []int64
	cancel := engine.OnChange(func(s Snapshot) { seen = append(seen, s.RemainingSeconds) })

	engine.AddSeconds(10)
	engine.AddSeconds(20)
	engine.AddSeconds(30)
	cancel()
	engine.AddSeconds(40)

	want := []int64{10, 30, 60}
	if len(seen) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestEnginePersistFailureKeepsState(t *testing.T) {
	store := &memStore{}
	engine, _ := newTestEngine(t, store, Config{DefaultGrant: 0})

	store.setFail(true)
	snap := engine.AddSeconds(120)
	if snap.RemainingSeconds != 120 {
		t.Fatalf("expected in-memory credit despite write failure, got %+v", snap)
	}
	if got := engine.Snapshot(); got.RemainingSeconds != 120 {
		t.Fatalf("expected state intact, got %+v", got)
	}

	store.setFail(false)
	engine.AddSeconds(30)
	engine.Close()

	saved := store.saved()
	if saved == nil || saved.RemainingSeconds != 150 {
		t.Fatalf("expected next mutation to persist 150, got %+v", saved)
	}
}

func TestEngineRolloverSplitsAtBoundary(t *testing.T) {
	engine, clk := newTestEngine(t, &memStore{}, Config{DefaultGrant: 0})
	defer engine.Close()

	clk.Set(time.Date(2024, 1, 15, 23, 55, 0, 0, time.UTC))
	engine.AddSeconds(600)
	engine.SetTracking(true)

	boundary := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)
	clk.Set(boundary.Add(9 * time.Hour))

	var closing Snapshot
	final, err := engine.Rollover(boundary, 1800, func(s Snapshot) error {
		closing = s
		return nil
	})
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if closing.RemainingSeconds != 300 || closing.OvertimeSeconds != 0 {
		t.Fatalf("expected closing day to end with 300 remaining, got %+v", closing)
	}
	if final != closing {
		t.Errorf("expected returned snapshot to match applied one: %+v vs %+v", final, closing)
	}

	snap := engine.Snapshot()
	if snap.RemainingSeconds != 1800 || !snap.IsTracking || snap.LastUpdateEpochMs != boundary.UnixMilli() {
		t.Fatalf("unexpected rolled over snapshot: %+v", snap)
	}

	// The nine hours after the boundary belong to the new day
	snap = engine.Tick(clk.Now())
	if snap.RemainingSeconds != 0 || snap.OvertimeSeconds != 9*3600-1800 {
		t.Errorf("expected new day overtime %d, got %+v", 9*3600-1800, snap)
	}
}

func TestEngineRolloverKeepsLaterAnchor(t *testing.T) {
	engine, clk := newTestEngine(t, &memStore{}, Config{DefaultGrant: 60})
	defer engine.Close()

	engine.SetTracking(true)
	engine.Tick(clk.Advance(5 * time.Minute))
	anchor := engine.Snapshot().LastUpdateEpochMs

	// A boundary already behind the anchor consumes nothing more
	_, err := engine.Rollover(epoch.Add(-time.Hour), 1800, func(s Snapshot) error {
		if s.OvertimeSeconds != 240 {
			t.Errorf("expected closing overtime 240, got %+v", s)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}

	snap := engine.Snapshot()
	if snap.RemainingSeconds != 1800 || snap.OvertimeSeconds != 0 || snap.LastUpdateEpochMs != anchor {
		t.Fatalf("unexpected rolled over snapshot: %+v", snap)
	}
}

func TestEngineRolloverApplyFailure(t *testing.T) {
	engine, clk := newTestEngine(t, &memStore{}, Config{DefaultGrant: 600})
	defer engine.Close()

	engine.SetTracking(true)
	boundary := clk.Advance(time.Minute)
	clk.Advance(time.Hour)

	_, err := engine.Rollover(boundary, 1800, func(Snapshot) error {
		return errors.New("ledger unavailable")
	})
	if err == nil {
		t.Fatal("expected apply error to be returned")
	}

	// Consumed up to the boundary, budget not reset
	snap := engine.Snapshot()
	if snap.RemainingSeconds != 540 || snap.LastUpdateEpochMs != boundary.UnixMilli() {
		t.Fatalf("expected budget left at 540 anchored at boundary, got %+v", snap)
	}
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	engine, _ := newTestEngine(t, &memStore{}, Config{DefaultGrant: 60, TickInterval: time.Millisecond})
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngineConcurrentMutations(t *testing.T) {
	engine, clk := newTestEngine(t, &memStore{}, Config{DefaultGrant: 0})
	defer engine.Close()

	engine.SetTracking(true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			engine.AddSeconds(7)
		}()
		go func() {
			defer wg.Done()
			engine.Tick(clk.Advance(3 * time.Second))
		}()
	}
	wg.Wait()

	snap := engine.Snapshot()
	if snap.RemainingSeconds > 0 && snap.OvertimeSeconds > 0 {
		t.Fatalf("invariant violated: %+v", snap)
	}
}
