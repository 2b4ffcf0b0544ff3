package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/quiztime/internal/config"
	"github.com/goodtune/quiztime/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		UsageTTL:     "2160h",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "soon"})
	if err == nil {
		t.Fatal("Expected invalid dial_timeout to fail")
	}
}

func TestQuotaStore_Snapshot(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if _, err := store.Quota().LoadSnapshot(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	record := storage.QuotaRecord{
		RemainingSeconds:  0,
		OvertimeSeconds:   300,
		IsTracking:        true,
		IsForeground:      true,
		LastUpdateEpochMs: 1705300000000,
		SavedAt:           time.Now(),
	}
	if err := store.Quota().SaveSnapshot(ctx, record); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	loaded, err := store.Quota().LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded.OvertimeSeconds != 300 || loaded.RemainingSeconds != 0 {
		t.Errorf("Unexpected balances: %+v", loaded)
	}
	if !loaded.IsTracking || !loaded.IsForeground {
		t.Errorf("Expected both flags set: %+v", loaded)
	}
	if loaded.LastUpdateEpochMs != record.LastUpdateEpochMs {
		t.Errorf("Expected anchor %d, got %d", record.LastUpdateEpochMs, loaded.LastUpdateEpochMs)
	}
}

func TestLedgerStore_OpenAndSettle(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledgers := store.Ledger()

	if _, err := ledgers.Current(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for current ledger, got %v", err)
	}

	if _, err := ledgers.AddScore(ctx, 100); err != nil {
		t.Fatalf("AddScore failed: %v", err)
	}

	opened, err := ledgers.Open(ctx, storage.DailyLedger{DateKey: "2024-01-15", OpenedAt: time.Now()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if opened.StartOfDayScore != 100 || opened.Settled {
		t.Errorf("Unexpected opened ledger: %+v", opened)
	}

	settlement, err := ledgers.Settle(ctx, "2024-01-15", -50, time.Now(), storage.DailyLedger{DateKey: "2024-01-16", OpenedAt: time.Now()})
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if settlement.Score != 50 {
		t.Errorf("Expected score 50, got %d", settlement.Score)
	}
	if settlement.Next.DateKey != "2024-01-16" || settlement.Next.StartOfDayScore != 50 {
		t.Errorf("Unexpected next ledger: %+v", settlement.Next)
	}

	current, err := ledgers.Current(ctx)
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if current.DateKey != "2024-01-16" {
		t.Errorf("Expected current 2024-01-16, got %s", current.DateKey)
	}

	prev, err := ledgers.Get(ctx, "2024-01-15")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !prev.Settled || prev.AppliedDelta != -50 || prev.SettledAt == nil {
		t.Errorf("Unexpected settled ledger: %+v", prev)
	}

	all, err := ledgers.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].DateKey != "2024-01-15" {
		t.Errorf("Unexpected ledger list: %+v", all)
	}
}

func TestLedgerStore_SettleTwice(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledgers := store.Ledger()

	if _, err := ledgers.Open(ctx, storage.DailyLedger{DateKey: "2024-01-15"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	next := storage.DailyLedger{DateKey: "2024-01-16"}
	for i := 0; i < 3; i++ {
		_, err := ledgers.Settle(ctx, "2024-01-15", 100, time.Now(), next)
		if i == 0 && err != nil {
			t.Fatalf("First Settle failed: %v", err)
		}
		if i > 0 && !errors.Is(err, storage.ErrAlreadySettled) {
			t.Fatalf("Expected ErrAlreadySettled on attempt %d, got %v", i+1, err)
		}
	}

	score, err := ledgers.Score(ctx)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != 100 {
		t.Errorf("Expected delta applied once (score 100), got %d", score)
	}

	if _, err := ledgers.Settle(ctx, "2023-12-31", 5, time.Now(), next); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown ledger, got %v", err)
	}
}

func TestCreditStore_ReserveAndApply(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	credits := store.Credits()
	now := time.Now()

	credit := storage.RewardCredit{SourceID: "goal:read-book:2024-01-15", Seconds: 300, CreatedAt: now}

	reserved, err := credits.Reserve(ctx, credit)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !reserved {
		t.Fatal("Expected first Reserve to succeed")
	}

	reserved, err = credits.Reserve(ctx, credit)
	if err != nil {
		t.Fatalf("Second Reserve failed: %v", err)
	}
	if reserved {
		t.Fatal("Expected duplicate Reserve to be rejected")
	}

	if err := credits.RecordFailure(ctx, credit.SourceID, "timeout"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	pending, err := credits.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending credit, got %d", len(pending))
	}
	if pending[0].Attempts != 1 || pending[0].LastError != "timeout" || pending[0].Seconds != 300 {
		t.Errorf("Unexpected pending credit: %+v", pending[0])
	}

	if err := credits.MarkApplied(ctx, credit.SourceID, now); err != nil {
		t.Fatalf("MarkApplied failed: %v", err)
	}

	got, err := credits.Get(ctx, credit.SourceID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != storage.CreditApplied || got.AppliedAt == nil || got.LastError != "" {
		t.Errorf("Unexpected applied credit: %+v", got)
	}

	pending, err = credits.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending credits, got %d", len(pending))
	}

	if err := credits.MarkApplied(ctx, "missing", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := credits.RecordFailure(ctx, "missing", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreditStore_DeleteAppliedBefore(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	credits := store.Credits()
	now := time.Now()

	for _, id := range []string{"question:old", "question:new", "question:pending"} {
		if _, err := credits.Reserve(ctx, storage.RewardCredit{SourceID: id, Seconds: 60, CreatedAt: now}); err != nil {
			t.Fatalf("Reserve %s failed: %v", id, err)
		}
	}
	_ = credits.MarkApplied(ctx, "question:old", now.Add(-100*24*time.Hour))
	_ = credits.MarkApplied(ctx, "question:new", now)

	deleted, err := credits.DeleteAppliedBefore(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteAppliedBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted credit, got %d", deleted)
	}

	if _, err := credits.Get(ctx, "question:old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected pruned credit to be gone, got %v", err)
	}
	if _, err := credits.Get(ctx, "question:pending"); err != nil {
		t.Errorf("Pending credit must survive pruning: %v", err)
	}
}

func TestUsageStore_IncrementDailyUsage(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usageStore := store.Usage()
	date := "2024-01-15"

	if err := usageStore.IncrementDailyUsage(ctx, date, 60, 0); err != nil {
		t.Fatalf("IncrementDailyUsage failed: %v", err)
	}
	if err := usageStore.IncrementDailyUsage(ctx, date, 30, 120); err != nil {
		t.Fatalf("Second IncrementDailyUsage failed: %v", err)
	}

	usage, err := usageStore.GetDailyUsage(ctx, date)
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	if usage.UsedSeconds != 90 || usage.CreditedSeconds != 120 {
		t.Errorf("Unexpected usage: %+v", usage)
	}

	if ttl := mr.TTL(usageKey(date)); ttl <= 0 {
		t.Errorf("Expected TTL on usage row, got %v", ttl)
	}
}

func TestUsageStore_DeleteDailyUsageBefore(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usageStore := store.Usage()

	for _, date := range []string{"2024-01-01", "2024-01-02", "2024-01-10"} {
		if err := usageStore.IncrementDailyUsage(ctx, date, 10, 0); err != nil {
			t.Fatalf("IncrementDailyUsage failed: %v", err)
		}
	}

	deleted, err := usageStore.DeleteDailyUsageBefore(ctx, "2024-01-05")
	if err != nil {
		t.Fatalf("DeleteDailyUsageBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted rows, got %d", deleted)
	}

	if _, err := usageStore.GetDailyUsage(ctx, "2024-01-10"); err != nil {
		t.Errorf("Expected newer row to remain: %v", err)
	}
}
