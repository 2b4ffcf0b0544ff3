// Package backend merges the state reported by independent timer backends
// into one view.
//
// A backend is anything with a Name. What it can do is declared by the
// optional capability interfaces it also implements: reporting or pushing a
// budget, reporting today's usage, accepting credits and answering a probe.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/quiztime/internal/quota"
)

// ErrNoCreditBackend is returned when no available backend accepted a credit.
var ErrNoCreditBackend = errors.New("backend: no backend accepted the credit")

// Backend is a timer backend.
type Backend interface {
	Name() string
}

// BudgetReporter reports the authoritative budget state on request.
type BudgetReporter interface {
	Backend
	Budget(ctx context.Context) (quota.Snapshot, error)
}

// BudgetWatcher pushes budget changes as they happen.
type BudgetWatcher interface {
	Backend
	WatchBudget(fn func(quota.Snapshot)) (cancel func())
}

// UsageReporter reports cumulative device usage for the current day.
type UsageReporter interface {
	Backend
	UsageToday(ctx context.Context) (int64, error)
}

// CreditAcceptor accepts time credits.
type CreditAcceptor interface {
	Backend
	Credit(ctx context.Context, seconds int64, source string) error
}

// Prober reports whether the backend is usable on this device.
type Prober interface {
	Backend
	Probe(ctx context.Context) error
}

// Status describes one configured backend.
type Status struct {
	Name         string   `json:"name"`
	Available    bool     `json:"available"`
	Capabilities []string `json:"capabilities"`
	Error        string   `json:"error,omitempty"`
}

// View is the merged state published to subscribers. Budget fields come from
// the highest-priority budget backend; UsageTodaySeconds is display only.
type View struct {
	quota.Snapshot
	UsageTodaySeconds int64     `json:"usage_today_seconds"`
	BudgetSource      string    `json:"budget_source"`
	Backends          []Status  `json:"backends"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CreditResult reports which backends accepted a credit.
type CreditResult struct {
	Accepted []string          `json:"accepted"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func capabilities(b Backend) []string {
	caps := make([]string, 0, 5)
	if _, ok := b.(BudgetReporter); ok {
		caps = append(caps, "budget")
	}
	if _, ok := b.(BudgetWatcher); ok {
		caps = append(caps, "watch")
	}
	if _, ok := b.(UsageReporter); ok {
		caps = append(caps, "usage")
	}
	if _, ok := b.(CreditAcceptor); ok {
		caps = append(caps, "credit")
	}
	if _, ok := b.(Prober); ok {
		caps = append(caps, "probe")
	}
	return caps
}
