package backend

import (
	"context"

	"github.com/goodtune/quiztime/internal/quota"
)

// EngineBackend exposes the in-process timer engine as the push-style budget
// backend.
type EngineBackend struct {
	engine *quota.Engine
}

// NewEngineBackend wraps engine.
func NewEngineBackend(engine *quota.Engine) *EngineBackend {
	return &EngineBackend{engine: engine}
}

// Name implements Backend.
func (b *EngineBackend) Name() string { return "engine" }

// Budget implements BudgetReporter.
func (b *EngineBackend) Budget(ctx context.Context) (quota.Snapshot, error) {
	return b.engine.Snapshot(), nil
}

// WatchBudget implements BudgetWatcher.
func (b *EngineBackend) WatchBudget(fn func(quota.Snapshot)) func() {
	return b.engine.OnChange(fn)
}

// Credit implements CreditAcceptor.
func (b *EngineBackend) Credit(ctx context.Context, seconds int64, source string) error {
	b.engine.AddSeconds(seconds)
	return nil
}
