package carryover

import (
	"context"
	"fmt"

	"github.com/goodtune/quiztime/internal/storage"
)

// History is the stored score with every daily ledger, oldest first.
type History struct {
	Score   int64                 `json:"score"`
	Ledgers []storage.DailyLedger `json:"ledgers"`
}

// History returns the score and the ledger of every day seen so far.
func (s *Settler) History(ctx context.Context) (*History, error) {
	ledgers, err := s.ledgers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}
	score, err := s.ledgers.Score(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load score: %w", err)
	}
	if ledgers == nil {
		ledgers = []storage.DailyLedger{}
	}
	return &History{Score: score, Ledgers: ledgers}, nil
}

// Ledger returns the ledger for dateKey, or storage.ErrNotFound.
func (s *Settler) Ledger(ctx context.Context, dateKey string) (*storage.DailyLedger, error) {
	return s.ledgers.Get(ctx, dateKey)
}

// AdjustScore applies a manual correction to the score outside of daily
// settlement. Ledgers already opened keep their start of day score.
func (s *Settler) AdjustScore(ctx context.Context, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	score, err := s.ledgers.AddScore(ctx, delta)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Int64("delta", delta).
		Int64("score", score).
		Msg("Score adjusted")
	return score, nil
}
