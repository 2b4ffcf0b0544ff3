package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/quiztime/internal/storage"
	"go.etcd.io/bbolt"
)

type ledgerStore struct {
	db *bbolt.DB
}

func (s *ledgerStore) Current(ctx context.Context) (*storage.DailyLedger, error) {
	var ledger *storage.DailyLedger
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := tx.Bucket([]byte(bucketMeta)).Get([]byte(keyCurrentLedger))
		if key == nil {
			return storage.ErrNotFound
		}
		result, err := readValue[storage.DailyLedger](tx, bucketLedgers, string(key))
		if err != nil {
			return err
		}
		ledger = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func (s *ledgerStore) Get(ctx context.Context, dateKey string) (*storage.DailyLedger, error) {
	return getBucketValue[storage.DailyLedger](ctx, s.db, bucketLedgers, dateKey)
}

func (s *ledgerStore) List(ctx context.Context) ([]storage.DailyLedger, error) {
	return listBucket[storage.DailyLedger](ctx, s.db, bucketLedgers)
}

func (s *ledgerStore) Open(ctx context.Context, ledger storage.DailyLedger) (*storage.DailyLedger, error) {
	if ledger.DateKey == "" {
		return nil, fmt.Errorf("date key is required")
	}

	var opened *storage.DailyLedger
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := openLedger(tx, ledger)
		if err != nil {
			return err
		}
		opened = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// openLedger creates ledger if absent, stamping the current score, and points
// the current ledger at it.
func openLedger(tx *bbolt.Tx, ledger storage.DailyLedger) (*storage.DailyLedger, error) {
	existing, err := readValue[storage.DailyLedger](tx, bucketLedgers, ledger.DateKey)
	switch {
	case err == nil:
		ledger = *existing
	case errors.Is(err, storage.ErrNotFound):
		score, err := readScore(tx)
		if err != nil {
			return nil, err
		}
		ledger.StartOfDayScore = score
		ledger.Settled = false
		ledger.AppliedDelta = 0
		ledger.SettledAt = nil
		if err := writeValue(tx, bucketLedgers, ledger.DateKey, ledger); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := tx.Bucket([]byte(bucketMeta)).Put([]byte(keyCurrentLedger), []byte(ledger.DateKey)); err != nil {
		return nil, err
	}
	return &ledger, nil
}

func (s *ledgerStore) Settle(ctx context.Context, dateKey string, delta int64, settledAt time.Time, next storage.DailyLedger) (*storage.Settlement, error) {
	var settlement *storage.Settlement
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		prev, err := readValue[storage.DailyLedger](tx, bucketLedgers, dateKey)
		if err != nil {
			return fmt.Errorf("load ledger %s: %w", dateKey, err)
		}
		if prev.Settled {
			return storage.ErrAlreadySettled
		}

		score, err := readScore(tx)
		if err != nil {
			return err
		}
		score += delta
		if err := writeScore(tx, score); err != nil {
			return err
		}

		prev.Settled = true
		prev.AppliedDelta = delta
		prev.SettledAt = &settledAt
		if err := writeValue(tx, bucketLedgers, dateKey, prev); err != nil {
			return err
		}

		opened, err := openLedger(tx, next)
		if err != nil {
			return err
		}

		settlement = &storage.Settlement{
			DateKey:      dateKey,
			AppliedDelta: delta,
			Score:        score,
			Next:         *opened,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

func (s *ledgerStore) Score(ctx context.Context) (int64, error) {
	var score int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		score, err = readScore(tx)
		return err
	})
	return score, err
}

func (s *ledgerStore) AddScore(ctx context.Context, delta int64) (int64, error) {
	var score int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		current, err := readScore(tx)
		if err != nil {
			return err
		}
		score = current + delta
		return writeScore(tx, score)
	})
	if err != nil {
		return 0, fmt.Errorf("add score: %w", err)
	}
	return score, nil
}
