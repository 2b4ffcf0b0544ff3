package bolt

import (
	"context"
	"time"

	"github.com/goodtune/quiztime/internal/storage"
	"go.etcd.io/bbolt"
)

type creditStore struct {
	db *bbolt.DB
}

func (s *creditStore) Get(ctx context.Context, sourceID string) (*storage.RewardCredit, error) {
	return getBucketValue[storage.RewardCredit](ctx, s.db, bucketCredits, sourceID)
}

func (s *creditStore) Reserve(ctx context.Context, credit storage.RewardCredit) (bool, error) {
	reserved := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketCredits))
		if b.Get([]byte(credit.SourceID)) != nil {
			return nil
		}
		credit.Status = storage.CreditPending
		if err := writeValue(tx, bucketCredits, credit.SourceID, credit); err != nil {
			return err
		}
		reserved = true
		return nil
	})
	return reserved, err
}

func (s *creditStore) MarkApplied(ctx context.Context, sourceID string, appliedAt time.Time) error {
	return s.update(ctx, sourceID, func(credit *storage.RewardCredit) {
		credit.Status = storage.CreditApplied
		credit.AppliedAt = &appliedAt
		credit.LastError = ""
	})
}

func (s *creditStore) RecordFailure(ctx context.Context, sourceID string, reason string) error {
	return s.update(ctx, sourceID, func(credit *storage.RewardCredit) {
		credit.Attempts++
		credit.LastError = reason
	})
}

func (s *creditStore) update(ctx context.Context, sourceID string, mutate func(*storage.RewardCredit)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		credit, err := readValue[storage.RewardCredit](tx, bucketCredits, sourceID)
		if err != nil {
			return err
		}
		mutate(credit)
		return writeValue(tx, bucketCredits, sourceID, credit)
	})
}

func (s *creditStore) ListPending(ctx context.Context) ([]storage.RewardCredit, error) {
	all, err := listBucket[storage.RewardCredit](ctx, s.db, bucketCredits)
	if err != nil {
		return nil, err
	}
	pending := make([]storage.RewardCredit, 0)
	for _, credit := range all {
		if credit.Status == storage.CreditPending {
			pending = append(pending, credit)
		}
	}
	return pending, nil
}

func (s *creditStore) DeleteAppliedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketCredits))
		var expired [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var credit storage.RewardCredit
			if err := unmarshal(v, &credit); err != nil {
				return err
			}
			if credit.Status != storage.CreditApplied || credit.AppliedAt == nil {
				continue
			}
			if credit.AppliedAt.Before(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
