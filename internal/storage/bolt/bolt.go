package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/quiztime/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketQuota      = "quota"
	bucketLedgers    = "ledgers"
	bucketMeta       = "meta"
	bucketCredits    = "credits"
	bucketDailyUsage = "usage_daily"

	keySnapshot      = "snapshot"
	keyCurrentLedger = "current_ledger"
	keyScore         = "score"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			bucketQuota,
			bucketLedgers,
			bucketMeta,
			bucketCredits,
			bucketDailyUsage,
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Quota returns the quota snapshot store.
func (s *Store) Quota() storage.QuotaStore { return &quotaStore{db: s.db} }

// Ledger returns the daily ledger store.
func (s *Store) Ledger() storage.LedgerStore { return &ledgerStore{db: s.db} }

// Credits returns the reward credit store.
func (s *Store) Credits() storage.CreditStore { return &creditStore{db: s.db} }

// Usage returns the daily usage store.
func (s *Store) Usage() storage.UsageStore { return &usageStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func listBucket[T any](ctx context.Context, db *bbolt.DB, bucket string) ([]T, error) {
	items := make([]T, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := readValue[T](tx, bucket, key)
		if err != nil {
			return err
		}
		item = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func putBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

// readValue decodes key from bucket inside an open transaction.
func readValue[T any](tx *bbolt.Tx, bucket string, key string) (*T, error) {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil, storage.ErrNotFound
	}
	value := b.Get([]byte(key))
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var result T
	if err := unmarshal(value, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// writeValue encodes value under key inside an open write transaction.
func writeValue(tx *bbolt.Tx, bucket string, key string, value any) error {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("bucket missing: %s", bucket)
	}
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func readScore(tx *bbolt.Tx) (int64, error) {
	b := tx.Bucket([]byte(bucketMeta))
	if b == nil {
		return 0, fmt.Errorf("bucket missing: %s", bucketMeta)
	}
	raw := b.Get([]byte(keyScore))
	if raw == nil {
		return 0, nil
	}
	score, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score: %w", err)
	}
	return score, nil
}

func writeScore(tx *bbolt.Tx, score int64) error {
	b := tx.Bucket([]byte(bucketMeta))
	if b == nil {
		return fmt.Errorf("bucket missing: %s", bucketMeta)
	}
	return b.Put([]byte(keyScore), []byte(strconv.FormatInt(score, 10)))
}
