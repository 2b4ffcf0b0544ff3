package bolt

import (
	"context"

	"github.com/goodtune/quiztime/internal/storage"
	"go.etcd.io/bbolt"
)

type quotaStore struct {
	db *bbolt.DB
}

func (s *quotaStore) LoadSnapshot(ctx context.Context) (*storage.QuotaRecord, error) {
	return getBucketValue[storage.QuotaRecord](ctx, s.db, bucketQuota, keySnapshot)
}

func (s *quotaStore) SaveSnapshot(ctx context.Context, record storage.QuotaRecord) error {
	return putBucketValue(ctx, s.db, bucketQuota, keySnapshot, record)
}
