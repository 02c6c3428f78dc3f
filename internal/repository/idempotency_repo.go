package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// FindByKey returns nil, nil when the key has no record.
func (r *IdempotencyRepository) FindByKey(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := GetTx(ctx, r.db).Where("idempotency_key = ?", key).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *IdempotencyRepository) Create(ctx context.Context, rec *model.IdempotencyRecord) error {
	return GetTx(ctx, r.db).Create(rec).Error
}

// DeleteExpired removes up to limit records whose expiry is before now.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []int64
	err := GetTx(ctx, r.db).
		Model(&model.IdempotencyRecord{}).
		Where("expires_at < ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	result := GetTx(ctx, r.db).Where("id IN ?", ids).Delete(&model.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
