package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) error {
	return GetTx(ctx, r.db).Create(txn).Error
}

// MarkCompleted moves a PENDING header to COMPLETED. It is the only status
// transition the engine performs.
func (r *TransactionRepository) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	result := GetTx(ctx, r.db).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusPending).
		Updates(map[string]interface{}{
			"status":       model.TransactionStatusCompleted,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotPending
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	var txn model.Transaction
	err := GetTx(ctx, r.db).Where("id = ?", id).Take(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// GetByIdempotencyKey returns nil, nil when no header owns the key.
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	var txn model.Transaction
	err := GetTx(ctx, r.db).Where("idempotency_key = ?", key).Take(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// CountStalePending counts headers still PENDING that were created before cutoff.
func (r *TransactionRepository) CountStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := GetTx(ctx, r.db).
		Model(&model.Transaction{}).
		Where("status = ? AND created_at < ?", model.TransactionStatusPending, cutoff).
		Count(&n).Error
	return n, err
}

func (r *TransactionRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := GetTx(ctx, r.db).
		Where("status = ? AND created_at < ?", model.TransactionStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}
