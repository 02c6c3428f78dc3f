package service

import (
	"context"
	"encoding/json"
	"time"

	"coinledger/internal/model"
	"coinledger/internal/repository"
)

// IdempotencyCheck is the outcome of looking a key up. A non-nil Payload means the
// key already completed and Payload must be returned unchanged.
type IdempotencyCheck struct {
	TransactionID string
	Payload       json.RawMessage
}

func (c IdempotencyCheck) Completed() bool {
	return c.Payload != nil
}

// IdempotencyStore guards keys inside the database transaction of an attempt.
type IdempotencyStore struct {
	records      *repository.IdempotencyRepository
	transactions *repository.TransactionRepository
}

func NewIdempotencyStore(records *repository.IdempotencyRepository, transactions *repository.TransactionRepository) *IdempotencyStore {
	return &IdempotencyStore{records: records, transactions: transactions}
}

// Check must run inside the attempt's transaction. A key whose transaction is still
// PENDING, or that is owned by a header without a live record, is a duplicate.
func (s *IdempotencyStore) Check(ctx context.Context, key string) (IdempotencyCheck, error) {
	rec, err := s.records.FindByKey(ctx, key)
	if err != nil {
		return IdempotencyCheck{}, err
	}

	if rec != nil {
		txn, err := s.transactions.GetByID(ctx, rec.TransactionID)
		if err != nil {
			return IdempotencyCheck{}, err
		}
		if txn.Status != model.TransactionStatusCompleted {
			return IdempotencyCheck{}, ErrDuplicateRequest(key)
		}
		return IdempotencyCheck{
			TransactionID: rec.TransactionID,
			Payload:       json.RawMessage(rec.ResponsePayload),
		}, nil
	}

	owner, err := s.transactions.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return IdempotencyCheck{}, err
	}
	if owner != nil {
		return IdempotencyCheck{}, newError(KindDuplicateRequest,
			"idempotency key "+key+" was already used by transaction "+owner.ID, nil)
	}
	return IdempotencyCheck{}, nil
}

// Store freezes payload for key. Call it only after the transaction is COMPLETED
// and inside the same database transaction.
func (s *IdempotencyStore) Store(ctx context.Context, key, transactionID string, payload []byte, ttl time.Duration) error {
	return s.records.Create(ctx, &model.IdempotencyRecord{
		IdempotencyKey:  key,
		TransactionID:   transactionID,
		ResponsePayload: string(payload),
		ExpiresAt:       time.Now().UTC().Add(ttl),
	})
}
