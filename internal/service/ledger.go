package service

import (
	"context"
	"time"

	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"

	"github.com/shopspring/decimal"
)

// LedgerRecorder writes the two legs of every movement. It only ever appends.
type LedgerRecorder struct {
	entries *repository.LedgerRepository
}

func NewLedgerRecorder(entries *repository.LedgerRepository) *LedgerRecorder {
	return &LedgerRecorder{entries: entries}
}

func (l *LedgerRecorder) RecordDebit(ctx context.Context, transactionID, accountID string, amount, balanceAfter decimal.Decimal, at time.Time) (*model.LedgerEntry, error) {
	return l.record(ctx, model.EntryTypeDebit, transactionID, accountID, amount, balanceAfter, at)
}

func (l *LedgerRecorder) RecordCredit(ctx context.Context, transactionID, accountID string, amount, balanceAfter decimal.Decimal, at time.Time) (*model.LedgerEntry, error) {
	return l.record(ctx, model.EntryTypeCredit, transactionID, accountID, amount, balanceAfter, at)
}

func (l *LedgerRecorder) record(ctx context.Context, entryType model.EntryType, transactionID, accountID string, amount, balanceAfter decimal.Decimal, at time.Time) (*model.LedgerEntry, error) {
	entry := &model.LedgerEntry{
		ID:            idgen.NextID(),
		TransactionID: transactionID,
		AccountID:     accountID,
		EntryType:     entryType,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		CreatedAt:     at,
	}
	if err := l.entries.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *LedgerRecorder) GetAccountHistory(ctx context.Context, accountID string, limit, offset int) ([]*model.LedgerEntry, error) {
	return l.entries.ListByAccount(ctx, accountID, limit, offset)
}

func (l *LedgerRecorder) GetTransactionEntries(ctx context.Context, transactionID string) ([]*model.LedgerEntry, error) {
	return l.entries.ListByTransaction(ctx, transactionID)
}
