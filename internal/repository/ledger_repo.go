package repository

import (
	"context"
	"time"

	"coinledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerRepository appends and reads ledger entries. It never updates or deletes.
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// HistoryRow is a ledger entry joined with its asset code and transaction header.
type HistoryRow struct {
	EntryID         int64
	TransactionID   string
	TransactionType model.TransactionType
	AssetTypeCode   string
	EntryType       model.EntryType
	Amount          decimal.Decimal
	BalanceAfter    decimal.Decimal
	Metadata        model.Metadata
	CreatedAt       time.Time
}

func (r *LedgerRepository) Create(ctx context.Context, entry *model.LedgerEntry) error {
	return GetTx(ctx, r.db).Create(entry).Error
}

// ListByTransaction returns the legs of one transaction, oldest first.
func (r *LedgerRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := GetTx(ctx, r.db).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// ListByAccount pages through one account's entries, newest first.
func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := GetTx(ctx, r.db).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	return entries, err
}

// ListUserHistory pages through every entry on accounts owned by ownerID, newest
// first, optionally narrowed to one asset. total counts all matching entries.
func (r *LedgerRepository) ListUserHistory(ctx context.Context, ownerID, assetCode string, limit, offset int) ([]HistoryRow, int64, error) {
	query := func() *gorm.DB {
		q := GetTx(ctx, r.db).
			Table("ledger_entries").
			Joins("JOIN accounts ON accounts.id = ledger_entries.account_id").
			Joins("JOIN asset_types ON asset_types.id = accounts.asset_type_id").
			Joins("JOIN transactions ON transactions.id = ledger_entries.transaction_id").
			Where("accounts.account_type = ? AND accounts.owner_id = ?", model.AccountTypeUser, ownerID)
		if assetCode != "" {
			q = q.Where("asset_types.code = ?", assetCode)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []HistoryRow
	err := query().
		Select("ledger_entries.id AS entry_id, " +
			"ledger_entries.transaction_id AS transaction_id, " +
			"transactions.transaction_type AS transaction_type, " +
			"asset_types.code AS asset_type_code, " +
			"ledger_entries.entry_type AS entry_type, " +
			"ledger_entries.amount AS amount, " +
			"ledger_entries.balance_after AS balance_after, " +
			"transactions.metadata AS metadata, " +
			"ledger_entries.created_at AS created_at").
		Order("ledger_entries.created_at DESC, ledger_entries.id DESC").
		Limit(limit).
		Offset(offset).
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}
