package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryTypeDebit  EntryType = "DEBIT"
	EntryTypeCredit EntryType = "CREDIT"
)

// LedgerEntry is one leg of a transaction. Entries are append-only; every completed
// transaction owns exactly one DEBIT and one CREDIT of the same amount.
type LedgerEntry struct {
	ID            int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TransactionID string          `gorm:"type:char(36);not null;index:idx_ledger_entries_transaction" json:"transaction_id"`
	AccountID     string          `gorm:"type:char(36);not null;index:idx_ledger_entries_account_created,priority:1" json:"account_id"`
	EntryType     EntryType       `gorm:"type:varchar(8);not null" json:"entry_type"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	CreatedAt     time.Time       `gorm:"index:idx_ledger_entries_account_created,priority:2" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
