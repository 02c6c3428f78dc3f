package model

import "time"

type TransactionType string

const (
	TransactionTypeTopUp TransactionType = "TOP_UP"
	TransactionTypeBonus TransactionType = "BONUS"
	TransactionTypeSpend TransactionType = "SPEND"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Transaction is the header of one balance movement. It is inserted PENDING at the
// start of an attempt and flipped to COMPLETED in the same database transaction.
type Transaction struct {
	ID              string            `gorm:"type:char(36);primaryKey" json:"id"`
	IdempotencyKey  string            `gorm:"type:varchar(255);not null;uniqueIndex:idx_transactions_idempotency_key" json:"idempotency_key"`
	TransactionType TransactionType   `gorm:"type:varchar(16);not null" json:"transaction_type"`
	Status          TransactionStatus `gorm:"type:varchar(16);not null;index:idx_transactions_status_created,priority:1" json:"status"`
	Metadata        Metadata          `json:"metadata"`
	CreatedAt       time.Time         `gorm:"index:idx_transactions_status_created,priority:2" json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

func (Transaction) TableName() string {
	return "transactions"
}
