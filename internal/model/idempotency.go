package model

import "time"

// IdempotencyRecord freezes the response of a completed transaction so a retried
// request with the same key gets the same bytes back.
type IdempotencyRecord struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	IdempotencyKey  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_idempotency_store_idempotency_key" json:"idempotency_key"`
	TransactionID   string    `gorm:"type:char(36);not null" json:"transaction_id"`
	ResponsePayload string    `gorm:"type:text;not null" json:"response_payload"`
	ExpiresAt       time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_store"
}
