package model

import "time"

// AssetType is one fungible currency, e.g. GOLD_COIN. Rows are never mutated after seeding.
type AssetType struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	Code      string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_asset_types_code" json:"code"`
	Name      string    `gorm:"type:varchar(64);not null" json:"name"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (AssetType) TableName() string {
	return "asset_types"
}
