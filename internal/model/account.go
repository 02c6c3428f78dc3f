package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeSystem AccountType = "SYSTEM"
	AccountTypeUser   AccountType = "USER"
)

type SystemRole string

const (
	SystemRoleTreasury  SystemRole = "TREASURY"
	SystemRoleBonusPool SystemRole = "BONUS_POOL"
	SystemRoleRevenue   SystemRole = "REVENUE"
)

// Unlimited reports whether accounts holding the role may run a negative balance.
func (r SystemRole) Unlimited() bool {
	return r == SystemRoleTreasury || r == SystemRoleBonusPool
}

// Account holds the balance of one asset for either a user or a system role.
//
// A USER account has OwnerID set and SystemRole nil; a SYSTEM account the reverse.
// Version is bumped by exactly one on every balance change and guards the
// compare-and-set update in the repository.
type Account struct {
	ID          string          `gorm:"type:char(36);primaryKey" json:"id"`
	AccountType AccountType     `gorm:"type:varchar(16);not null" json:"account_type"`
	OwnerID     *string         `gorm:"type:varchar(64);uniqueIndex:idx_accounts_owner_asset" json:"owner_id,omitempty"`
	AssetTypeID string          `gorm:"type:char(36);not null;uniqueIndex:idx_accounts_owner_asset;uniqueIndex:idx_accounts_role_asset" json:"asset_type_id"`
	SystemRole  *SystemRole     `gorm:"type:varchar(16);uniqueIndex:idx_accounts_role_asset" json:"system_role,omitempty"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance"`
	IsUnlimited bool            `gorm:"not null" json:"is_unlimited"`
	Version     int64           `gorm:"not null" json:"version"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}
