// Package testutil builds throwaway SQLite stores for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"coinledger/internal/infrastructure/database"
	"coinledger/internal/model"
	"coinledger/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DefaultAssets = []repository.AssetSeed{
	{Code: "GOLD_COIN", Name: "Gold Coin"},
	{Code: "DIAMOND", Name: "Diamond"},
	{Code: "LOYALTY_POINT", Name: "Loyalty Point"},
}

// NewDB opens a migrated and seeded SQLite database under t.TempDir. The pool is
// capped at one connection so SQLite sees a single writer at a time.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wallet.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	require.NoError(t, repository.Seed(context.Background(), db, DefaultAssets))
	return db
}

// CreateUserAccount inserts a user account with the given balance and returns it.
func CreateUserAccount(t *testing.T, db *gorm.DB, ownerID, assetCode, balance string) *model.Account {
	t.Helper()

	var asset model.AssetType
	require.NoError(t, db.Where("code = ?", assetCode).Take(&asset).Error)

	owner := ownerID
	account := &model.Account{
		ID:          uuid.NewString(),
		AccountType: model.AccountTypeUser,
		OwnerID:     &owner,
		AssetTypeID: asset.ID,
		Balance:     decimal.RequireFromString(balance),
	}
	require.NoError(t, db.Create(account).Error)
	return account
}

// SystemAccount returns the seeded system account for role and asset.
func SystemAccount(t *testing.T, db *gorm.DB, role model.SystemRole, assetCode string) *model.Account {
	t.Helper()

	var account model.Account
	err := db.Joins("JOIN asset_types ON asset_types.id = accounts.asset_type_id").
		Where("accounts.system_role = ? AND asset_types.code = ?", role, assetCode).
		Take(&account).Error
	require.NoError(t, err)
	return &account
}

// Reload reads an account back from the store.
func Reload(t *testing.T, db *gorm.DB, id string) *model.Account {
	t.Helper()

	var account model.Account
	require.NoError(t, db.Where("id = ?", id).Take(&account).Error)
	return &account
}
