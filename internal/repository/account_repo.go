package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"coinledger/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// UserBalance is one row of a user's balance sheet.
type UserBalance struct {
	AccountID     string
	AssetTypeCode string
	Balance       decimal.Decimal
}

func (r *AccountRepository) FindAssetTypeByCode(ctx context.Context, code string) (*model.AssetType, error) {
	var asset model.AssetType
	err := GetTx(ctx, r.db).Where("code = ?", code).Take(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetTypeNotFound
		}
		return nil, err
	}
	return &asset, nil
}

// ResolveUserAccountID looks up the account owned by ownerID for the asset.
func (r *AccountRepository) ResolveUserAccountID(ctx context.Context, ownerID, assetCode string) (string, error) {
	asset, err := r.FindAssetTypeByCode(ctx, assetCode)
	if err != nil {
		return "", err
	}
	return r.resolveID(ctx, "account_type = ? AND owner_id = ? AND asset_type_id = ?",
		model.AccountTypeUser, ownerID, asset.ID)
}

// ResolveSystemAccountID looks up the system account playing role for the asset.
func (r *AccountRepository) ResolveSystemAccountID(ctx context.Context, role model.SystemRole, assetCode string) (string, error) {
	asset, err := r.FindAssetTypeByCode(ctx, assetCode)
	if err != nil {
		return "", err
	}
	return r.resolveID(ctx, "account_type = ? AND system_role = ? AND asset_type_id = ?",
		model.AccountTypeSystem, role, asset.ID)
}

func (r *AccountRepository) resolveID(ctx context.Context, query string, args ...interface{}) (string, error) {
	var account model.Account
	err := GetTx(ctx, r.db).Select("id").Where(query, args...).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrAccountNotFound
		}
		return "", err
	}
	return account.ID, nil
}

// LockAccountsInOrder takes an exclusive row lock on every id, always in ascending
// id order whatever order the caller passed, and returns the locked rows in that
// order. Two transactions touching the same pair of accounts therefore queue on the
// same first row instead of deadlocking. Duplicate ids are locked once.
func (r *AccountRepository) LockAccountsInOrder(ctx context.Context, ids []string) ([]*model.Account, error) {
	ordered := SortedUnique(ids)

	tx := GetTx(ctx, r.db)
	accounts := make([]*model.Account, 0, len(ordered))
	for _, id := range ordered {
		var account model.Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&account).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrAccountNotFound
			}
			return nil, err
		}
		accounts = append(accounts, &account)
	}
	return accounts, nil
}

// SortedUnique returns ids in the global lock order.
func SortedUnique(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UpdateBalance is a compare-and-set on the version column. It fails with
// ErrVersionConflict when the row changed since expectedVersion was read.
func (r *AccountRepository) UpdateBalance(ctx context.Context, id string, newBalance decimal.Decimal, expectedVersion int64) error {
	result := GetTx(ctx, r.db).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := GetTx(ctx, r.db).Where("id = ?", id).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindUserBalances lists every account of ownerID with its asset code.
func (r *AccountRepository) FindUserBalances(ctx context.Context, ownerID string) ([]UserBalance, error) {
	var rows []UserBalance
	err := GetTx(ctx, r.db).
		Table("accounts").
		Select("accounts.id AS account_id, asset_types.code AS asset_type_code, accounts.balance AS balance").
		Joins("JOIN asset_types ON asset_types.id = accounts.asset_type_id").
		Where("accounts.account_type = ? AND accounts.owner_id = ?", model.AccountTypeUser, ownerID).
		Order("asset_types.code ASC").
		Scan(&rows).Error
	return rows, err
}

// GetOrCreateUserAccount opens a zero-balance account for ownerID if none exists.
// created is false when the account was already there.
func (r *AccountRepository) GetOrCreateUserAccount(ctx context.Context, ownerID, assetCode string) (account *model.Account, created bool, err error) {
	asset, err := r.FindAssetTypeByCode(ctx, assetCode)
	if err != nil {
		return nil, false, err
	}

	owner := ownerID
	candidate := &model.Account{
		ID:          uuid.NewString(),
		AccountType: model.AccountTypeUser,
		OwnerID:     &owner,
		AssetTypeID: asset.ID,
		Balance:     decimal.Zero,
	}
	result := GetTx(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "asset_type_id"}},
			DoNothing: true,
		}).
		Create(candidate)
	if result.Error != nil {
		return nil, false, result.Error
	}

	id, err := r.ResolveUserAccountID(ctx, ownerID, assetCode)
	if err != nil {
		return nil, false, err
	}
	account, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return account, id == candidate.ID, nil
}
