package repository

import (
	"context"
	"fmt"

	"coinledger/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AssetSeed struct {
	Code string
	Name string
}

var systemRoles = []model.SystemRole{
	model.SystemRoleTreasury,
	model.SystemRoleBonusPool,
	model.SystemRoleRevenue,
}

// Seed makes sure every asset exists together with its three system accounts.
// Running it again changes nothing.
func Seed(ctx context.Context, db *gorm.DB, assets []AssetSeed) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range assets {
			asset := model.AssetType{}
			err := tx.Where(model.AssetType{Code: a.Code}).
				Attrs(model.AssetType{ID: uuid.NewString(), Name: a.Name, IsActive: true}).
				FirstOrCreate(&asset).Error
			if err != nil {
				return fmt.Errorf("seed asset %s: %w", a.Code, err)
			}

			for _, role := range systemRoles {
				role := role
				account := &model.Account{
					ID:          uuid.NewString(),
					AccountType: model.AccountTypeSystem,
					AssetTypeID: asset.ID,
					SystemRole:  &role,
					Balance:     decimal.Zero,
					IsUnlimited: role.Unlimited(),
				}
				err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "asset_type_id"}, {Name: "system_role"}},
					DoNothing: true,
				}).Create(account).Error
				if err != nil {
					return fmt.Errorf("seed %s account for %s: %w", role, a.Code, err)
				}
			}
		}
		return nil
	})
}
