package service

import (
	"context"
	"errors"
	"strings"

	"coinledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type BalanceInfo struct {
	AssetTypeCode string `json:"assetTypeCode"`
	Balance       string `json:"balance"`
}

type UserBalances struct {
	UserID   string        `json:"userId"`
	Balances []BalanceInfo `json:"balances"`
}

type AccountView struct {
	AccountID     string `json:"accountId"`
	UserID        string `json:"userId"`
	AssetTypeCode string `json:"assetTypeCode"`
	Balance       string `json:"balance"`
	Created       bool   `json:"created"`
}

type AccountService struct {
	accountRepo *repository.AccountRepository
	logger      *zap.Logger
}

func NewAccountService(db *gorm.DB, logger *zap.Logger) *AccountService {
	return &AccountService{
		accountRepo: repository.NewAccountRepository(db),
		logger:      logger.Named("accounts"),
	}
}

// GetUserBalances lists every balance the user holds, ordered by asset code.
func (s *AccountService) GetUserBalances(ctx context.Context, userID string) (*UserBalances, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrValidation("userId is required")
	}

	rows, err := s.accountRepo.FindUserBalances(ctx, userID)
	if err != nil {
		return nil, newError(KindInternal, "load balances", err)
	}

	out := &UserBalances{UserID: userID, Balances: make([]BalanceInfo, 0, len(rows))}
	for _, r := range rows {
		out.Balances = append(out.Balances, BalanceInfo{
			AssetTypeCode: r.AssetTypeCode,
			Balance:       r.Balance.StringFixed(2),
		})
	}
	return out, nil
}

// OpenUserAccount returns the user's account for the asset, creating an empty one
// the first time.
func (s *AccountService) OpenUserAccount(ctx context.Context, userID, assetCode string) (*AccountView, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(assetCode) == "" {
		return nil, ErrValidation("userId and assetTypeCode are required")
	}

	account, created, err := s.accountRepo.GetOrCreateUserAccount(ctx, userID, assetCode)
	if err != nil {
		if errors.Is(err, repository.ErrAssetTypeNotFound) {
			return nil, newError(KindAssetTypeNotFound, "asset type not found: "+assetCode, err)
		}
		return nil, newError(KindInternal, "open account", err)
	}
	if created {
		s.logger.Info("User account opened",
			zap.String("user_id", userID),
			zap.String("asset", assetCode),
			zap.String("account_id", account.ID))
	}

	return &AccountView{
		AccountID:     account.ID,
		UserID:        userID,
		AssetTypeCode: assetCode,
		Balance:       account.Balance.StringFixed(2),
		Created:       created,
	}, nil
}
