package service

import (
	"fmt"

	"coinledger/internal/model"

	"github.com/shopspring/decimal"
)

// ValidateSufficientBalance rejects a debit that would take a bounded account below
// zero. It must be called on a row that is already locked for update.
func ValidateSufficientBalance(account *model.Account, amount decimal.Decimal) error {
	if account.IsUnlimited {
		return nil
	}
	if account.Balance.LessThan(amount) {
		return newError(KindInsufficientBalance,
			fmt.Sprintf("balance (%s) is less than requested amount (%s)",
				account.Balance.StringFixed(2), amount.StringFixed(2)), nil)
	}
	return nil
}
