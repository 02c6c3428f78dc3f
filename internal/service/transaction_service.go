package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"coinledger/internal/model"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

type LedgerEntryView struct {
	AccountID string          `json:"accountId"`
	EntryType model.EntryType `json:"entryType"`
	Amount    string          `json:"amount"`
}

type TransactionDetail struct {
	TransactionID string                  `json:"transactionId"`
	Type          model.TransactionType   `json:"type"`
	Status        model.TransactionStatus `json:"status"`
	LedgerEntries []LedgerEntryView       `json:"ledgerEntries"`
	CreatedAt     time.Time               `json:"createdAt"`
	CompletedAt   *time.Time              `json:"completedAt,omitempty"`
	Metadata      model.Metadata          `json:"metadata,omitempty"`
}

type HistoryQuery struct {
	UserID        string
	AssetTypeCode string
	Limit         int
	Offset        int
}

type HistoryItem struct {
	TransactionID string                `json:"transactionId"`
	Type          model.TransactionType `json:"type"`
	AssetTypeCode string                `json:"assetTypeCode"`
	EntryType     model.EntryType       `json:"entryType"`
	// Amount is signed: "+" for credits to the user, "-" for debits.
	Amount       string         `json:"amount"`
	BalanceAfter string         `json:"balanceAfter"`
	CreatedAt    time.Time      `json:"createdAt"`
	Metadata     model.Metadata `json:"metadata,omitempty"`
}

type Pagination struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

type TransactionHistory struct {
	UserID        string        `json:"userId"`
	AssetTypeCode string        `json:"assetTypeCode,omitempty"`
	Transactions  []HistoryItem `json:"transactions"`
	Pagination    Pagination    `json:"pagination"`
}

// TransactionService answers read-only questions about recorded movements.
type TransactionService struct {
	transactions *repository.TransactionRepository
	entries      *repository.LedgerRepository
	ledger       *LedgerRecorder
}

func NewTransactionService(db *gorm.DB) *TransactionService {
	entries := repository.NewLedgerRepository(db)
	return &TransactionService{
		transactions: repository.NewTransactionRepository(db),
		entries:      entries,
		ledger:       NewLedgerRecorder(entries),
	}
}

func (s *TransactionService) GetTransactionDetail(ctx context.Context, id string) (*TransactionDetail, error) {
	txn, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, newError(KindTransactionNotFound, "transaction not found: "+id, err)
		}
		return nil, newError(KindInternal, "load transaction", err)
	}

	entries, err := s.ledger.GetTransactionEntries(ctx, id)
	if err != nil {
		return nil, newError(KindInternal, "load ledger entries", err)
	}

	detail := &TransactionDetail{
		TransactionID: txn.ID,
		Type:          txn.TransactionType,
		Status:        txn.Status,
		LedgerEntries: make([]LedgerEntryView, 0, len(entries)),
		CreatedAt:     txn.CreatedAt,
		CompletedAt:   txn.CompletedAt,
	}
	if len(txn.Metadata) > 0 {
		detail.Metadata = txn.Metadata
	}
	for _, e := range entries {
		detail.LedgerEntries = append(detail.LedgerEntries, LedgerEntryView{
			AccountID: e.AccountID,
			EntryType: e.EntryType,
			Amount:    e.Amount.StringFixed(2),
		})
	}
	return detail, nil
}

// GetUserHistory pages through the user's ledger entries, newest first.
func (s *TransactionService) GetUserHistory(ctx context.Context, q HistoryQuery) (*TransactionHistory, error) {
	if strings.TrimSpace(q.UserID) == "" {
		return nil, ErrValidation("userId is required")
	}
	if q.Limit == 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit < 1 || q.Limit > MaxHistoryLimit {
		return nil, ErrValidation("limit must be between 1 and 100")
	}
	if q.Offset < 0 {
		return nil, ErrValidation("offset must not be negative")
	}

	rows, total, err := s.entries.ListUserHistory(ctx, q.UserID, q.AssetTypeCode, q.Limit, q.Offset)
	if err != nil {
		return nil, newError(KindInternal, "load history", err)
	}

	out := &TransactionHistory{
		UserID:        q.UserID,
		AssetTypeCode: q.AssetTypeCode,
		Transactions:  make([]HistoryItem, 0, len(rows)),
		Pagination:    Pagination{Limit: q.Limit, Offset: q.Offset, Total: total},
	}
	for _, r := range rows {
		sign := "+"
		if r.EntryType == model.EntryTypeDebit {
			sign = "-"
		}
		item := HistoryItem{
			TransactionID: r.TransactionID,
			Type:          r.TransactionType,
			AssetTypeCode: r.AssetTypeCode,
			EntryType:     r.EntryType,
			Amount:        sign + r.Amount.StringFixed(2),
			BalanceAfter:  r.BalanceAfter.StringFixed(2),
			CreatedAt:     r.CreatedAt,
		}
		if len(r.Metadata) > 0 {
			item.Metadata = r.Metadata
		}
		out.Transactions = append(out.Transactions, item)
	}
	return out, nil
}
