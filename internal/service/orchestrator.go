package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Intent is a caller's request to move value for one user and asset. Only the field
// matching the operation among PaymentReference, Reason and ItemID is used.
type Intent struct {
	UserID           string
	AssetTypeCode    string
	Amount           string
	Metadata         map[string]interface{}
	PaymentReference string
	Reason           string
	ItemID           string
}

// TransactionResponse is what a completed movement reports. Its JSON encoding is
// frozen in the idempotency store and replayed byte for byte.
type TransactionResponse struct {
	TransactionID string                  `json:"transactionId"`
	Status        model.TransactionStatus `json:"status"`
	UserID        string                  `json:"userId"`
	AssetTypeCode string                  `json:"assetTypeCode"`
	Amount        string                  `json:"amount"`
	NewBalance    string                  `json:"newBalance"`
	CreatedAt     time.Time               `json:"createdAt"`
	CompletedAt   *time.Time              `json:"completedAt,omitempty"`
	Metadata      model.Metadata          `json:"metadata,omitempty"`
}

type Result struct {
	Response *TransactionResponse
	// Payload is the exact encoding of Response, identical on every replay.
	Payload  json.RawMessage
	Replayed bool
}

// InflightGuard claims an idempotency key for the duration of one request.
type InflightGuard interface {
	TryAcquire(ctx context.Context, key string) (bool, func(), error)
}

// Recorder receives orchestration measurements.
type Recorder interface {
	ObserveTransaction(txType, outcome string, d time.Duration)
	IncRetry(txType, reason string)
}

type NoopRecorder struct{}

func (NoopRecorder) ObserveTransaction(string, string, time.Duration) {}
func (NoopRecorder) IncRetry(string, string)                          {}

type Options struct {
	Tx             repository.TxOptions
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxJitter      time.Duration
	IdempotencyTTL time.Duration
	// EventTopic enables the transactional outbox when set.
	EventTopic string
}

func OptionsFromConfig(cfg *config.Config) (Options, error) {
	t := cfg.Transaction
	isolation, err := t.Isolation()
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Tx: repository.TxOptions{
			Isolation: isolation,
			MaxWait:   t.MaxWait,
			Timeout:   t.Timeout,
		},
		MaxRetries:     t.MaxRetries,
		BaseDelay:      t.BaseDelay,
		MaxDelay:       t.MaxDelay,
		MaxJitter:      t.MaxJitter,
		IdempotencyTTL: t.IdempotencyTTL,
	}
	if cfg.Kafka.Enabled {
		opts.EventTopic = cfg.Kafka.Topic.TransactionCompleted
	}
	return opts, nil
}

type movement struct {
	systemRole  model.SystemRole
	userDebited bool
	detailKey   string
}

// movements fixes which side is debited for each operation.
var movements = map[model.TransactionType]movement{
	model.TransactionTypeTopUp: {systemRole: model.SystemRoleTreasury, detailKey: "paymentReference"},
	model.TransactionTypeBonus: {systemRole: model.SystemRoleBonusPool, detailKey: "reason"},
	model.TransactionTypeSpend: {systemRole: model.SystemRoleRevenue, userDebited: true, detailKey: "itemId"},
}

var amountPattern = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)

// ParseAmount accepts a positive decimal string with at most two fraction digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if !amountPattern.MatchString(s) {
		return decimal.Zero, ErrInvalidTransaction("amount must be a decimal string with at most 2 fraction digits")
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidTransaction("amount is not a valid decimal")
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidTransaction("amount must be greater than 0")
	}
	return amount, nil
}

type disposition int

const (
	attemptDone disposition = iota
	attemptRetry
	attemptFatal
)

type attemptResult struct {
	disposition disposition
	result      *Result
	err         error
	reason      string
}

// Orchestrator executes TOP_UP, BONUS and SPEND exactly once per idempotency key.
//
// Each attempt is one database transaction: idempotency gate, PENDING header,
// account resolution, row locks in id order, balance check on the locked rows,
// both ledger legs with their compare-and-set balance updates, completion and the
// frozen response. Conflicts the database reports as transient rerun the whole
// attempt with capped exponential backoff; anything else fails at once.
type Orchestrator struct {
	txm          repository.TxManager
	accounts     *repository.AccountRepository
	transactions *repository.TransactionRepository
	outbox       *repository.OutboxRepository
	ledger       *LedgerRecorder
	idempotency  *IdempotencyStore
	guard        InflightGuard
	recorder     Recorder
	logger       *zap.Logger
	opts         Options

	jitter func(int64) int64
	sleep  func(time.Duration)
}

// NewOrchestrator wires the engine over db. guard and recorder may be nil.
func NewOrchestrator(db *gorm.DB, txm repository.TxManager, guard InflightGuard, recorder Recorder, opts Options, logger *zap.Logger) *Orchestrator {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	transactions := repository.NewTransactionRepository(db)
	return &Orchestrator{
		txm:          txm,
		accounts:     repository.NewAccountRepository(db),
		transactions: transactions,
		outbox:       repository.NewOutboxRepository(db),
		ledger:       NewLedgerRecorder(repository.NewLedgerRepository(db)),
		idempotency:  NewIdempotencyStore(repository.NewIdempotencyRepository(db), transactions),
		guard:        guard,
		recorder:     recorder,
		logger:       logger.Named("orchestrator"),
		opts:         opts,
		jitter:       defaultJitter,
		sleep:        time.Sleep,
	}
}

// TopUp moves amount from the asset's TREASURY to the user.
func (o *Orchestrator) TopUp(ctx context.Context, intent Intent, idempotencyKey string) (*Result, error) {
	return o.execute(ctx, model.TransactionTypeTopUp, intent, idempotencyKey)
}

// Bonus moves amount from the asset's BONUS_POOL to the user.
func (o *Orchestrator) Bonus(ctx context.Context, intent Intent, idempotencyKey string) (*Result, error) {
	return o.execute(ctx, model.TransactionTypeBonus, intent, idempotencyKey)
}

// Spend moves amount from the user to the asset's REVENUE account.
func (o *Orchestrator) Spend(ctx context.Context, intent Intent, idempotencyKey string) (*Result, error) {
	return o.execute(ctx, model.TransactionTypeSpend, intent, idempotencyKey)
}

func (o *Orchestrator) execute(ctx context.Context, txType model.TransactionType, intent Intent, key string) (*Result, error) {
	start := time.Now()
	result, err := o.run(ctx, txType, intent, key)

	outcome := "completed"
	switch {
	case err != nil:
		outcome = KindOf(err).Code()
	case result.Replayed:
		outcome = "replayed"
	}
	o.recorder.ObserveTransaction(string(txType), outcome, time.Since(start))
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, txType model.TransactionType, intent Intent, key string) (*Result, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrIdempotencyKeyRequired()
	}
	if strings.TrimSpace(intent.UserID) == "" {
		return nil, ErrInvalidTransaction("userId is required")
	}
	if strings.TrimSpace(intent.AssetTypeCode) == "" {
		return nil, ErrInvalidTransaction("assetTypeCode is required")
	}
	amount, err := ParseAmount(intent.Amount)
	if err != nil {
		return nil, err
	}
	metadata := buildMetadata(txType, intent)

	// An attempt that has started runs to commit or rollback even if the caller leaves.
	ctx = context.WithoutCancel(ctx)

	if o.guard != nil {
		ok, release, err := o.guard.TryAcquire(ctx, key)
		switch {
		case err != nil:
			o.logger.Warn("In-flight guard unavailable, relying on database constraints",
				zap.String("idempotency_key", key), zap.Error(err))
		case !ok:
			return nil, ErrDuplicateRequest(key)
		default:
			defer release()
		}
	}

	for attempt := 0; ; attempt++ {
		res := o.attempt(ctx, txType, intent, amount, metadata, key)
		switch res.disposition {
		case attemptDone:
			return res.result, nil
		case attemptFatal:
			return nil, res.err
		}

		if attempt >= o.opts.MaxRetries {
			o.logger.Warn("Transaction retries exhausted",
				zap.String("type", string(txType)),
				zap.String("idempotency_key", key),
				zap.Int("attempts", attempt+1),
				zap.Error(res.err))
			return nil, ErrConcurrency(res.err)
		}

		delay := backoffDelay(attempt, o.opts.BaseDelay, o.opts.MaxDelay, o.opts.MaxJitter, o.jitter)
		o.recorder.IncRetry(string(txType), res.reason)
		o.logger.Info("Retrying transaction",
			zap.String("type", string(txType)),
			zap.String("idempotency_key", key),
			zap.String("reason", res.reason),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		o.sleep(delay)
	}
}

func (o *Orchestrator) attempt(ctx context.Context, txType model.TransactionType, intent Intent, amount decimal.Decimal, metadata model.Metadata, key string) attemptResult {
	var result *Result
	err := o.txm.WithTx(ctx, o.opts.Tx, func(ctx context.Context) error {
		r, err := o.apply(ctx, txType, intent, amount, metadata, key)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return classify(result, err)
}

// classify turns the outcome of one attempt into done, retry or fatal.
func classify(result *Result, err error) attemptResult {
	if err == nil {
		return attemptResult{disposition: attemptDone, result: result}
	}

	var se *Error
	if errors.As(err, &se) {
		return attemptResult{disposition: attemptFatal, err: se}
	}
	if reason, ok := repository.RetryReason(err); ok {
		return attemptResult{disposition: attemptRetry, err: err, reason: reason}
	}

	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		return attemptResult{disposition: attemptFatal, err: newError(KindAccountNotFound, "account not found", err)}
	case errors.Is(err, repository.ErrAssetTypeNotFound):
		return attemptResult{disposition: attemptFatal, err: newError(KindAssetTypeNotFound, "asset type not found", err)}
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrTransactionNotPending):
		return attemptResult{disposition: attemptFatal, err: ErrConcurrency(err)}
	case errors.Is(err, context.DeadlineExceeded):
		return attemptResult{disposition: attemptFatal, err: newError(KindConcurrency, "transaction exceeded its time bounds", err)}
	}
	return attemptResult{disposition: attemptFatal, err: newError(KindInternal, "transaction failed", err)}
}

func (o *Orchestrator) apply(ctx context.Context, txType model.TransactionType, intent Intent, amount decimal.Decimal, metadata model.Metadata, key string) (*Result, error) {
	check, err := o.idempotency.Check(ctx, key)
	if err != nil {
		return nil, err
	}
	if check.Completed() {
		var resp TransactionResponse
		if err := json.Unmarshal(check.Payload, &resp); err != nil {
			return nil, fmt.Errorf("decode stored response for %s: %w", key, err)
		}
		return &Result{Response: &resp, Payload: check.Payload, Replayed: true}, nil
	}

	mv := movements[txType]
	now := time.Now().UTC().Truncate(time.Millisecond)

	header := &model.Transaction{
		ID:              uuid.NewString(),
		IdempotencyKey:  key,
		TransactionType: txType,
		Status:          model.TransactionStatusPending,
		Metadata:        metadata,
		CreatedAt:       now,
	}
	if err := o.transactions.Create(ctx, header); err != nil {
		return nil, err
	}

	userAccountID, err := o.accounts.ResolveUserAccountID(ctx, intent.UserID, intent.AssetTypeCode)
	if err != nil {
		return nil, describeLookup(err, fmt.Sprintf("user %s, asset %s", intent.UserID, intent.AssetTypeCode))
	}
	systemAccountID, err := o.accounts.ResolveSystemAccountID(ctx, mv.systemRole, intent.AssetTypeCode)
	if err != nil {
		return nil, describeLookup(err, fmt.Sprintf("%s, asset %s", mv.systemRole, intent.AssetTypeCode))
	}

	locked, err := o.accounts.LockAccountsInOrder(ctx, []string{userAccountID, systemAccountID})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Account, len(locked))
	for _, a := range locked {
		byID[a.ID] = a
	}
	userAccount, systemAccount := byID[userAccountID], byID[systemAccountID]

	debited, credited := systemAccount, userAccount
	if mv.userDebited {
		debited, credited = userAccount, systemAccount
	}
	if err := ValidateSufficientBalance(debited, amount); err != nil {
		return nil, err
	}

	debitAfter := debited.Balance.Sub(amount)
	creditAfter := credited.Balance.Add(amount)

	if _, err := o.ledger.RecordDebit(ctx, header.ID, debited.ID, amount, debitAfter, now); err != nil {
		return nil, err
	}
	if err := o.accounts.UpdateBalance(ctx, debited.ID, debitAfter, debited.Version); err != nil {
		return nil, err
	}
	if _, err := o.ledger.RecordCredit(ctx, header.ID, credited.ID, amount, creditAfter, now); err != nil {
		return nil, err
	}
	if err := o.accounts.UpdateBalance(ctx, credited.ID, creditAfter, credited.Version); err != nil {
		return nil, err
	}

	completedAt := time.Now().UTC().Truncate(time.Millisecond)
	if err := o.transactions.MarkCompleted(ctx, header.ID, completedAt); err != nil {
		return nil, err
	}

	newBalance := creditAfter
	if mv.userDebited {
		newBalance = debitAfter
	}
	resp := &TransactionResponse{
		TransactionID: header.ID,
		Status:        model.TransactionStatusCompleted,
		UserID:        intent.UserID,
		AssetTypeCode: intent.AssetTypeCode,
		Amount:        amount.StringFixed(2),
		NewBalance:    newBalance.StringFixed(2),
		CreatedAt:     now,
		CompletedAt:   &completedAt,
		Metadata:      metadata,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	if err := o.idempotency.Store(ctx, key, header.ID, payload, o.opts.IdempotencyTTL); err != nil {
		return nil, err
	}
	if o.opts.EventTopic != "" {
		err := o.outbox.Create(ctx, &model.OutboxMessage{
			MessageKey: header.ID,
			Topic:      o.opts.EventTopic,
			Payload:    string(payload),
		})
		if err != nil {
			return nil, err
		}
	}

	return &Result{Response: resp, Payload: payload}, nil
}

func describeLookup(err error, subject string) error {
	switch {
	case errors.Is(err, repository.ErrAssetTypeNotFound):
		return newError(KindAssetTypeNotFound, "asset type not found: "+subject, err)
	case errors.Is(err, repository.ErrAccountNotFound):
		return newError(KindAccountNotFound, "account not found: "+subject, err)
	}
	return err
}

// buildMetadata copies the caller's metadata and folds in the operation's own
// detail field unless the caller already set that key.
func buildMetadata(txType model.TransactionType, intent Intent) model.Metadata {
	md := model.Metadata{}
	for k, v := range intent.Metadata {
		md[k] = v
	}

	var detail string
	switch txType {
	case model.TransactionTypeTopUp:
		detail = intent.PaymentReference
	case model.TransactionTypeBonus:
		detail = intent.Reason
	case model.TransactionTypeSpend:
		detail = intent.ItemID
	}
	if key := movements[txType].detailKey; detail != "" {
		if _, taken := md[key]; !taken {
			md[key] = detail
		}
	}

	if len(md) == 0 {
		return nil
	}
	return md
}
