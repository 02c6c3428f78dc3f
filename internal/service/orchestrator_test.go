package service_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/internal/service"
	"coinledger/internal/testutil"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testOptions() service.Options {
	return service.Options{
		Tx: repository.TxOptions{
			Isolation: sql.LevelDefault,
			MaxWait:   5 * time.Second,
			Timeout:   10 * time.Second,
		},
		MaxRetries:     3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		MaxJitter:      50 * time.Millisecond,
		IdempotencyTTL: 24 * time.Hour,
	}
}

// faultyTxManager runs the real transaction, then fails the first len(faults)
// attempts with the queued error so the work is rolled back.
type faultyTxManager struct {
	inner  repository.TxManager
	mu     sync.Mutex
	faults []error
	always error
	calls  int
}

func (f *faultyTxManager) WithTx(ctx context.Context, opts repository.TxOptions, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	f.calls++
	var fault error
	if len(f.faults) > 0 {
		fault, f.faults = f.faults[0], f.faults[1:]
	} else {
		fault = f.always
	}
	f.mu.Unlock()

	return f.inner.WithTx(ctx, opts, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return fault
	})
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []string
	retries  []string
}

func (r *recordingRecorder) ObserveTransaction(txType, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, txType+":"+outcome)
}

func (r *recordingRecorder) IncRetry(txType, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, txType+":"+reason)
}

type stubGuard struct {
	ok  bool
	err error
}

func (g stubGuard) TryAcquire(context.Context, string) (bool, func(), error) {
	return g.ok, func() {}, g.err
}

type fixture struct {
	db       *gorm.DB
	orch     *service.Orchestrator
	txm      *faultyTxManager
	recorder *recordingRecorder
	sleeps   []time.Duration
}

func newFixture(t *testing.T, opts service.Options, guard service.InflightGuard) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	f := &fixture{
		db:       db,
		txm:      &faultyTxManager{inner: repository.NewTransactionManager(db)},
		recorder: &recordingRecorder{},
	}
	f.orch = service.NewOrchestrator(db, f.txm, guard, f.recorder, opts, zap.NewNop())
	f.orch.SetJitter(func(int64) int64 { return 0 })
	f.orch.SetSleep(func(d time.Duration) { f.sleeps = append(f.sleeps, d) })
	return f
}

func (f *fixture) balance(t *testing.T, id string) string {
	t.Helper()
	return testutil.Reload(t, f.db, id).Balance.StringFixed(2)
}

func (f *fixture) count(t *testing.T, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(m).Count(&n).Error)
	return n
}

func TestOrchestrator_TopUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")
	treasury := testutil.SystemAccount(t, f.db, model.SystemRoleTreasury, "GOLD_COIN")

	res, err := f.orch.TopUp(ctx, service.Intent{
		UserID:           "u1",
		AssetTypeCode:    "GOLD_COIN",
		Amount:           "100.00",
		PaymentReference: "pay-42",
	}, "k1")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.TransactionStatusCompleted, res.Response.Status)
	assert.Equal(t, "100.00", res.Response.Amount)
	assert.Equal(t, "100.00", res.Response.NewBalance)
	assert.Equal(t, "pay-42", res.Response.Metadata["paymentReference"])
	require.NotNil(t, res.Response.CompletedAt)

	assert.Equal(t, "100.00", f.balance(t, user.ID))
	assert.Equal(t, "-100.00", f.balance(t, treasury.ID))
	assert.Equal(t, int64(1), testutil.Reload(t, f.db, user.ID).Version)
	assert.Equal(t, int64(1), testutil.Reload(t, f.db, treasury.ID).Version)

	var entries []model.LedgerEntry
	require.NoError(t, f.db.Where("transaction_id = ?", res.Response.TransactionID).Order("id").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryTypeDebit, entries[0].EntryType)
	assert.Equal(t, treasury.ID, entries[0].AccountID)
	assert.Equal(t, "-100.00", entries[0].BalanceAfter.StringFixed(2))
	assert.Equal(t, model.EntryTypeCredit, entries[1].EntryType)
	assert.Equal(t, user.ID, entries[1].AccountID)
	assert.True(t, entries[0].Amount.Equal(entries[1].Amount))

	var header model.Transaction
	require.NoError(t, f.db.Where("id = ?", res.Response.TransactionID).Take(&header).Error)
	assert.Equal(t, model.TransactionStatusCompleted, header.Status)
	assert.Equal(t, model.TransactionTypeTopUp, header.TransactionType)

	var rec model.IdempotencyRecord
	require.NoError(t, f.db.Where("idempotency_key = ?", "k1").Take(&rec).Error)
	assert.Equal(t, string(res.Payload), rec.ResponsePayload)
	assert.Equal(t, []string{"TOP_UP:completed"}, f.recorder.outcomes)
}

func TestOrchestrator_Bonus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	_ = testutil.CreateUserAccount(t, f.db, "u1", "DIAMOND", "5")
	pool := testutil.SystemAccount(t, f.db, model.SystemRoleBonusPool, "DIAMOND")

	res, err := f.orch.Bonus(ctx, service.Intent{
		UserID:        "u1",
		AssetTypeCode: "DIAMOND",
		Amount:        "2.5",
		Reason:        "daily login",
		Metadata:      map[string]interface{}{"campaign": "spring"},
	}, "bonus-1")
	require.NoError(t, err)
	assert.Equal(t, "7.50", res.Response.NewBalance)
	assert.Equal(t, "daily login", res.Response.Metadata["reason"])
	assert.Equal(t, "spring", res.Response.Metadata["campaign"])
	assert.Equal(t, "-2.50", f.balance(t, pool.ID))
}

func TestOrchestrator_Spend(t *testing.T) {
	ctx := context.Background()

	t.Run("debits user and credits revenue", func(t *testing.T) {
		f := newFixture(t, testOptions(), nil)
		user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "100")
		revenue := testutil.SystemAccount(t, f.db, model.SystemRoleRevenue, "GOLD_COIN")

		res, err := f.orch.Spend(ctx, service.Intent{
			UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "30", ItemID: "sword",
			Metadata: map[string]interface{}{"itemId": "caller-wins"},
		}, "s1")
		require.NoError(t, err)
		assert.Equal(t, "70.00", res.Response.NewBalance)
		assert.Equal(t, "caller-wins", res.Response.Metadata["itemId"])
		assert.Equal(t, "70.00", f.balance(t, user.ID))
		assert.Equal(t, "30.00", f.balance(t, revenue.ID))
	})

	t.Run("insufficient balance leaves no trace", func(t *testing.T) {
		f := newFixture(t, testOptions(), nil)
		user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "100")

		_, err := f.orch.Spend(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "150.00"}, "s2")
		require.Error(t, err)
		assert.True(t, service.IsKind(err, service.KindInsufficientBalance))

		assert.Equal(t, "100.00", f.balance(t, user.ID))
		assert.Zero(t, f.count(t, &model.LedgerEntry{}))
		assert.Zero(t, f.count(t, &model.Transaction{}))
		assert.Zero(t, f.count(t, &model.IdempotencyRecord{}))
		assert.Equal(t, 1, f.txm.calls)
		assert.Equal(t, []string{"SPEND:INSUFFICIENT_BALANCE"}, f.recorder.outcomes)
	})

	t.Run("exact balance drains to zero", func(t *testing.T) {
		f := newFixture(t, testOptions(), nil)
		user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "30")

		_, err := f.orch.Spend(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "30"}, "s3")
		require.NoError(t, err)
		assert.Equal(t, "0.00", f.balance(t, user.ID))
	})
}

func TestOrchestrator_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")
	intent := service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "50.00"}

	first, err := f.orch.TopUp(ctx, intent, "same-key")
	require.NoError(t, err)

	second, err := f.orch.TopUp(ctx, intent, "same-key")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, []byte(first.Payload), []byte(second.Payload))
	assert.Equal(t, first.Response.TransactionID, second.Response.TransactionID)

	// a replay ignores the new intent entirely
	third, err := f.orch.TopUp(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "999"}, "same-key")
	require.NoError(t, err)
	assert.Equal(t, []byte(first.Payload), []byte(third.Payload))

	assert.Equal(t, "50.00", f.balance(t, user.ID))
	assert.Equal(t, int64(2), f.count(t, &model.LedgerEntry{}))
	assert.Equal(t, int64(1), f.count(t, &model.Transaction{}))
	assert.Equal(t, []string{"TOP_UP:completed", "TOP_UP:replayed", "TOP_UP:replayed"}, f.recorder.outcomes)
}

func TestOrchestrator_ConcurrentSpends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "100")
	revenue := testutil.SystemAccount(t, f.db, model.SystemRoleRevenue, "GOLD_COIN")

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Spend(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "30"},
				"spend-"+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case service.IsKind(err, service.KindInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, "10.00", f.balance(t, user.ID))
	assert.Equal(t, "90.00", f.balance(t, revenue.ID))
	assert.Equal(t, int64(6), f.count(t, &model.LedgerEntry{}))
}

func TestOrchestrator_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")

	const n = 5
	results := make([]*service.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.TopUp(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "50.00"}, "dup")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			fresh++
		}
		assert.Equal(t, []byte(results[0].Payload), []byte(results[i].Payload))
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, "50.00", f.balance(t, user.ID))
	assert.Equal(t, int64(2), f.count(t, &model.LedgerEntry{}))
}

func TestOrchestrator_RetriesTransientConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")
	f.txm.faults = []error{
		&mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"},
		&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"},
	}

	res, err := f.orch.TopUp(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "10"}, "retry-key")
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	assert.Equal(t, 3, f.txm.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeps)
	assert.Equal(t, []string{"TOP_UP:deadlock", "TOP_UP:lock_timeout"}, f.recorder.retries)
	assert.Equal(t, "10.00", f.balance(t, user.ID))
	assert.Equal(t, int64(2), f.count(t, &model.LedgerEntry{}))
	assert.Equal(t, int64(1), f.count(t, &model.Transaction{}))
}

func TestOrchestrator_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "100")
	f.txm.always = &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

	_, err := f.orch.Spend(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "10"}, "doomed")
	require.Error(t, err)
	assert.True(t, service.IsKind(err, service.KindConcurrency))

	assert.Equal(t, 4, f.txm.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, f.sleeps)
	assert.Equal(t, "100.00", f.balance(t, user.ID))
	assert.Zero(t, f.count(t, &model.LedgerEntry{}))
	assert.Equal(t, []string{"SPEND:CONCURRENCY_ERROR"}, f.recorder.outcomes)
}

func TestOrchestrator_NonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")
	boom := errors.New("disk on fire")
	f.txm.always = boom

	_, err := f.orch.TopUp(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "10"}, "k")
	require.Error(t, err)
	assert.Equal(t, service.KindInternal, service.KindOf(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.txm.calls)
	assert.Empty(t, f.sleeps)
}

func TestOrchestrator_RejectsBadIntents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "100")

	tests := []struct {
		name   string
		intent service.Intent
		key    string
		kind   service.Kind
	}{
		{name: "blank key", intent: service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "1"}, key: "  ", kind: service.KindIdempotencyKeyRequired},
		{name: "zero amount", intent: service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "0"}, key: "a", kind: service.KindInvalidTransaction},
		{name: "negative amount", intent: service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "-1"}, key: "b", kind: service.KindInvalidTransaction},
		{name: "three decimals", intent: service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "1.001"}, key: "c", kind: service.KindInvalidTransaction},
		{name: "missing user", intent: service.Intent{AssetTypeCode: "GOLD_COIN", Amount: "1"}, key: "d", kind: service.KindInvalidTransaction},
		{name: "unknown asset", intent: service.Intent{UserID: "u1", AssetTypeCode: "SILVER", Amount: "1"}, key: "e", kind: service.KindAssetTypeNotFound},
		{name: "no account for asset", intent: service.Intent{UserID: "u1", AssetTypeCode: "DIAMOND", Amount: "1"}, key: "f", kind: service.KindAccountNotFound},
		{name: "unknown user", intent: service.Intent{UserID: "ghost", AssetTypeCode: "GOLD_COIN", Amount: "1"}, key: "g", kind: service.KindAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Spend(ctx, tt.intent, tt.key)
			require.Error(t, err)
			assert.Equal(t, tt.kind, service.KindOf(err), err.Error())
		})
	}

	assert.Zero(t, f.count(t, &model.Transaction{}))
	assert.Zero(t, f.count(t, &model.LedgerEntry{}))
}

func TestOrchestrator_KeyReusedAfterRecordSwept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")
	intent := service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "5"}

	_, err := f.orch.TopUp(ctx, intent, "old-key")
	require.NoError(t, err)
	require.NoError(t, f.db.Where("idempotency_key = ?", "old-key").Delete(&model.IdempotencyRecord{}).Error)

	_, err = f.orch.TopUp(ctx, intent, "old-key")
	require.Error(t, err)
	assert.True(t, service.IsKind(err, service.KindDuplicateRequest))
	assert.Equal(t, 2, f.txm.calls)
}

func TestOrchestrator_InflightGuard(t *testing.T) {
	ctx := context.Background()
	intent := service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "5"}

	t.Run("held key is a duplicate", func(t *testing.T) {
		f := newFixture(t, testOptions(), stubGuard{ok: false})
		testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")

		_, err := f.orch.TopUp(ctx, intent, "k")
		assert.True(t, service.IsKind(err, service.KindDuplicateRequest))
		assert.Zero(t, f.txm.calls)
	})

	t.Run("guard outage falls back to the database", func(t *testing.T) {
		f := newFixture(t, testOptions(), stubGuard{err: errors.New("redis down")})
		user := testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")

		_, err := f.orch.TopUp(ctx, intent, "k")
		require.NoError(t, err)
		assert.Equal(t, "5.00", f.balance(t, user.ID))
	})
}

func TestOrchestrator_WritesOutboxEvent(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.EventTopic = "wallet.transaction.completed"
	f := newFixture(t, opts, nil)
	testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")

	res, err := f.orch.TopUp(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "1"}, "evt")
	require.NoError(t, err)

	var msgs []model.OutboxMessage
	require.NoError(t, f.db.Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, res.Response.TransactionID, msgs[0].MessageKey)
	assert.Equal(t, opts.EventTopic, msgs[0].Topic)
	assert.Equal(t, string(res.Payload), msgs[0].Payload)
	assert.Equal(t, model.OutboxStatusPending, msgs[0].Status)

	_, err = f.orch.TopUp(ctx, service.Intent{UserID: "u1", AssetTypeCode: "GOLD_COIN", Amount: "1"}, "evt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.count(t, &model.OutboxMessage{}))
}

func TestOrchestrator_DoubleEntryHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testOptions(), nil)
	testutil.CreateUserAccount(t, f.db, "u1", "GOLD_COIN", "0")
	testutil.CreateUserAccount(t, f.db, "u2", "GOLD_COIN", "0")

	ops := []struct {
		run    func(context.Context, service.Intent, string) (*service.Result, error)
		user   string
		amount string
	}{
		{f.orch.TopUp, "u1", "40"},
		{f.orch.Bonus, "u2", "15.75"},
		{f.orch.Spend, "u1", "12.34"},
		{f.orch.TopUp, "u2", "0.01"},
		{f.orch.Spend, "u2", "15.76"},
	}
	for i, op := range ops {
		_, err := op.run(ctx, service.Intent{UserID: op.user, AssetTypeCode: "GOLD_COIN", Amount: op.amount, Reason: "r"},
			"mix-"+string(rune('0'+i)))
		require.NoError(t, err)
	}

	var entries []model.LedgerEntry
	require.NoError(t, f.db.Find(&entries).Error)
	perTx := map[string]decimal.Decimal{}
	for _, e := range entries {
		switch e.EntryType {
		case model.EntryTypeDebit:
			perTx[e.TransactionID] = perTx[e.TransactionID].Sub(e.Amount)
		case model.EntryTypeCredit:
			perTx[e.TransactionID] = perTx[e.TransactionID].Add(e.Amount)
		}
	}
	assert.Len(t, perTx, len(ops))
	for id, net := range perTx {
		assert.True(t, net.IsZero(), "transaction %s is unbalanced by %s", id, net)
	}

	var accounts []model.Account
	require.NoError(t, f.db.Find(&accounts).Error)
	total := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Balance)
		if !a.IsUnlimited {
			assert.False(t, a.Balance.IsNegative(), "account %s went negative", a.ID)
		}
	}
	assert.True(t, total.IsZero(), "balances sum to %s", total)
}
