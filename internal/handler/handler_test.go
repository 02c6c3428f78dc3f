package handler_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coinledger/internal/handler"
	"coinledger/internal/metrics"
	"coinledger/internal/repository"
	"coinledger/internal/service"
	"coinledger/internal/testutil"
	"coinledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type envelope struct {
	Code    int             `json:"code"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type server struct {
	db     *gorm.DB
	router *gin.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	opts := service.Options{
		Tx:             repository.TxOptions{Isolation: sql.LevelDefault, MaxWait: 5 * time.Second, Timeout: 10 * time.Second},
		MaxRetries:     3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		IdempotencyTTL: time.Hour,
	}
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	orch := service.NewOrchestrator(db, repository.NewTransactionManager(db), nil, m, opts, logger)
	h := handler.NewHandler(orch, service.NewAccountService(db, logger), service.NewTransactionService(db), db, logger)
	return &server{db: db, router: handler.SetupRouter(h, m, reg, logger)}
}

func (s *server) do(t *testing.T, method, path, key string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(handler.HeaderIdempotencyKey, key)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func decode(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestTransactions_RequireIdempotencyKey(t *testing.T) {
	s := newServer(t)

	for _, path := range []string{"/api/v1/transactions/top-up", "/api/v1/transactions/bonus", "/api/v1/transactions/spend"} {
		w, env := s.do(t, http.MethodPost, path, "   ", gin.H{"userId": uuid.NewString(), "assetTypeCode": "GOLD_COIN", "amount": "1"})
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, "IDEMPOTENCY_KEY_REQUIRED", env.Error, path)
		assert.Equal(t, response.CodeIdempotencyKeyRequired, env.Code, path)
	}
}

func TestTopUp_AndReplay(t *testing.T) {
	s := newServer(t)
	userID := uuid.NewString()
	testutil.CreateUserAccount(t, s.db, userID, "GOLD_COIN", "10")

	body := gin.H{"userId": userID, "assetTypeCode": "GOLD_COIN", "amount": "15.5", "paymentReference": "pay-1"}
	w, env := s.do(t, http.MethodPost, "/api/v1/transactions/top-up", "top-up-1", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get(handler.HeaderIdempotentReplay))

	data := decode(t, env.Data)
	assert.Equal(t, "COMPLETED", data["status"])
	assert.Equal(t, "15.50", data["amount"])
	assert.Equal(t, "25.50", data["newBalance"])
	assert.Equal(t, "pay-1", data["metadata"].(map[string]interface{})["paymentReference"])

	w2, env2 := s.do(t, http.MethodPost, "/api/v1/transactions/top-up", "top-up-1", body)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "true", w2.Header().Get(handler.HeaderIdempotentReplay))
	assert.Equal(t, string(env.Data), string(env2.Data))
}

func TestBonus_RequiresReason(t *testing.T) {
	s := newServer(t)
	userID := uuid.NewString()
	testutil.CreateUserAccount(t, s.db, userID, "DIAMOND", "0")

	w, env := s.do(t, http.MethodPost, "/api/v1/transactions/bonus", "bonus-1",
		gin.H{"userId": userID, "assetTypeCode": "DIAMOND", "amount": "5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error)
	assert.Contains(t, env.Message, "reason is required")

	w, env = s.do(t, http.MethodPost, "/api/v1/transactions/bonus", "bonus-1",
		gin.H{"userId": userID, "assetTypeCode": "DIAMOND", "amount": "5", "reason": "welcome"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "5.00", decode(t, env.Data)["newBalance"])
}

func TestSpend_InsufficientBalance(t *testing.T) {
	s := newServer(t)
	userID := uuid.NewString()
	testutil.CreateUserAccount(t, s.db, userID, "GOLD_COIN", "3")

	w, env := s.do(t, http.MethodPost, "/api/v1/transactions/spend", "spend-1",
		gin.H{"userId": userID, "assetTypeCode": "GOLD_COIN", "amount": "3.01", "itemId": "sword"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", env.Error)
	assert.Equal(t, response.CodeInsufficientBalance, env.Code)

	w, env = s.do(t, http.MethodPost, "/api/v1/transactions/spend", "spend-2",
		gin.H{"userId": userID, "assetTypeCode": "GOLD_COIN", "amount": "3", "itemId": "sword"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0.00", decode(t, env.Data)["newBalance"])
}

func TestTransactions_RejectBadBodies(t *testing.T) {
	s := newServer(t)
	userID := uuid.NewString()

	cases := []struct {
		name    string
		body    gin.H
		message string
	}{
		{"too many decimals", gin.H{"userId": userID, "assetTypeCode": "GOLD_COIN", "amount": "1.234"}, "amount must be"},
		{"zero amount", gin.H{"userId": userID, "assetTypeCode": "GOLD_COIN", "amount": "0"}, "amount must be"},
		{"negative amount", gin.H{"userId": userID, "assetTypeCode": "GOLD_COIN", "amount": "-1"}, "amount must be"},
		{"bad user id", gin.H{"userId": "alice", "assetTypeCode": "GOLD_COIN", "amount": "1"}, "userId must be a valid UUID"},
		{"missing asset", gin.H{"userId": userID, "amount": "1"}, "assetTypeCode is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := s.do(t, http.MethodPost, "/api/v1/transactions/top-up", "bad-"+tc.name, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "VALIDATION_ERROR", env.Error)
			assert.Contains(t, env.Message, tc.message)
		})
	}
}

func TestTopUp_UnknownAccount(t *testing.T) {
	s := newServer(t)

	w, env := s.do(t, http.MethodPost, "/api/v1/transactions/top-up", "ghost-1",
		gin.H{"userId": uuid.NewString(), "assetTypeCode": "GOLD_COIN", "amount": "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ACCOUNT_NOT_FOUND", env.Error)
}

func TestGetTransaction(t *testing.T) {
	s := newServer(t)
	userID := uuid.NewString()
	testutil.CreateUserAccount(t, s.db, userID, "GOLD_COIN", "0")

	_, env := s.do(t, http.MethodPost, "/api/v1/transactions/top-up", "detail-1",
		gin.H{"userId": userID, "assetTypeCode": "GOLD_COIN", "amount": "7"})
	txID := decode(t, env.Data)["transactionId"].(string)

	w, env := s.do(t, http.MethodGet, "/api/v1/transactions/"+txID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode(t, env.Data)
	assert.Equal(t, "TOP_UP", detail["type"])
	assert.Len(t, detail["ledgerEntries"], 2)

	w, env = s.do(t, http.MethodGet, "/api/v1/transactions/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "TRANSACTION_NOT_FOUND", env.Error)
}

func TestAccounts_OpenBalancesHistory(t *testing.T) {
	s := newServer(t)
	userID := uuid.NewString()

	w, env := s.do(t, http.MethodPost, "/api/v1/accounts", "", gin.H{"userId": userID, "assetTypeCode": "LOYALTY_POINT"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "0.00", decode(t, env.Data)["balance"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/accounts", "", gin.H{"userId": userID, "assetTypeCode": "LOYALTY_POINT"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = s.do(t, http.MethodPost, "/api/v1/accounts", "", gin.H{"userId": userID, "assetTypeCode": "RUBY"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ASSET_TYPE_NOT_FOUND", env.Error)

	_, _ = s.do(t, http.MethodPost, "/api/v1/transactions/bonus", "hist-1",
		gin.H{"userId": userID, "assetTypeCode": "LOYALTY_POINT", "amount": "4", "reason": "streak"})
	_, _ = s.do(t, http.MethodPost, "/api/v1/transactions/spend", "hist-2",
		gin.H{"userId": userID, "assetTypeCode": "LOYALTY_POINT", "amount": "1.5"})

	w, env = s.do(t, http.MethodGet, "/api/v1/accounts/"+userID+"/balances", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	balances := decode(t, env.Data)["balances"].([]interface{})
	require.Len(t, balances, 1)
	assert.Equal(t, "2.50", balances[0].(map[string]interface{})["balance"])

	w, env = s.do(t, http.MethodGet, "/api/v1/accounts/"+userID+"/transactions?assetTypeCode=LOYALTY_POINT&limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode(t, env.Data)
	assert.Len(t, history["transactions"], 1)
	assert.Equal(t, float64(2), history["pagination"].(map[string]interface{})["total"])

	for _, q := range []string{"limit=0", "limit=101", "limit=x", "offset=-1"} {
		w, env = s.do(t, http.MethodGet, "/api/v1/accounts/"+userID+"/transactions?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Equal(t, "VALIDATION_ERROR", env.Error, q)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)

	w, env := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "connected", decode(t, env.Data)["database"])

	w, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coinledger_http_requests_total")

	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w, env = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "disconnected", decode(t, env.Data)["database"])
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t)

	w, _ := s.do(t, http.MethodOptions, "/api/v1/transactions/top-up", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), handler.HeaderIdempotencyKey)
}
