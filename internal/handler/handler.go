package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"coinledger/internal/service"
	"coinledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const healthTimeout = 2 * time.Second

// Handler serves the wallet HTTP API.
type Handler struct {
	orchestrator *service.Orchestrator
	accounts     *service.AccountService
	transactions *service.TransactionService
	db           *gorm.DB
	logger       *zap.Logger
}

func NewHandler(orchestrator *service.Orchestrator, accounts *service.AccountService, transactions *service.TransactionService, db *gorm.DB, logger *zap.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		accounts:     accounts,
		transactions: transactions,
		db:           db,
		logger:       logger.Named("http"),
	}
}

type TopUpRequest struct {
	UserID           string                 `json:"userId" binding:"required,uuid"`
	AssetTypeCode    string                 `json:"assetTypeCode" binding:"required,max=64"`
	Amount           string                 `json:"amount" binding:"required,amount"`
	PaymentReference string                 `json:"paymentReference" binding:"max=255"`
	Metadata         map[string]interface{} `json:"metadata"`
}

type BonusRequest struct {
	UserID        string                 `json:"userId" binding:"required,uuid"`
	AssetTypeCode string                 `json:"assetTypeCode" binding:"required,max=64"`
	Amount        string                 `json:"amount" binding:"required,amount"`
	Reason        string                 `json:"reason" binding:"required,max=255"`
	Metadata      map[string]interface{} `json:"metadata"`
}

type SpendRequest struct {
	UserID        string                 `json:"userId" binding:"required,uuid"`
	AssetTypeCode string                 `json:"assetTypeCode" binding:"required,max=64"`
	Amount        string                 `json:"amount" binding:"required,amount"`
	ItemID        string                 `json:"itemId" binding:"max=255"`
	Metadata      map[string]interface{} `json:"metadata"`
}

type OpenAccountRequest struct {
	UserID        string `json:"userId" binding:"required,uuid"`
	AssetTypeCode string `json:"assetTypeCode" binding:"required,max=64"`
}

// TopUp credits purchased value to a user.
// POST /api/v1/transactions/top-up
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, bindMessage(err))
		return
	}

	result, err := h.orchestrator.TopUp(c.Request.Context(), service.Intent{
		UserID:           req.UserID,
		AssetTypeCode:    req.AssetTypeCode,
		Amount:           req.Amount,
		Metadata:         req.Metadata,
		PaymentReference: req.PaymentReference,
	}, idempotencyKey(c))
	h.respondTransaction(c, result, err)
}

// Bonus grants free value from the bonus pool.
// POST /api/v1/transactions/bonus
func (h *Handler) Bonus(c *gin.Context) {
	var req BonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, bindMessage(err))
		return
	}

	result, err := h.orchestrator.Bonus(c.Request.Context(), service.Intent{
		UserID:        req.UserID,
		AssetTypeCode: req.AssetTypeCode,
		Amount:        req.Amount,
		Metadata:      req.Metadata,
		Reason:        req.Reason,
	}, idempotencyKey(c))
	h.respondTransaction(c, result, err)
}

// Spend moves value from a user to revenue.
// POST /api/v1/transactions/spend
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, bindMessage(err))
		return
	}

	result, err := h.orchestrator.Spend(c.Request.Context(), service.Intent{
		UserID:        req.UserID,
		AssetTypeCode: req.AssetTypeCode,
		Amount:        req.Amount,
		Metadata:      req.Metadata,
		ItemID:        req.ItemID,
	}, idempotencyKey(c))
	h.respondTransaction(c, result, err)
}

func (h *Handler) respondTransaction(c *gin.Context, result *service.Result, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	if result.Replayed {
		c.Header(HeaderIdempotentReplay, "true")
	}
	// The frozen payload goes out unchanged so replays are byte-identical.
	response.Success(c, result.Payload)
}

// GetTransaction returns a transaction header with its ledger legs.
// GET /api/v1/transactions/:transactionId
func (h *Handler) GetTransaction(c *gin.Context) {
	detail, err := h.transactions.GetTransactionDetail(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, detail)
}

// GetBalances lists a user's balances across assets.
// GET /api/v1/accounts/:userId/balances
func (h *Handler) GetBalances(c *gin.Context) {
	balances, err := h.accounts.GetUserBalances(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, balances)
}

// GetHistory pages through a user's ledger history.
// GET /api/v1/accounts/:userId/transactions?assetTypeCode=&limit=50&offset=0
func (h *Handler) GetHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultHistoryLimit)))
	if err != nil {
		response.ParamError(c, "limit must be a number")
		return
	}
	if limit == 0 {
		response.ParamError(c, "limit must be between 1 and 100")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		response.ParamError(c, "offset must be a number")
		return
	}

	history, err := h.transactions.GetUserHistory(c.Request.Context(), service.HistoryQuery{
		UserID:        c.Param("userId"),
		AssetTypeCode: c.Query("assetTypeCode"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, history)
}

// OpenAccount creates an empty user account for an asset, or returns the existing one.
// POST /api/v1/accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, bindMessage(err))
		return
	}

	view, err := h.accounts.OpenUserAccount(c.Request.Context(), req.UserID, req.AssetTypeCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	if view.Created {
		response.Created(c, view)
		return
	}
	response.Success(c, view)
}

// Health reports whether the database answers.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status, dbStatus, httpStatus, code := "healthy", "connected", http.StatusOK, response.CodeSuccess
	if err := h.ping(ctx); err != nil {
		h.logger.Error("Database health check failed", zap.Error(err))
		status, dbStatus, httpStatus, code = "unhealthy", "disconnected", http.StatusServiceUnavailable, response.CodeUnavailable
	}

	c.JSON(httpStatus, response.Response{
		Code:    code,
		Message: status,
		Data: gin.H{
			"status":    status,
			"database":  dbStatus,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func (h *Handler) ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
