package handler

import (
	"coinledger/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter registers middleware and routes. gatherer backs /metrics; m may be nil.
func SetupRouter(h *Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	RegisterValidators()

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if m != nil {
		r.Use(metrics.HTTPMetricsMiddleware(m, logger))
	}

	api := r.Group("/api/v1")
	{
		transactions := api.Group("/transactions")
		{
			idem := RequireIdempotencyKey()
			transactions.POST("/top-up", idem, h.TopUp)
			transactions.POST("/bonus", idem, h.Bonus)
			transactions.POST("/spend", idem, h.Spend)
			transactions.GET("/:transactionId", h.GetTransaction)
		}

		accounts := api.Group("/accounts")
		{
			accounts.POST("", h.OpenAccount)
			accounts.GET("/:userId/balances", h.GetBalances)
			accounts.GET("/:userId/transactions", h.GetHistory)
		}
	}

	r.GET("/health", h.Health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return r
}
