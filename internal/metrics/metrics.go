package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coinledger"

type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Orchestration Metrics
	TransactionsTotal   *prometheus.CounterVec
	TransactionDuration *prometheus.HistogramVec
	TransactionRetries  *prometheus.CounterVec

	// Database Metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge

	// Job Metrics
	OutboxPublished  *prometheus.CounterVec
	OutboxPending    prometheus.Gauge
	IdempotencySwept prometheus.Counter
	StalePendingTxns prometheus.Gauge
	JobRunDuration   *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Orchestrated transactions by type and outcome",
			},
			[]string{"tx_type", "outcome"},
		),
		TransactionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "End-to-end orchestration time including retries",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"tx_type"},
		),
		TransactionRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_retries_total",
				Help:      "Attempts rerun after a transient database conflict",
			},
			[]string{"tx_type", "reason"},
		),

		DBConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		DBConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections currently in use",
			},
		),
		DBConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		DBWaitCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_wait_count",
				Help:      "Total number of connections waited for",
			},
		),

		OutboxPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_messages_total",
				Help:      "Outbox relay results",
			},
			[]string{"status"},
		),
		OutboxPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_pending_messages",
				Help:      "Outbox messages waiting to be relayed",
			},
		),
		IdempotencySwept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_records_swept_total",
				Help:      "Expired idempotency records deleted",
			},
		),
		StalePendingTxns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stale_pending_transactions",
				Help:      "Transactions left PENDING past the configured threshold",
			},
		),
		JobRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_run_duration_seconds",
				Help:      "Duration of one background job pass",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"job"},
		),
	}
}

// --- Recording Methods ---

func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(duration.Seconds())
}

// ObserveTransaction records one orchestrated request.
func (m *Metrics) ObserveTransaction(txType, outcome string, d time.Duration) {
	m.TransactionsTotal.WithLabelValues(txType, outcome).Inc()
	m.TransactionDuration.WithLabelValues(txType).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(txType, reason string) {
	m.TransactionRetries.WithLabelValues(txType, reason).Inc()
}

func (m *Metrics) RecordOutbox(status string) {
	m.OutboxPublished.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordJobRun(job string, d time.Duration) {
	m.JobRunDuration.WithLabelValues(job).Observe(d.Seconds())
}
