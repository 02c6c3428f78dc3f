package job

import (
	"context"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/metrics"
	"coinledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pendingSampleSize = 20

// PendingMonitor reports transaction headers that stayed PENDING longer than the
// threshold. A committed PENDING header means an attempt broke its own atomicity,
// so it is surfaced for an operator and never repaired automatically.
type PendingMonitor struct {
	repo      *repository.TransactionRepository
	metrics   *metrics.Metrics
	logger    *zap.Logger
	locker    Locker
	stopCh    chan struct{}
	interval  time.Duration
	threshold time.Duration
}

func NewPendingMonitor(db *gorm.DB, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *PendingMonitor {
	return &PendingMonitor{
		repo:      repository.NewTransactionRepository(db),
		metrics:   m,
		logger:    logger.Named("pending_monitor"),
		stopCh:    make(chan struct{}),
		interval:  cfg.Jobs.PendingInterval,
		threshold: cfg.Jobs.PendingThreshold,
	}
}

func (j *PendingMonitor) Start(ctx context.Context) {
	j.logger.Info("Pending transaction monitor started", zap.Duration("interval", j.interval))
	runTicker(ctx, j.stopCh, j.interval, func() {
		exclusive(ctx, j.locker, "pending_monitor", j.logger, func() { j.RunOnce(ctx) })
	})
	j.logger.Info("Pending transaction monitor stopped")
}

// WithLocker makes each pass exclusive across replicas.
func (j *PendingMonitor) WithLocker(l Locker) *PendingMonitor {
	j.locker = l
	return j
}

func (j *PendingMonitor) Stop() {
	close(j.stopCh)
}

// RunOnce returns the number of stale PENDING headers.
func (j *PendingMonitor) RunOnce(ctx context.Context) int64 {
	start := time.Now()
	cutoff := time.Now().UTC().Add(-j.threshold)

	n, err := j.repo.CountStalePending(ctx, cutoff)
	if err != nil {
		j.logger.Error("Failed to count stale pending transactions", zap.Error(err))
		return 0
	}

	if j.metrics != nil {
		j.metrics.StalePendingTxns.Set(float64(n))
		defer func() { j.metrics.RecordJobRun("pending_monitor", time.Since(start)) }()
	}
	if n == 0 {
		return 0
	}

	sample, err := j.repo.ListStalePending(ctx, cutoff, pendingSampleSize)
	if err != nil {
		j.logger.Error("Failed to list stale pending transactions", zap.Error(err))
		return n
	}
	ids := make([]string, 0, len(sample))
	for _, t := range sample {
		ids = append(ids, t.ID)
	}
	j.logger.Warn("Transactions stuck in PENDING",
		zap.Int64("count", n),
		zap.Duration("threshold", j.threshold),
		zap.Strings("sample_ids", ids))
	return n
}
