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

// IdempotencySweeper deletes idempotency records past their expiry. Once a record
// is gone its key can no longer be replayed, and reusing it is a duplicate request.
type IdempotencySweeper struct {
	repo      *repository.IdempotencyRepository
	metrics   *metrics.Metrics
	logger    *zap.Logger
	locker    Locker
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewIdempotencySweeper(db *gorm.DB, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *IdempotencySweeper {
	return &IdempotencySweeper{
		repo:      repository.NewIdempotencyRepository(db),
		metrics:   m,
		logger:    logger.Named("idempotency_sweeper"),
		stopCh:    make(chan struct{}),
		interval:  cfg.Jobs.SweepInterval,
		batchSize: cfg.Jobs.SweepBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (j *IdempotencySweeper) Start(ctx context.Context) {
	j.logger.Info("Idempotency sweeper started", zap.Duration("interval", j.interval))
	runTicker(ctx, j.stopCh, j.interval, func() {
		exclusive(ctx, j.locker, "idempotency_sweeper", j.logger, func() { j.RunOnce(ctx) })
	})
	j.logger.Info("Idempotency sweeper stopped")
}

// WithLocker makes each pass exclusive across replicas.
func (j *IdempotencySweeper) WithLocker(l Locker) *IdempotencySweeper {
	j.locker = l
	return j
}

func (j *IdempotencySweeper) Stop() {
	close(j.stopCh)
}

// RunOnce deletes expired records batch by batch until none are left.
func (j *IdempotencySweeper) RunOnce(ctx context.Context) int64 {
	start := time.Now()
	now := j.now()

	var total int64
	for {
		n, err := j.repo.DeleteExpired(ctx, now, j.batchSize)
		if err != nil {
			j.logger.Error("Failed to delete expired idempotency records", zap.Error(err))
			break
		}
		total += n
		if n < int64(j.batchSize) || ctx.Err() != nil {
			break
		}
	}

	if total > 0 {
		j.logger.Info("Expired idempotency records deleted", zap.Int64("count", total))
	}
	if j.metrics != nil {
		j.metrics.IdempotencySwept.Add(float64(total))
		j.metrics.RecordJobRun("idempotency_sweeper", time.Since(start))
	}
	return total
}
