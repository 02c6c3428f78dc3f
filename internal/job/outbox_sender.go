package job

import (
	"context"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher delivers one message to the broker.
type Publisher interface {
	Publish(topic, key, value string) error
}

// OutboxSender relays committed outbox rows to Kafka. A row is retried on every
// pass until it is sent or has failed maxRetry times.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	locker     Locker
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		metrics:    m,
		logger:     logger.Named("outbox_sender"),
		stopCh:     make(chan struct{}),
		interval:   cfg.Jobs.OutboxInterval,
		batchSize:  cfg.Jobs.OutboxBatchSize,
		maxRetry:   cfg.Jobs.OutboxMaxRetry,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("Outbox sender started", zap.Duration("interval", s.interval))
	runTicker(ctx, s.stopCh, s.interval, func() {
		exclusive(ctx, s.locker, "outbox_sender", s.logger, func() { s.RunOnce(ctx) })
	})
	s.logger.Info("Outbox sender stopped")
}

// WithLocker makes each pass exclusive across replicas.
func (s *OutboxSender) WithLocker(l Locker) *OutboxSender {
	s.locker = l
	return s
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// RunOnce relays one batch and returns how many messages were sent.
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	start := time.Now()
	defer s.observe(start)

	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to load pending outbox messages", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}

	if s.metrics != nil {
		if n, err := s.outboxRepo.CountByStatus(ctx, model.OutboxStatusPending); err == nil {
			s.metrics.OutboxPending.Set(float64(n))
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			s.logger.Error("Failed to mark outbox message sent", zap.Int64("id", msg.ID), zap.Error(updateErr))
		}
		s.record("sent")
		return true
	}

	s.logger.Warn("Failed to publish outbox message",
		zap.Int64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Int("retry_count", msg.RetryCount),
		zap.Error(err))

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("Failed to mark outbox message failed", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			s.logger.Error("Outbox message gave up after max retries", zap.Int64("id", msg.ID), zap.String("key", msg.MessageKey))
		}
		s.record("failed")
		return false
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("Failed to increment outbox retry count", zap.Int64("id", msg.ID), zap.Error(err))
	}
	s.record("retry")
	return false
}

func (s *OutboxSender) record(status string) {
	if s.metrics != nil {
		s.metrics.RecordOutbox(status)
	}
}

func (s *OutboxSender) observe(start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordJobRun("outbox_sender", time.Since(start))
	}
}
