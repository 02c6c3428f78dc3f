package mq

import (
	"fmt"

	"coinledger/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Producer publishes keyed messages synchronously, acknowledged by all replicas.
type Producer struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewSaramaConfig is the producer configuration used in production.
func NewSaramaConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 3
	c.Producer.Return.Successes = true
	return c
}

// NewKafka dials the brokers when Kafka is enabled and returns nil otherwise.
func NewKafka(cfg *config.Config, logger *zap.Logger) (*Producer, error) {
	if !cfg.Kafka.Enabled {
		logger.Info("Kafka disabled, outbox relay off")
		return nil, nil
	}
	sp, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	logger.Info("Kafka producer ready", zap.Strings("brokers", cfg.Kafka.Brokers))
	return NewProducer(sp, logger), nil
}

func NewProducer(sp sarama.SyncProducer, logger *zap.Logger) *Producer {
	return &Producer{producer: sp, logger: logger}
}

func (p *Producer) Publish(topic, key, value string) error {
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("Message published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
