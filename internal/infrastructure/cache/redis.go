package cache

import (
	"context"
	"fmt"
	"time"

	"coinledger/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// NewRedis connects to Redis when it is enabled. A nil client means the in-flight
// guard is switched off.
func NewRedis(cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		logger.Info("Redis disabled, in-flight guard off")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr(), err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))
	return client, nil
}
