package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const guardKeyPrefix = "wallet:inflight:"

// KeyGuard marks an idempotency key as in flight across service instances. It only
// turns a concurrent duplicate into a fast rejection; the database constraints still
// decide correctness.
type KeyGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewKeyGuard(client *redis.Client, ttl time.Duration) *KeyGuard {
	return &KeyGuard{client: client, ttl: ttl}
}

// TryAcquire claims key. The returned release func is a no-op when the claim failed.
func (g *KeyGuard) TryAcquire(ctx context.Context, key string) (bool, func(), error) {
	l := NewDistributedLock(g.client, guardKeyPrefix+key, uuid.NewString(), g.ttl)
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return false, func() {}, err
	}
	return true, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, nil
}
