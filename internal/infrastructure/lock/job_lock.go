package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const jobKeyPrefix = "coinledger:job:"

// JobLocker lets one replica at a time run a named background pass.
type JobLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewJobLocker returns a locker whose claims lapse after ttl if never released.
func NewJobLocker(client *redis.Client, ttl time.Duration) *JobLocker {
	return &JobLocker{client: client, ttl: ttl}
}

func (j *JobLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	l := NewDistributedLock(j.client, jobKeyPrefix+name, uuid.NewString(), j.ttl)
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, true, nil
}

// Hold blocks until name is claimed, polling every interval up to attempts times.
func (j *JobLocker) Hold(ctx context.Context, name string, interval time.Duration, attempts int) (func(), error) {
	l := NewDistributedLock(j.client, jobKeyPrefix+name, uuid.NewString(), j.ttl)
	if err := l.Lock(ctx, interval, attempts); err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, nil
}
