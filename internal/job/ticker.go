package job

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Locker serializes a named job across replicas.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)
}

// runTicker calls fn every interval until ctx is done or stopCh closes.
func runTicker(ctx context.Context, stopCh <-chan struct{}, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// exclusive runs fn unless another replica holds name. Without a locker, or when
// the lock store is unreachable, fn runs anyway.
func exclusive(ctx context.Context, locker Locker, name string, logger *zap.Logger, fn func()) {
	if locker == nil {
		fn()
		return
	}
	release, ok, err := locker.TryLock(ctx, name)
	if err != nil {
		logger.Warn("Job lock unavailable, running unguarded", zap.String("job", name), zap.Error(err))
		fn()
		return
	}
	if !ok {
		logger.Debug("Job pass held by another instance", zap.String("job", name))
		return
	}
	defer release()
	fn()
}
