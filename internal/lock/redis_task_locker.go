package lock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// RedisTaskLocker serializes a task across replicas. The lease is renewed
// every third of its TTL while held; when a renewal fails the lost channel
// is closed so the holder stops before another replica can take over.
type RedisTaskLocker struct {
	lease  leaseStore
	prefix string
	poll   time.Duration
	logger *zap.Logger
}

func NewRedisTaskLocker(client rueidis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisTaskLocker {
	return newLeaseTaskLocker(redisLease{client: client, expiry: ttl}, prefix, logger)
}

func newLeaseTaskLocker(lease leaseStore, prefix string, logger *zap.Logger) *RedisTaskLocker {
	return &RedisTaskLocker{
		lease:  lease,
		prefix: prefix,
		poll:   25 * time.Millisecond,
		logger: logger,
	}
}

func (r *RedisTaskLocker) Lock(ctx context.Context, taskID string) (<-chan struct{}, func(), error) {
	key := r.prefix + "task:" + taskID

	for {
		token, ok, err := r.lease.tryAcquire(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			lost, unlock := r.hold(key, taskID, token)
			return lost, unlock, nil
		}

		select {
		case <-time.After(r.poll):
		case <-ctx.Done():
			return nil, nil, ErrLockTimeout
		}
	}
}

// hold runs the renewal watchdog until unlock is called or the lease is lost.
func (r *RedisTaskLocker) hold(key, taskID, token string) (<-chan struct{}, func()) {
	interval := r.lease.ttl() / 3
	lost := make(chan struct{})
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				renewCtx, cancel := context.WithTimeout(context.Background(), interval)
				ok, err := r.lease.renew(renewCtx, key, token)
				cancel()
				if err == nil && ok {
					continue
				}
				r.logger.Error("task lock lost",
					zap.String("task_id", taskID), zap.Bool("expired", err == nil), zap.Error(err))
				close(lost)
				return
			}
		}
	}()

	var once sync.Once
	return lost, func() {
		once.Do(func() {
			close(done)
			<-stopped
			// the caller's ctx may already be done when unlocking
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.lease.release(releaseCtx, key, token); err != nil {
				r.logger.Warn("failed to release task lock", zap.String("task_id", taskID), zap.Error(err))
			}
		})
	}
}
