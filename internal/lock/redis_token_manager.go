package lock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/rueidis"
)

type RedisTokenManager struct {
	lease leaseStore
	key   string

	mu    sync.Mutex
	token string
}

func NewRedisTokenManager(client rueidis.Client, key string, ttl time.Duration) *RedisTokenManager {
	return &RedisTokenManager{
		lease: redisLease{client: client, expiry: ttl},
		key:   key,
	}
}

func (r *RedisTokenManager) AcquireToken(ctx context.Context) error {
	token, ok, err := r.lease.tryAcquire(ctx, r.key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoTokenAvailable
	}

	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
	return nil
}

func (r *RedisTokenManager) ReleaseToken(ctx context.Context) error {
	r.mu.Lock()
	token := r.token
	r.token = ""
	r.mu.Unlock()

	if token == "" {
		return nil
	}
	return r.lease.release(ctx, r.key, token)
}
