package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
)

var releaseScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var renewScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// leaseStore is a token-owned expiring key. Only the holder of the token may
// renew or release it.
type leaseStore interface {
	tryAcquire(ctx context.Context, key string) (token string, ok bool, err error)
	renew(ctx context.Context, key, token string) (bool, error)
	release(ctx context.Context, key, token string) error
	ttl() time.Duration
}

// redisLease is a SET NX PX lease owned by a random token.
type redisLease struct {
	client rueidis.Client
	expiry time.Duration
}

func (r redisLease) ttl() time.Duration {
	return r.expiry
}

func (r redisLease) tryAcquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	cmd := r.client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(r.expiry.Milliseconds()).Build()

	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return token, true, nil
}

func (r redisLease) renew(ctx context.Context, key, token string) (bool, error) {
	n, err := renewScript.Exec(ctx, r.client, []string{key},
		[]string{token, strconv.FormatInt(r.expiry.Milliseconds(), 10)}).AsInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r redisLease) release(ctx context.Context, key, token string) error {
	return releaseScript.Exec(ctx, r.client, []string{key}, []string{token}).Error()
}
