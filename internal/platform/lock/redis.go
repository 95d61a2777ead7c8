package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease that someone else re-acquired is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var errHeld = errors.New("lock held")

// RedisLocker is a lease-based lock shared by every process that talks to the
// same Redis. The lease expires after TTL even if the holder dies.
type RedisLocker struct {
	client      redis.Cmdable
	prefix      string
	ttl         time.Duration
	pollInitial time.Duration
	pollMax     time.Duration
}

type RedisOption func(*RedisLocker)

func WithPrefix(p string) RedisOption { return func(l *RedisLocker) { l.prefix = p } }

func WithPollInterval(initial, max time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.pollInitial = initial
		l.pollMax = max
	}
}

func NewRedisLocker(client redis.Cmdable, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:      client,
		prefix:      "clinicsched:lock:",
		ttl:         ttl,
		pollInitial: 10 * time.Millisecond,
		pollMax:     200 * time.Millisecond,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Release, error) {
	k := l.prefix + key
	token := uuid.NewString()

	try := func() error {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis lock %s: %w", k, err))
		}
		if !ok {
			return errHeld
		}
		return nil
	}

	var err error
	if wait <= 0 {
		err = try()
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = l.pollInitial
		b.MaxInterval = l.pollMax
		b.MaxElapsedTime = wait
		err = backoff.Retry(try, backoff.WithContext(b, ctx))
	}
	if errors.Is(err, errHeld) {
		return nil, ErrLockTimeout
	}
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
			return fmt.Errorf("release redis lock %s: %w", k, err)
		}
		return nil
	}, nil
}
