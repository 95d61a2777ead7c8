package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 10*time.Second)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "provider-1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, mr.Exists("clinicsched:lock:provider-1"))
	assert.Equal(t, 10*time.Second, mr.TTL("clinicsched:lock:provider-1"))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("clinicsched:lock:provider-1"))
}

func TestRedisLocker_TimesOutWhileHeld(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, 10*time.Second, WithPollInterval(5*time.Millisecond, 10*time.Millisecond))
	ctx := context.Background()

	release, err := l.Acquire(ctx, "provider-1", 50*time.Millisecond)
	require.NoError(t, err)
	defer release(ctx)

	start := time.Now()
	_, err = l.Acquire(ctx, "provider-1", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = l.Acquire(ctx, "provider-1", 0)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestRedisLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, time.Second)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("clinicsched:lock:k"), "old holder must not delete the new lease")

	require.NoError(t, fresh(ctx))
	assert.False(t, mr.Exists("clinicsched:lock:k"))
}

func TestRedisLocker_RedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, time.Second, WithPrefix("test:"))
	mr.Close()

	_, err := l.Acquire(context.Background(), "k", 50*time.Millisecond)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}
