package nonce

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLedgerWithPrefix(client, "test", nil), mr
}

func TestRedisLedgerAdvance(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)

	got, err := l.Advance(ctx, "abc", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Created, got)
	assert.Equal(t, time.Minute, mr.TTL("test:abc"))

	got, err = l.Advance(ctx, "abc", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Rejected, got)

	mr.FastForward(20 * time.Second)

	got, err = l.Advance(ctx, "abc", 7, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Updated, got)
	assert.Equal(t, 40*time.Second, mr.TTL("test:abc"), "update keeps the original expiry")

	got, err = l.Advance(ctx, "abc", 6, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Rejected, got)

	stored, err := mr.Get("test:abc")
	require.NoError(t, err)
	assert.Equal(t, "7", stored)
}

func TestRedisLedgerConsume(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)

	got, err := l.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Created, got)

	got, err = l.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Rejected, got)

	mr.FastForward(time.Minute + time.Second)

	got, err = l.Consume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Created, got, "entry expired through redis ttl")
}

func TestRedisLedgerLenAndRemove(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)
	require.NoError(t, mr.Set("other:key", "x"))

	for _, key := range []string{"a", "b", "c"} {
		_, err := l.Consume(ctx, key, time.Minute)
		require.NoError(t, err)
	}

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, l.Remove(ctx, "b"))
	require.NoError(t, l.Remove(ctx, "missing"))

	n, err = l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRedisLedgerSubMillisecondTTL(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)

	_, err := l.Consume(ctx, "abc", 10*time.Microsecond)
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, mr.TTL("test:abc"))
}

func TestRedisLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)
	mr.Close()

	_, err := l.Advance(ctx, "abc", 1, time.Minute)
	assert.Error(t, err)
	_, err = l.Consume(ctx, "abc", time.Minute)
	assert.Error(t, err)
}

func TestManagerWithRedisLedger(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)
	m := newTestManager(t, Config{SingleUse: true, ValidityPeriod: time.Minute}, WithLedger(l))
	assert.Nil(t, m.scheduler, "redis expires entries itself")

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	ok, err := m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl := mr.TTL("test:" + nonce)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	mr.Close()
	other, err := m.Issue(nil)
	require.NoError(t, err)
	ok, err = m.Validate(ctx, other, nil, 0)
	require.NoError(t, err)
	assert.False(t, ok, "fails closed when redis is down")
}

func TestLedgersRejectCounterOnConsumedEntry(t *testing.T) {
	ctx := context.Background()
	redisLedger, _ := newTestRedisLedger(t)

	ledgers := map[string]Ledger{
		"memory": NewMemoryLedger(),
		"redis":  redisLedger,
	}
	for name, l := range ledgers {
		t.Run(name, func(t *testing.T) {
			got, err := l.Consume(ctx, "n", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, Created, got)

			for _, count := range []int64{1, 2, math.MaxInt64} {
				got, err = l.Advance(ctx, "n", count, time.Minute)
				require.NoError(t, err)
				assert.Equal(t, Rejected, got, "count %d", count)
			}

			got, err = l.Advance(ctx, "m", 1, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, Created, got)

			got, err = l.Consume(ctx, "m", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, Rejected, got)
		})
	}
}
