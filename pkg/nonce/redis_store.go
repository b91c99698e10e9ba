package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultKeyPrefix is the Redis key prefix for ledger entries
	DefaultKeyPrefix = "nonce"

	consumedValue = "consumed"
)

// advanceScript stores ARGV[1] when the key is absent (with a PX ttl of ARGV[2])
// or when ARGV[1] exceeds the stored count (keeping the original ttl). A consumed
// single-use entry is not a number and never advances.
// Returns 1 created, 2 updated, 0 rejected.
var advanceScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
local stored = tonumber(current)
if stored ~= nil and tonumber(ARGV[1]) > stored then
	redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
	return 2
end
return 0
`)

// RedisLedger implements Ledger on Redis. Replay state lives outside the
// process and entries expire through server-side TTLs, so the manager
// schedules no removals for it.
type RedisLedger struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// Compile-time interface compliance check
var (
	_ Ledger       = (*RedisLedger)(nil)
	_ SelfExpiring = (*RedisLedger)(nil)
)

// NewRedisLedger creates a Redis-backed ledger using DefaultKeyPrefix
func NewRedisLedger(client *redis.Client, logger *zap.Logger) *RedisLedger {
	return NewRedisLedgerWithPrefix(client, DefaultKeyPrefix, logger)
}

// NewRedisLedgerWithPrefix creates a Redis-backed ledger with a custom key prefix
func NewRedisLedgerWithPrefix(client *redis.Client, prefix string, logger *zap.Logger) *RedisLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLedger{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// buildKey creates a Redis key from the encoded nonce
// Format: {prefix}:{nonce}
func (s *RedisLedger) buildKey(nonce string) string {
	return fmt.Sprintf("%s:%s", s.prefix, nonce)
}

// ttlMillis rounds ttl up to whole milliseconds; PX rejects zero.
func ttlMillis(ttl time.Duration) int64 {
	ms := (ttl + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		return 1
	}
	return int64(ms)
}

// SelfExpiring implements SelfExpiring.
func (s *RedisLedger) SelfExpiring() bool {
	return true
}

// Advance implements Ledger with a single Lua script so the check and the
// write are atomic on the server.
func (s *RedisLedger) Advance(ctx context.Context, key string, count int64, ttl time.Duration) (Outcome, error) {
	res, err := advanceScript.Run(ctx, s.client, []string{s.buildKey(key)}, count, ttlMillis(ttl)).Int()
	if err != nil {
		s.logger.Error("failed to advance nonce count",
			zap.String("nonce", key),
			zap.Int64("nonce_count", count),
			zap.Error(err),
		)
		return Rejected, fmt.Errorf("failed to advance nonce count: %w", err)
	}

	outcome := Outcome(res)
	s.logger.Debug("nonce count checked",
		zap.String("nonce", key),
		zap.Int64("nonce_count", count),
		zap.Stringer("outcome", outcome),
	)
	return outcome, nil
}

// Consume implements Ledger using SETNX with TTL
func (s *RedisLedger) Consume(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	ok, err := s.client.SetNX(ctx, s.buildKey(key), consumedValue, time.Duration(ttlMillis(ttl))*time.Millisecond).Result()
	if err != nil {
		s.logger.Error("failed to consume nonce",
			zap.String("nonce", key),
			zap.Error(err),
		)
		return Rejected, fmt.Errorf("failed to consume nonce: %w", err)
	}

	if !ok {
		s.logger.Debug("nonce already consumed", zap.String("nonce", key))
		return Rejected, nil
	}

	s.logger.Debug("nonce consumed", zap.String("nonce", key))
	return Created, nil
}

// Remove implements Ledger
func (s *RedisLedger) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.buildKey(key)).Err(); err != nil {
		s.logger.Error("failed to remove nonce",
			zap.String("nonce", key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to remove nonce: %w", err)
	}
	return nil
}

// Len implements Ledger by scanning the key prefix.
func (s *RedisLedger) Len(ctx context.Context) (int, error) {
	var n int
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count nonces: %w", err)
	}
	return n, nil
}
