package authkit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

// Blacklist revokes individual access tokens by jti before they expire.
// The Redis entry lives exactly as long as the token would have; after
// expiry the signature check rejects the token on its own.
type Blacklist interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

// redisBlacklist backs the Blacklist interface with Redis SETEX plus an
// optional bounded in-process front. The front only ever holds confirmed
// revocations, so a stale local entry can deny a token early but never
// admit a revoked one. Lookups run behind a circuit breaker so a dead
// Redis costs one timeout per cooldown instead of one per validation.
type redisBlacklist struct {
	redis   redis.UniversalClient
	prefix  string
	breaker *gobreaker.CircuitBreaker[bool]

	mu    sync.Mutex
	local map[string]time.Time
	order []string
	limit int
}

func newBlacklist(cfg BlacklistConfig, rdb redis.UniversalClient) *redisBlacklist {
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	bl := &redisBlacklist{
		redis:  rdb,
		prefix: cfg.RedisPrefix + ":bl:",
		limit:  cfg.LocalSize,
	}
	if bl.limit > 0 {
		bl.local = make(map[string]time.Time, bl.limit)
		bl.order = make([]string, 0, bl.limit)
	}

	bl.breaker = gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "token-blacklist",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
	})

	return bl
}

func (b *redisBlacklist) key(jti string) string {
	return b.prefix + jti
}

// IsRevoked reports whether jti has been revoked. A Redis failure is
// returned to the caller, which decides fail-open versus fail-closed per
// validation mode.
func (b *redisBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if b.localHit(jti) {
		return true, nil
	}

	return b.breaker.Execute(func() (bool, error) {
		n, err := b.redis.Exists(ctx, b.key(jti)).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
}

// Revoke records jti for ttl. The Redis write must succeed; the local
// front is updated afterwards as a read accelerator.
func (b *redisBlacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := b.redis.Set(ctx, b.key(jti), "1", ttl).Err(); err != nil {
		return err
	}
	b.localAdd(jti, time.Now().Add(ttl))
	return nil
}

func (b *redisBlacklist) localHit(jti string) bool {
	if b.limit <= 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	exp, ok := b.local[jti]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(b.local, jti)
		return false
	}
	return true
}

func (b *redisBlacklist) localAdd(jti string, exp time.Time) {
	if b.limit <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.local[jti]; ok {
		b.local[jti] = exp
		return
	}

	// FIFO eviction keeps the front bounded. Evicted entries fall back to
	// the Redis lookup, so eviction order does not affect correctness.
	for len(b.order) >= b.limit {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.local, oldest)
	}

	b.local[jti] = exp
	b.order = append(b.order, jti)
}

// revocationTTL converts a token expiry into the blacklist entry lifetime.
func revocationTTL(expiresAt time.Time) time.Duration {
	return time.Until(expiresAt)
}
