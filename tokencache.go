package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

// errCacheMiss signals an absent cache entry. Callers fall through to the
// session store; it never escapes the engine.
var errCacheMiss = errors.New("token cache miss")

// cachedToken is the Redis representation of a validated access token,
// keyed by jti. Revoked entries are negative cache hits that short-circuit
// validation without a blacklist round trip.
type cachedToken struct {
	UserID    string   `json:"uid"`
	TenantID  string   `json:"tid"`
	SessionID string   `json:"sid"`
	Roles     []string `json:"roles,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	ExpiresAt int64    `json:"exp"`
	Revoked   bool     `json:"rev,omitempty"`
}

// tokenCache caches validation results in Redis behind a circuit breaker.
// Reads go through the breaker; when it is open the cache reports a miss
// (or ErrCacheUnavailable under FailClosed) instead of waiting on a dead
// backend. Writes are fire-and-forget with bounded retries.
type tokenCache struct {
	cfg     TokenCacheConfig
	redis   redis.UniversalClient
	breaker *gobreaker.CircuitBreaker[string]
	metrics *Metrics
	prefix  string
}

func newTokenCache(cfg TokenCacheConfig, rdb redis.UniversalClient, metrics *Metrics) *tokenCache {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	tc := &tokenCache{
		cfg:     cfg,
		redis:   rdb,
		metrics: metrics,
		prefix:  cfg.RedisPrefix + ":tc:",
	}

	tc.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "token-cache",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.Inc(MetricCacheBreakerOpen)
			}
		},
	})

	return tc
}

func (tc *tokenCache) key(jti string) string {
	return tc.prefix + jti
}

// Get returns the cached entry for jti. A miss, an expired key, and an
// open breaker under fail-open policy all return errCacheMiss.
func (tc *tokenCache) Get(ctx context.Context, jti string) (cachedToken, error) {
	if tc == nil {
		return cachedToken{}, errCacheMiss
	}

	raw, err := tc.breaker.Execute(func() (string, error) {
		val, err := tc.redis.Get(ctx, tc.key(jti)).Result()
		if errors.Is(err, redis.Nil) {
			// A miss is a healthy response, not a breaker failure.
			return "", nil
		}
		return val, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		if tc.cfg.FailClosed {
			return cachedToken{}, ErrCacheUnavailable
		}
		return cachedToken{}, errCacheMiss
	case err != nil:
		tc.metrics.Inc(MetricCacheError)
		if tc.cfg.FailClosed {
			return cachedToken{}, ErrCacheUnavailable
		}
		return cachedToken{}, errCacheMiss
	case raw == "":
		tc.metrics.Inc(MetricCacheMiss)
		return cachedToken{}, errCacheMiss
	}

	var entry cachedToken
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		tc.metrics.Inc(MetricCacheError)
		return cachedToken{}, errCacheMiss
	}

	tc.metrics.Inc(MetricCacheHit)
	return entry, nil
}

// Put stores a positive validation result asynchronously. The entry TTL is
// capped at the token's remaining lifetime.
func (tc *tokenCache) Put(jti string, entry cachedToken) {
	if tc == nil {
		return
	}

	ttl := tc.cfg.TTL
	if remaining := time.Until(time.Unix(entry.ExpiresAt, 0)); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	go tc.writeBehind(tc.key(jti), string(data), ttl)
}

// PutRevoked stores a negative entry so repeated presentations of a revoked
// token resolve from cache.
func (tc *tokenCache) PutRevoked(jti string, ttl time.Duration) {
	if tc == nil {
		return
	}
	if tc.cfg.NegativeTTL > 0 && tc.cfg.NegativeTTL < ttl {
		ttl = tc.cfg.NegativeTTL
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(cachedToken{Revoked: true})
	if err != nil {
		return
	}

	go tc.writeBehind(tc.key(jti), string(data), ttl)
}

// Invalidate removes the entry for jti. Used on logout so a stale positive
// entry cannot outlive revocation.
func (tc *tokenCache) Invalidate(ctx context.Context, jti string) error {
	if tc == nil {
		return nil
	}
	if err := tc.redis.Del(ctx, tc.key(jti)).Err(); err != nil {
		tc.metrics.Inc(MetricCacheError)
		return err
	}
	return nil
}

func (tc *tokenCache) writeBehind(key, value string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	op := func() (struct{}, error) {
		err := tc.redis.Set(ctx, key, value, ttl).Err()
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(tc.cfg.WriteRetries+1),
	)
	if err != nil {
		tc.metrics.Inc(MetricCacheError)
	}
}
