package authkit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amlume/authkit/jwt"
	"github.com/amlume/authkit/session"
)

// ValidateAccess validates a token under the engine's configured mode.
func (e *Engine) ValidateAccess(ctx context.Context, tokenStr string) (*Principal, error) {
	return e.Validate(ctx, tokenStr, ModeInherit)
}

// Validate verifies an access token and returns the authenticated
// principal. The mode decides how much state is consulted beyond the
// signature:
//
//   - ModeJWTOnly never touches Redis.
//   - ModeCached consults the blacklist and the token cache behind the
//     circuit breaker, falling back to the session store on a miss. Redis
//     failures degrade to claims-only unless the cache is fail-closed.
//   - ModeStrict requires a live session record and fails closed.
func (e *Engine) Validate(ctx context.Context, tokenStr string, mode ValidationMode) (*Principal, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}()
	}

	principal, err := e.validate(ctx, tokenStr, mode)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		return nil, err
	}
	e.metricInc(MetricValidateSuccess)
	return principal, nil
}

func (e *Engine) validate(ctx context.Context, tokenStr string, mode ValidationMode) (*Principal, error) {
	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		if errors.Is(err, jwt.ErrFutureIAT) {
			return nil, ErrTokenClockSkew
		}
		return nil, ErrUnauthorized
	}

	effective, err := e.resolveMode(mode)
	if err != nil {
		return nil, err
	}

	switch effective {
	case ModeJWTOnly:
		return principalFromClaims(claims), nil
	case ModeCached:
		return e.validateCached(ctx, claims)
	default:
		return e.validateStrict(ctx, claims)
	}
}

func (e *Engine) validateCached(ctx context.Context, claims *jwt.AccessClaims) (*Principal, error) {
	jti := claims.ID

	revoked, err := e.blacklist.IsRevoked(ctx, jti)
	if err != nil {
		// Cached mode fails open on blacklist errors; strict mode exists
		// for callers that cannot accept that.
		e.metricInc(MetricBlacklistError)
	} else if revoked {
		e.metricInc(MetricBlacklistHit)
		e.cache.PutRevoked(jti, time.Until(claims.ExpiresAt.Time))
		return nil, ErrTokenRevoked
	}

	entry, err := e.cache.Get(ctx, jti)
	switch {
	case err == nil:
		if entry.Revoked {
			return nil, ErrTokenRevoked
		}
		return principalFromCache(jti, entry), nil
	case errors.Is(err, ErrCacheUnavailable):
		return nil, ErrCacheUnavailable
	}

	// Cache miss: confirm against the session store and repopulate.
	sess, err := e.sessionStore.GetReadOnly(ctx, tenantFromClaims(claims), claims.SID)
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		return nil, ErrSessionNotFound
	case errors.Is(err, session.ErrRedisUnavailable):
		if e.config.TokenCache.FailClosed {
			return nil, ErrCacheUnavailable
		}
		return principalFromClaims(claims), nil
	default:
		return nil, ErrUnauthorized
	}

	e.cache.Put(jti, cachedToken{
		UserID:    sess.UserID,
		TenantID:  sess.TenantID,
		SessionID: sess.SessionID,
		Roles:     sess.Roles,
		AMR:       sess.AMR,
		ExpiresAt: claims.ExpiresAt.Unix(),
	})

	return principalFromSession(jti, sess, claims.ExpiresAt.Time), nil
}

func (e *Engine) validateStrict(ctx context.Context, claims *jwt.AccessClaims) (*Principal, error) {
	revoked, err := e.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		e.metricInc(MetricBlacklistError)
		return nil, ErrUnauthorized
	}
	if revoked {
		e.metricInc(MetricBlacklistHit)
		return nil, ErrTokenRevoked
	}

	sess, err := e.sessionStore.Get(ctx, tenantFromClaims(claims), claims.SID, e.sessionLifetime())
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, ErrUnauthorized
	}

	return principalFromSession(claims.ID, sess, claims.ExpiresAt.Time), nil
}

func principalFromClaims(claims *jwt.AccessClaims) *Principal {
	return &Principal{
		UserID:    claims.UID,
		TenantID:  tenantFromClaims(claims),
		SessionID: claims.SID,
		TokenID:   claims.ID,
		Roles:     claims.Roles,
		AMR:       claims.AMR,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}

func principalFromCache(jti string, entry cachedToken) *Principal {
	return &Principal{
		UserID:    entry.UserID,
		TenantID:  entry.TenantID,
		SessionID: entry.SessionID,
		TokenID:   jti,
		Roles:     entry.Roles,
		AMR:       entry.AMR,
		ExpiresAt: time.Unix(entry.ExpiresAt, 0),
	}
}

func principalFromSession(jti string, sess *session.Session, expiresAt time.Time) *Principal {
	return &Principal{
		UserID:    sess.UserID,
		TenantID:  sess.TenantID,
		SessionID: sess.SessionID,
		TokenID:   jti,
		Roles:     sess.Roles,
		AMR:       sess.AMR,
		ExpiresAt: expiresAt,
	}
}

func tenantFromClaims(claims *jwt.AccessClaims) string {
	if claims.TID == "" {
		return "0"
	}
	return claims.TID
}
