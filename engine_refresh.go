package authkit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amlume/authkit/internal"
	"github.com/amlume/authkit/session"
)

// Window for counting repeated refresh-token replays against one session.
const replayAnomalyWindow = time.Hour

// Refresh rotates a refresh token and mints a new access token. Rotation
// is an atomic compare-and-swap: presenting an already-rotated token
// destroys the session and returns ErrRefreshReuse.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if e == nil || e.sessionStore == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	tenantID := tenantIDFromContext(ctx)

	sessionID, providedSecret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", tenantID, "", ErrRefreshInvalid, func() map[string]string {
			return map[string]string{"reason": "decode_failed"}
		})
		return TokenPair{}, ErrRefreshInvalid
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckRefresh(ctx, sessionID); err != nil {
			e.metricInc(MetricRefreshRateLimited)
			e.emitRateLimit(ctx, "refresh", tenantID, func() map[string]string {
				return map[string]string{"session_id": sessionID}
			})
			return TokenPair{}, ErrRefreshRateLimited
		}
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}

	sess, err := e.sessionStore.RotateRefreshHash(
		ctx,
		tenantID,
		sessionID,
		internal.HashRefreshSecret(providedSecret),
		internal.HashRefreshSecret(nextSecret),
	)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			e.metricInc(MetricRefreshReuseDetected)
			e.metricInc(MetricSessionInvalidated)
			anomalies, _ := e.sessionStore.TrackReplayAnomaly(ctx, tenantID, sessionID, replayAnomalyWindow)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, "", tenantID, sessionID, ErrRefreshReuse, func() map[string]string {
				return map[string]string{"replay_count": strconv.FormatInt(anomalies, 10)}
			})
			return TokenPair{}, ErrRefreshReuse
		case errors.Is(err, redis.Nil):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", tenantID, sessionID, ErrSessionNotFound, func() map[string]string {
				return map[string]string{"reason": "session_not_found"}
			})
			return TokenPair{}, ErrSessionNotFound
		default:
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", tenantID, sessionID, err, func() map[string]string {
				return map[string]string{"reason": "rotate_failed"}
			})
			return TokenPair{}, err
		}
	}

	access, claims, err := e.jwtManager.CreateAccess(sess.UserID, sess.TenantID, sess.SessionID, sess.Roles, sess.AMR)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}

	refresh, err := internal.EncodeRefreshToken(sess.SessionID, nextSecret)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.UserID, sess.TenantID, sess.SessionID, nil, nil)

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}
