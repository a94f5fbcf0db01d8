package authkit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logout deletes the session in the context tenant.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	return e.LogoutInTenant(ctx, tenantIDFromContext(ctx), sessionID)
}

// LogoutInTenant deletes a single session. Deleting an absent session
// succeeds.
func (e *Engine) LogoutInTenant(ctx context.Context, tenantID, sessionID string) error {
	err := e.sessionStore.Delete(ctx, tenantID, sessionID)
	if err == nil {
		e.metricInc(MetricLogout)
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventLogoutSession, err == nil, "", tenantID, sessionID, err, nil)
	return err
}

// LogoutByAccessToken ends the session behind a presented access token and
// revokes the token itself for its remaining lifetime, so it is rejected
// even under cached validation.
func (e *Engine) LogoutByAccessToken(ctx context.Context, tokenStr string) error {
	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, "", tenantIDFromContext(ctx), "", ErrTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "invalid_access_token"}
		})
		return ErrTokenInvalid
	}

	if err := e.RevokeAccessToken(ctx, tokenStr); err != nil {
		return err
	}

	return e.LogoutInTenant(ctx, tenantFromClaims(claims), claims.SID)
}

// RevokeAccessToken blacklists a single token by jti without touching its
// session. The blacklist write must succeed; the cache invalidation is
// best-effort since the negative entry supersedes stale positives on the
// next blacklist hit.
func (e *Engine) RevokeAccessToken(ctx context.Context, tokenStr string) error {
	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		return ErrTokenInvalid
	}

	ttl := revocationTTL(claims.ExpiresAt.Time)
	if err := e.blacklist.Revoke(ctx, claims.ID, ttl); err != nil {
		e.metricInc(MetricBlacklistError)
		return err
	}

	if err := e.cache.Invalidate(ctx, claims.ID); err != nil {
		e.logger.Warn("token cache invalidation failed after revoke", zap.Error(err))
	}
	e.cache.PutRevoked(claims.ID, ttl)

	e.emitAudit(ctx, auditEventTokenRevoked, true, claims.UID, tenantFromClaims(claims), claims.SID, nil, nil)
	return nil
}

// LogoutAll deletes every session for the user in the context tenant.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	return e.LogoutAllInTenant(ctx, tenantIDFromContext(ctx), userID)
}

// LogoutAllInTenant deletes every indexed session for a user.
func (e *Engine) LogoutAllInTenant(ctx context.Context, tenantID, userID string) error {
	err := e.sessionStore.DeleteAllForUser(ctx, tenantID, userID)
	if err == nil {
		e.metricInc(MetricLogoutAll)
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventLogoutAll, err == nil, userID, tenantID, "", err, nil)
	return err
}

// ActiveSessions lists session IDs for a user in the context tenant.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]string, error) {
	return e.sessionStore.ActiveSessionIDs(ctx, tenantIDFromContext(ctx), userID)
}

// Ping reports Redis reachability and round-trip latency.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	return e.sessionStore.Ping(ctx)
}
