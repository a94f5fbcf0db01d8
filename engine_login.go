package authkit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/amlume/authkit/internal"
	"github.com/amlume/authkit/session"
)

// Login authenticates an identifier/password pair and opens a session.
// Every failure path consumes a rate-limit attempt; callers only ever see
// ErrInvalidCredentials for credential problems.
func (e *Engine) Login(ctx context.Context, identifier, pass string) (TokenPair, error) {
	if e == nil || e.passwordHash == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)
	tenantID := tenantIDFromContext(ctx)

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckLogin(ctx, identifier, ip); err != nil {
			e.metricInc(MetricLoginRateLimited)
			e.emitRateLimit(ctx, "login", tenantID, func() map[string]string {
				return map[string]string{"identifier": identifier}
			})
			return TokenPair{}, ErrLoginRateLimited
		}
	}

	if pass == "" {
		return TokenPair{}, e.failLogin(ctx, identifier, ip, tenantID, "", "empty_password", ErrInvalidCredentials)
	}

	user, err := e.userProvider.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		return TokenPair{}, e.failLogin(ctx, identifier, ip, tenantID, "", "user_not_found", ErrInvalidCredentials)
	}

	ok, err := e.passwordHash.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		return TokenPair{}, e.failLogin(ctx, identifier, ip, tenantID, user.UserID, "password_mismatch", ErrInvalidCredentials)
	}

	if statusErr := accountStatusToError(user.Status); statusErr != nil {
		return TokenPair{}, e.failLogin(ctx, identifier, ip, tenantID, user.UserID, "account_status", statusErr)
	}
	if e.shouldRequireVerified() && user.Status == AccountPendingVerification {
		return TokenPair{}, e.failLogin(ctx, identifier, ip, tenantID, user.UserID, "pending_verification", ErrAccountUnverified)
	}

	if e.config.Password.UpgradeOnLogin {
		if needsUpgrade, upErr := e.passwordHash.NeedsUpgrade(user.PasswordHash); upErr == nil && needsUpgrade {
			if upgraded, hashErr := e.passwordHash.Hash(pass); hashErr == nil {
				// Rehash update is best-effort and must not block successful login.
				if err := e.userProvider.UpdatePasswordHash(ctx, user.UserID, upgraded); err != nil {
					e.logger.Warn("password hash upgrade update failed", zap.Error(err))
				}
			}
		}
	}
	pass = ""

	pair, sessionID, err := e.openSession(ctx, user, tenantID, []string{AMRPassword})
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, tenantID, sessionID, err, func() map[string]string {
			return map[string]string{"identifier": identifier, "reason": "session_open_failed"}
		})
		return TokenPair{}, err
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.ResetLogin(ctx, identifier, ip); err != nil {
			e.logger.Warn("login limiter reset failed", zap.Error(err))
		}
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, tenantID, sessionID, nil, func() map[string]string {
		return map[string]string{"identifier": identifier}
	})

	return pair, nil
}

// IssueSession opens a session for a user authenticated by an external
// mechanism (passkey ceremony, federated identity). The amr values are
// recorded in the session and every access token minted from it.
func (e *Engine) IssueSession(ctx context.Context, user UserRecord, amr []string) (TokenPair, error) {
	if e == nil || e.sessionStore == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	tenantID := user.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	if statusErr := accountStatusToError(user.Status); statusErr != nil {
		return TokenPair{}, statusErr
	}
	if e.shouldRequireVerified() && user.Status == AccountPendingVerification {
		return TokenPair{}, ErrAccountUnverified
	}

	pair, sessionID, err := e.openSession(ctx, user, tenantID, amr)
	if err != nil {
		return TokenPair{}, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, tenantID, sessionID, nil, func() map[string]string {
		m := map[string]string{"identifier": user.Identifier}
		if len(amr) > 0 {
			m["method"] = amr[0]
		}
		return m
	})

	return pair, nil
}

func (e *Engine) openSession(ctx context.Context, user UserRecord, tenantID string, amr []string) (TokenPair, string, error) {
	if max := e.config.Session.MaxSessionsPerUser; max > 0 || e.config.Session.EnforceSingleSession {
		if e.config.Session.EnforceSingleSession {
			if err := e.sessionStore.DeleteAllForUser(ctx, tenantID, user.UserID); err != nil {
				return TokenPair{}, "", err
			}
		} else {
			count, err := e.sessionStore.ActiveSessionCount(ctx, tenantID, user.UserID)
			if err != nil {
				return TokenPair{}, "", err
			}
			if count >= max {
				return TokenPair{}, "", ErrSessionLimitExceeded
			}
		}
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return TokenPair{}, "", err
	}
	sessionID := sid.String()

	refreshSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, sessionID, err
	}

	now := time.Now()
	lifetime := e.sessionLifetime()

	sess := &session.Session{
		SessionID:   sessionID,
		UserID:      user.UserID,
		TenantID:    tenantID,
		Roles:       user.Roles,
		AMR:         amr,
		RefreshHash: session.EncodeHash(internal.HashRefreshSecret(refreshSecret)),
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(lifetime).Unix(),
	}

	if err := e.sessionStore.Save(ctx, sess, lifetime); err != nil {
		return TokenPair{}, sessionID, err
	}
	e.metricInc(MetricSessionCreated)

	access, claims, err := e.jwtManager.CreateAccess(user.UserID, tenantID, sessionID, user.Roles, amr)
	if err != nil {
		return TokenPair{}, sessionID, err
	}

	refresh, err := internal.EncodeRefreshToken(sessionID, refreshSecret)
	if err != nil {
		return TokenPair{}, sessionID, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, sessionID, nil
}

func (e *Engine) failLogin(ctx context.Context, identifier, ip, tenantID, userID, reason string, cause error) error {
	if e.rateLimiter != nil {
		if err := e.rateLimiter.IncrementLogin(ctx, identifier, ip); err != nil {
			e.metricInc(MetricLoginRateLimited)
			e.emitRateLimit(ctx, "login", tenantID, func() map[string]string {
				return map[string]string{"identifier": identifier}
			})
			return ErrLoginRateLimited
		}
	}
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, tenantID, "", cause, func() map[string]string {
		return map[string]string{"identifier": identifier, "reason": reason}
	})
	return cause
}

// Register creates an account. The password is hashed before the provider
// is called; the provider decides identifier uniqueness.
func (e *Engine) Register(ctx context.Context, account NewAccount) (UserRecord, error) {
	if e == nil || e.passwordHash == nil {
		return UserRecord{}, ErrEngineNotReady
	}

	tenantID := account.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
		account.TenantID = tenantID
	}

	if account.Identifier == "" || len(account.Password) < e.config.Password.MinLength {
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, "", tenantID, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{"identifier": account.Identifier, "reason": "policy"}
		})
		return UserRecord{}, ErrPasswordPolicy
	}

	hash, err := e.passwordHash.Hash(account.Password)
	if err != nil {
		return UserRecord{}, err
	}
	account.Password = ""

	user, err := e.userProvider.CreateUser(ctx, account, hash)
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			e.metricInc(MetricRegisterDuplicate)
		}
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, "", tenantID, "", err, func() map[string]string {
			return map[string]string{"identifier": account.Identifier}
		})
		return UserRecord{}, err
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventAccountCreated, true, user.UserID, tenantID, "", nil, func() map[string]string {
		return map[string]string{"identifier": account.Identifier}
	})

	return user, nil
}

// ChangePassword verifies the old password, stores a new hash, and revokes
// every session for the user. A failed revocation is surfaced as
// ErrSessionInvalidationFailed so the caller treats the change as
// incomplete.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if e == nil || e.passwordHash == nil {
		return ErrEngineNotReady
	}
	if userID == "" || oldPassword == "" || len(newPassword) < e.config.Password.MinLength {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", "", ErrPasswordPolicy, nil)
		return ErrPasswordPolicy
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", "", ErrUserNotFound, nil)
		return ErrUserNotFound
	}
	if statusErr := accountStatusToError(user.Status); statusErr != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, user.TenantID, "", statusErr, nil)
		return statusErr
	}

	oldOK, err := e.passwordHash.Verify(oldPassword, user.PasswordHash)
	if err != nil || !oldOK {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, user.TenantID, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	same, err := e.passwordHash.Verify(newPassword, user.PasswordHash)
	if err == nil && same {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, user.TenantID, "", ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := e.userProvider.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, user.TenantID, "", err, nil)
		return err
	}

	tenantID := user.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}
	if err := e.sessionStore.DeleteAllForUser(ctx, tenantID, userID); err != nil {
		e.logger.Error("session invalidation failed after password change", zap.Error(err))
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, tenantID, "", ErrSessionInvalidationFailed, nil)
		return errors.Join(ErrSessionInvalidationFailed, err)
	}
	e.metricInc(MetricSessionInvalidated)

	if e.rateLimiter != nil {
		identifier := user.Identifier
		if identifier == "" {
			identifier = userID
		}
		if err := e.rateLimiter.ResetLogin(ctx, identifier, clientIPFromContext(ctx)); err != nil {
			e.logger.Warn("login limiter reset failed after password change", zap.Error(err))
		}
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, userID, tenantID, "", nil, nil)

	return nil
}
