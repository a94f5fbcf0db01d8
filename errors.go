package authkit

import "errors"

var (
	// ErrUnauthorized is returned when a token fails signature or claim checks.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned for any failed password login. The
	// reason (unknown user, bad password) is not distinguished to callers.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when a user lookup by ID fails.
	ErrUserNotFound = errors.New("user not found")
	// ErrLoginRateLimited is returned when the login limiter denies an attempt.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrRefreshRateLimited is returned when the refresh limiter denies an attempt.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrRefreshInvalid is returned for malformed or unknown refresh tokens.
	ErrRefreshInvalid = errors.New("refresh token invalid")
	// ErrRefreshReuse is returned when an already-rotated refresh token is
	// presented again. The session is invalidated as a side effect.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrSessionNotFound is returned when the session backing a token is gone.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTokenInvalid is returned when a token cannot be parsed at all.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenRevoked is returned when a token's jti is on the blacklist.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenClockSkew is returned when iat is too far in the future.
	ErrTokenClockSkew = errors.New("token issued in the future")
	// ErrAccountExists is returned by Register for a taken identifier.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountUnverified blocks login while verification is pending.
	ErrAccountUnverified = errors.New("account unverified")
	// ErrAccountDisabled blocks all operations for disabled accounts.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountLocked blocks all operations for locked accounts.
	ErrAccountLocked = errors.New("account locked")
	// ErrPasswordPolicy is returned when a new password fails policy checks.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is returned when the new password equals the old one.
	ErrPasswordReuse = errors.New("password reuse rejected")
	// ErrSessionLimitExceeded is returned when concurrent session limits deny a login.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrCacheUnavailable is returned when Redis is down and the configured
	// policy is fail-closed.
	ErrCacheUnavailable = errors.New("token cache unavailable")
	// ErrInvalidValidationMode is returned for unknown validation modes.
	ErrInvalidValidationMode = errors.New("invalid validation mode")
	// ErrEngineNotReady is returned when an Engine dependency is missing.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrSessionInvalidationFailed wraps failures to revoke sessions after a
	// credential change. Callers must treat the change as incomplete.
	ErrSessionInvalidationFailed = errors.New("session invalidation failed")
)
