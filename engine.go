package authkit

import (
	"time"

	"go.uber.org/zap"

	"github.com/amlume/authkit/internal/rate"
	"github.com/amlume/authkit/jwt"
	"github.com/amlume/authkit/password"
	"github.com/amlume/authkit/session"
)

// Engine is the authentication core. Construct one with [Builder.Build];
// all methods are safe for concurrent use.
type Engine struct {
	config       Config
	sessionStore *session.Store
	rateLimiter  *rate.Limiter
	cache        *tokenCache
	blacklist    *redisBlacklist
	audit        *auditDispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	userProvider UserProvider
	logger       *zap.Logger
}

// Close flushes the audit dispatcher. The engine must not be used after.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events discarded under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of all engine counters and histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// sessionLifetime is the effective session TTL: the absolute lifetime
// capped by the refresh TTL when one is set.
func (e *Engine) sessionLifetime() time.Duration {
	lifetime := e.config.Session.AbsoluteSessionLifetime
	if e.config.JWT.RefreshTTL > 0 && e.config.JWT.RefreshTTL < lifetime {
		return e.config.JWT.RefreshTTL
	}
	return lifetime
}

func (e *Engine) resolveMode(mode ValidationMode) (ValidationMode, error) {
	switch mode {
	case ModeInherit:
		switch e.config.ValidationMode {
		case ModeJWTOnly, ModeCached, ModeStrict:
			return e.config.ValidationMode, nil
		default:
			return 0, ErrInvalidValidationMode
		}
	case ModeJWTOnly, ModeCached, ModeStrict:
		return mode, nil
	default:
		return 0, ErrInvalidValidationMode
	}
}

func (e *Engine) shouldRequireVerified() bool {
	return e != nil && e.config.RequireVerifiedAccount
}
