package authkit

import (
	"errors"
	"time"
)

// Config holds all engine tuning knobs. Configure it once before Build; the
// engine treats it as immutable afterwards.
type Config struct {
	JWT                    JWTConfig
	Session                SessionConfig
	TokenCache             TokenCacheConfig
	Blacklist              BlacklistConfig
	RateLimit              RateLimitConfig
	Password               PasswordConfig
	Audit                  AuditConfig
	Metrics                MetricsConfig
	ValidationMode         ValidationMode
	RequireVerifiedAccount bool
}

// JWTConfig controls access token issuance and verification.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	KeyID         string
	Leeway        time.Duration
	MaxClockSkew  time.Duration
}

// SessionConfig controls the Redis session store.
type SessionConfig struct {
	RedisPrefix             string
	SlidingExpiration       bool
	AbsoluteSessionLifetime time.Duration
	MaxSessionsPerUser      int
	EnforceSingleSession    bool

	// TTLJitter adds up to this fraction of the TTL as random skew when a
	// session is saved, spreading expirations after bulk logins. Zero
	// disables jitter; values outside [0, 1] fail engine construction.
	TTLJitter float64
}

// TokenCacheConfig controls the circuit-breaker-wrapped token cache.
type TokenCacheConfig struct {
	Enabled          bool
	RedisPrefix      string
	TTL              time.Duration
	NegativeTTL      time.Duration
	BreakerThreshold uint32        // consecutive failures before the breaker opens
	BreakerCooldown  time.Duration // open-state duration before a probe is allowed
	WriteRetries     uint          // best-effort write-behind retry attempts
	FailClosed       bool          // deny instead of degrading when the breaker is open
}

// BlacklistConfig controls jti revocation.
type BlacklistConfig struct {
	RedisPrefix string
	LocalSize   int // bounded in-process front; 0 disables it

	BreakerThreshold uint32        // consecutive failures before the breaker opens
	BreakerCooldown  time.Duration // open-state duration before a probe is allowed
}

// RateLimitConfig controls Redis fixed-window limiters for login and refresh.
type RateLimitConfig struct {
	Enabled         bool
	LoginAttempts   int
	LoginWindow     time.Duration
	RefreshAttempts int
	RefreshWindow   time.Duration
}

// PasswordConfig controls argon2id hashing parameters. Memory is in KiB.
type PasswordConfig struct {
	Memory         uint32
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool // drop events under backpressure instead of blocking
}

// MetricsConfig controls the in-process metrics registry.
type MetricsConfig struct {
	Enabled        bool
	LatencyEnabled bool
}

// DefaultConfig returns conservative defaults suitable for production. The
// signing key material must still be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "amlume",
			Audience:      "amlume",
			Leeway:        5 * time.Second,
			MaxClockSkew:  2 * time.Minute,
		},
		Session: SessionConfig{
			RedisPrefix:             "ak",
			AbsoluteSessionLifetime: 7 * 24 * time.Hour,
			MaxSessionsPerUser:      10,
		},
		TokenCache: TokenCacheConfig{
			Enabled:          true,
			RedisPrefix:      "ak",
			TTL:              5 * time.Minute,
			NegativeTTL:      30 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			WriteRetries:     3,
		},
		Blacklist: BlacklistConfig{
			RedisPrefix:      "ak",
			LocalSize:        4096,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			LoginAttempts:   10,
			LoginWindow:     5 * time.Minute,
			RefreshAttempts: 30,
			RefreshWindow:   time.Minute,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			LatencyEnabled: true,
		},
		ValidationMode: ModeCached,
	}
}

func (c *Config) validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("authkit: JWT.AccessTTL must be positive")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("authkit: JWT.RefreshTTL must be positive")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("authkit: JWT.AccessTTL must be shorter than JWT.RefreshTTL")
	}
	if c.Session.AbsoluteSessionLifetime <= 0 {
		return errors.New("authkit: Session.AbsoluteSessionLifetime must be positive")
	}
	if c.Session.TTLJitter < 0 || c.Session.TTLJitter > 1 {
		return errors.New("authkit: Session.TTLJitter must be within [0, 1]")
	}
	if c.TokenCache.Enabled && c.TokenCache.TTL <= 0 {
		return errors.New("authkit: TokenCache.TTL must be positive when the cache is enabled")
	}
	if c.TokenCache.Enabled && c.TokenCache.TTL > c.JWT.AccessTTL {
		return errors.New("authkit: TokenCache.TTL must not exceed JWT.AccessTTL")
	}
	switch c.ValidationMode {
	case ModeJWTOnly, ModeCached, ModeStrict:
	default:
		return errors.New("authkit: ValidationMode must be JWTOnly, Cached, or Strict")
	}
	if c.Password.SaltLength < 8 || c.Password.KeyLength < 16 {
		return errors.New("authkit: password hash parameters below minimum")
	}
	return nil
}
