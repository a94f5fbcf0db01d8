package authkit

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amlume/authkit/internal/rate"
	"github.com/amlume/authkit/jwt"
	"github.com/amlume/authkit/password"
	"github.com/amlume/authkit/session"
)

// Builder assembles an [Engine]. A builder is single-use; Build returns an
// error on reuse.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userProvider UserProvider
	auditSink    AuditSink
	logger       *zap.Logger

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithValidationMode(mode ValidationMode) *Builder {
	b.config.ValidationMode = mode
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := NewMetrics(cfg.Metrics)

	engine := &Engine{
		config:       cfg,
		userProvider: b.userProvider,
		logger:       logger,
		metrics:      metrics,
		sessionStore: newSessionStore(b.redis, cfg.Session),
		cache:        newTokenCache(cfg.TokenCache, b.redis, metrics),
		blacklist:    newBlacklist(cfg.Blacklist, b.redis),
		audit:        newAuditDispatcher(cfg.Audit, b.auditSink),
	}

	if cfg.RateLimit.Enabled {
		engine.rateLimiter = rate.New(b.redis, rate.Config{
			EnableIPThrottle:        true,
			EnableRefreshThrottle:   true,
			MaxLoginAttempts:        cfg.RateLimit.LoginAttempts,
			LoginCooldownDuration:   cfg.RateLimit.LoginWindow,
			MaxRefreshAttempts:      cfg.RateLimit.RefreshAttempts,
			RefreshCooldownDuration: cfg.RateLimit.RefreshWindow,
		})
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		MaxFutureIAT:  cfg.JWT.MaxClockSkew,
		KeyID:         cfg.JWT.KeyID,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	b.built = true

	return engine, nil
}

func newSessionStore(client redis.UniversalClient, cfg SessionConfig) *session.Store {
	store := session.NewStore(client, cfg.RedisPrefix, cfg.SlidingExpiration)
	store.SetTTLJitter(cfg.TTLJitter)
	return store
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
