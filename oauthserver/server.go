package oauthserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/amlume/authkit"
	"github.com/amlume/authkit/oauthserver/idp"
	"github.com/amlume/authkit/oauthserver/storage"
)

// Server is the embedded authorization server. Construct it with [New] and
// mount [Server.Handler] (or Routes on an existing chi router).
type Server struct {
	cfg      *Config
	oauth    *serverConfig
	provider fosite.OAuth2Provider
	storage  storage.Storage
	upstream *idp.OIDCProvider
	engine   *authkit.Engine
	users    *UserResolver
	logger   *zap.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithEngine enables the local login journeys: an authkit bearer token on
// the authorize endpoint authenticates the resource owner, and federated
// identities are resolved through the engine's user provider.
func WithEngine(engine *authkit.Engine, users authkit.UserProvider) ServerOption {
	return func(s *Server) {
		s.engine = engine
		s.users = NewUserResolver(users)
	}
}

// WithUpstream enables federation to an upstream OIDC provider.
func WithUpstream(upstream *idp.OIDCProvider) ServerOption {
	return func(s *Server) {
		s.upstream = upstream
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New validates the config, seeds the statically registered clients, and
// wires the fosite provider over the given storage.
func New(ctx context.Context, cfg Config, stor storage.Storage, opts ...ServerOption) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authorization server config: %w", err)
	}
	if stor == nil {
		return nil, fmt.Errorf("storage is required")
	}

	oauth := newServerConfig(&cfg)

	s := &Server{
		cfg:      &cfg,
		oauth:    oauth,
		provider: newProvider(oauth, stor),
		storage:  stor,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.registerClients(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("authorization server configured",
		zap.String("issuer", cfg.Issuer),
		zap.Int("clients", len(cfg.Clients)),
		zap.Bool("upstream", s.upstream != nil),
		zap.Bool("local_login", s.engine != nil),
	)
	return s, nil
}

func (s *Server) registerClients(ctx context.Context) error {
	for _, c := range s.cfg.Clients {
		scopes := c.Scopes
		if len(scopes) == 0 {
			scopes = s.cfg.ScopesSupported
		}

		base := &fosite.DefaultClient{
			ID:            c.ID,
			RedirectURIs:  c.RedirectURIs,
			ResponseTypes: []string{"code"},
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			Scopes:        scopes,
			Public:        c.Public,
		}
		if !c.Public && c.Secret != "" {
			// fosite's default hasher compares with bcrypt, so the stored
			// secret must be a bcrypt digest, never the plaintext.
			hashed, err := bcrypt.GenerateFromPassword([]byte(c.Secret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash secret for client %s: %w", c.ID, err)
			}
			base.Secret = hashed
		}

		var client fosite.Client = base
		if c.Public {
			client = storage.NewLoopbackClient(base)
		}
		if err := s.storage.RegisterClient(ctx, client); err != nil {
			return fmt.Errorf("register client %s: %w", c.ID, err)
		}
	}
	return nil
}

// Handler returns a router serving all OAuth and well-known endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

// Routes registers the endpoints on an existing chi router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/oauth/authorize", s.AuthorizeHandler)
	r.Get("/oauth/callback", s.CallbackHandler)
	r.Post("/oauth/token", s.TokenHandler)
	r.Post("/oauth/revoke", s.RevokeHandler)
	r.Post("/oauth2/register", s.RegisterClientHandler)
	r.Get("/.well-known/jwks.json", s.JWKSHandler)
	r.Get("/.well-known/openid-configuration", s.OIDCDiscoveryHandler)
	r.Get("/.well-known/oauth-authorization-server", s.OAuthDiscoveryHandler)
}

// Close releases the storage.
func (s *Server) Close() error {
	return s.storage.Close()
}
