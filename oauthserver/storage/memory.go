package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ory/fosite"
	"go.uber.org/zap"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryStorage implements Storage with in-memory maps. It is safe for
// concurrent use and intended for development, tests, and single-node
// deployments; use RedisStorage when state must survive restarts.
//
// Token maps are keyed by signature for O(1) bearer lookup. Revocation by
// request ID is an O(n) scan, which is acceptable at in-memory scale.
type MemoryStorage struct {
	mu sync.RWMutex

	clients        map[string]fosite.Client
	authCodes      map[string]*timedEntry[fosite.Requester]
	usedCodes      map[string]*timedEntry[bool]
	accessTokens   map[string]*timedEntry[fosite.Requester]
	refreshTokens  map[string]*timedEntry[fosite.Requester]
	pkceRequests   map[string]*timedEntry[fosite.Requester]
	upstreamTokens map[string]*timedEntry[*UpstreamTokens]
	pendingAuth    map[string]*timedEntry[*PendingAuthorization]
	assertionJTIs  map[string]time.Time

	logger          *zap.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

var _ Storage = (*MemoryStorage)(nil)

// MemoryOption configures a MemoryStorage instance.
type MemoryOption func(*MemoryStorage)

// WithCleanupInterval overrides how often expired entries are swept.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithLogger sets the logger used for storage diagnostics.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(s *MemoryStorage) {
		s.logger = logger
	}
}

// NewMemoryStorage creates a MemoryStorage and starts its background sweep.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:         make(map[string]fosite.Client),
		authCodes:       make(map[string]*timedEntry[fosite.Requester]),
		usedCodes:       make(map[string]*timedEntry[bool]),
		accessTokens:    make(map[string]*timedEntry[fosite.Requester]),
		refreshTokens:   make(map[string]*timedEntry[fosite.Requester]),
		pkceRequests:    make(map[string]*timedEntry[fosite.Requester]),
		upstreamTokens:  make(map[string]*timedEntry[*UpstreamTokens]),
		pendingAuth:     make(map[string]*timedEntry[*PendingAuthorization]),
		assertionJTIs:   make(map[string]time.Time),
		logger:          zap.NewNop(),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

// Close stops the background sweep and waits for it to finish.
func (s *MemoryStorage) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func sweep[T any](m map[string]*timedEntry[T], now time.Time) int {
	removed := 0
	for k, v := range m {
		if now.After(v.expiresAt) {
			delete(m, k)
			removed++
		}
	}
	return removed
}

func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := sweep(s.authCodes, now)
	removed += sweep(s.usedCodes, now)
	removed += sweep(s.accessTokens, now)
	removed += sweep(s.refreshTokens, now)
	removed += sweep(s.pkceRequests, now)
	removed += sweep(s.upstreamTokens, now)
	removed += sweep(s.pendingAuth, now)
	for k, exp := range s.assertionJTIs {
		if now.After(exp) {
			delete(s.assertionJTIs, k)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("swept expired oauth storage entries", zap.Int("removed", removed))
	}
}

// requesterExpiry extracts the session expiry for a token type, falling back
// to the given default when the requester carries none.
func requesterExpiry(request fosite.Requester, tokenType fosite.TokenType, defaultTTL time.Duration) time.Time {
	if request != nil {
		if sess := request.GetSession(); sess != nil {
			if exp := sess.GetExpiresAt(tokenType); !exp.IsZero() {
				return exp
			}
		}
	}
	return time.Now().Add(defaultTTL)
}

// RegisterClient adds or replaces a client. Used for both static seeding and
// dynamic client registration.
func (s *MemoryStorage) RegisterClient(_ context.Context, client fosite.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.GetID()] = client
	return nil
}

// GetClient implements fosite.ClientManager.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (fosite.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
	}
	return client, nil
}

// ClientAssertionJWTValid returns an error when the JTI has been seen before.
func (s *MemoryStorage) ClientAssertionJWTValid(_ context.Context, jti string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if exp, ok := s.assertionJTIs[jti]; ok && time.Now().Before(exp) {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as used until exp.
func (s *MemoryStorage) SetClientAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, v := range s.assertionJTIs {
		if now.After(v) {
			delete(s.assertionJTIs, k)
		}
	}
	s.assertionJTIs[jti] = exp
	return nil
}

// CreateAuthorizeCodeSession stores the request for an authorization code.
func (s *MemoryStorage) CreateAuthorizeCodeSession(_ context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code] = &timedEntry[fosite.Requester]{
		value:     request,
		expiresAt: requesterExpiry(request, fosite.AuthorizeCode, DefaultAuthCodeTTL),
	}
	return nil
}

// GetAuthorizeCodeSession returns the request for a code. Invalidated codes
// return the request together with ErrInvalidatedAuthorizeCode, as fosite
// requires for replay handling.
func (s *MemoryStorage) GetAuthorizeCodeSession(_ context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}
	if s.usedCodes[code] != nil {
		return entry.value, fosite.ErrInvalidatedAuthorizeCode
	}
	return entry.value, nil
}

// InvalidateAuthorizeCodeSession marks a code as used.
func (s *MemoryStorage) InvalidateAuthorizeCodeSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}
	s.usedCodes[code] = &timedEntry[bool]{
		value:     true,
		expiresAt: time.Now().Add(DefaultAuthCodeTTL),
	}
	return nil
}

// CreateAccessTokenSession stores the access token session by signature.
func (s *MemoryStorage) CreateAccessTokenSession(_ context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTokens[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		expiresAt: requesterExpiry(request, fosite.AccessToken, DefaultAccessTokenTTL),
	}
	return nil
}

// GetAccessTokenSession returns the access token session by signature.
func (s *MemoryStorage) GetAccessTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.accessTokens[signature]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	return entry.value, nil
}

// DeleteAccessTokenSession removes the access token session.
func (s *MemoryStorage) DeleteAccessTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	delete(s.accessTokens, signature)
	return nil
}

// CreateRefreshTokenSession stores the refresh token session by signature.
func (s *MemoryStorage) CreateRefreshTokenSession(_ context.Context, signature string, _ string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		expiresAt: requesterExpiry(request, fosite.RefreshToken, DefaultRefreshTokenTTL),
	}
	return nil
}

// GetRefreshTokenSession returns the refresh token session by signature.
func (s *MemoryStorage) GetRefreshTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[signature]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	return entry.value, nil
}

// DeleteRefreshTokenSession removes the refresh token session.
func (s *MemoryStorage) DeleteRefreshTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	delete(s.refreshTokens, signature)
	return nil
}

// RotateRefreshToken invalidates the rotated refresh token and the access
// tokens minted from the same grant.
func (s *MemoryStorage) RotateRefreshToken(_ context.Context, requestID string, refreshTokenSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, refreshTokenSignature)
	for sig, entry := range s.accessTokens {
		if entry.value.GetID() == requestID {
			delete(s.accessTokens, sig)
		}
	}
	return nil
}

// RevokeAccessToken removes all access tokens minted from the grant.
func (s *MemoryStorage) RevokeAccessToken(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sig, entry := range s.accessTokens {
		if entry.value.GetID() == requestID {
			delete(s.accessTokens, sig)
		}
	}
	return nil
}

// RevokeRefreshToken removes all refresh tokens minted from the grant.
func (s *MemoryStorage) RevokeRefreshToken(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sig, entry := range s.refreshTokens {
		if entry.value.GetID() == requestID {
			delete(s.refreshTokens, sig)
		}
	}
	return nil
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; grace periods are
// not supported.
func (s *MemoryStorage) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// CreatePKCERequestSession stores the PKCE request session.
func (s *MemoryStorage) CreatePKCERequestSession(_ context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("PKCE signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pkceRequests[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		expiresAt: requesterExpiry(request, fosite.AuthorizeCode, DefaultPKCETTL),
	}
	return nil
}

// GetPKCERequestSession returns the PKCE request session.
func (s *MemoryStorage) GetPKCERequestSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.pkceRequests[signature]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
	}
	return entry.value, nil
}

// DeletePKCERequestSession removes the PKCE request session.
func (s *MemoryStorage) DeletePKCERequestSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pkceRequests[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
	}
	delete(s.pkceRequests, signature)
	return nil
}

// StoreUpstreamTokens stores upstream IDP tokens under a session ID. A copy
// is taken to avoid aliasing the caller's struct.
func (s *MemoryStorage) StoreUpstreamTokens(_ context.Context, sessionID string, tokens *UpstreamTokens) error {
	if sessionID == "" {
		return fosite.ErrInvalidRequest.WithHint("session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := time.Now().Add(DefaultAccessTokenTTL)
	var cp *UpstreamTokens
	if tokens != nil {
		if !tokens.ExpiresAt.IsZero() {
			expiresAt = tokens.ExpiresAt
		}
		c := *tokens
		cp = &c
	}

	s.upstreamTokens[sessionID] = &timedEntry[*UpstreamTokens]{
		value:     cp,
		expiresAt: expiresAt,
	}
	return nil
}

// GetUpstreamTokens returns a copy of the upstream tokens for a session.
func (s *MemoryStorage) GetUpstreamTokens(_ context.Context, sessionID string) (*UpstreamTokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.upstreamTokens[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: upstream tokens", ErrNotFound)
	}
	if time.Now().After(entry.expiresAt) {
		return nil, ErrExpired
	}
	if entry.value == nil {
		return nil, nil
	}
	c := *entry.value
	return &c, nil
}

// DeleteUpstreamTokens removes the upstream tokens for a session.
func (s *MemoryStorage) DeleteUpstreamTokens(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.upstreamTokens, sessionID)
	return nil
}

// StorePendingAuthorization stores a pending authorization keyed by internal
// state.
func (s *MemoryStorage) StorePendingAuthorization(_ context.Context, state string, pending *PendingAuthorization) error {
	if state == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}
	if pending == nil {
		return fosite.ErrInvalidRequest.WithHint("pending authorization cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *pending
	s.pendingAuth[state] = &timedEntry[*PendingAuthorization]{
		value:     &c,
		expiresAt: time.Now().Add(DefaultPendingAuthTTL),
	}
	return nil
}

// LoadPendingAuthorization returns the pending authorization for a state.
func (s *MemoryStorage) LoadPendingAuthorization(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.pendingAuth[state]
	if !ok {
		return nil, fmt.Errorf("%w: pending authorization", ErrNotFound)
	}
	if time.Now().After(entry.expiresAt) {
		return nil, ErrExpired
	}
	c := *entry.value
	return &c, nil
}

// DeletePendingAuthorization removes the pending authorization for a state.
func (s *MemoryStorage) DeletePendingAuthorization(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingAuth, state)
	return nil
}
