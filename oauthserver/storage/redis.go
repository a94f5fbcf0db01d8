package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"
)

// Key kinds under the configured prefix.
const (
	keyKindClient   = "client"
	keyKindAuthCode = "code"
	keyKindUsedCode = "used"
	keyKindAccess   = "at"
	keyKindRefresh  = "rt"
	keyKindPKCE     = "pkce"
	keyKindUpstream = "idp"
	keyKindPending  = "pending"
	keyKindJTI      = "jti"
	keyKindRequest  = "req"
)

// RedisStorage implements Storage on Redis so authorization codes, token
// sessions, and pending authorizations survive restarts and are shared
// across replicas.
//
// Token sessions are stored as JSON keyed by signature, with a per-request-ID
// set as a reverse index so revocation by grant is O(members) rather than a
// keyspace scan.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage creates Redis-backed storage. The prefix namespaces all
// keys; "oas" is used when empty.
func NewRedisStorage(client redis.UniversalClient, prefix string) (*RedisStorage, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "oas"
	}
	return &RedisStorage{client: client, prefix: prefix}, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (*RedisStorage) Close() error { return nil }

// Ping verifies Redis connectivity.
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

// storedClient is the serializable form of a registered client.
type storedClient struct {
	ID            string   `json:"id"`
	Secret        []byte   `json:"secret,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes"`
	Audience      []string `json:"audience,omitempty"`
	Public        bool     `json:"public"`
	Loopback      bool     `json:"loopback,omitempty"`
}

// storedRequester is the serializable form of a fosite.Requester. The
// session is kept as raw JSON and decoded into the prototype fosite hands
// to the Get* methods, so JWT claims survive the round trip.
type storedRequester struct {
	ID                string              `json:"id"`
	RequestedAt       time.Time           `json:"requested_at"`
	ClientID          string              `json:"client_id"`
	RequestedScopes   []string            `json:"requested_scopes,omitempty"`
	GrantedScopes     []string            `json:"granted_scopes,omitempty"`
	RequestedAudience []string            `json:"requested_audience,omitempty"`
	GrantedAudience   []string            `json:"granted_audience,omitempty"`
	Form              map[string][]string `json:"form,omitempty"`
	Session           json.RawMessage     `json:"session,omitempty"`
}

func marshalRequester(request fosite.Requester) ([]byte, error) {
	stored := storedRequester{
		ID:                request.GetID(),
		RequestedAt:       request.GetRequestedAt(),
		ClientID:          request.GetClient().GetID(),
		RequestedScopes:   request.GetRequestedScopes(),
		GrantedScopes:     request.GetGrantedScopes(),
		RequestedAudience: request.GetRequestedAudience(),
		GrantedAudience:   request.GetGrantedAudience(),
		Form:              request.GetRequestForm(),
	}

	if sess := request.GetSession(); sess != nil {
		raw, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("marshal session: %w", err)
		}
		stored.Session = raw
	}

	return json.Marshal(stored)
}

func (s *RedisStorage) unmarshalRequester(ctx context.Context, data []byte, prototype fosite.Session) (fosite.Requester, error) {
	var stored storedRequester
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal requester: %w", err)
	}

	client, err := s.GetClient(ctx, stored.ClientID)
	if err != nil {
		return nil, fmt.Errorf("client for stored requester: %w", err)
	}

	var sess fosite.Session
	if prototype != nil {
		sess = prototype.Clone()
	}
	if len(stored.Session) > 0 && sess != nil {
		if err := json.Unmarshal(stored.Session, sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
	}

	req := fosite.NewRequest()
	req.ID = stored.ID
	req.RequestedAt = stored.RequestedAt
	req.Client = client
	req.RequestedScope = stored.RequestedScopes
	req.GrantedScope = stored.GrantedScopes
	req.RequestedAudience = stored.RequestedAudience
	req.GrantedAudience = stored.GrantedAudience
	req.Form = url.Values(stored.Form)
	req.Session = sess
	return req, nil
}

func requesterTTL(request fosite.Requester, tokenType fosite.TokenType, defaultTTL time.Duration) time.Duration {
	if request == nil {
		return defaultTTL
	}
	sess := request.GetSession()
	if sess == nil {
		return defaultTTL
	}
	exp := sess.GetExpiresAt(tokenType)
	if exp.IsZero() {
		return defaultTTL
	}
	ttl := time.Until(exp)
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

// RegisterClient stores a client without expiry.
func (s *RedisStorage) RegisterClient(ctx context.Context, client fosite.Client) error {
	stored := storedClient{
		ID:            client.GetID(),
		Secret:        client.GetHashedSecret(),
		RedirectURIs:  client.GetRedirectURIs(),
		GrantTypes:    client.GetGrantTypes(),
		ResponseTypes: client.GetResponseTypes(),
		Scopes:        client.GetScopes(),
		Audience:      client.GetAudience(),
		Public:        client.IsPublic(),
	}
	if _, ok := client.(LoopbackMatcher); ok {
		stored.Loopback = true
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}
	return s.client.Set(ctx, s.key(keyKindClient, stored.ID), data, 0).Err()
}

// GetClient implements fosite.ClientManager.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	data, err := s.client.Get(ctx, s.key(keyKindClient, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}

	base := &fosite.DefaultClient{
		ID:            stored.ID,
		Secret:        stored.Secret,
		RedirectURIs:  stored.RedirectURIs,
		GrantTypes:    stored.GrantTypes,
		ResponseTypes: stored.ResponseTypes,
		Scopes:        stored.Scopes,
		Audience:      stored.Audience,
		Public:        stored.Public,
	}
	if stored.Loopback {
		return NewLoopbackClient(base), nil
	}
	return base, nil
}

// ClientAssertionJWTValid returns fosite.ErrJTIKnown when the JTI was used.
func (s *RedisStorage) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	exists, err := s.client.Exists(ctx, s.key(keyKindJTI, jti)).Result()
	if err != nil {
		return fmt.Errorf("check jti: %w", err)
	}
	if exists > 0 {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as used until exp.
func (s *RedisStorage) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.key(keyKindJTI, jti), "1", ttl).Err()
}

// CreateAuthorizeCodeSession stores the request for an authorization code.
func (s *RedisStorage) CreateAuthorizeCodeSession(ctx context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	data, err := marshalRequester(request)
	if err != nil {
		return err
	}
	ttl := requesterTTL(request, fosite.AuthorizeCode, DefaultAuthCodeTTL)
	return s.client.Set(ctx, s.key(keyKindAuthCode, code), data, ttl).Err()
}

// GetAuthorizeCodeSession returns the request for a code, with
// ErrInvalidatedAuthorizeCode when the code was already spent.
func (s *RedisStorage) GetAuthorizeCodeSession(ctx context.Context, code string, session fosite.Session) (fosite.Requester, error) {
	data, err := s.client.Get(ctx, s.key(keyKindAuthCode, code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
		}
		return nil, fmt.Errorf("get authorize code: %w", err)
	}

	request, err := s.unmarshalRequester(ctx, data, session)
	if err != nil {
		return nil, err
	}

	used, err := s.client.Exists(ctx, s.key(keyKindUsedCode, code)).Result()
	if err != nil {
		return nil, fmt.Errorf("check used code: %w", err)
	}
	if used > 0 {
		return request, fosite.ErrInvalidatedAuthorizeCode
	}
	return request, nil
}

// InvalidateAuthorizeCodeSession marks a code as spent.
func (s *RedisStorage) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	exists, err := s.client.Exists(ctx, s.key(keyKindAuthCode, code)).Result()
	if err != nil {
		return fmt.Errorf("check authorize code: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}
	return s.client.Set(ctx, s.key(keyKindUsedCode, code), "1", DefaultAuthCodeTTL).Err()
}

func (s *RedisStorage) createTokenSession(ctx context.Context, kind, signature string, request fosite.Requester, tokenType fosite.TokenType, defaultTTL time.Duration) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	data, err := marshalRequester(request)
	if err != nil {
		return err
	}
	ttl := requesterTTL(request, tokenType, defaultTTL)

	key := s.key(kind, signature)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store token session: %w", err)
	}

	// Reverse index for revocation by grant.
	reqKey := s.key(keyKindRequest, request.GetID())
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, reqKey, kind+":"+signature)
	pipe.Expire(ctx, reqKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return fmt.Errorf("index token session: %w", err)
	}
	return nil
}

func (s *RedisStorage) getTokenSession(ctx context.Context, kind, signature string, session fosite.Session, hint string) (fosite.Requester, error) {
	data, err := s.client.Get(ctx, s.key(kind, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint(hint))
		}
		return nil, fmt.Errorf("get token session: %w", err)
	}
	return s.unmarshalRequester(ctx, data, session)
}

// revokeByRequestID deletes every indexed signature of the given kinds for a
// grant.
func (s *RedisStorage) revokeByRequestID(ctx context.Context, requestID string, kinds ...string) error {
	reqKey := s.key(keyKindRequest, requestID)
	members, err := s.client.SMembers(ctx, reqKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("load grant index: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, member := range members {
		for _, kind := range kinds {
			if len(member) > len(kind)+1 && member[:len(kind)+1] == kind+":" {
				pipe.Del(ctx, s.prefix+":"+member)
				pipe.SRem(ctx, reqKey, member)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke grant tokens: %w", err)
	}
	return nil
}

// CreateAccessTokenSession stores the access token session by signature.
func (s *RedisStorage) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	return s.createTokenSession(ctx, keyKindAccess, signature, request, fosite.AccessToken, DefaultAccessTokenTTL)
}

// GetAccessTokenSession returns the access token session by signature.
func (s *RedisStorage) GetAccessTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getTokenSession(ctx, keyKindAccess, signature, session, "Access token not found")
}

// DeleteAccessTokenSession removes the access token session.
func (s *RedisStorage) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	return s.client.Del(ctx, s.key(keyKindAccess, signature)).Err()
}

// CreateRefreshTokenSession stores the refresh token session by signature.
func (s *RedisStorage) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	return s.createTokenSession(ctx, keyKindRefresh, signature, request, fosite.RefreshToken, DefaultRefreshTokenTTL)
}

// GetRefreshTokenSession returns the refresh token session by signature.
func (s *RedisStorage) GetRefreshTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getTokenSession(ctx, keyKindRefresh, signature, session, "Refresh token not found")
}

// DeleteRefreshTokenSession removes the refresh token session.
func (s *RedisStorage) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	return s.client.Del(ctx, s.key(keyKindRefresh, signature)).Err()
}

// RotateRefreshToken deletes the rotated refresh token and the grant's
// access tokens.
func (s *RedisStorage) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	if err := s.client.Del(ctx, s.key(keyKindRefresh, refreshTokenSignature)).Err(); err != nil {
		return fmt.Errorf("delete rotated refresh token: %w", err)
	}
	return s.revokeByRequestID(ctx, requestID, keyKindAccess)
}

// RevokeAccessToken removes all access tokens minted from the grant.
func (s *RedisStorage) RevokeAccessToken(ctx context.Context, requestID string) error {
	return s.revokeByRequestID(ctx, requestID, keyKindAccess)
}

// RevokeRefreshToken removes all refresh tokens minted from the grant.
func (s *RedisStorage) RevokeRefreshToken(ctx context.Context, requestID string) error {
	return s.revokeByRequestID(ctx, requestID, keyKindRefresh)
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; grace periods are
// not supported.
func (s *RedisStorage) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// CreatePKCERequestSession stores the PKCE request session.
func (s *RedisStorage) CreatePKCERequestSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("PKCE signature cannot be empty")
	}
	data, err := marshalRequester(request)
	if err != nil {
		return err
	}
	ttl := requesterTTL(request, fosite.AuthorizeCode, DefaultPKCETTL)
	return s.client.Set(ctx, s.key(keyKindPKCE, signature), data, ttl).Err()
}

// GetPKCERequestSession returns the PKCE request session.
func (s *RedisStorage) GetPKCERequestSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getTokenSession(ctx, keyKindPKCE, signature, session, "PKCE request not found")
}

// DeletePKCERequestSession removes the PKCE request session.
func (s *RedisStorage) DeletePKCERequestSession(ctx context.Context, signature string) error {
	return s.client.Del(ctx, s.key(keyKindPKCE, signature)).Err()
}

// StoreUpstreamTokens stores upstream IDP tokens under a session ID, expiring
// with the upstream access token.
func (s *RedisStorage) StoreUpstreamTokens(ctx context.Context, sessionID string, tokens *UpstreamTokens) error {
	if sessionID == "" {
		return fosite.ErrInvalidRequest.WithHint("session ID cannot be empty")
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("marshal upstream tokens: %w", err)
	}

	ttl := DefaultAccessTokenTTL
	if tokens != nil && !tokens.ExpiresAt.IsZero() {
		if until := time.Until(tokens.ExpiresAt); until > 0 {
			ttl = until
		}
	}
	return s.client.Set(ctx, s.key(keyKindUpstream, sessionID), data, ttl).Err()
}

// GetUpstreamTokens returns the upstream tokens for a session.
func (s *RedisStorage) GetUpstreamTokens(ctx context.Context, sessionID string) (*UpstreamTokens, error) {
	data, err := s.client.Get(ctx, s.key(keyKindUpstream, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: upstream tokens", ErrNotFound)
		}
		return nil, fmt.Errorf("get upstream tokens: %w", err)
	}

	var tokens UpstreamTokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("unmarshal upstream tokens: %w", err)
	}
	if tokens.IsExpired() {
		return nil, ErrExpired
	}
	return &tokens, nil
}

// DeleteUpstreamTokens removes the upstream tokens for a session.
func (s *RedisStorage) DeleteUpstreamTokens(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(keyKindUpstream, sessionID)).Err()
}

// StorePendingAuthorization stores a pending authorization keyed by internal
// state.
func (s *RedisStorage) StorePendingAuthorization(ctx context.Context, state string, pending *PendingAuthorization) error {
	if state == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}
	if pending == nil {
		return fosite.ErrInvalidRequest.WithHint("pending authorization cannot be nil")
	}

	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending authorization: %w", err)
	}
	return s.client.Set(ctx, s.key(keyKindPending, state), data, DefaultPendingAuthTTL).Err()
}

// LoadPendingAuthorization returns the pending authorization for a state.
func (s *RedisStorage) LoadPendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error) {
	data, err := s.client.Get(ctx, s.key(keyKindPending, state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: pending authorization", ErrNotFound)
		}
		return nil, fmt.Errorf("get pending authorization: %w", err)
	}

	var pending PendingAuthorization
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("unmarshal pending authorization: %w", err)
	}
	return &pending, nil
}

// DeletePendingAuthorization removes the pending authorization for a state.
func (s *RedisStorage) DeletePendingAuthorization(ctx context.Context, state string) error {
	return s.client.Del(ctx, s.key(keyKindPending, state)).Err()
}
