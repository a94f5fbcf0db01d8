package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed CredentialStore and CeremonyStore.
// Credentials live in a hash per user keyed by the base64url credential id;
// ceremony session data uses plain keys with a TTL so abandoned ceremonies
// expire on their own.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	ceremonyTTL time.Duration
}

// NewRedisStore wires the store over an existing client. An empty prefix
// defaults to "pk"; zero ceremonyTTL defaults to [DefaultCeremonyTTL].
func NewRedisStore(client redis.UniversalClient, prefix string, ceremonyTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "pk"
	}
	if ceremonyTTL <= 0 {
		ceremonyTTL = DefaultCeremonyTTL
	}
	return &RedisStore{client: client, prefix: prefix, ceremonyTTL: ceremonyTTL}
}

func (s *RedisStore) credentialsKey(userID string) string {
	return s.prefix + ":cred:" + userID
}

func (s *RedisStore) ceremonyKey(ceremonyID string) string {
	return s.prefix + ":cer:" + ceremonyID
}

func credentialField(credentialID []byte) string {
	return base64.RawURLEncoding.EncodeToString(credentialID)
}

func (s *RedisStore) StoreCredential(ctx context.Context, userID string, cred webauthn.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	return s.client.HSet(ctx, s.credentialsKey(userID), credentialField(cred.ID), raw).Err()
}

func (s *RedisStore) Credentials(ctx context.Context, userID string) ([]webauthn.Credential, error) {
	fields, err := s.client.HGetAll(ctx, s.credentialsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(fields))
	for _, raw := range fields {
		var cred webauthn.Credential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			return nil, fmt.Errorf("decode credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

func (s *RedisStore) UpdateCredential(ctx context.Context, userID string, cred webauthn.Credential) error {
	key := s.credentialsKey(userID)
	field := credentialField(cred.ID)

	exists, err := s.client.HExists(ctx, key, field).Result()
	if err != nil {
		return err
	}
	if !exists {
		return ErrCredentialNotFound
	}

	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	return s.client.HSet(ctx, key, field, raw).Err()
}

func (s *RedisStore) DeleteCredential(ctx context.Context, userID string, credentialID []byte) error {
	removed, err := s.client.HDel(ctx, s.credentialsKey(userID), credentialField(credentialID)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *RedisStore) SaveCeremony(ctx context.Context, ceremonyID string, data webauthn.SessionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal ceremony session: %w", err)
	}
	return s.client.Set(ctx, s.ceremonyKey(ceremonyID), raw, s.ceremonyTTL).Err()
}

func (s *RedisStore) TakeCeremony(ctx context.Context, ceremonyID string) (webauthn.SessionData, error) {
	raw, err := s.client.GetDel(ctx, s.ceremonyKey(ceremonyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return webauthn.SessionData{}, ErrCeremonyNotFound
	}
	if err != nil {
		return webauthn.SessionData{}, err
	}

	var data webauthn.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("decode ceremony session: %w", err)
	}
	return data, nil
}
