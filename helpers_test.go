package authkit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type mockUserProvider struct {
	mu           sync.Mutex
	users        map[string]UserRecord
	byIdentifier map[string]string
	createErr    error
	updateErr    error

	getByIdentifierCalls int
	getByIDCalls         int
	createCalls          int
	updatePasswordCalls  int
}

func (m *mockUserProvider) GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getByIdentifierCalls++

	userID, ok := m.byIdentifier[identifier]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return m.users[userID], nil
}

func (m *mockUserProvider) GetUserByID(ctx context.Context, userID string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getByIDCalls++

	user, ok := m.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return user, nil
}

func (m *mockUserProvider) CreateUser(ctx context.Context, account NewAccount, passwordHash string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++

	if m.createErr != nil {
		return UserRecord{}, m.createErr
	}
	if m.users == nil {
		m.users = make(map[string]UserRecord)
	}
	if m.byIdentifier == nil {
		m.byIdentifier = make(map[string]string)
	}
	if _, exists := m.byIdentifier[account.Identifier]; exists {
		return UserRecord{}, ErrAccountExists
	}

	userID := fmt.Sprintf("u%d", len(m.users)+1)
	user := UserRecord{
		UserID:       userID,
		TenantID:     account.TenantID,
		Identifier:   account.Identifier,
		Email:        account.Email,
		PasswordHash: passwordHash,
		Roles:        account.Roles,
		Status:       AccountActive,
	}
	m.users[userID] = user
	m.byIdentifier[account.Identifier] = userID
	return user, nil
}

func (m *mockUserProvider) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatePasswordCalls++

	if m.updateErr != nil {
		return m.updateErr
	}
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *mockUserProvider) setStatus(userID string, status AccountStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.users[userID]
	user.Status = status
	m.users[userID] = user
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testConfig(t *testing.T) Config {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.JWT.AccessTTL = 5 * time.Minute
	cfg.TokenCache.TTL = time.Minute
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.MinLength = 8
	return cfg
}

func newTestEngine(t *testing.T, rdb redis.UniversalClient, up UserProvider, cfg Config) *Engine {
	t.Helper()

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(up).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func registerTestUser(t *testing.T, engine *Engine, identifier, pass string) UserRecord {
	t.Helper()

	user, err := engine.Register(context.Background(), NewAccount{
		Identifier: identifier,
		Email:      identifier + "@example.com",
		Password:   pass,
		Roles:      []string{"member"},
	})
	if err != nil {
		t.Fatalf("Register %s failed: %v", identifier, err)
	}
	return user
}

var errProviderDown = errors.New("provider down")
