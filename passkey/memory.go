package passkey

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// MemoryStore is an in-process CredentialStore and CeremonyStore for tests
// and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string][]webauthn.Credential
	ceremonies  map[string]ceremonyEntry

	ceremonyTTL time.Duration
}

type ceremonyEntry struct {
	data      webauthn.SessionData
	expiresAt time.Time
}

// NewMemoryStore returns an empty store. ceremonyTTL bounds how long a begun
// ceremony may wait for its finish call; zero means [DefaultCeremonyTTL].
func NewMemoryStore(ceremonyTTL time.Duration) *MemoryStore {
	if ceremonyTTL <= 0 {
		ceremonyTTL = DefaultCeremonyTTL
	}
	return &MemoryStore{
		credentials: make(map[string][]webauthn.Credential),
		ceremonies:  make(map[string]ceremonyEntry),
		ceremonyTTL: ceremonyTTL,
	}
}

func (m *MemoryStore) StoreCredential(_ context.Context, userID string, cred webauthn.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[userID] = append(m.credentials[userID], cred)
	return nil
}

func (m *MemoryStore) Credentials(_ context.Context, userID string) ([]webauthn.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	creds := m.credentials[userID]
	out := make([]webauthn.Credential, len(creds))
	copy(out, creds)
	return out, nil
}

func (m *MemoryStore) UpdateCredential(_ context.Context, userID string, cred webauthn.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.credentials[userID] {
		if bytes.Equal(existing.ID, cred.ID) {
			m.credentials[userID][i] = cred
			return nil
		}
	}
	return ErrCredentialNotFound
}

func (m *MemoryStore) DeleteCredential(_ context.Context, userID string, credentialID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	creds := m.credentials[userID]
	for i, existing := range creds {
		if bytes.Equal(existing.ID, credentialID) {
			m.credentials[userID] = append(creds[:i:i], creds[i+1:]...)
			return nil
		}
	}
	return ErrCredentialNotFound
}

func (m *MemoryStore) SaveCeremony(_ context.Context, ceremonyID string, data webauthn.SessionData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ceremonies[ceremonyID] = ceremonyEntry{
		data:      data,
		expiresAt: time.Now().Add(m.ceremonyTTL),
	}
	return nil
}

func (m *MemoryStore) TakeCeremony(_ context.Context, ceremonyID string) (webauthn.SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.ceremonies[ceremonyID]
	if !ok {
		return webauthn.SessionData{}, ErrCeremonyNotFound
	}
	delete(m.ceremonies, ceremonyID)
	if time.Now().After(entry.expiresAt) {
		return webauthn.SessionData{}, ErrCeremonyNotFound
	}
	return entry.data, nil
}
