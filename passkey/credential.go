package passkey

import (
	"context"
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/amlume/authkit"
)

var (
	// ErrCredentialNotFound is returned when a credential id is unknown.
	ErrCredentialNotFound = errors.New("passkey: credential not found")
	// ErrCeremonyNotFound is returned when a ceremony id is unknown or the
	// ceremony expired.
	ErrCeremonyNotFound = errors.New("passkey: ceremony not found or expired")
)

// CredentialStore persists WebAuthn credentials per user. Implementations
// must be safe for concurrent use.
type CredentialStore interface {
	// StoreCredential saves a new credential for the user.
	StoreCredential(ctx context.Context, userID string, cred webauthn.Credential) error

	// Credentials returns all credentials for the user. A user with no
	// credentials yields an empty slice, not an error.
	Credentials(ctx context.Context, userID string) ([]webauthn.Credential, error)

	// UpdateCredential replaces a stored credential, matched by credential
	// id. Used to persist sign-count updates after an assertion.
	UpdateCredential(ctx context.Context, userID string, cred webauthn.Credential) error

	// DeleteCredential removes a credential.
	DeleteCredential(ctx context.Context, userID string, credentialID []byte) error
}

// CeremonyStore holds in-flight ceremony session data between the begin and
// finish halves of a ceremony. Entries are single use.
type CeremonyStore interface {
	// SaveCeremony stores session data under the ceremony id.
	SaveCeremony(ctx context.Context, ceremonyID string, data webauthn.SessionData) error

	// TakeCeremony returns and deletes the session data, or
	// [ErrCeremonyNotFound].
	TakeCeremony(ctx context.Context, ceremonyID string) (webauthn.SessionData, error)
}

// ceremonyUser adapts an authkit user record and its stored credentials to
// the webauthn.User interface.
type ceremonyUser struct {
	record authkit.UserRecord
	creds  []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.record.UserID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.record.Identifier
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.record.Email != "" {
		return u.record.Email
	}
	return u.record.Identifier
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

// descriptors builds the exclusion list for re-registration.
func descriptors(creds []webauthn.Credential) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
			Transport:    c.Transport,
		})
	}
	return out
}
