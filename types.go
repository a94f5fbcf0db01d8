package authkit

import (
	"context"
	"time"
)

// AccountStatus represents the lifecycle state of a user account.
type AccountStatus uint8

const (
	AccountActive AccountStatus = iota
	AccountPendingVerification
	AccountDisabled
	AccountLocked
)

// Authentication method reference values recorded in the amr claim.
const (
	AMRPassword  = "pwd"
	AMRWebAuthn  = "webauthn"
	AMRFederated = "federated"
)

// ValidationMode selects how much state Validate consults beyond the JWT
// signature. See the package documentation for the trade-offs.
type ValidationMode int

const (
	// ModeInherit resolves to the engine's configured default mode.
	ModeInherit ValidationMode = iota
	// ModeJWTOnly verifies signature and claims without touching Redis.
	ModeJWTOnly
	// ModeCached checks the blacklist and token cache behind a circuit
	// breaker, falling back to session lookup on cache miss.
	ModeCached
	// ModeStrict requires a live session record and fails closed.
	ModeStrict
)

// UserRecord is the account shape the engine expects from a [UserProvider].
type UserRecord struct {
	UserID       string
	TenantID     string
	Identifier   string
	Email        string
	PasswordHash string
	Roles        []string
	Status       AccountStatus
}

// NewAccount carries the fields for [Engine.Register].
type NewAccount struct {
	Identifier string
	Email      string
	Password   string
	Roles      []string
	TenantID   string
}

// UserProvider supplies account data to the engine. Implementations own the
// persistence of users; the engine never writes user rows except through the
// methods declared here.
type UserProvider interface {
	GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	CreateUser(ctx context.Context, account NewAccount, passwordHash string) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
}

// TokenPair is returned by login and refresh flows.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Principal is the authenticated identity produced by [Engine.Validate].
type Principal struct {
	UserID    string
	TenantID  string
	SessionID string
	TokenID   string
	Roles     []string
	AMR       []string
	ExpiresAt time.Time
}

// StatusError returns the sentinel error for a non-active account, or nil.
func (u UserRecord) StatusError() error {
	return accountStatusToError(u.Status)
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func accountStatusToError(status AccountStatus) error {
	switch status {
	case AccountDisabled:
		return ErrAccountDisabled
	case AccountLocked:
		return ErrAccountLocked
	default:
		return nil
	}
}
