package passkey

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/amlume/authkit"
	"github.com/amlume/authkit/internal"
)

// DefaultCeremonyTTL bounds the time between the begin and finish halves of
// a ceremony.
const DefaultCeremonyTTL = 5 * time.Minute

// ErrNoCredentials is returned when a login is begun for a user with no
// registered passkeys.
var ErrNoCredentials = errors.New("passkey: user has no registered credentials")

// ErrCloneDetected is returned when an assertion's sign count indicates a
// cloned authenticator. The credential should be treated as compromised.
var ErrCloneDetected = errors.New("passkey: authenticator clone detected")

// Config customizes the relying party.
type Config struct {
	// RPID is the relying party identifier, normally the site's effective
	// domain.
	RPID string
	// RPDisplayName is shown by authenticator UIs.
	RPDisplayName string
	// Origins are the allowed WebAuthn origins.
	Origins []string

	// UserVerification defaults to preferred.
	UserVerification protocol.UserVerificationRequirement
	// ResidentKey defaults to preferred, which lets authenticators create
	// discoverable credentials without requiring them.
	ResidentKey protocol.ResidentKeyRequirement
	// Attestation defaults to none; we do not verify attestation chains.
	Attestation protocol.ConveyancePreference

	// CeremonyTimeout is advertised to the authenticator and enforced on
	// the finish half. Defaults to [DefaultCeremonyTTL].
	CeremonyTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserVerification == "" {
		c.UserVerification = protocol.VerificationPreferred
	}
	if c.ResidentKey == "" {
		c.ResidentKey = protocol.ResidentKeyRequirementPreferred
	}
	if c.Attestation == "" {
		c.Attestation = protocol.PreferNoAttestation
	}
	if c.CeremonyTimeout <= 0 {
		c.CeremonyTimeout = DefaultCeremonyTTL
	}
}

// Validate checks the config for completeness.
func (c *Config) Validate() error {
	if c.RPID == "" {
		return errors.New("rp id is required")
	}
	if c.RPDisplayName == "" {
		return errors.New("rp display name is required")
	}
	if len(c.Origins) == 0 {
		return errors.New("at least one origin is required")
	}
	return nil
}

// RelyingParty runs registration and login ceremonies against a credential
// store, with in-flight session data held in a ceremony store.
type RelyingParty struct {
	wa         *webauthn.WebAuthn
	cfg        Config
	creds      CredentialStore
	ceremonies CeremonyStore
	logger     *zap.Logger
}

// RelyingPartyOption configures a RelyingParty.
type RelyingPartyOption func(*RelyingParty)

// WithRelyingPartyLogger sets the logger.
func WithRelyingPartyLogger(logger *zap.Logger) RelyingPartyOption {
	return func(rp *RelyingParty) {
		rp.logger = logger
	}
}

// NewRelyingParty builds the relying party. creds and ceremonies may be the
// same value; [MemoryStore] and [RedisStore] implement both.
func NewRelyingParty(cfg Config, creds CredentialStore, ceremonies CeremonyStore, opts ...RelyingPartyOption) (*RelyingParty, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relying party config: %w", err)
	}
	if creds == nil || ceremonies == nil {
		return nil, errors.New("credential and ceremony stores are required")
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             cfg.Origins,
		AttestationPreference: cfg.Attestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      cfg.ResidentKey,
			UserVerification: cfg.UserVerification,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login: webauthn.TimeoutConfig{
				Enforce: true,
				Timeout: cfg.CeremonyTimeout,
			},
			Registration: webauthn.TimeoutConfig{
				Enforce: true,
				Timeout: cfg.CeremonyTimeout,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}

	rp := &RelyingParty{
		wa:         wa,
		cfg:        cfg,
		creds:      creds,
		ceremonies: ceremonies,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(rp)
	}
	return rp, nil
}

// BeginRegistration starts a registration ceremony for the user. Existing
// credentials are excluded so an authenticator is not registered twice.
// Returns the creation options for the client and the ceremony id the
// finish call must echo.
func (rp *RelyingParty) BeginRegistration(ctx context.Context, user authkit.UserRecord) (*protocol.CredentialCreation, string, error) {
	existing, err := rp.creds.Credentials(ctx, user.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("load credentials: %w", err)
	}

	wu := &ceremonyUser{record: user, creds: existing}
	creation, sessionData, err := rp.wa.BeginRegistration(wu,
		webauthn.WithExclusions(descriptors(existing)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("begin registration: %w", err)
	}

	ceremonyID, err := rp.saveCeremony(ctx, sessionData)
	if err != nil {
		return nil, "", err
	}
	return creation, ceremonyID, nil
}

// FinishRegistration validates the attestation response and persists the
// new credential.
func (rp *RelyingParty) FinishRegistration(ctx context.Context, user authkit.UserRecord, ceremonyID string, r *http.Request) (*webauthn.Credential, error) {
	sessionData, err := rp.ceremonies.TakeCeremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}

	existing, err := rp.creds.Credentials(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	wu := &ceremonyUser{record: user, creds: existing}
	cred, err := rp.wa.FinishRegistration(wu, sessionData, r)
	if err != nil {
		return nil, fmt.Errorf("finish registration: %w", err)
	}

	if err := rp.creds.StoreCredential(ctx, user.UserID, *cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	rp.logger.Info("passkey registered",
		zap.String("user_id", user.UserID),
		zap.String("credential_id", credentialField(cred.ID)),
	)
	return cred, nil
}

// BeginLogin starts an assertion ceremony for the user.
func (rp *RelyingParty) BeginLogin(ctx context.Context, user authkit.UserRecord) (*protocol.CredentialAssertion, string, error) {
	existing, err := rp.creds.Credentials(ctx, user.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("load credentials: %w", err)
	}
	if len(existing) == 0 {
		return nil, "", ErrNoCredentials
	}

	wu := &ceremonyUser{record: user, creds: existing}
	assertion, sessionData, err := rp.wa.BeginLogin(wu)
	if err != nil {
		return nil, "", fmt.Errorf("begin login: %w", err)
	}

	ceremonyID, err := rp.saveCeremony(ctx, sessionData)
	if err != nil {
		return nil, "", err
	}
	return assertion, ceremonyID, nil
}

// FinishLogin validates the assertion, rejects cloned authenticators, and
// persists the updated sign count.
func (rp *RelyingParty) FinishLogin(ctx context.Context, user authkit.UserRecord, ceremonyID string, r *http.Request) (*webauthn.Credential, error) {
	sessionData, err := rp.ceremonies.TakeCeremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}

	existing, err := rp.creds.Credentials(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	wu := &ceremonyUser{record: user, creds: existing}
	cred, err := rp.wa.FinishLogin(wu, sessionData, r)
	if err != nil {
		return nil, fmt.Errorf("finish login: %w", err)
	}

	if cred.Authenticator.CloneWarning {
		rp.logger.Warn("authenticator clone detected",
			zap.String("user_id", user.UserID),
			zap.String("credential_id", credentialField(cred.ID)),
		)
		return nil, ErrCloneDetected
	}

	if err := rp.creds.UpdateCredential(ctx, user.UserID, *cred); err != nil {
		rp.logger.Warn("failed to persist sign count",
			zap.String("user_id", user.UserID),
			zap.Error(err),
		)
	}
	return cred, nil
}

func (rp *RelyingParty) saveCeremony(ctx context.Context, data *webauthn.SessionData) (string, error) {
	ceremonyID, err := internal.RandomToken(24)
	if err != nil {
		return "", err
	}
	if err := rp.ceremonies.SaveCeremony(ctx, ceremonyID, *data); err != nil {
		return "", fmt.Errorf("save ceremony: %w", err)
	}
	return ceremonyID, nil
}
