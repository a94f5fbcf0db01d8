package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return pub, priv
}

func newEdManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()

	pub, priv := testKeys(t)
	cfg := Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "issuer-a",
		Audience:      "aud-a",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestCreateAndParseRoundTrip(t *testing.T) {
	m := newEdManager(t, nil)

	token, claims, err := m.CreateAccess("u1", "t1", "s1", []string{"admin"}, []string{"pwd"})
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	if claims.ID == "" {
		t.Error("expected a jti")
	}

	parsed, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
	if parsed.UID != "u1" || parsed.TID != "t1" || parsed.SID != "s1" {
		t.Errorf("identity claims = %+v", parsed)
	}
	if len(parsed.Roles) != 1 || parsed.Roles[0] != "admin" {
		t.Errorf("Roles = %v", parsed.Roles)
	}
	if len(parsed.AMR) != 1 || parsed.AMR[0] != "pwd" {
		t.Errorf("AMR = %v", parsed.AMR)
	}
	if parsed.ID != claims.ID {
		t.Errorf("jti changed across parse: %q vs %q", parsed.ID, claims.ID)
	}
}

func TestParseRejectsForeignKey(t *testing.T) {
	m1 := newEdManager(t, nil)
	m2 := newEdManager(t, nil)

	token, _, err := m1.CreateAccess("u1", "", "s1", nil, nil)
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}

	if _, err := m2.ParseAccess(token); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

// signWithIssuedAt mints a token outside the Manager so iat can be forced.
func signWithIssuedAt(t *testing.T, priv ed25519.PrivateKey, issuedAt time.Time) string {
	t.Helper()

	claims := AccessClaims{
		UID: "u1",
		SID: "s1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "future-jti",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return signed
}

func TestHS256RoundTrip(t *testing.T) {
	cfg := Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, _, err := m.CreateAccess("u1", "", "s1", nil, nil)
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	if _, err := m.ParseAccess(token); err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
}

func TestKeyRotationViaVerifyKeys(t *testing.T) {
	oldPub, oldPriv := testKeys(t)
	newPub, newPriv := testKeys(t)

	signer := func(kid string, priv ed25519.PrivateKey, pub ed25519.PublicKey) *Manager {
		m, err := NewManager(Config{
			AccessTTL:     time.Minute,
			SigningMethod: MethodEd25519,
			PrivateKey:    priv,
			PublicKey:     pub,
			KeyID:         kid,
			VerifyKeys: map[string][]byte{
				"old": oldPub,
				"new": newPub,
			},
		})
		if err != nil {
			t.Fatalf("NewManager %s failed: %v", kid, err)
		}
		return m
	}

	oldSigner := signer("old", oldPriv, oldPub)
	newSigner := signer("new", newPriv, newPub)

	oldToken, _, err := oldSigner.CreateAccess("u1", "", "s1", nil, nil)
	if err != nil {
		t.Fatalf("CreateAccess old failed: %v", err)
	}

	// The rotated manager still accepts tokens signed under the old kid.
	if _, err := newSigner.ParseAccess(oldToken); err != nil {
		t.Fatalf("ParseAccess with rotated keys failed: %v", err)
	}
}

func TestVerifyKeysRejectUnknownKid(t *testing.T) {
	pub, priv := testKeys(t)
	otherPub, _ := testKeys(t)

	signer, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		KeyID:         "k1",
	})
	if err != nil {
		t.Fatalf("NewManager signer failed: %v", err)
	}

	verifier, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PublicKey:     otherPub,
		VerifyKeys:    map[string][]byte{"k2": otherPub},
	})
	if err != nil {
		t.Fatalf("NewManager verifier failed: %v", err)
	}

	token, _, err := signer.CreateAccess("u1", "", "s1", nil, nil)
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	if _, err := verifier.ParseAccess(token); err == nil {
		t.Fatal("expected unknown kid rejection")
	}
}

func TestFutureIATRejected(t *testing.T) {
	pub, priv := testKeys(t)

	// A manager with a huge negative-skew tolerance would mask the check, so
	// keep MaxFutureIAT small and sign with a generous leeway-free config.
	m, err := NewManager(Config{
		AccessTTL:     time.Hour,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		MaxFutureIAT:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token := signWithIssuedAt(t, priv, time.Now().Add(30*time.Minute))
	if _, err := m.ParseAccess(token); !errors.Is(err, ErrFutureIAT) {
		t.Fatalf("err = %v, want ErrFutureIAT", err)
	}
}

func TestNewManagerConfigValidation(t *testing.T) {
	pub, priv := testKeys(t)

	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero ttl", Config{SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub}},
		{"unknown method", Config{AccessTTL: time.Minute, SigningMethod: "rs512"}},
		{"hs256 without key", Config{AccessTTL: time.Minute, SigningMethod: MethodHS256}},
		{"ed25519 without public key", Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PrivateKey: priv}},
		{"excessive leeway", Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PrivateKey: priv, PublicKey: pub, Leeway: time.Hour}},
		{"kid missing from verify set", Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PrivateKey: priv, KeyID: "k1", VerifyKeys: map[string][]byte{"k2": pub}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(tc.cfg); err == nil {
				t.Error("expected config rejection")
			}
		})
	}
}
