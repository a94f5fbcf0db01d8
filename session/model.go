package session

import "encoding/hex"

// Session is the server-side state behind a refresh token. RefreshHash is
// the SHA-256 of the current refresh secret; the secret itself is never
// stored.
type Session struct {
	SessionID string   `json:"-"`
	UserID    string   `json:"uid"`
	TenantID  string   `json:"tid"`
	Roles     []string `json:"roles,omitempty"`
	AMR       []string `json:"amr,omitempty"`

	RefreshHash string `json:"rh"`

	CreatedAt int64 `json:"ca"`
	ExpiresAt int64 `json:"ea"`
}

// EncodeHash renders a refresh hash for storage and Lua comparison.
func EncodeHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}
