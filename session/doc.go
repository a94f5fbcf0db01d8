// Package session persists authentication sessions in Redis.
//
// Each session is a JSON blob under one key plus a per-user index set.
// Refresh-token rotation is a Lua compare-and-swap on the stored refresh
// hash, so concurrent refreshes cannot both succeed and a replayed token
// is detectable as a hash mismatch.
//
// Key prefixes:
//   - <prefix>:<tenant>:<sid> — session blob
//   - au:<tenant>:<uid>       — per-user session ID set
package session
