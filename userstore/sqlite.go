// Package userstore provides a sqlite-backed implementation of
// authkit.UserProvider for single-node deployments and the server binaries.
package userstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/amlume/authkit"
)

// SQLiteUsers stores accounts in a sqlite database.
type SQLiteUsers struct {
	db *sql.DB
}

// Open opens (or creates) the user database at the given sqlite DSN and
// ensures the schema. Use ":memory:" for tests.
func Open(dsn string) (*SQLiteUsers, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteUsers{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteUsers) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL DEFAULT '',
			identifier    TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			roles         TEXT NOT NULL DEFAULT '[]',
			status        INTEGER NOT NULL DEFAULT 0,
			created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteUsers) Close() error {
	return s.db.Close()
}

const userColumns = `id, tenant_id, identifier, email, password_hash, roles, status`

func scanUser(row interface{ Scan(...any) error }) (authkit.UserRecord, error) {
	var (
		user     authkit.UserRecord
		rolesRaw string
		status   uint8
	)
	err := row.Scan(&user.UserID, &user.TenantID, &user.Identifier, &user.Email, &user.PasswordHash, &rolesRaw, &status)
	if err != nil {
		return authkit.UserRecord{}, err
	}
	if err := json.Unmarshal([]byte(rolesRaw), &user.Roles); err != nil {
		return authkit.UserRecord{}, fmt.Errorf("decode roles: %w", err)
	}
	user.Status = authkit.AccountStatus(status)
	return user, nil
}

func (s *SQLiteUsers) GetUserByIdentifier(ctx context.Context, identifier string) (authkit.UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE identifier = ?`, identifier)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authkit.UserRecord{}, authkit.ErrUserNotFound
	}
	if err != nil {
		return authkit.UserRecord{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

func (s *SQLiteUsers) GetUserByID(ctx context.Context, userID string) (authkit.UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authkit.UserRecord{}, authkit.ErrUserNotFound
	}
	if err != nil {
		return authkit.UserRecord{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

// CreateUser inserts a new account. An empty password hash marks a
// federated-only account. Accounts created with a password start in
// pending-verification; federated accounts are active immediately since the
// upstream provider vouched for the identity.
func (s *SQLiteUsers) CreateUser(ctx context.Context, account authkit.NewAccount, passwordHash string) (authkit.UserRecord, error) {
	rolesRaw, err := json.Marshal(rolesOrEmpty(account.Roles))
	if err != nil {
		return authkit.UserRecord{}, fmt.Errorf("encode roles: %w", err)
	}

	status := authkit.AccountPendingVerification
	if passwordHash == "" {
		status = authkit.AccountActive
	}

	user := authkit.UserRecord{
		UserID:       uuid.NewString(),
		TenantID:     account.TenantID,
		Identifier:   account.Identifier,
		Email:        account.Email,
		PasswordHash: passwordHash,
		Roles:        account.Roles,
		Status:       status,
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, identifier, email, password_hash, roles, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.UserID, user.TenantID, user.Identifier, user.Email, user.PasswordHash, string(rolesRaw), uint8(user.Status), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return authkit.UserRecord{}, fmt.Errorf("identifier %q: %w", account.Identifier, authkit.ErrAccountExists)
		}
		return authkit.UserRecord{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *SQLiteUsers) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authkit.ErrUserNotFound
	}
	return nil
}

// SetStatus updates the lifecycle state of an account.
func (s *SQLiteUsers) SetStatus(ctx context.Context, userID string, status authkit.AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, updated_at = ? WHERE id = ?`,
		uint8(status), time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authkit.ErrUserNotFound
	}
	return nil
}

func rolesOrEmpty(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
