// Package identity manages user accounts and MCP credentials.
//
// It shares server.db with the registry and jobs packages; the *sql.DB comes
// from registry.Open. Passwords are argon2id hashes, credential secrets are
// stored as SHA-256 digests only.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codequarry/internal/fault"
)

// Roles a user can hold. Admins bypass group access checks.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

const timeFormat = time.RFC3339Nano

// User is an account row. The password hash never leaves the package.
type User struct {
	ID        string
	Username  string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credential is an MCP credential row. The secret itself is only returned
// once, at creation.
type Credential struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	// LastUsedAt is zero until the credential verifies its first token.
	LastUsedAt time.Time
}

// Store reads and writes users and credentials.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over the shared server.db handle. now is the
// clock for row stamps; pass time.Now outside tests.
func NewStore(db *sql.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

const userColumns = "id, username, role, created_at, updated_at"

// scanUser scans one user row.
func scanUser(row interface{ Scan(...any) error }, label string) (*User, error) {
	var u User
	var createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Username, &u.Role, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	if u.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("%s: parse created_at: %w", label, err)
	}
	if u.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("%s: parse updated_at: %w", label, err)
	}
	return &u, nil
}

func validRole(role string) bool {
	return role == RoleAdmin || role == RoleUser
}

// CreateUser adds an account with a freshly hashed password.
func (s *Store) CreateUser(ctx context.Context, username, password, role string) (*User, error) {
	if username == "" {
		return nil, fault.Wrapf(fault.ErrInvalidParameter, "create user: empty username")
	}
	if !validRole(role) {
		return nil, fault.Wrapf(fault.ErrInvalidParameter, "create user %q: role %q", username, role)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	u := User{
		ID:        uuid.NewString(),
		Username:  username,
		Role:      role,
		CreatedAt: s.now().UTC(),
	}
	u.UpdatedAt = u.CreatedAt
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, hash, u.Role,
		u.CreatedAt.Format(timeFormat), u.UpdatedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	return &u, nil
}

// GetUser returns the account for username, or nil if absent.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = ?", username)
	return scanUser(row, fmt.Sprintf("get user %q", username))
}

// ListUsers returns all accounts ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows, "scan user")
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// Authenticate checks a username and password. It reports the same error for
// an unknown user and a wrong password.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+", password_hash FROM users WHERE username = ?", username)

	var u User
	var createdAt, updatedAt, hash string
	err := row.Scan(&u.ID, &u.Username, &u.Role, &createdAt, &updatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Wrapf(fault.ErrUnauthenticated, "authenticate %q", username)
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate %q: %w", username, err)
	}
	ok, err := verifyPassword(password, hash)
	if err != nil {
		return nil, fmt.Errorf("authenticate %q: %w", username, err)
	}
	if !ok {
		return nil, fault.Wrapf(fault.ErrUnauthenticated, "authenticate %q", username)
	}
	if u.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("authenticate %q: parse created_at: %w", username, err)
	}
	if u.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("authenticate %q: parse updated_at: %w", username, err)
	}
	return &u, nil
}

// SetRole changes an account's role.
func (s *Store) SetRole(ctx context.Context, username, role string) error {
	if !validRole(role) {
		return fault.Wrapf(fault.ErrInvalidParameter, "set role %q: role %q", username, role)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET role = ?, updated_at = ? WHERE username = ?",
		role, s.now().UTC().Format(timeFormat), username)
	if err != nil {
		return fmt.Errorf("set role %q: %w", username, err)
	}
	return s.requireRow(res, username)
}

// SetPassword replaces an account's password hash.
func (s *Store) SetPassword(ctx context.Context, username, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("set password %q: %w", username, err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE username = ?",
		hash, s.now().UTC().Format(timeFormat), username)
	if err != nil {
		return fmt.Errorf("set password %q: %w", username, err)
	}
	return s.requireRow(res, username)
}

// DeleteUser removes an account. Credentials cascade.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("delete user %q: %w", username, err)
	}
	return s.requireRow(res, username)
}

func (s *Store) requireRow(res sql.Result, username string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user %q: %w", username, err)
	}
	if n == 0 {
		return fault.Wrapf(fault.ErrUserUnknown, "user %q", username)
	}
	return nil
}

// EnsureAdmin creates an admin account on a fresh install. It reports
// whether the account was created; an existing account is left alone.
func (s *Store) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	existing, err := s.GetUser(ctx, username)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if _, err := s.CreateUser(ctx, username, password, RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}

// Credentials

// CreateCredential mints an MCP credential for username and returns the
// credential id together with the secret. The secret is not recoverable
// afterwards; only its SHA-256 digest is stored.
func (s *Store) CreateCredential(ctx context.Context, username string) (id, secret string, err error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return "", "", err
	}
	if user == nil {
		return "", "", fault.Wrapf(fault.ErrUserUnknown, "create credential for %q", username)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("create credential for %q: %w", username, err)
	}
	secret = base64.RawURLEncoding.EncodeToString(raw)
	id = uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_mcp_credentials (credential_id, user_id, secret_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, id, user.ID, digest(secret), s.now().UTC().Format(timeFormat))
	if err != nil {
		return "", "", fmt.Errorf("create credential for %q: %w", username, err)
	}
	return id, secret, nil
}

// digest returns the hex SHA-256 of a credential secret.
func digest(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// GetCredential returns a credential row, or nil if absent or revoked.
func (s *Store) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT credential_id, user_id, created_at, last_used_at
		FROM user_mcp_credentials WHERE credential_id = ?
	`, id)

	var c Credential
	var createdAt string
	var lastUsed *string
	err := row.Scan(&c.ID, &c.UserID, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", id, err)
	}
	if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("get credential %q: parse created_at: %w", id, err)
	}
	if lastUsed != nil {
		if c.LastUsedAt, err = time.Parse(timeFormat, *lastUsed); err != nil {
			return nil, fmt.Errorf("get credential %q: parse last_used_at: %w", id, err)
		}
	}
	return &c, nil
}

// VerifyCredentialSecret checks a secret against the stored digest and
// returns the owning user. Unknown ids and wrong secrets report the same
// error.
func (s *Store) VerifyCredentialSecret(ctx context.Context, id, secret string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.role, u.created_at, u.updated_at, c.secret_hash
		FROM user_mcp_credentials c JOIN users u ON u.id = c.user_id
		WHERE c.credential_id = ?
	`, id)

	var u User
	var createdAt, updatedAt, hash string
	err := row.Scan(&u.ID, &u.Username, &u.Role, &createdAt, &updatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Wrapf(fault.ErrUnauthenticated, "credential %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("verify credential %q: %w", id, err)
	}
	if subtle.ConstantTimeCompare([]byte(digest(secret)), []byte(hash)) != 1 {
		return nil, fault.Wrapf(fault.ErrUnauthenticated, "credential %q", id)
	}
	if u.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("verify credential %q: parse created_at: %w", id, err)
	}
	if u.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("verify credential %q: parse updated_at: %w", id, err)
	}
	return &u, nil
}

// ListCredentials returns the credentials owned by username, newest first.
func (s *Store) ListCredentials(ctx context.Context, username string) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.credential_id, c.user_id, c.created_at, c.last_used_at
		FROM user_mcp_credentials c JOIN users u ON u.id = c.user_id
		WHERE u.username = ?
		ORDER BY c.created_at DESC, c.credential_id
	`, username)
	if err != nil {
		return nil, fmt.Errorf("list credentials for %q: %w", username, err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var createdAt string
		var lastUsed *string
		if err := rows.Scan(&c.ID, &c.UserID, &createdAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("scan credential: parse created_at: %w", err)
		}
		if lastUsed != nil {
			if c.LastUsedAt, err = time.Parse(timeFormat, *lastUsed); err != nil {
				return nil, fmt.Errorf("scan credential: parse last_used_at: %w", err)
			}
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// RevokeCredential deletes a credential. Tokens carrying its id stop
// verifying immediately.
func (s *Store) RevokeCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM user_mcp_credentials WHERE credential_id = ?", id)
	if err != nil {
		return fmt.Errorf("revoke credential %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke credential %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("credential %q not found", id)
	}
	return nil
}

// TouchCredential records a successful use. Best effort; callers log and
// continue on error.
func (s *Store) TouchCredential(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE user_mcp_credentials SET last_used_at = ? WHERE credential_id = ?",
		s.now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("touch credential %q: %w", id, err)
	}
	return nil
}
