// Package access controls which golden repos a user may query.
//
// State lives in groups.db, a sqlite file of its own: groups (with a JSON
// member list), repo_group_access grants, and audit_logs. groups.db always
// gets its own handle; it is never ATTACHed to server.db, and no query here
// may assume both schemas share a connection.
package access

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"codequarry/internal/fault"
	"codequarry/internal/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultGroup is where users without an explicit assignment land. Open
// seeds it; Allowed fails loudly if it has gone missing since.
const DefaultGroup = "default"

const timeFormat = time.RFC3339Nano

// Open opens groups.db at path, applies migrations, and seeds the default
// group on a fresh install.
func Open(path string) (*sql.DB, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(db, migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate groups.db: %w", err)
	}
	_, err = db.Exec(`
		INSERT OR IGNORE INTO groups (group_name, description, members, created_at)
		VALUES (?, ?, '[]', ?)
	`, DefaultGroup, "users without an explicit group", time.Now().UTC().Format(timeFormat))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("seed default group: %w", err)
	}
	return db, nil
}

// Group is one access group.
type Group struct {
	Name        string
	Description string
	Members     []string
	CreatedAt   time.Time
}

// Store reads and writes groups, grants, and audit rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over an Open'd groups.db handle.
func NewStore(db *sql.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

// scanGroup scans one group row.
func scanGroup(row interface{ Scan(...any) error }, label string) (*Group, error) {
	var g Group
	var description *string
	var members, createdAt string
	err := row.Scan(&g.Name, &description, &members, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	if description != nil {
		g.Description = *description
	}
	if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
		return nil, fmt.Errorf("%s: parse members: %w", label, err)
	}
	if g.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("%s: parse created_at: %w", label, err)
	}
	return &g, nil
}

// PutGroup inserts or updates a group's name and description. Membership is
// managed through AssignUser and is not touched here.
func (s *Store) PutGroup(ctx context.Context, name, description string) error {
	if name == "" {
		return fault.Wrapf(fault.ErrInvalidParameter, "put group: empty name")
	}
	var desc *string
	if description != "" {
		desc = &description
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (group_name, description, members, created_at)
		VALUES (?, ?, '[]', ?)
		ON CONFLICT(group_name) DO UPDATE SET description = excluded.description
	`, name, desc, s.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("put group %q: %w", name, err)
	}
	return nil
}

// GetGroup returns a group, or nil if absent.
func (s *Store) GetGroup(ctx context.Context, name string) (*Group, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT group_name, description, members, created_at FROM groups WHERE group_name = ?", name)
	return scanGroup(row, fmt.Sprintf("get group %q", name))
}

// ListGroups returns all groups ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT group_name, description, members, created_at FROM groups ORDER BY group_name")
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows, "scan group")
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group and its grants. The default group cannot be
// deleted.
func (s *Store) DeleteGroup(ctx context.Context, name string) error {
	if name == DefaultGroup {
		return fault.Wrapf(fault.ErrInvalidParameter, "delete group: %q is protected", name)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM groups WHERE group_name = ?", name)
	if err != nil {
		return fmt.Errorf("delete group %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete group %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("group %q not found", name)
	}
	return nil
}

// AssignUser moves a user into a group. A user belongs to at most one
// group, so any previous membership is removed in the same transaction.
func (s *Store) AssignUser(ctx context.Context, username, group string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("assign %q to %q: %w", username, group, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT group_name, members FROM groups")
	if err != nil {
		return fmt.Errorf("assign %q to %q: %w", username, group, err)
	}
	type change struct {
		name    string
		members []string
	}
	var changes []change
	found := false
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("assign %q to %q: scan: %w", username, group, err)
		}
		var members []string
		if err := json.Unmarshal([]byte(raw), &members); err != nil {
			rows.Close()
			return fmt.Errorf("assign %q to %q: parse members of %q: %w", username, group, name, err)
		}
		if name == group {
			found = true
			if !slices.Contains(members, username) {
				members = append(members, username)
				slices.Sort(members)
				changes = append(changes, change{name, members})
			}
			continue
		}
		if i := slices.Index(members, username); i >= 0 {
			changes = append(changes, change{name, slices.Delete(members, i, i+1)})
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("assign %q to %q: %w", username, group, err)
	}
	if !found {
		return fmt.Errorf("group %q not found", group)
	}
	for _, c := range changes {
		data, err := json.Marshal(c.members)
		if err != nil {
			return fmt.Errorf("assign %q to %q: %w", username, group, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE groups SET members = ? WHERE group_name = ?", string(data), c.name); err != nil {
			return fmt.Errorf("assign %q to %q: %w", username, group, err)
		}
	}
	return tx.Commit()
}

// RemoveUser drops a user from every group, returning them to the default.
func (s *Store) RemoveUser(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove %q: %w", username, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT group_name, members FROM groups")
	if err != nil {
		return fmt.Errorf("remove %q: %w", username, err)
	}
	updates := map[string][]string{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("remove %q: scan: %w", username, err)
		}
		var members []string
		if err := json.Unmarshal([]byte(raw), &members); err != nil {
			rows.Close()
			return fmt.Errorf("remove %q: parse members of %q: %w", username, name, err)
		}
		if i := slices.Index(members, username); i >= 0 {
			updates[name] = slices.Delete(members, i, i+1)
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("remove %q: %w", username, err)
	}
	for name, members := range updates {
		data, err := json.Marshal(members)
		if err != nil {
			return fmt.Errorf("remove %q: %w", username, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE groups SET members = ? WHERE group_name = ?", string(data), name); err != nil {
			return fmt.Errorf("remove %q: %w", username, err)
		}
	}
	return tx.Commit()
}

// GroupForUser returns the group a user belongs to, or "" if none.
func (s *Store) GroupForUser(ctx context.Context, username string) (string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT group_name, members FROM groups")
	if err != nil {
		return "", fmt.Errorf("group for %q: %w", username, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return "", fmt.Errorf("group for %q: scan: %w", username, err)
		}
		var members []string
		if err := json.Unmarshal([]byte(raw), &members); err != nil {
			return "", fmt.Errorf("group for %q: parse members of %q: %w", username, name, err)
		}
		if slices.Contains(members, username) {
			return name, nil
		}
	}
	return "", rows.Err()
}

// GrantRepo allows a group to query an alias. Granting twice is a no-op.
func (s *Store) GrantRepo(ctx context.Context, group, alias string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO repo_group_access (group_name, repo_alias, granted_at)
		VALUES (?, ?, ?)
	`, group, alias, s.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("grant %q to %q: %w", alias, group, err)
	}
	return nil
}

// RevokeRepo removes a grant. Revoking an absent grant is a no-op.
func (s *Store) RevokeRepo(ctx context.Context, group, alias string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM repo_group_access WHERE group_name = ? AND repo_alias = ?", group, alias)
	if err != nil {
		return fmt.Errorf("revoke %q from %q: %w", alias, group, err)
	}
	return nil
}

// RepoAccess returns the aliases granted to a group, in order.
func (s *Store) RepoAccess(ctx context.Context, group string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT repo_alias FROM repo_group_access WHERE group_name = ? ORDER BY repo_alias", group)
	if err != nil {
		return nil, fmt.Errorf("repo access for %q: %w", group, err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("repo access for %q: scan: %w", group, err)
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

// Audit appends an audit row. Callers treat failures as observer errors:
// log the code, keep going.
func (s *Store) Audit(ctx context.Context, username, action, detail string) error {
	var d *string
	if detail != "" {
		d = &detail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, at, username, action, detail)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), s.now().UTC().Format(timeFormat), username, action, d)
	if err != nil {
		return fmt.Errorf("audit %s by %q: %w", action, username, err)
	}
	return nil
}

// AuditEntry is one audit row.
type AuditEntry struct {
	ID       string
	At       time.Time
	Username string
	Action   string
	Detail   string
}

// RecentAudits returns the newest limit audit rows.
func (s *Store) RecentAudits(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, username, action, detail
		FROM audit_logs ORDER BY at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audits: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		var detail *string
		if err := rows.Scan(&e.ID, &at, &e.Username, &e.Action, &detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if e.At, err = time.Parse(timeFormat, at); err != nil {
			return nil, fmt.Errorf("scan audit: parse at: %w", err)
		}
		if detail != nil {
			e.Detail = *detail
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
