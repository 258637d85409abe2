// Package registry is the source of truth for golden repo records.
//
// It owns the server.db schema: golden repo metadata plus the job, user,
// credential, and category tables that share the same database file. Other
// packages (jobs, identity) receive the *sql.DB opened here; they never open
// server.db themselves, and nothing here ever attaches groups.db or
// scip_audit.db to this handle.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codequarry/internal/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat keeps schedule instants at full precision; a re-registration
// must hand back next_refresh_at exactly as it was written.
const timeFormat = time.RFC3339Nano

// Open opens server.db at path and applies the embedded migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(db, migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate server.db: %w", err)
	}
	return db, nil
}

// GoldenRepo is one registered repository.
type GoldenRepo struct {
	Alias     string
	SourceURL string
	IndexPath string
	CreatedAt time.Time
	// LastRefreshAt is zero until the first successful refresh.
	LastRefreshAt time.Time
	// NextRefreshAt is zero until the scheduler spreads the repo into a slot.
	NextRefreshAt time.Time
	// EnabledBackends holds backend kind names (vector, fts, scip, temporal).
	EnabledBackends []string
	// Config carries opaque per-repo options such as branches and language
	// hints. The registry stores it verbatim.
	Config      map[string]string
	Description string
}

// Category is a named grouping of aliases for browsing.
type Category struct {
	Name        string
	Description string
	Aliases     []string
}

// DescriptionTracking records the content hash a repo description was last
// generated from.
type DescriptionTracking struct {
	RepoAlias   string
	ContentHash string
	RefreshedAt time.Time
}

// Store reads and writes golden repo records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over an Open'd database. now is the clock used
// for created_at stamps; pass time.Now outside tests.
func NewStore(db *sql.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

const repoColumns = "alias, source_url, index_path, created_at, last_refresh_at, next_refresh_at, enabled_backends, config, description"

// nullTime renders a zero time as NULL.
func nullTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := t.UTC().Format(timeFormat)
	return &v
}

// parseNullTime is the inverse of nullTime.
func parseNullTime(s *string, dst *time.Time, label string) error {
	if s == nil {
		return nil
	}
	t, err := time.Parse(timeFormat, *s)
	if err != nil {
		return fmt.Errorf("%s: parse %q: %w", label, *s, err)
	}
	*dst = t
	return nil
}

// scanRepo scans one golden repo row.
func scanRepo(row interface{ Scan(...any) error }, label string) (*GoldenRepo, error) {
	var r GoldenRepo
	var createdAt string
	var lastRefresh, nextRefresh, config, description *string
	var backends string
	err := row.Scan(&r.Alias, &r.SourceURL, &r.IndexPath, &createdAt, &lastRefresh, &nextRefresh, &backends, &config, &description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	r.CreatedAt, err = time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("%s: parse created_at %q: %w", label, createdAt, err)
	}
	if err := parseNullTime(lastRefresh, &r.LastRefreshAt, label+" last_refresh_at"); err != nil {
		return nil, err
	}
	if err := parseNullTime(nextRefresh, &r.NextRefreshAt, label+" next_refresh_at"); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(backends), &r.EnabledBackends); err != nil {
		return nil, fmt.Errorf("%s: parse enabled_backends: %w", label, err)
	}
	if config != nil {
		if err := json.Unmarshal([]byte(*config), &r.Config); err != nil {
			return nil, fmt.Errorf("%s: parse config: %w", label, err)
		}
	}
	if description != nil {
		r.Description = *description
	}
	return &r, nil
}

// Register inserts or updates a repo. On conflict only the mutable columns
// change: source_url, index_path, last_refresh_at, enabled_backends, config.
// created_at and next_refresh_at keep their stored values so a
// re-registration cannot reset a repo's position in the refresh schedule.
func (s *Store) Register(ctx context.Context, r GoldenRepo) error {
	backends, err := json.Marshal(r.EnabledBackends)
	if err != nil {
		return fmt.Errorf("register %q: marshal backends: %w", r.Alias, err)
	}
	var config *string
	if r.Config != nil {
		data, err := json.Marshal(r.Config)
		if err != nil {
			return fmt.Errorf("register %q: marshal config: %w", r.Alias, err)
		}
		v := string(data)
		config = &v
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO golden_repos_metadata
			(alias, source_url, index_path, created_at, last_refresh_at, next_refresh_at, enabled_backends, config, description)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, NULL)
		ON CONFLICT(alias) DO UPDATE SET
			source_url = excluded.source_url,
			index_path = excluded.index_path,
			last_refresh_at = excluded.last_refresh_at,
			enabled_backends = excluded.enabled_backends,
			config = excluded.config
	`, r.Alias, r.SourceURL, r.IndexPath,
		s.now().UTC().Format(timeFormat), nullTime(r.LastRefreshAt), string(backends), config)
	if err != nil {
		return fmt.Errorf("register %q: %w", r.Alias, err)
	}
	return nil
}

// Get returns the repo for alias, or nil if absent.
func (s *Store) Get(ctx context.Context, alias string) (*GoldenRepo, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+repoColumns+" FROM golden_repos_metadata WHERE alias = ?", alias)
	return scanRepo(row, fmt.Sprintf("get repo %q", alias))
}

// List returns all repos ordered by alias.
func (s *Store) List(ctx context.Context) ([]GoldenRepo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+repoColumns+" FROM golden_repos_metadata ORDER BY alias")
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var repos []GoldenRepo
	for rows.Next() {
		r, err := scanRepo(rows, "scan repo")
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// ListAliases returns all registered aliases in order, without loading the
// full rows. The access resolver uses this as the admin universe.
func (s *Store) ListAliases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT alias FROM golden_repos_metadata ORDER BY alias")
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

// Delete removes a repo row.
func (s *Store) Delete(ctx context.Context, alias string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM golden_repos_metadata WHERE alias = ?", alias)
	if err != nil {
		return fmt.Errorf("delete repo %q: %w", alias, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete repo %q: %w", alias, err)
	}
	if n == 0 {
		return fmt.Errorf("repo %q not found", alias)
	}
	return nil
}

// RecordRefresh stores the outcome of a successful refresh: the new index
// path, the refresh instant, and the next scheduled slot.
func (s *Store) RecordRefresh(ctx context.Context, alias, indexPath string, refreshedAt, nextAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE golden_repos_metadata
		SET index_path = ?, last_refresh_at = ?, next_refresh_at = ?
		WHERE alias = ?
	`, indexPath, refreshedAt.UTC().Format(timeFormat), nullTime(nextAt), alias)
	if err != nil {
		return fmt.Errorf("record refresh %q: %w", alias, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record refresh %q: %w", alias, err)
	}
	if n == 0 {
		return fmt.Errorf("repo %q not found", alias)
	}
	return nil
}

// SetSchedule assigns the next refresh slot without touching anything else.
func (s *Store) SetSchedule(ctx context.Context, alias string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE golden_repos_metadata SET next_refresh_at = ? WHERE alias = ?
	`, nullTime(next), alias)
	if err != nil {
		return fmt.Errorf("set schedule %q: %w", alias, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set schedule %q: %w", alias, err)
	}
	if n == 0 {
		return fmt.Errorf("repo %q not found", alias)
	}
	return nil
}

// DueBefore returns scheduled repos whose slot is at or before now, ordered
// by slot then alias so equal slots drain deterministically.
func (s *Store) DueBefore(ctx context.Context, now time.Time) ([]GoldenRepo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+repoColumns+` FROM golden_repos_metadata
		 WHERE next_refresh_at IS NOT NULL AND next_refresh_at <= ?
		 ORDER BY next_refresh_at, alias`,
		now.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("list due repos: %w", err)
	}
	defer rows.Close()

	var repos []GoldenRepo
	for rows.Next() {
		r, err := scanRepo(rows, "scan due repo")
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// Unscheduled returns repos with no refresh slot yet, ordered by alias.
// The scheduler spreads these into their first slots.
func (s *Store) Unscheduled(ctx context.Context) ([]GoldenRepo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+repoColumns+` FROM golden_repos_metadata
		 WHERE next_refresh_at IS NULL ORDER BY alias`)
	if err != nil {
		return nil, fmt.Errorf("list unscheduled repos: %w", err)
	}
	defer rows.Close()

	var repos []GoldenRepo
	for rows.Next() {
		r, err := scanRepo(rows, "scan unscheduled repo")
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

// SetDescription stores a generated repo description.
func (s *Store) SetDescription(ctx context.Context, alias, description string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE golden_repos_metadata SET description = ? WHERE alias = ?", description, alias)
	if err != nil {
		return fmt.Errorf("set description %q: %w", alias, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set description %q: %w", alias, err)
	}
	if n == 0 {
		return fmt.Errorf("repo %q not found", alias)
	}
	return nil
}
