package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Categories

// PutCategory inserts or updates a category.
func (s *Store) PutCategory(ctx context.Context, c Category) error {
	aliases, err := json.Marshal(c.Aliases)
	if err != nil {
		return fmt.Errorf("put category %q: marshal aliases: %w", c.Name, err)
	}
	var description *string
	if c.Description != "" {
		description = &c.Description
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repo_categories (name, description, aliases)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			aliases = excluded.aliases
	`, c.Name, description, string(aliases))
	if err != nil {
		return fmt.Errorf("put category %q: %w", c.Name, err)
	}
	return nil
}

// GetCategory returns a category by name, or nil if absent.
func (s *Store) GetCategory(ctx context.Context, name string) (*Category, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, description, aliases FROM repo_categories WHERE name = ?", name)

	var c Category
	var description *string
	var aliases string
	err := row.Scan(&c.Name, &description, &aliases)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get category %q: %w", name, err)
	}
	if description != nil {
		c.Description = *description
	}
	if err := json.Unmarshal([]byte(aliases), &c.Aliases); err != nil {
		return nil, fmt.Errorf("get category %q: parse aliases: %w", name, err)
	}
	return &c, nil
}

// ListCategories returns all categories ordered by name.
func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, description, aliases FROM repo_categories ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var result []Category
	for rows.Next() {
		var c Category
		var description *string
		var aliases string
		if err := rows.Scan(&c.Name, &description, &aliases); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		if description != nil {
			c.Description = *description
		}
		if err := json.Unmarshal([]byte(aliases), &c.Aliases); err != nil {
			return nil, fmt.Errorf("scan category: parse aliases: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// DeleteCategory removes a category. Deleting an absent name is a no-op.
func (s *Store) DeleteCategory(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM repo_categories WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete category %q: %w", name, err)
	}
	return nil
}

// Description refresh tracking

// GetDescriptionTracking returns the tracking row for alias, or nil.
func (s *Store) GetDescriptionTracking(ctx context.Context, alias string) (*DescriptionTracking, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT repo_alias, content_hash, refreshed_at FROM description_refresh_tracking WHERE repo_alias = ?",
		alias)

	var d DescriptionTracking
	var refreshedAt string
	err := row.Scan(&d.RepoAlias, &d.ContentHash, &refreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get description tracking %q: %w", alias, err)
	}
	d.RefreshedAt, err = time.Parse(timeFormat, refreshedAt)
	if err != nil {
		return nil, fmt.Errorf("get description tracking %q: parse refreshed_at: %w", alias, err)
	}
	return &d, nil
}

// PutDescriptionTracking records the content hash a description was built from.
func (s *Store) PutDescriptionTracking(ctx context.Context, alias, contentHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO description_refresh_tracking (repo_alias, content_hash, refreshed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(repo_alias) DO UPDATE SET
			content_hash = excluded.content_hash,
			refreshed_at = excluded.refreshed_at
	`, alias, contentHash, at.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("put description tracking %q: %w", alias, err)
	}
	return nil
}
