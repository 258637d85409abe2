// Package alias maps public alias names to index snapshot paths.
//
// Each alias is one file under the aliases directory whose content is the
// absolute target path. Swap replaces the mapping through a temp file and a
// rename on the same filesystem, so a concurrent Read observes either the old
// or the new target, never a torn value, and a crash mid-swap leaves the old
// mapping intact.
package alias

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codequarry/internal/fault"
)

// Global returns the store entry name carrying a golden repo's current
// index target. Every golden repo has exactly one such entry; refresh
// swaps it, queries read it.
func Global(repoAlias string) string {
	return repoAlias + "-global"
}

// Store persists alias → path mappings in a single directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create aliases directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// validName rejects names that would escape the aliases directory or collide
// with swap temp files.
func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fault.Wrapf(fault.ErrAliasInvalid, "alias %q", name)
	}
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return fault.Wrapf(fault.ErrAliasInvalid, "alias %q", name)
	}
	return nil
}

// Valid reports whether name is usable as an alias. Callers that create
// directories named after an alias check this before touching the disk.
func Valid(name string) error {
	return validName(name)
}

func (s *Store) entryPath(name string) string {
	return filepath.Join(s.dir, name)
}

// Read returns the current target path for name.
func (s *Store) Read(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.entryPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fault.Wrapf(fault.ErrAliasUnknown, "alias %q", name)
	}
	if err != nil {
		return "", fmt.Errorf("read alias %q: %w", name, err)
	}
	target := strings.TrimSpace(string(data))
	if target == "" {
		return "", fmt.Errorf("alias %q: empty target", name)
	}
	return target, nil
}

// Create establishes a new mapping. Fails if the alias already exists.
func (s *Store) Create(name, target string) error {
	if err := validName(name); err != nil {
		return err
	}
	if !filepath.IsAbs(target) {
		return fault.Wrapf(fault.ErrInvalidParameter, "alias target %q is not absolute", target)
	}
	f, err := os.OpenFile(s.entryPath(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create alias %q: %w", name, err)
	}
	if _, err := f.WriteString(target + "\n"); err != nil {
		f.Close()
		os.Remove(s.entryPath(name))
		return fmt.Errorf("write alias %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close alias %q: %w", name, err)
	}
	return nil
}

// Swap atomically repoints an existing alias at newTarget. After Swap
// returns, every Read observes newTarget; if Swap fails at any step, the old
// mapping is untouched.
func (s *Store) Swap(name, newTarget string) error {
	if err := validName(name); err != nil {
		return err
	}
	if !filepath.IsAbs(newTarget) {
		return fault.Wrapf(fault.ErrInvalidParameter, "alias target %q is not absolute", newTarget)
	}
	if _, err := os.Stat(s.entryPath(name)); errors.Is(err, fs.ErrNotExist) {
		return fault.Wrapf(fault.ErrAliasUnknown, "swap alias %q", name)
	} else if err != nil {
		return fmt.Errorf("swap alias %q: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".swap-*")
	if err != nil {
		return fmt.Errorf("swap alias %q: %w", name, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}
	if _, err := tmp.WriteString(newTarget + "\n"); err != nil {
		cleanup()
		return fmt.Errorf("swap alias %q: %w", name, err)
	}
	if err := tmp.Chmod(0o640); err != nil {
		cleanup()
		return fmt.Errorf("swap alias %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("swap alias %q: %w", name, err)
	}
	if err := os.Rename(tmpPath, s.entryPath(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("swap alias %q: %w", name, err)
	}
	return nil
}

// Delete removes the mapping. Deleting an absent alias is a no-op.
func (s *Store) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(s.entryPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete alias %q: %w", name, err)
	}
	return nil
}

// List returns all alias names, sorted. Swap temp files are invisible.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
