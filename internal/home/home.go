// Package home manages the codequarry data directory layout.
//
// The data directory owns all persistent state: the settings file, the
// metadata databases, alias entries, and the golden repository trees.
//
// Layout:
//
//	<root>/
//	  settings.json                    (flat configuration keys)
//	  secret                           (token signing secret, generated once)
//	  server.db                        (repos, jobs, users, credentials)
//	  groups.db                        (groups, repo access, audit log)
//	  scip_audit.db                    (symbol resolution audit)
//	  aliases/
//	    <alias>                        (one file per alias, holds target path)
//	  golden-repos/
//	    <alias>/                       (master working copy)
//	    <alias>/.versioned/v_<ts>/     (immutable index snapshots)
//	  meta/
//	    dep_map.json                   (shared dependency map)
package home

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir represents a codequarry data directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/codequarry
//   - macOS:   ~/Library/Application Support/codequarry
//   - Windows: %APPDATA%/codequarry
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "codequarry")}, nil
}

// Root returns the data directory path.
func (d Dir) Root() string {
	return d.root
}

// SettingsPath returns the path to the flat settings file.
func (d Dir) SettingsPath() string {
	return filepath.Join(d.root, "settings.json")
}

// ServerDBPath returns the path of the main metadata database.
func (d Dir) ServerDBPath() string {
	return filepath.Join(d.root, "server.db")
}

// GroupsDBPath returns the path of the group access database. This is a
// separate file from server.db and is always opened on its own handle.
func (d Dir) GroupsDBPath() string {
	return filepath.Join(d.root, "groups.db")
}

// SCIPAuditDBPath returns the path of the symbol resolution audit database.
func (d Dir) SCIPAuditDBPath() string {
	return filepath.Join(d.root, "scip_audit.db")
}

// AliasesDir returns the directory holding one entry file per alias.
func (d Dir) AliasesDir() string {
	return filepath.Join(d.root, "aliases")
}

// GoldenRoot returns the directory under which all golden repos live.
func (d Dir) GoldenRoot() string {
	return filepath.Join(d.root, "golden-repos")
}

// GoldenRepoDir returns the master working copy directory for an alias.
func (d Dir) GoldenRepoDir(alias string) string {
	return filepath.Join(d.GoldenRoot(), alias)
}

// MetaDir returns the directory for derived cross-repo artifacts such as
// the shared dependency map.
func (d Dir) MetaDir() string {
	return filepath.Join(d.root, "meta")
}

// EnsureExists creates the data directory tree if it doesn't exist.
func (d Dir) EnsureExists() error {
	for _, p := range []string{d.root, d.AliasesDir(), d.GoldenRoot(), d.MetaDir()} {
		if err := os.MkdirAll(p, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", p, err)
		}
	}
	return nil
}

// Secret reads the persistent token signing secret from <root>/secret.
// If the file doesn't exist, 32 random bytes are generated and written.
func (d Dir) Secret() ([]byte, error) {
	v, err := d.readOrCreate("secret", 0o600, func() string {
		raw := make([]byte, 32)
		rand.Read(raw)
		return base64.StdEncoding.EncodeToString(raw)
	})
	if err != nil {
		return nil, err
	}
	secret, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return secret, nil
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the value which is persisted.
func (d Dir) readOrCreate(filename string, perm os.FileMode, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p)
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), perm); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
