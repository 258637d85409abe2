// Package snapshot builds versioned, immutable copies of a master index
// tree. A master lives at <golden>/<alias>/ and its snapshots under
// <alias>/.versioned/v_<ns>/. Only paths inside .versioned/ are ever
// eligible for deletion.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	cp "github.com/otiai10/copy"
	"github.com/vmihailenco/msgpack/v5"

	"codequarry/internal/logging"
)

// VersionedDir is the path segment separating masters from snapshots.
const VersionedDir = ".versioned"

const manifestName = "manifest.msgpack"

// IsVersioned reports whether path contains a .versioned path segment,
// which marks it as a deletable snapshot rather than a master copy.
func IsVersioned(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == VersionedDir {
			return true
		}
	}
	return false
}

// MasterOf returns the master directory a snapshot path belongs to, the
// prefix before its first .versioned segment. ok is false for paths with
// no such segment.
func MasterOf(path string) (master string, ok bool) {
	segs := strings.Split(filepath.ToSlash(path), "/")
	for i, seg := range segs {
		if seg == VersionedDir {
			return filepath.FromSlash(strings.Join(segs[:i], "/")), true
		}
	}
	return "", false
}

// Manifest describes one snapshot build.
type Manifest struct {
	Version      string    `msgpack:"version"`
	SourceCommit string    `msgpack:"source_commit"`
	Files        int       `msgpack:"files"`
	Bytes        int64     `msgpack:"bytes"`
	CreatedAt    time.Time `msgpack:"created_at"`
}

// ReadManifest loads the manifest of a snapshot directory.
func ReadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Builder copies master trees into versioned snapshot directories.
// Version names are monotonic even when the clock stalls.
type Builder struct {
	ignore []string
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last int64
}

// NewBuilder creates a builder. ignore holds doublestar globs relative to
// the master root; a pattern like ".git/**" also skips the directory
// itself.
func NewBuilder(ignore []string, logger *slog.Logger, now func() time.Time) *Builder {
	if logger == nil {
		logger = logging.Discard()
	}
	if now == nil {
		now = time.Now
	}
	expanded := make([]string, 0, len(ignore)*2)
	for _, p := range ignore {
		expanded = append(expanded, p)
		if base, ok := strings.CutSuffix(p, "/**"); ok {
			expanded = append(expanded, base)
		}
	}
	return &Builder{
		ignore: expanded,
		logger: logger.With("component", "snapshot"),
		now:    now,
	}
}

func (b *Builder) nextVersion() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns := b.now().UnixNano()
	if ns <= b.last {
		ns = b.last + 1
	}
	b.last = ns
	return fmt.Sprintf("v_%d", ns)
}

func (b *Builder) skipped(rel string) bool {
	for _, pattern := range b.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Build copies master into a fresh <master>/.versioned/v_<ns>/ directory
// and writes its manifest. The .versioned subtree itself is never copied,
// so existing snapshots do not nest. A failed build removes the partial
// directory and leaves the master untouched.
func (b *Builder) Build(ctx context.Context, master, commit string) (string, *Manifest, error) {
	info, err := os.Stat(master)
	if err != nil {
		return "", nil, fmt.Errorf("snapshot master: %w", err)
	}
	if !info.IsDir() {
		return "", nil, fmt.Errorf("snapshot master %s is not a directory", master)
	}

	version := b.nextVersion()
	dest := filepath.Join(master, VersionedDir, version)

	var files int
	var bytes int64
	opts := cp.Options{
		Skip: func(srcinfo os.FileInfo, src, _ string) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			rel, err := filepath.Rel(master, src)
			if err != nil {
				return false, err
			}
			rel = filepath.ToSlash(rel)
			if rel == VersionedDir || b.skipped(rel) {
				return true, nil
			}
			if srcinfo.Mode().IsRegular() {
				files++
				bytes += srcinfo.Size()
			}
			return false, nil
		},
	}
	if err := cp.Copy(master, dest, opts); err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			b.logger.Warn("partial snapshot left behind", "path", dest, "error", rmErr)
		}
		return "", nil, fmt.Errorf("copy snapshot %s: %w", version, err)
	}

	m := &Manifest{
		Version:      version,
		SourceCommit: commit,
		Files:        files,
		Bytes:        bytes,
		CreatedAt:    b.now().UTC(),
	}
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dest, manifestName), raw, 0o644); err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			b.logger.Warn("partial snapshot left behind", "path", dest, "error", rmErr)
		}
		return "", nil, fmt.Errorf("write manifest: %w", err)
	}
	b.logger.Debug("snapshot built",
		"path", dest, "files", files, "bytes", bytes)
	return dest, m, nil
}

// Versions lists the snapshot directory names under master, oldest first.
// A master with no .versioned directory has no versions.
func Versions(master string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(master, VersionedDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "v_") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return versionStamp(names[i]) < versionStamp(names[j])
	})
	return names, nil
}

func versionStamp(name string) int64 {
	ns, err := strconv.ParseInt(strings.TrimPrefix(name, "v_"), 10, 64)
	if err != nil {
		return 0
	}
	return ns
}
