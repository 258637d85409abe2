package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestIsVersioned(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/gr/A", false},
		{"/gr/A/.versioned/v_100", true},
		{"/gr/A/.versioned/v_100/index.bin", true},
		{"/gr/A/subdir.versioned/v_1", false},
		{".versioned/v_1", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsVersioned(tc.path); got != tc.want {
			t.Errorf("IsVersioned(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestBuildCopiesTree(t *testing.T) {
	master := t.TempDir()
	writeFile(t, master, "index.bin", "vectors")
	writeFile(t, master, "sub/data.txt", "rows")
	writeFile(t, master, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, master, ".versioned/v_1/index.bin", "stale")

	b := NewBuilder([]string{".git/**"}, nil, func() time.Time {
		return time.Unix(0, 100)
	})
	dest, m, err := b.Build(context.Background(), master, "abc123")
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if want := filepath.Join(master, ".versioned", "v_100"); dest != want {
		t.Errorf("Build() dest = %s, want %s", dest, want)
	}
	if !IsVersioned(dest) {
		t.Errorf("Build() dest %s is not a versioned path", dest)
	}

	for _, name := range []string{"index.bin", filepath.Join("sub", "data.txt")} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("copied file %s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); !os.IsNotExist(err) {
		t.Errorf(".git copied into snapshot, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".versioned")); !os.IsNotExist(err) {
		t.Errorf("old snapshots nested inside new one, stat err = %v", err)
	}

	if m.Version != "v_100" {
		t.Errorf("manifest version = %s, want v_100", m.Version)
	}
	if m.SourceCommit != "abc123" {
		t.Errorf("manifest commit = %s, want abc123", m.SourceCommit)
	}
	if m.Files != 2 {
		t.Errorf("manifest files = %d, want 2", m.Files)
	}
	if want := int64(len("vectors") + len("rows")); m.Bytes != want {
		t.Errorf("manifest bytes = %d, want %d", m.Bytes, want)
	}

	got, err := ReadManifest(dest)
	if err != nil {
		t.Fatalf("ReadManifest() error: %v", err)
	}
	if got.Version != m.Version || got.Files != m.Files || got.SourceCommit != m.SourceCommit {
		t.Errorf("ReadManifest() = %+v, want %+v", got, m)
	}
}

func TestBuildVersionsAreMonotonic(t *testing.T) {
	master := t.TempDir()
	writeFile(t, master, "index.bin", "x")

	frozen := time.Unix(0, 500)
	b := NewBuilder(nil, nil, func() time.Time { return frozen })

	first, _, err := b.Build(context.Background(), master, "")
	if err != nil {
		t.Fatalf("first Build() error: %v", err)
	}
	second, _, err := b.Build(context.Background(), master, "")
	if err != nil {
		t.Fatalf("second Build() error: %v", err)
	}
	if filepath.Base(first) != "v_500" {
		t.Errorf("first version = %s, want v_500", filepath.Base(first))
	}
	if filepath.Base(second) != "v_501" {
		t.Errorf("second version = %s, want v_501 under a stalled clock", filepath.Base(second))
	}
}

func TestBuildIgnoreGlobs(t *testing.T) {
	master := t.TempDir()
	writeFile(t, master, "index.bin", "x")
	writeFile(t, master, "debug.log", "noise")
	writeFile(t, master, "logs/old.log", "noise")

	b := NewBuilder([]string{"*.log", "logs/**"}, nil, nil)
	dest, m, err := b.Build(context.Background(), master, "")
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "debug.log")); !os.IsNotExist(err) {
		t.Errorf("debug.log copied despite ignore glob, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "logs")); !os.IsNotExist(err) {
		t.Errorf("logs dir copied despite ignore glob, stat err = %v", err)
	}
	if m.Files != 1 {
		t.Errorf("manifest files = %d, want 1", m.Files)
	}
}

func TestBuildMissingMaster(t *testing.T) {
	b := NewBuilder(nil, nil, nil)
	_, _, err := b.Build(context.Background(), filepath.Join(t.TempDir(), "nope"), "")
	if err == nil {
		t.Fatal("Build() on a missing master succeeded")
	}
}

func TestBuildCanceledContextRemovesPartial(t *testing.T) {
	master := t.TempDir()
	writeFile(t, master, "index.bin", "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBuilder(nil, nil, nil)
	if _, _, err := b.Build(ctx, master, ""); err == nil {
		t.Fatal("Build() with canceled context succeeded")
	}
	versions, err := Versions(master)
	if err != nil {
		t.Fatalf("Versions() error: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("partial snapshot left behind: %v", versions)
	}
}

func TestVersionsSortedNumerically(t *testing.T) {
	master := t.TempDir()
	for _, v := range []string{"v_999", "v_100", "v_1000"} {
		if err := os.MkdirAll(filepath.Join(master, VersionedDir, v), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	writeFile(t, filepath.Join(master, VersionedDir), "stray.txt", "not a snapshot")

	got, err := Versions(master)
	if err != nil {
		t.Fatalf("Versions() error: %v", err)
	}
	want := []string{"v_100", "v_999", "v_1000"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Versions() = %v, want %v", got, want)
	}
}

func TestVersionsNoSnapshotDir(t *testing.T) {
	got, err := Versions(t.TempDir())
	if err != nil {
		t.Fatalf("Versions() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Versions() = %v, want empty", got)
	}
}
