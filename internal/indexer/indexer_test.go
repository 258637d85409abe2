package indexer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// shellRunner builds via sh so the test controls the child's behavior.
// The appended kind and dir arrive as $0 and $1.
func shellRunner(t *testing.T, script string, workers int64) *Runner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	return New(Config{
		Command:    "sh",
		Args:       []string{"-c", script},
		MaxWorkers: workers,
	})
}

func TestBuildRunsBuilder(t *testing.T) {
	dir := t.TempDir()
	r := shellRunner(t, `touch "$1/$0.idx"`, 2)

	if err := r.Build(context.Background(), dir, "vector"); err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "vector.idx")); err != nil {
		t.Errorf("builder output missing: %v", err)
	}
}

func TestBuildFailureCarriesOutput(t *testing.T) {
	r := shellRunner(t, `echo "corpus unreadable" >&2; exit 3`, 1)

	err := r.Build(context.Background(), t.TempDir(), "fts")
	if err == nil {
		t.Fatal("Build() with failing builder succeeded")
	}
	if !strings.Contains(err.Error(), "corpus unreadable") {
		t.Errorf("Build() error = %v, want builder output included", err)
	}
}

func TestBuildAllBuildsEveryKind(t *testing.T) {
	dir := t.TempDir()
	r := shellRunner(t, `touch "$1/$0.idx"`, 2)

	kinds := []string{"vector", "fts", "scip"}
	if err := r.BuildAll(context.Background(), dir, kinds); err != nil {
		t.Fatalf("BuildAll() error: %v", err)
	}
	for _, kind := range kinds {
		if _, err := os.Stat(filepath.Join(dir, kind+".idx")); err != nil {
			t.Errorf("%s index missing: %v", kind, err)
		}
	}
}

func TestMaxWorkersCapsConcurrency(t *testing.T) {
	r := New(Config{MaxWorkers: 2})

	var current, peak atomic.Int32
	r.run = func(context.Context, string, string) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for i := range 6 {
		dir := string(rune('a' + i))
		wg.Go(func() {
			if err := r.Build(context.Background(), dir, "vector"); err != nil {
				t.Errorf("Build(%s) error: %v", dir, err)
			}
		})
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent builders = %d, want <= 2", got)
	}
}

func TestConcurrentSameBuildCoalesces(t *testing.T) {
	r := New(Config{MaxWorkers: 4})

	var runs atomic.Int32
	started := make(chan struct{})
	r.run = func(context.Context, string, string) error {
		runs.Add(1)
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := r.Build(context.Background(), "/gr/A", "vector"); err != nil {
			t.Errorf("Build() error: %v", err)
		}
	})
	<-started
	for range 4 {
		wg.Go(func() {
			if err := r.Build(context.Background(), "/gr/A", "vector"); err != nil {
				t.Errorf("Build() error: %v", err)
			}
		})
	}
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("builder ran %d times, want 1", got)
	}
}

func TestBuildAllStopsOnFailure(t *testing.T) {
	r := New(Config{MaxWorkers: 1})

	boom := errors.New("builder crashed")
	r.run = func(_ context.Context, _, kind string) error {
		if kind == "fts" {
			return boom
		}
		return nil
	}

	err := r.BuildAll(context.Background(), "/gr/A", []string{"vector", "fts"})
	if !errors.Is(err, boom) {
		t.Errorf("BuildAll() error = %v, want %v", err, boom)
	}
}

func TestCheckMissingBinary(t *testing.T) {
	r := New(Config{Command: "definitely-not-a-real-builder"})
	if err := r.Check(); err == nil {
		t.Error("Check() with a missing binary succeeded")
	}
}
