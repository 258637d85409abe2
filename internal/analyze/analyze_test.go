package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"codequarry/internal/alias"
	"codequarry/internal/fault"
	"codequarry/internal/jobs"
	"codequarry/internal/registry"
)

type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   []string
	reply   string
	err     error
	replyFn func(prompt string) (string, error)
}

func (f *fakeAnalyzer) Run(_ context.Context, prompt string, _ time.Duration) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prompt)
	reply, err, fn := f.reply, f.err, f.replyFn
	f.mu.Unlock()
	if fn != nil {
		return fn(prompt)
	}
	return reply, err
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type describeHarness struct {
	refresher *Refresher
	reg       *registry.Store
	aliases   *alias.Store
	tracker   *jobs.Tracker
	analyzer  *fakeAnalyzer
	dataDir   string
	base      time.Time
}

func newDescribeHarness(t *testing.T) *describeHarness {
	t.Helper()
	dataDir := t.TempDir()
	db, err := registry.Open(filepath.Join(dataDir, "server.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return base }

	aliases, err := alias.NewStore(filepath.Join(dataDir, "aliases"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h := &describeHarness{
		reg:      registry.NewStore(db, now),
		aliases:  aliases,
		tracker:  jobs.NewTracker(db, now),
		analyzer: &fakeAnalyzer{reply: "A web application."},
		dataDir:  dataDir,
		base:     base,
	}
	h.refresher = NewRefresher(RefresherConfig{
		Registry: h.reg,
		Aliases:  aliases,
		Analyzer: h.analyzer,
		Tracker:  h.tracker,
		Limiter:  rate.NewLimiter(rate.Inf, 1),
		Timeout:  time.Second,
		Now:      now,
	})
	return h
}

func (h *describeHarness) addRepo(t *testing.T, repoAlias string, files map[string]string) string {
	t.Helper()
	target := filepath.Join(h.dataDir, "snapshots", repoAlias)
	for name, content := range files {
		path := filepath.Join(target, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := h.reg.Register(context.Background(), registry.GoldenRepo{
		Alias:     repoAlias,
		SourceURL: "https://git.example.com/" + repoAlias + ".git",
		IndexPath: target,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.aliases.Create(alias.Global(repoAlias), target); err != nil {
		t.Fatalf("Create alias: %v", err)
	}
	return target
}

func TestRefreshOneStoresDescription(t *testing.T) {
	h := newDescribeHarness(t)
	ctx := context.Background()
	h.addRepo(t, "web-app", map[string]string{"main.go": "package main"})

	if err := h.refresher.RefreshOne(ctx, "web-app", "ops"); err != nil {
		t.Fatalf("RefreshOne: %v", err)
	}
	repo, err := h.reg.Get(ctx, "web-app")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if repo.Description != "A web application." {
		t.Errorf("description = %q", repo.Description)
	}
	tracking, err := h.reg.GetDescriptionTracking(ctx, "web-app")
	if err != nil {
		t.Fatalf("GetDescriptionTracking: %v", err)
	}
	if tracking == nil || tracking.ContentHash == "" {
		t.Fatalf("tracking row = %+v, want content hash recorded", tracking)
	}
	done, err := h.tracker.QueryJobs(ctx, jobs.Filter{
		OperationType: jobs.OpDescriptionRefresh, Status: jobs.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("QueryJobs: %v", err)
	}
	if len(done) != 1 {
		t.Errorf("completed jobs = %d, want 1", len(done))
	}
	if h.analyzer.callCount() > 0 {
		prompt := h.analyzer.calls[0]
		if !strings.Contains(prompt, "main.go") {
			t.Errorf("prompt carries no file listing: %q", prompt)
		}
	}
}

func TestRefreshAllSkipsUnchangedContent(t *testing.T) {
	h := newDescribeHarness(t)
	ctx := context.Background()
	h.addRepo(t, "web-app", map[string]string{"main.go": "package main"})

	res, err := h.refresher.RefreshAll(ctx, "")
	if err != nil {
		t.Fatalf("first RefreshAll: %v", err)
	}
	if res.Refreshed != 1 {
		t.Fatalf("first pass = %+v, want 1 refreshed", res)
	}

	res, err = h.refresher.RefreshAll(ctx, "")
	if err != nil {
		t.Fatalf("second RefreshAll: %v", err)
	}
	if res.Skipped != 1 || res.Refreshed != 0 {
		t.Errorf("second pass = %+v, want 1 skipped", res)
	}
	if got := h.analyzer.callCount(); got != 1 {
		t.Errorf("analyzer ran %d times, want 1", got)
	}
}

func TestRefreshAllRegeneratesOnContentChange(t *testing.T) {
	h := newDescribeHarness(t)
	ctx := context.Background()
	target := h.addRepo(t, "web-app", map[string]string{"main.go": "package main"})

	if _, err := h.refresher.RefreshAll(ctx, ""); err != nil {
		t.Fatalf("first RefreshAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(target, "handler.go"), []byte("package main\n\nfunc handle() {}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := h.refresher.RefreshAll(ctx, "")
	if err != nil {
		t.Fatalf("second RefreshAll: %v", err)
	}
	if res.Refreshed != 1 {
		t.Errorf("second pass = %+v, want regeneration after change", res)
	}
	if got := h.analyzer.callCount(); got != 2 {
		t.Errorf("analyzer ran %d times, want 2", got)
	}
}

func TestRefreshOneAnalyzerFailure(t *testing.T) {
	h := newDescribeHarness(t)
	ctx := context.Background()
	h.addRepo(t, "web-app", map[string]string{"main.go": "package main"})
	h.analyzer.err = errors.New("cli exited 1")

	err := h.refresher.RefreshOne(ctx, "web-app", "")
	if !errors.Is(err, fault.ErrAnalyzerUnavailable) {
		t.Fatalf("RefreshOne error = %v, want ErrAnalyzerUnavailable", err)
	}
	failed, err := h.tracker.QueryJobs(ctx, jobs.Filter{
		OperationType: jobs.OpDescriptionRefresh, Status: jobs.StatusFailed,
	})
	if err != nil {
		t.Fatalf("QueryJobs: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("failed jobs = %d, want 1", len(failed))
	}
	repo, err := h.reg.Get(ctx, "web-app")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if repo.Description != "" {
		t.Errorf("description = %q, want empty after failure", repo.Description)
	}
}

func TestRefreshOneUnknownRepo(t *testing.T) {
	h := newDescribeHarness(t)
	err := h.refresher.RefreshOne(context.Background(), "ghost", "")
	if !errors.Is(err, fault.ErrRepoUnknown) {
		t.Errorf("RefreshOne error = %v, want ErrRepoUnknown", err)
	}
}

func TestRefreshLimiterThrottles(t *testing.T) {
	h := newDescribeHarness(t)
	ctx := context.Background()
	h.addRepo(t, "r1", map[string]string{"a.go": "package a"})
	h.addRepo(t, "r2", map[string]string{"b.go": "package b"})

	// 2 tokens per second with burst 1: the second invocation must wait
	// about half a second.
	h.refresher.limiter = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	start := time.Now()
	if _, err := h.refresher.RefreshAll(ctx, ""); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("two invocations finished in %v, want limiter spacing", elapsed)
	}
}

func TestContentHashIgnoresDotGit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	before, err := contentHash(dir)
	if err != nil {
		t.Fatalf("contentHash: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: main"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	after, err := contentHash(dir)
	if err != nil {
		t.Fatalf("contentHash: %v", err)
	}
	if before != after {
		t.Error("hash changed when only .git content changed")
	}
}

func TestDepMapMergesRepos(t *testing.T) {
	metaDir := filepath.Join(t.TempDir(), "meta")
	analyzer := &fakeAnalyzer{replyFn: func(prompt string) (string, error) {
		if strings.Contains(prompt, `"svc-a"`) {
			return "requires: postgres", nil
		}
		return "requires: redis", nil
	}}
	dm := NewDepMap(DepMapConfig{
		Dir:      metaDir,
		Analyzer: analyzer,
		Limiter:  rate.NewLimiter(rate.Inf, 1),
		Timeout:  time.Second,
	})

	snapA := t.TempDir()
	if err := os.WriteFile(filepath.Join(snapA, "go.mod"), []byte("module svc-a\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx := context.Background()
	if err := dm.Run(ctx, registry.GoldenRepo{Alias: "svc-a"}, snapA); err != nil {
		t.Fatalf("Run svc-a: %v", err)
	}
	if err := dm.Run(ctx, registry.GoldenRepo{Alias: "svc-b"}, t.TempDir()); err != nil {
		t.Fatalf("Run svc-b: %v", err)
	}

	got, err := dm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got["svc-a"] != "requires: postgres" || got["svc-b"] != "requires: redis" {
		t.Errorf("dep map = %v", got)
	}

	data, err := os.ReadFile(filepath.Join(metaDir, depMapFile))
	if err != nil {
		t.Fatalf("read map file: %v", err)
	}
	var onDisk map[string]string
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("map file is not valid json: %v", err)
	}
	if len(onDisk) != 2 {
		t.Errorf("map file entries = %d, want 2", len(onDisk))
	}
}

func TestDepMapQuotesManifests(t *testing.T) {
	analyzer := &fakeAnalyzer{reply: "requires: chi"}
	dm := NewDepMap(DepMapConfig{
		Dir:      t.TempDir(),
		Analyzer: analyzer,
		Limiter:  rate.NewLimiter(rate.Inf, 1),
	})
	snap := t.TempDir()
	if err := os.WriteFile(filepath.Join(snap, "go.mod"), []byte("module web\n\nrequire github.com/go-chi/chi/v5 v5.0.0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := dm.Run(context.Background(), registry.GoldenRepo{Alias: "web"}, snap); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := analyzer.callCount(); got != 1 {
		t.Fatalf("analyzer ran %d times, want 1", got)
	}
	if !strings.Contains(analyzer.calls[0], "go-chi/chi") {
		t.Errorf("prompt does not quote go.mod: %q", analyzer.calls[0])
	}
}

func TestDepMapFailureRecordsJob(t *testing.T) {
	dataDir := t.TempDir()
	db, err := registry.Open(filepath.Join(dataDir, "server.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	tracker := jobs.NewTracker(db, time.Now)

	dm := NewDepMap(DepMapConfig{
		Dir:      filepath.Join(dataDir, "meta"),
		Analyzer: &fakeAnalyzer{err: errors.New("cli crashed")},
		Tracker:  tracker,
		Limiter:  rate.NewLimiter(rate.Inf, 1),
	})
	err = dm.Run(context.Background(), registry.GoldenRepo{Alias: "svc"}, t.TempDir())
	if !errors.Is(err, fault.ErrAnalyzerUnavailable) {
		t.Fatalf("Run error = %v, want ErrAnalyzerUnavailable", err)
	}
	failed, err := tracker.QueryJobs(context.Background(), jobs.Filter{
		OperationType: jobs.OpDepMapAnalysis, Status: jobs.StatusFailed,
	})
	if err != nil {
		t.Fatalf("QueryJobs: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("failed jobs = %d, want 1", len(failed))
	}
}
