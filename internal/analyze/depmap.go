package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"codequarry/internal/fault"
	"codequarry/internal/jobs"
	"codequarry/internal/logging"
	"codequarry/internal/registry"
)

const depMapFile = "dep_map.json"

// DepMapConfig wires the dependency-map analyzer.
type DepMapConfig struct {
	// Dir is the shared meta directory holding dep_map.json.
	Dir      string
	Analyzer Analyzer
	Tracker  *jobs.Tracker
	// Limiter is the shared analyzer rate limiter.
	Limiter *rate.Limiter
	Timeout time.Duration
	Logger  *slog.Logger
}

// DepMap maintains the cross-repo dependency map. The map file is shared
// mutable state: callers serialize Run invocations through the cidx-meta
// lock (the refresh pipeline does this), so Run itself takes no lock.
type DepMap struct {
	dir      string
	analyzer Analyzer
	tracker  *jobs.Tracker
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDepMap creates the analyzer.
func NewDepMap(cfg DepMapConfig) *DepMap {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	return &DepMap{
		dir:      cfg.Dir,
		analyzer: cfg.Analyzer,
		tracker:  cfg.Tracker,
		limiter:  limiter,
		timeout:  cfg.Timeout,
		logger:   logger.With("component", "depmap"),
	}
}

// Run analyzes one repo's dependencies and merges the summary into the
// shared map. Shaped to plug into refresh.Config.Derived.
func (d *DepMap) Run(ctx context.Context, repo registry.GoldenRepo, snapshotDir string) error {
	jobID := uuid.NewString()
	if _, err := d.tracker.Register(ctx, jobs.Job{
		ID:            jobID,
		OperationType: jobs.OpDepMapAnalysis,
		RepoAlias:     repo.Alias,
	}); err != nil {
		d.logger.Warn("job register failed", "code", fault.Code(err), "error", err)
	}
	if err := d.tracker.MarkRunning(ctx, jobID); err != nil {
		d.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}

	summary, err := d.analyze(ctx, repo, snapshotDir)
	if err == nil {
		err = d.merge(repo.Alias, summary)
	}
	if err != nil {
		if jerr := d.tracker.Fail(ctx, jobID, err.Error()); jerr != nil {
			d.logger.Warn("job update failed", "code", fault.Code(jerr), "error", jerr)
		}
		return err
	}
	if err := d.tracker.Complete(ctx, jobID); err != nil {
		d.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	d.logger.Info("dependency map updated", "alias", repo.Alias)
	return nil
}

// manifestNames are the build files a dependency prompt quotes.
var manifestNames = map[string]bool{
	"go.mod":           true,
	"package.json":     true,
	"requirements.txt": true,
	"pyproject.toml":   true,
	"Cargo.toml":       true,
	"pom.xml":          true,
	"build.gradle":     true,
	"Gemfile":          true,
}

func (d *DepMap) analyze(ctx context.Context, repo registry.GoldenRepo, dir string) (string, error) {
	prompt, err := depPrompt(repo, dir)
	if err != nil {
		return "", err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	out, err := d.analyzer.Run(ctx, prompt, d.timeout)
	if err != nil {
		return "", fault.Wrapf(fault.ErrAnalyzerUnavailable, "dep map %q: %v", repo.Alias, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("dep map %q: analyzer returned nothing", repo.Alias)
	}
	return out, nil
}

// depPrompt quotes the repo's build manifests so the analyzer can name its
// dependencies.
func depPrompt(repo registry.GoldenRepo, dir string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "List the external dependencies of repository %q as one line per dependency.\n", repo.Alias)
	found := 0
	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !manifestNames[de.Name()] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", filepath.ToSlash(rel), data)
		found++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("collect manifests: %w", err)
	}
	if found == 0 {
		b.WriteString("\nThe repository declares no recognized build manifest.\n")
	}
	return b.String(), nil
}

// merge rewrites dep_map.json with the repo's summary through a temp file
// and a rename.
func (d *DepMap) merge(repoAlias, summary string) error {
	path := filepath.Join(d.dir, depMapFile)
	deps := make(map[string]string)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &deps); err != nil {
			return fmt.Errorf("parse %s: %w", depMapFile, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("read %s: %w", depMapFile, err)
	}
	deps[repoAlias] = summary

	out, err := json.MarshalIndent(deps, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", depMapFile, err)
	}
	if err := os.MkdirAll(d.dir, 0o750); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.dir, ".depmap-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", depMapFile, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", depMapFile, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", depMapFile, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", depMapFile, err)
	}
	return nil
}

// Snapshot returns the current dependency map.
func (d *DepMap) Snapshot() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, depMapFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", depMapFile, err)
	}
	deps := make(map[string]string)
	if err := json.Unmarshal(data, &deps); err != nil {
		return nil, fmt.Errorf("parse %s: %w", depMapFile, err)
	}
	return deps, nil
}
