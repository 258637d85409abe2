package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"codequarry/internal/alias"
	"codequarry/internal/callgroup"
	"codequarry/internal/fault"
	"codequarry/internal/jobs"
	"codequarry/internal/logging"
	"codequarry/internal/registry"
)

// RefresherConfig wires a description refresher.
type RefresherConfig struct {
	Registry *registry.Store
	Aliases  *alias.Store
	Analyzer Analyzer
	Tracker  *jobs.Tracker
	// Limiter throttles analyzer invocations; share one limiter across
	// every analyzer consumer so analyzer_rate_per_minute caps them all.
	Limiter *rate.Limiter
	// Timeout bounds one analyzer invocation.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Refresher keeps golden repo descriptions in step with their content.
type Refresher struct {
	reg      *registry.Store
	aliases  *alias.Store
	analyzer Analyzer
	tracker  *jobs.Tracker
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	group callgroup.Group[string]
}

// NewRefresher creates a refresher.
func NewRefresher(cfg RefresherConfig) *Refresher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	return &Refresher{
		reg:      cfg.Registry,
		aliases:  cfg.Aliases,
		analyzer: cfg.Analyzer,
		tracker:  cfg.Tracker,
		limiter:  limiter,
		timeout:  cfg.Timeout,
		logger:   logger.With("component", "describe"),
		now:      now,
	}
}

// Result summarizes one RefreshAll pass.
type Result struct {
	Refreshed int
	Skipped   int
	Failed    int
}

// RefreshAll walks every golden repo and regenerates descriptions whose
// content hash moved. Unchanged repos are skipped without a job row.
func (r *Refresher) RefreshAll(ctx context.Context, username string) (Result, error) {
	repos, err := r.reg.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list repos: %w", err)
	}
	var res Result
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch err := r.RefreshOne(ctx, repo.Alias, username); {
		case err == nil:
			res.Refreshed++
		case isSkip(err):
			res.Skipped++
		default:
			res.Failed++
			r.logger.Warn("description refresh failed",
				"alias", repo.Alias, "code", fault.Code(err), "error", err)
		}
	}
	r.logger.Info("description pass finished",
		"refreshed", res.Refreshed, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// errUnchanged marks a repo whose description is already current.
var errUnchanged = fault.New("ANALYZE-SKIP-001", "description up to date")

func isSkip(err error) bool { return errors.Is(err, errUnchanged) }

// RefreshOne regenerates the description for one alias. Concurrent calls
// for the same alias coalesce into a single analyzer invocation.
func (r *Refresher) RefreshOne(ctx context.Context, repoAlias, username string) error {
	return r.group.Do(ctx, repoAlias, func() error {
		return r.refresh(ctx, repoAlias, username)
	})
}

func (r *Refresher) refresh(ctx context.Context, repoAlias, username string) error {
	repo, err := r.reg.Get(ctx, repoAlias)
	if err != nil {
		return err
	}
	if repo == nil {
		return fault.Wrapf(fault.ErrRepoUnknown, "describe %q", repoAlias)
	}
	target, err := r.aliases.Read(alias.Global(repoAlias))
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	hash, err := contentHash(target)
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}
	tracking, err := r.reg.GetDescriptionTracking(ctx, repoAlias)
	if err != nil {
		return err
	}
	if tracking != nil && tracking.ContentHash == hash && repo.Description != "" {
		return errUnchanged
	}

	jobID := uuid.NewString()
	if _, err := r.tracker.Register(ctx, jobs.Job{
		ID:            jobID,
		OperationType: jobs.OpDescriptionRefresh,
		Username:      username,
		RepoAlias:     repoAlias,
	}); err != nil {
		r.logger.Warn("job register failed", "code", fault.Code(err), "error", err)
	}
	if err := r.tracker.MarkRunning(ctx, jobID); err != nil {
		r.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	fail := func(err error) error {
		if jerr := r.tracker.Fail(ctx, jobID, err.Error()); jerr != nil {
			r.logger.Warn("job update failed", "code", fault.Code(jerr), "error", jerr)
		}
		return err
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return fail(fmt.Errorf("rate limit: %w", err))
	}
	prompt, err := describePrompt(*repo, target)
	if err != nil {
		return fail(err)
	}
	description, err := r.analyzer.Run(ctx, prompt, r.timeout)
	if err != nil {
		return fail(fault.Wrapf(fault.ErrAnalyzerUnavailable, "describe %q: %v", repoAlias, err))
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return fail(fmt.Errorf("describe %q: analyzer returned nothing", repoAlias))
	}

	if err := r.reg.SetDescription(ctx, repoAlias, description); err != nil {
		return fail(err)
	}
	if err := r.reg.PutDescriptionTracking(ctx, repoAlias, hash, r.now().UTC()); err != nil {
		return fail(err)
	}
	if err := r.tracker.Complete(ctx, jobID); err != nil {
		r.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	r.logger.Info("description refreshed", "alias", repoAlias)
	return nil
}

// describePrompt asks for a short repo summary grounded in the file tree.
func describePrompt(repo registry.GoldenRepo, dir string) (string, error) {
	files, err := listing(dir)
	if err != nil {
		return "", fmt.Errorf("list content: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Write a two-sentence description of the repository %q", repo.Alias)
	if repo.SourceURL != "" {
		fmt.Fprintf(&b, " (source %s)", repo.SourceURL)
	}
	b.WriteString(" based on its file listing:\n")
	for _, f := range files {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
