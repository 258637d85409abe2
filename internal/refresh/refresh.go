// Package refresh keeps golden repo indexes current. A ticker drives the
// pipeline: pull the source, build a versioned snapshot, swap the alias,
// schedule the old snapshot for cleanup. The master directory is only
// ever overwritten in place; the cleanup guard keeps it out of the
// deletion queue.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"codequarry/internal/alias"
	"codequarry/internal/cleanup"
	"codequarry/internal/event"
	"codequarry/internal/fault"
	"codequarry/internal/git"
	"codequarry/internal/jobs"
	"codequarry/internal/logging"
	"codequarry/internal/registry"
	"codequarry/internal/snapshot"
)

// depMapConfigKey marks repos whose refresh feeds the shared dependency
// map. Their derived analyses run under MetaLock.
const depMapConfigKey = "dep_map"

// Updater pulls a master working copy and reports whether HEAD moved.
// *git.Client implements it.
type Updater interface {
	Update(ctx context.Context, d git.Dir) (changed bool, head string, err error)
}

// IndexBuilder builds every enabled index kind into a directory.
// *indexer.Runner implements it.
type IndexBuilder interface {
	BuildAll(ctx context.Context, dir string, kinds []string) error
}

type Config struct {
	Registry  *registry.Store
	Aliases   *alias.Store
	Git       Updater
	Snapshots *snapshot.Builder
	Indexer   IndexBuilder
	Cleanup   *cleanup.Manager
	Tracker   *jobs.Tracker
	Locks     *LockSet
	// Derived runs dependency-map analyses after a successful refresh of
	// a dep_map repo, under MetaLock.
	Derived func(ctx context.Context, repo registry.GoldenRepo, snapshotDir string) error

	// Interval is the target period between refreshes of one repo.
	Interval time.Duration
	// Tick is the scheduler wake-up period.
	Tick time.Duration
	// MaxConcurrent caps refreshes running at once.
	MaxConcurrent int64

	Logger *slog.Logger
	// Events receives refresh.swapped after each alias swap.
	Events event.Sink
	Now    func() time.Time
}

// Scheduler owns the refresh tick and the per-alias in-flight set.
type Scheduler struct {
	reg       *registry.Store
	aliases   *alias.Store
	git       Updater
	snapshots *snapshot.Builder
	indexer   IndexBuilder
	cleanup   *cleanup.Manager
	tracker   *jobs.Tracker
	locks     *LockSet
	derived   func(ctx context.Context, repo registry.GoldenRepo, snapshotDir string) error

	interval time.Duration
	tick     time.Duration
	sem      *semaphore.Weighted
	logger   *slog.Logger
	events   event.Sink
	now      func() time.Time

	runCtx context.Context
	stop   context.CancelFunc
	sched  gocron.Scheduler
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]string
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	locks := cfg.Locks
	if locks == nil {
		locks = NewLockSet()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		reg:       cfg.Registry,
		aliases:   cfg.Aliases,
		git:       cfg.Git,
		snapshots: cfg.Snapshots,
		indexer:   cfg.Indexer,
		cleanup:   cfg.Cleanup,
		tracker:   cfg.Tracker,
		locks:     locks,
		derived:   cfg.Derived,
		interval:  cfg.Interval,
		tick:      cfg.Tick,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:    logger.With("component", "refresh"),
		events:    event.Default(cfg.Events),
		now:       now,
		runCtx:    runCtx,
		stop:      stop,
		inFlight:  make(map[string]string),
	}
}

// Start launches the tick and cleanup-sweep jobs.
func (s *Scheduler) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create refresh scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.tick),
		gocron.NewTask(func() { s.Tick(s.runCtx) }),
		gocron.WithName("refresh-tick"),
	)
	if err != nil {
		return fmt.Errorf("create refresh tick job: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.tick),
		gocron.NewTask(func() { s.cleanup.Process(s.runCtx) }),
		gocron.WithName("cleanup-sweep"),
	)
	if err != nil {
		return fmt.Errorf("create cleanup sweep job: %w", err)
	}
	sched.Start()
	s.sched = sched
	s.logger.Info("refresh scheduler started",
		"tick", s.tick, "interval", s.interval)
	return nil
}

// Stop cancels in-flight refreshes and waits for them to settle.
func (s *Scheduler) Stop() {
	s.stop()
	if s.sched != nil {
		if err := s.sched.Shutdown(); err != nil {
			s.logger.Warn("scheduler shutdown failed", "error", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("refresh scheduler stopped")
}

// InFlight returns the aliases currently refreshing.
func (s *Scheduler) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inFlight))
	for a := range s.inFlight {
		out = append(out, a)
	}
	return out
}

// Tick runs one scheduler pass: spread unscheduled repos across the
// interval, then dispatch the due ones. Repos that received their first
// slot this pass are not dispatched until that slot arrives.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	s.spread(ctx, now)

	due, err := s.reg.DueBefore(ctx, now)
	if err != nil {
		s.logger.Error("due selection failed", "error", err)
		return
	}
	for _, repo := range due {
		if !git.IsGitURL(repo.SourceURL) {
			continue
		}
		if _, err := s.dispatch(ctx, repo, "", "schedule"); err != nil {
			// Already running; the next due pass picks it up again.
			continue
		}
	}
}

// spread assigns staggered first slots to unscheduled git repos: slot i
// of N lands at now + (i+1)*interval/N, so the earliest is interval/N
// away and the latest a full interval out.
func (s *Scheduler) spread(ctx context.Context, now time.Time) {
	repos, err := s.reg.Unscheduled(ctx)
	if err != nil {
		s.logger.Error("unscheduled selection failed", "error", err)
		return
	}
	var fresh []registry.GoldenRepo
	for _, repo := range repos {
		if git.IsGitURL(repo.SourceURL) {
			fresh = append(fresh, repo)
		}
	}
	n := len(fresh)
	if n == 0 {
		return
	}
	for i, repo := range fresh {
		slot := now.Add(s.interval * time.Duration(i+1) / time.Duration(n))
		if err := s.reg.SetSchedule(ctx, repo.Alias, slot); err != nil {
			s.logger.Error("spread schedule failed", "alias", repo.Alias, "error", err)
		}
	}
	s.logger.Info("spread new repos across interval", "count", n)
}

// RefreshNow dispatches an out-of-band refresh and returns its job id.
// A refresh already in flight for the alias is returned as
// fault.ErrRefreshInFlight together with the running job's id.
func (s *Scheduler) RefreshNow(ctx context.Context, repoAlias, username string) (string, error) {
	repo, err := s.reg.Get(ctx, repoAlias)
	if err != nil {
		return "", err
	}
	if repo == nil {
		return "", fault.Wrapf(fault.ErrRepoUnknown, "refresh %q", repoAlias)
	}
	return s.dispatch(ctx, *repo, username, "manual")
}

// dispatch reserves the alias in the in-flight set and hands the refresh
// to the bounded pool. The returned job id identifies the new refresh,
// or the running one when the alias is already in flight.
func (s *Scheduler) dispatch(ctx context.Context, repo registry.GoldenRepo, username, trigger string) (string, error) {
	s.mu.Lock()
	if id, ok := s.inFlight[repo.Alias]; ok {
		s.mu.Unlock()
		return id, fault.Wrapf(fault.ErrRefreshInFlight, "refresh %q", repo.Alias)
	}
	jobID := s.registerJob(ctx, repo.Alias, username, trigger)
	s.inFlight[repo.Alias] = jobID
	s.mu.Unlock()

	// The refresh outlives the dispatching request; it stops with the
	// scheduler, not with the caller.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, repo.Alias)
			s.mu.Unlock()
		}()
		if err := s.sem.Acquire(s.runCtx, 1); err != nil {
			s.jobFail(s.runCtx, jobID, err)
			return
		}
		defer s.sem.Release(1)
		s.executeRefresh(s.runCtx, repo, jobID)
	}()
	return jobID, nil
}

func (s *Scheduler) registerJob(ctx context.Context, repoAlias, username, trigger string) string {
	id := uuid.NewString()
	_, err := s.tracker.Register(ctx, jobs.Job{
		ID:            id,
		OperationType: jobs.OpRefreshGolden,
		Username:      username,
		RepoAlias:     repoAlias,
		Metadata:      map[string]string{"trigger": trigger},
	})
	if err != nil {
		s.logger.Warn("job register failed", "code", fault.Code(err), "error", err)
	}
	return id
}

func (s *Scheduler) jobFail(ctx context.Context, jobID string, cause error) {
	if err := s.tracker.Fail(ctx, jobID, cause.Error()); err != nil {
		s.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
}

func (s *Scheduler) jobProgress(ctx context.Context, jobID string, percent int, info string) {
	if err := s.tracker.SetProgress(ctx, jobID, percent, info); err != nil {
		s.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
}

// executeRefresh runs the pipeline for one repo. On any failure the alias
// keeps pointing at its previous target and the job is marked failed.
func (s *Scheduler) executeRefresh(ctx context.Context, repo registry.GoldenRepo, jobID string) {
	if err := s.tracker.MarkRunning(ctx, jobID); err != nil {
		s.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	fail := func(err error) {
		s.logger.Error("refresh failed", "alias", repo.Alias, "error", err)
		s.jobFail(ctx, jobID, err)
	}

	entry := alias.Global(repo.Alias)
	curTarget, err := s.aliases.Read(entry)
	if err != nil {
		fail(fmt.Errorf("resolve current target: %w", err))
		return
	}
	master := curTarget
	if m, ok := snapshot.MasterOf(curTarget); ok {
		master = m
	}

	changed, head := true, ""
	if git.IsGitURL(repo.SourceURL) {
		s.jobProgress(ctx, jobID, 10, "updating source")
		changed, head, err = s.git.Update(ctx, git.Dir(master))
		if err != nil {
			fail(fmt.Errorf("update source: %w", err))
			return
		}
	}
	if !changed {
		if _, statErr := os.Stat(curTarget); statErr == nil {
			now := s.now().UTC()
			if err := s.reg.RecordRefresh(ctx, repo.Alias, curTarget, now, now.Add(s.interval)); err != nil {
				fail(fmt.Errorf("record refresh: %w", err))
				return
			}
			s.jobProgress(ctx, jobID, 100, "source unchanged")
			if err := s.tracker.Complete(ctx, jobID); err != nil {
				s.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
			}
			s.logger.Info("refresh skipped, source unchanged", "alias", repo.Alias)
			return
		}
		// Target directory is gone; rebuild even without new commits.
	}

	s.jobProgress(ctx, jobID, 40, "building snapshot")
	snapDir, manifest, err := s.snapshots.Build(ctx, master, head)
	if err != nil {
		fail(fmt.Errorf("build snapshot: %w", err))
		return
	}
	if err := s.indexer.BuildAll(ctx, snapDir, repo.EnabledBackends); err != nil {
		if rmErr := os.RemoveAll(snapDir); rmErr != nil {
			s.logger.Warn("failed snapshot left behind", "path", snapDir, "error", rmErr)
		}
		fail(fmt.Errorf("build indexes: %w", err))
		return
	}

	s.jobProgress(ctx, jobID, 70, "swapping alias")
	if err := s.aliases.Swap(entry, snapDir); err != nil {
		if rmErr := os.RemoveAll(snapDir); rmErr != nil {
			s.logger.Warn("failed snapshot left behind", "path", snapDir, "error", rmErr)
		}
		fail(fmt.Errorf("swap alias: %w", err))
		return
	}
	s.events.Emit(event.Event{
		Code:   "refresh.swapped",
		At:     s.now().UTC(),
		Fields: map[string]any{"alias": repo.Alias, "target": snapDir},
	})

	now := s.now().UTC()
	if err := s.reg.RecordRefresh(ctx, repo.Alias, snapDir, now, now.Add(s.interval)); err != nil {
		// The alias already serves the new snapshot; the registry row
		// catches up on the next refresh.
		fail(fmt.Errorf("record refresh: %w", err))
		return
	}

	// Cleanup guard: only a versioned former target may be scheduled.
	// A master target is overwritten in place, never deleted.
	if snapshot.IsVersioned(curTarget) {
		s.jobProgress(ctx, jobID, 90, "scheduling cleanup")
		if err := s.cleanup.Schedule(curTarget); err != nil {
			s.logger.Warn("cleanup schedule refused", "path", curTarget, "code", fault.Code(err))
		}
	}

	s.runDerived(ctx, repo, snapDir)

	if err := s.tracker.Complete(ctx, jobID); err != nil {
		s.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	s.logger.Info("refresh completed",
		"alias", repo.Alias, "target", snapDir, "files", manifest.Files)
}

// runDerived executes dependency-map analyses under MetaLock. The lock is
// released only when this call acquired it; when another refresh holds
// it, the analyses are skipped rather than queued.
func (s *Scheduler) runDerived(ctx context.Context, repo registry.GoldenRepo, snapshotDir string) {
	if s.derived == nil || repo.Config[depMapConfigKey] != "true" {
		return
	}
	acquired := s.locks.TryLock(MetaLock)
	defer func() {
		if acquired {
			s.locks.Unlock(MetaLock)
		}
	}()
	if !acquired {
		s.logger.Debug("meta lock busy, derived analyses skipped", "alias", repo.Alias)
		return
	}
	if err := s.derived(ctx, repo, snapshotDir); err != nil {
		s.logger.Warn("derived analysis failed", "alias", repo.Alias, "error", err)
	}
}
