// Package coordinator wires the subsystems together and exposes the
// public operations. It owns construction and lifecycle; the business
// logic lives in the subsystem packages it delegates to.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"codequarry/internal/access"
	"codequarry/internal/alias"
	"codequarry/internal/analyze"
	"codequarry/internal/backend"
	"codequarry/internal/cache"
	"codequarry/internal/cleanup"
	"codequarry/internal/dispatch"
	"codequarry/internal/event"
	"codequarry/internal/fault"
	"codequarry/internal/git"
	"codequarry/internal/home"
	"codequarry/internal/identity"
	"codequarry/internal/indexer"
	"codequarry/internal/jobs"
	"codequarry/internal/logging"
	"codequarry/internal/payload"
	"codequarry/internal/refresh"
	"codequarry/internal/refs"
	"codequarry/internal/registry"
	"codequarry/internal/scip"
	"codequarry/internal/settings"
	"codequarry/internal/snapshot"
)

var (
	// ErrAlreadyRunning is returned by Start on a running coordinator.
	ErrAlreadyRunning = errors.New("coordinator already running")
	// ErrNotRunning is returned by Stop on a stopped coordinator.
	ErrNotRunning = errors.New("coordinator not running")
)

// localScheme prefixes source URLs of repos indexed in place rather than
// cloned. The refresh tick never schedules them; manual refresh works.
const localScheme = "local://"

const (
	retentionSweepPeriod   = time.Hour
	descriptionSweepPeriod = 24 * time.Hour
	defaultAnalyzerTimeout = 2 * time.Minute
)

// localPath strips the local scheme from a source URL.
func localPath(source string) string {
	return strings.TrimPrefix(source, localScheme)
}

// GitClient is the slice of the git layer the coordinator uses.
// *git.Client implements it.
type GitClient interface {
	Clone(ctx context.Context, source, dest string) (git.Dir, error)
	Update(ctx context.Context, d git.Dir) (changed bool, head string, err error)
}

// Config assembles a coordinator. Home and Settings are required; Backends
// carries the configured index engines. Git and Indexer default to the
// real subprocess-backed implementations when nil.
type Config struct {
	Home     home.Dir
	Settings *settings.Manager
	Backends *backend.Set
	// Analyzer runs description and dependency-map prompts. Nil disables
	// both analyses.
	Analyzer analyze.Analyzer
	Git      GitClient
	Indexer  refresh.IndexBuilder
	Logger   *slog.Logger
	Events   event.Sink
	Now      func() time.Time
}

// Coordinator owns every subsystem and the databases they persist to.
type Coordinator struct {
	home     home.Dir
	settings *settings.Manager
	backends *backend.Set

	serverDB *sql.DB
	groupsDB *sql.DB
	scipDB   *sql.DB

	registry  *registry.Store
	tracker   *jobs.Tracker
	users     *identity.Store
	groups    *access.Store
	resolver  *access.Resolver
	aliases   *alias.Store
	refs      *refs.Tracker
	caches    map[string]*cache.Cache
	cleanup   *cleanup.Manager
	snapshots *snapshot.Builder
	refresher *refresh.Scheduler
	payloads  *payload.Cache
	scip      *scip.Resolver

	// descriptions and depmap are nil without an analyzer.
	descriptions *analyze.Refresher
	depmap       *analyze.DepMap

	git     GitClient
	indexer refresh.IndexBuilder

	logger *slog.Logger
	events event.Sink
	now    func() time.Time

	mu         sync.Mutex
	running    bool
	dispatcher *dispatch.Dispatcher
	stops      []func()

	runCtx context.Context
	stop   context.CancelFunc
	sched  gocron.Scheduler
	wg     sync.WaitGroup
}

// New opens the databases and wires every subsystem. The coordinator is
// idle until Start.
func New(cfg Config) (*Coordinator, error) {
	logger := logging.Default(cfg.Logger)
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	events := event.Default(cfg.Events)
	snap := cfg.Settings.Snapshot()

	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		home:     cfg.Home,
		settings: cfg.Settings,
		backends: cfg.Backends,
		refs:     refs.NewTracker(),
		git:      cfg.Git,
		indexer:  cfg.Indexer,
		logger:   logger.With("component", "coordinator"),
		events:   events,
		now:      now,
	}
	ok := false
	defer func() {
		if !ok {
			c.closeDatabases()
		}
	}()

	var err error
	if c.serverDB, err = registry.Open(cfg.Home.ServerDBPath()); err != nil {
		return nil, err
	}
	if c.groupsDB, err = access.Open(cfg.Home.GroupsDBPath()); err != nil {
		return nil, err
	}
	if c.scipDB, err = scip.Open(cfg.Home.SCIPAuditDBPath()); err != nil {
		return nil, err
	}

	c.registry = registry.NewStore(c.serverDB, now)
	c.tracker = jobs.NewTracker(c.serverDB, now)
	c.users = identity.NewStore(c.serverDB, now)
	c.groups = access.NewStore(c.groupsDB, now)
	c.resolver = access.NewResolver(c.groups, c.users, c.registry, logger)

	if c.aliases, err = alias.NewStore(cfg.Home.AliasesDir()); err != nil {
		return nil, err
	}

	c.caches = make(map[string]*cache.Cache, len(c.kinds()))
	for _, kind := range c.kinds() {
		c.caches[kind] = cache.New(cache.Config{
			TTL:            snap.IndexCacheTTL(),
			ReloadOnAccess: kind == backend.KindFTS && snap.FTSCacheReloadOnAccess,
			Logger:         logger,
			Events:         events,
			Now:            now,
		})
	}

	c.cleanup = cleanup.New(cleanup.Config{
		Refs:    c.refs,
		Tracker: c.tracker,
		Logger:  logger,
		Events:  events,
	})
	c.snapshots = snapshot.NewBuilder(snap.SnapshotIgnoreGlobs, logger, now)

	if c.git == nil {
		c.git = git.NewClient(snap.GitCloneDepth, logger)
	}
	if c.indexer == nil {
		c.indexer = indexer.New(indexer.Config{
			MaxWorkers: int64(snap.SubprocessMaxWorkers),
			Logger:     logger,
		})
	}

	if cfg.Analyzer != nil {
		limiter := analyze.NewLimiter(snap.AnalyzerRatePerMinute)
		c.descriptions = analyze.NewRefresher(analyze.RefresherConfig{
			Registry: c.registry,
			Aliases:  c.aliases,
			Analyzer: cfg.Analyzer,
			Tracker:  c.tracker,
			Limiter:  limiter,
			Timeout:  defaultAnalyzerTimeout,
			Logger:   logger,
			Now:      now,
		})
		c.depmap = analyze.NewDepMap(analyze.DepMapConfig{
			Dir:      cfg.Home.MetaDir(),
			Analyzer: cfg.Analyzer,
			Tracker:  c.tracker,
			Limiter:  limiter,
			Timeout:  defaultAnalyzerTimeout,
			Logger:   logger,
		})
	}

	var derived func(ctx context.Context, repo registry.GoldenRepo, snapshotDir string) error
	if c.depmap != nil {
		derived = c.depmap.Run
	}
	c.refresher = refresh.New(refresh.Config{
		Registry:      c.registry,
		Aliases:       c.aliases,
		Git:           c.git,
		Snapshots:     c.snapshots,
		Indexer:       c.indexer,
		Cleanup:       c.cleanup,
		Tracker:       c.tracker,
		Derived:       derived,
		Interval:      snap.RefreshInterval(),
		Tick:          snap.RefreshTick(),
		MaxConcurrent: int64(snap.MaxConcurrentBackgroundJobs),
		Logger:        logger,
		Events:        events,
		Now:           now,
	})

	if c.payloads, err = payload.New(payload.Config{
		MaxEntries:  snap.PayloadCacheMaxEntries,
		TTL:         snap.PayloadCacheTTL(),
		FetchSize:   snap.PayloadFetchSizeBytes,
		PreviewSize: snap.PayloadPreviewSizeBytes,
		Logger:      logger,
		Now:         now,
	}); err != nil {
		return nil, err
	}

	if b := c.backends.Get(backend.KindSCIP); b != nil {
		c.scip = scip.NewResolver(scip.ResolverConfig{
			Aliases: c.aliases,
			Refs:    c.refs,
			Cache:   c.caches[backend.KindSCIP],
			Backend: b,
			Store:   scip.NewStore(c.scipDB, now),
			Tracker: c.tracker,
			Logger:  logger,
			Now:     now,
		})
	}

	c.dispatcher = c.buildDispatcher(snap, logger)

	ok = true
	return c, nil
}

// buildDispatcher constructs a dispatcher from one settings snapshot. Both
// transport surfaces reach multi-search through this one instance, so they
// always share maxWorkers and the per-backend timeout.
func (c *Coordinator) buildDispatcher(snap settings.Settings, logger *slog.Logger) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		Aliases:    c.aliases,
		Refs:       c.refs,
		Backends:   c.backends,
		Caches:     c.caches,
		MaxWorkers: snap.MultiSearchMaxWorkers,
		Timeout:    snap.MultiSearchTimeout(),
		Logger:     logger,
	})
}

// kinds returns the backend kind names configured in the set.
func (c *Coordinator) kinds() []string {
	backends := c.backends.ForKinds(nil)
	out := make([]string, 0, len(backends))
	for _, b := range backends {
		out = append(out, b.Kind())
	}
	return out
}

// Start reconciles persistent state against the filesystem, then launches
// the refresh scheduler, the cache and payload sweepers, and the periodic
// retention and description passes.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.runCtx, c.stop = context.WithCancel(context.Background())
	c.mu.Unlock()

	abort := func(err error) error {
		c.shutdown()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	if err := c.reconcile(ctx); err != nil {
		return abort(err)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return abort(fmt.Errorf("create coordinator scheduler: %w", err))
	}
	c.sched = sched
	if _, err := sched.NewJob(
		gocron.DurationJob(retentionSweepPeriod),
		gocron.NewTask(func() { c.retentionSweep(c.runCtx) }),
		gocron.WithName("job-retention"),
	); err != nil {
		return abort(fmt.Errorf("create retention job: %w", err))
	}
	if c.descriptions != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(descriptionSweepPeriod),
			gocron.NewTask(func() { c.descriptionPass(c.runCtx) }),
			gocron.WithName("description-refresh"),
		); err != nil {
			return abort(fmt.Errorf("create description job: %w", err))
		}
	}
	sched.Start()

	if err := c.refresher.Start(); err != nil {
		return abort(err)
	}

	c.mu.Lock()
	for _, cc := range c.caches {
		c.stops = append(c.stops, cc.StartRefresher(c.runCtx))
	}
	c.stops = append(c.stops, c.payloads.StartSweeper(c.runCtx))
	c.mu.Unlock()
	// Construction is complete; release the payload sweeper for its first
	// pass.
	c.payloads.MarkInitialized()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.runCtx.Done():
				return
			case <-c.settings.Changed():
				c.applySettings()
			}
		}
	}()

	c.logger.Info("coordinator started", "backends", c.kinds())
	return nil
}

// Stop shuts everything down in order: in-flight refreshes settle first,
// then the periodic jobs, then the sweepers, and finally the cached index
// handles and database connections are closed.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.mu.Unlock()

	c.refresher.Stop()
	c.shutdown()

	for _, cc := range c.caches {
		cc.Clear()
	}
	c.closeDatabases()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.logger.Info("coordinator stopped")
	return nil
}

// shutdown stops the periodic jobs and background goroutines. Partial
// starts unwind through here too, so every step tolerates a nil member.
func (c *Coordinator) shutdown() {
	if c.sched != nil {
		if err := c.sched.Shutdown(); err != nil {
			c.logger.Warn("scheduler shutdown failed", "error", err)
		}
		c.sched = nil
	}
	if c.stop != nil {
		c.stop()
	}
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	c.wg.Wait()
}

func (c *Coordinator) closeDatabases() {
	for _, db := range []*sql.DB{c.serverDB, c.groupsDB, c.scipDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.logger.Warn("database close failed", "error", err)
		}
	}
	c.serverDB, c.groupsDB, c.scipDB = nil, nil, nil
}

// reconcile verifies every registry row against the filesystem and adopts
// golden directories that have no row. It repairs stale paths by pointing
// them back at the master copy; it never deletes anything.
func (c *Coordinator) reconcile(ctx context.Context) error {
	jobID := uuid.NewString()
	if _, err := c.tracker.Register(ctx, jobs.Job{
		ID:            jobID,
		OperationType: jobs.OpStartupReconcile,
	}); err != nil {
		c.logger.Warn("job register failed", "code", fault.Code(err), "error", err)
	}
	if err := c.tracker.MarkRunning(ctx, jobID); err != nil {
		c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}

	repos, err := c.registry.List(ctx)
	if err != nil {
		if jerr := c.tracker.Fail(ctx, jobID, err.Error()); jerr != nil {
			c.logger.Warn("job update failed", "code", fault.Code(jerr), "error", jerr)
		}
		return err
	}

	repaired := 0
	known := make(map[string]bool, len(repos))
	for _, repo := range repos {
		known[repo.Alias] = true
		fixed, err := c.reconcileRepo(ctx, repo)
		if err != nil {
			c.logger.Warn("reconcile left repo alone",
				"alias", repo.Alias, "error", err)
			continue
		}
		if fixed {
			repaired++
		}
	}

	adopted := c.adoptOrphans(ctx, known)

	info := fmt.Sprintf("%d repos, %d repaired, %d adopted", len(repos), repaired, adopted)
	if err := c.tracker.SetProgress(ctx, jobID, 100, info); err != nil {
		c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	if err := c.tracker.Complete(ctx, jobID); err != nil {
		c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	c.logger.Info("startup reconcile finished",
		"repos", len(repos), "repaired", repaired, "adopted", adopted)
	return nil
}

// masterDir returns the master working copy for a repo: under the golden
// root for cloned sources, the source path itself for local ones.
func (c *Coordinator) masterDir(repo registry.GoldenRepo) string {
	if git.IsGitURL(repo.SourceURL) {
		return c.home.GoldenRepoDir(repo.Alias)
	}
	return localPath(repo.SourceURL)
}

// reconcileRepo makes one row consistent: the index path must exist on
// disk and the alias must resolve to an existing directory. Anything stale
// is repointed at the master copy.
func (c *Coordinator) reconcileRepo(ctx context.Context, repo registry.GoldenRepo) (bool, error) {
	master := c.masterDir(repo)
	desired := repo.IndexPath
	if desired == "" {
		desired = master
	}
	if _, err := os.Stat(desired); err != nil {
		if _, merr := os.Stat(master); merr != nil {
			return false, fmt.Errorf("master %s missing", master)
		}
		desired = master
	}

	fixed := false
	if desired != repo.IndexPath {
		repo.IndexPath = desired
		if err := c.registry.Register(ctx, repo); err != nil {
			return false, err
		}
		fixed = true
	}

	entry := alias.Global(repo.Alias)
	target, err := c.aliases.Read(entry)
	switch {
	case errors.Is(err, fault.ErrAliasUnknown):
		if err := c.aliases.Create(entry, desired); err != nil {
			return fixed, err
		}
		fixed = true
	case err != nil:
		return fixed, err
	default:
		if _, serr := os.Stat(target); serr != nil {
			if err := c.aliases.Swap(entry, desired); err != nil {
				return fixed, err
			}
			fixed = true
		}
	}
	return fixed, nil
}

// adoptOrphans registers golden directories that have no registry row,
// typically left by a crash between clone and registration. They come in
// as local sources; a later AddGolden upsert restores the real URL.
func (c *Coordinator) adoptOrphans(ctx context.Context, known map[string]bool) int {
	entries, err := os.ReadDir(c.home.GoldenRoot())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("golden root scan failed", "error", err)
		}
		return 0
	}

	adopted := 0
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || known[name] {
			continue
		}
		dir := filepath.Join(c.home.GoldenRoot(), name)
		repo := registry.GoldenRepo{
			Alias:           name,
			SourceURL:       localScheme + dir,
			IndexPath:       dir,
			EnabledBackends: c.kinds(),
		}
		if err := c.registry.Register(ctx, repo); err != nil {
			c.logger.Warn("adopt failed", "alias", name, "error", err)
			continue
		}
		if err := c.ensureAlias(alias.Global(name), dir); err != nil {
			c.logger.Warn("adopt alias failed", "alias", name, "error", err)
			continue
		}
		adopted++
		c.logger.Info("golden repo adopted", "alias", name, "path", dir)
	}
	return adopted
}

// ensureAlias points entry at target, creating or swapping as needed.
func (c *Coordinator) ensureAlias(entry, target string) error {
	cur, err := c.aliases.Read(entry)
	switch {
	case errors.Is(err, fault.ErrAliasUnknown):
		return c.aliases.Create(entry, target)
	case err != nil:
		return err
	case cur != target:
		return c.aliases.Swap(entry, target)
	}
	return nil
}

// retentionOps lists every operation type the retention sweep covers.
var retentionOps = []string{
	jobs.OpAddGolden,
	jobs.OpRefreshGolden,
	jobs.OpIndexCleanup,
	jobs.OpDescriptionRefresh,
	jobs.OpDepMapAnalysis,
	jobs.OpSCIPResolution,
	jobs.OpStartupReconcile,
	jobs.OpLangfuseSync,
	jobs.OpResearchChat,
	jobs.OpMultiSearch,
}

// retentionSweep deletes terminal job rows older than job_retention_hours.
// Running and pending jobs are never touched.
func (c *Coordinator) retentionSweep(ctx context.Context) {
	maxAge := c.settings.Snapshot().JobRetention()
	total := 0
	for _, op := range retentionOps {
		n, err := c.tracker.CleanupOldJobs(ctx, op, maxAge)
		if err != nil {
			c.logger.Warn("job retention failed",
				"operation", op, "code", fault.Code(err), "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		c.logger.Info("old jobs removed", "count", total)
	}
}

// descriptionPass refreshes stale repo descriptions.
func (c *Coordinator) descriptionPass(ctx context.Context) {
	if _, err := c.descriptions.RefreshAll(ctx, ""); err != nil {
		c.logger.Warn("description pass failed", "error", err)
	}
}

// applySettings rebuilds the components that take their tuning from a
// snapshot at construction. Today that is the dispatcher; interval and TTL
// changes on the long-lived schedulers take effect on restart.
func (c *Coordinator) applySettings() {
	snap := c.settings.Snapshot()
	d := c.buildDispatcher(snap, c.logger)
	c.mu.Lock()
	c.dispatcher = d
	c.mu.Unlock()
	c.logger.Info("settings applied",
		"max_workers", snap.MultiSearchMaxWorkers,
		"timeout", snap.MultiSearchTimeout())
}

// dispatch returns the current dispatcher.
func (c *Coordinator) dispatch() *dispatch.Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher
}

// Users returns the identity store. The transport layer authenticates
// against it, and fresh installs seed the first admin through it.
func (c *Coordinator) Users() *identity.Store {
	return c.users
}

// Access returns the group store backing the access resolver.
func (c *Coordinator) Access() *access.Store {
	return c.groups
}

// requireUser loads the account for username.
func (c *Coordinator) requireUser(ctx context.Context, username string) (*identity.User, error) {
	user, err := c.users.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fault.Wrapf(fault.ErrUserUnknown, "user %q", username)
	}
	return user, nil
}

// requireAdmin re-reads the role on every call; a demotion bites the next
// request no matter what any session still claims.
func (c *Coordinator) requireAdmin(ctx context.Context, username string) (*identity.User, error) {
	user, err := c.requireUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user.Role != identity.RoleAdmin {
		return nil, fault.Wrapf(fault.ErrForbidden, "user %q is not an admin", username)
	}
	return user, nil
}
