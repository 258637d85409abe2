package coordinator

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"codequarry/internal/alias"
	"codequarry/internal/backend"
	"codequarry/internal/dispatch"
	"codequarry/internal/fault"
	"codequarry/internal/git"
	"codequarry/internal/identity"
	"codequarry/internal/jobs"
	"codequarry/internal/payload"
	"codequarry/internal/registry"
	"codequarry/internal/scip"
)

// SearchRequest describes one multi-repo search.
type SearchRequest struct {
	Username string
	Query    string
	// Aliases narrows the search. Empty means every repo the user can see.
	Aliases []string
	// Backends narrows the index kinds. Empty means every configured kind,
	// minus vector when no embedding key is set.
	Backends []string
	Limit    int
	PathGlob string
	// MetadataFilter is a JSONPath expression over hit metadata.
	MetadataFilter string
}

// SearchResult is the merged outcome. When the hit list outgrew the fetch
// size it lives in the payload cache instead: Hits is nil, PayloadHandle
// pages it out through GetPayload, and Preview holds the leading bytes.
type SearchResult struct {
	Hits     []backend.Hit
	Errors   map[string]string
	TimedOut map[string]bool
	Timing   dispatch.Timing

	PayloadHandle string
	Preview       string
	TotalPages    int
}

// Search resolves access, fans the query out across the allowed repos and
// configured backends, and records a multi_search job around the dispatch.
// Per-alias backend failures come back in Errors, not as a request error.
func (c *Coordinator) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fault.Wrapf(fault.ErrInvalidParameter, "query is empty")
	}
	for _, kind := range req.Backends {
		if !backend.ValidKind(kind) {
			return nil, fault.Wrapf(fault.ErrInvalidParameter, "unknown backend kind %q", kind)
		}
	}

	allowed, err := c.resolver.Allowed(ctx, req.Username, req.Aliases)
	if err != nil {
		return nil, err
	}
	targets := allowed
	if len(req.Aliases) > 0 {
		targets = intersectAliases(allowed, req.Aliases)
		if len(targets) == 0 {
			return nil, fault.Wrapf(fault.ErrForbidden, "none of the requested repos are visible to %q", req.Username)
		}
	}
	if len(targets) == 0 {
		return &SearchResult{}, nil
	}

	snap := c.settings.Snapshot()
	kinds := req.Backends
	if c.backends.Get(backend.KindVector) != nil && snap.EmbeddingAPIKey == "" {
		switch {
		case len(kinds) == 0:
			kinds = c.kindsExcept(backend.KindVector)
			if len(kinds) == 0 {
				return nil, fault.Wrapf(fault.ErrEmbeddingKeyMissing, "vector is the only configured backend")
			}
		case slices.Contains(kinds, backend.KindVector):
			return nil, fault.Wrapf(fault.ErrEmbeddingKeyMissing, "vector search requested")
		}
	}

	jobID := uuid.NewString()
	if _, err := c.tracker.Register(ctx, jobs.Job{
		ID:            jobID,
		OperationType: jobs.OpMultiSearch,
		Username:      req.Username,
		Metadata:      map[string]string{"aliases": strconv.Itoa(len(targets))},
	}); err != nil {
		c.logger.Warn("job register failed", "code", fault.Code(err), "error", err)
	}
	if err := c.tracker.MarkRunning(ctx, jobID); err != nil {
		c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}

	resp, err := c.dispatch().Search(ctx, dispatch.Request{
		Query:          req.Query,
		Aliases:        targets,
		Backends:       kinds,
		Limit:          req.Limit,
		PathGlob:       req.PathGlob,
		MetadataFilter: req.MetadataFilter,
	})
	if err != nil {
		if jerr := c.tracker.Fail(ctx, jobID, err.Error()); jerr != nil {
			c.logger.Warn("job update failed", "code", fault.Code(jerr), "error", jerr)
		}
		return nil, err
	}
	if err := c.tracker.Complete(ctx, jobID); err != nil {
		c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}

	result := &SearchResult{
		Hits:     resp.Hits,
		Errors:   resp.Errors,
		TimedOut: resp.TimedOut,
		Timing:   resp.Timing,
	}
	c.spillIfLarge(result, req, snap.PayloadFetchSizeBytes)
	return result, nil
}

// spillIfLarge moves an oversized hit list into the payload cache. A spill
// failure keeps the inline hits; the response just stays big.
func (c *Coordinator) spillIfLarge(result *SearchResult, req SearchRequest, fetchSize int) {
	if len(result.Hits) == 0 {
		return
	}
	encoded, err := json.Marshal(result.Hits)
	if err != nil || len(encoded) <= fetchSize {
		return
	}
	handle, err := c.payloads.Store(encoded, map[string]string{
		"kind":  "search_hits",
		"query": req.Query,
		"user":  req.Username,
	})
	if err != nil {
		c.logger.Warn("payload spill failed", "code", fault.Code(err), "error", err)
		return
	}
	preview, err := c.payloads.Preview(handle)
	if err != nil {
		c.logger.Warn("payload preview failed", "code", fault.Code(err), "error", err)
	}
	result.PayloadHandle = handle
	result.Preview = string(preview)
	result.TotalPages = (len(encoded) + fetchSize - 1) / fetchSize
	result.Hits = nil
	c.logger.Info("search hits spilled",
		"handle", handle, "bytes", len(encoded), "pages", result.TotalPages)
}

func (c *Coordinator) kindsExcept(kind string) []string {
	var out []string
	for _, k := range c.kinds() {
		if k != kind {
			out = append(out, k)
		}
	}
	return out
}

func intersectAliases(allowed, requested []string) []string {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	var out []string
	for _, r := range requested {
		if set[r] {
			out = append(out, r)
		}
	}
	return out
}

// AddGoldenRequest describes a repo registration.
type AddGoldenRequest struct {
	Username  string
	Alias     string
	SourceURL string
	// Backends defaults to every configured kind.
	Backends []string
	Config   map[string]string
}

// AddGolden registers a golden repo and returns the add_golden job id.
// Re-registering an existing alias is an upsert that touches only the
// mutable fields; the refresh schedule survives. A new git source is
// cloned and indexed synchronously; a new local source must name an
// existing absolute directory. New rows carry no next_refresh_at, so the
// scheduler spreads them on its next tick.
func (c *Coordinator) AddGolden(ctx context.Context, req AddGoldenRequest) (string, error) {
	if _, err := c.requireAdmin(ctx, req.Username); err != nil {
		return "", err
	}
	if err := alias.Valid(req.Alias); err != nil {
		return "", err
	}
	for _, kind := range req.Backends {
		if !backend.ValidKind(kind) {
			return "", fault.Wrapf(fault.ErrInvalidParameter, "unknown backend kind %q", kind)
		}
	}
	source := strings.TrimSpace(req.SourceURL)
	if source == "" {
		return "", fault.Wrapf(fault.ErrInvalidParameter, "source url is empty")
	}

	jobID := uuid.NewString()
	if _, err := c.tracker.Register(ctx, jobs.Job{
		ID:            jobID,
		OperationType: jobs.OpAddGolden,
		Username:      req.Username,
		RepoAlias:     req.Alias,
	}); err != nil {
		c.logger.Warn("job register failed", "code", fault.Code(err), "error", err)
	}
	if err := c.tracker.MarkRunning(ctx, jobID); err != nil {
		c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	fail := func(err error) (string, error) {
		if jerr := c.tracker.Fail(ctx, jobID, err.Error()); jerr != nil {
			c.logger.Warn("job update failed", "code", fault.Code(jerr), "error", jerr)
		}
		return jobID, err
	}

	existing, err := c.registry.Get(ctx, req.Alias)
	if err != nil {
		return fail(err)
	}
	if existing != nil {
		row := *existing
		row.SourceURL = source
		if len(req.Backends) > 0 {
			row.EnabledBackends = req.Backends
		}
		if req.Config != nil {
			row.Config = req.Config
		}
		if err := c.registry.Register(ctx, row); err != nil {
			return fail(err)
		}
		if err := c.tracker.Complete(ctx, jobID); err != nil {
			c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
		}
		c.logger.Info("golden repo updated", "alias", req.Alias)
		return jobID, nil
	}

	var master string
	if git.IsGitURL(source) {
		master = c.home.GoldenRepoDir(req.Alias)
		if _, err := os.Stat(master); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fail(err)
			}
			if _, err := c.git.Clone(ctx, source, master); err != nil {
				return fail(err)
			}
		} else {
			// Leftover from a failed earlier attempt; index it as is.
			c.logger.Info("reusing existing clone", "alias", req.Alias, "path", master)
		}
	} else {
		master = localPath(source)
		if !filepath.IsAbs(master) {
			return fail(fault.Wrapf(fault.ErrInvalidParameter, "local source %q is not absolute", master))
		}
		info, err := os.Stat(master)
		if err != nil {
			return fail(fault.Wrapf(fault.ErrInvalidParameter, "local source %q: %v", master, err))
		}
		if !info.IsDir() {
			return fail(fault.Wrapf(fault.ErrInvalidParameter, "local source %q is not a directory", master))
		}
		source = localScheme + master
	}

	kinds := req.Backends
	if len(kinds) == 0 {
		kinds = c.kinds()
	}
	if err := c.tracker.SetProgress(ctx, jobID, 50, "building indexes"); err != nil {
		c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	if err := c.indexer.BuildAll(ctx, master, kinds); err != nil {
		return fail(err)
	}

	if err := c.ensureAlias(alias.Global(req.Alias), master); err != nil {
		return fail(err)
	}
	if err := c.registry.Register(ctx, registry.GoldenRepo{
		Alias:           req.Alias,
		SourceURL:       source,
		IndexPath:       master,
		EnabledBackends: kinds,
		Config:          req.Config,
	}); err != nil {
		return fail(err)
	}

	if err := c.tracker.Complete(ctx, jobID); err != nil {
		c.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	c.logger.Info("golden repo added", "alias", req.Alias, "source", source)
	return jobID, nil
}

// RefreshGolden queues an immediate refresh and returns its job id. A
// refresh already in flight for the alias reports its id with
// ErrRefreshInFlight instead of queueing a second one.
func (c *Coordinator) RefreshGolden(ctx context.Context, username, repoAlias string) (string, error) {
	if _, err := c.requireAdmin(ctx, username); err != nil {
		return "", err
	}
	return c.refresher.RefreshNow(ctx, repoAlias, username)
}

// GoldenStatus is one visible repo with its refresh state.
type GoldenStatus struct {
	Alias           string
	SourceURL       string
	Description     string
	IndexPath       string
	EnabledBackends []string
	LastRefreshAt   time.Time
	NextRefreshAt   time.Time
	Refreshing      bool
}

// ListGoldens returns the repos visible to username, sorted by alias.
func (c *Coordinator) ListGoldens(ctx context.Context, username string) ([]GoldenStatus, error) {
	visible, err := c.resolver.Allowed(ctx, username, nil)
	if err != nil {
		return nil, err
	}
	inFlight := make(map[string]bool)
	for _, a := range c.refresher.InFlight() {
		inFlight[a] = true
	}

	out := make([]GoldenStatus, 0, len(visible))
	for _, a := range visible {
		repo, err := c.registry.Get(ctx, a)
		if err != nil {
			return nil, err
		}
		if repo == nil {
			continue
		}
		out = append(out, GoldenStatus{
			Alias:           repo.Alias,
			SourceURL:       repo.SourceURL,
			Description:     repo.Description,
			IndexPath:       repo.IndexPath,
			EnabledBackends: repo.EnabledBackends,
			LastRefreshAt:   repo.LastRefreshAt,
			NextRefreshAt:   repo.NextRefreshAt,
			Refreshing:      inFlight[repo.Alias],
		})
	}
	slices.SortFunc(out, func(a, b GoldenStatus) int {
		return cmp.Compare(a.Alias, b.Alias)
	})
	return out, nil
}

// GetJob returns one job record. Unknown ids return (nil, nil). Non-admins
// see only their own jobs.
func (c *Coordinator) GetJob(ctx context.Context, username, jobID string) (*jobs.Job, error) {
	user, err := c.requireUser(ctx, username)
	if err != nil {
		return nil, err
	}
	job, err := c.tracker.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return job, err
	}
	if user.Role != identity.RoleAdmin && job.Username != username {
		return nil, fault.Wrapf(fault.ErrForbidden, "job %s belongs to another user", jobID)
	}
	return job, nil
}

// ListJobs returns job records matching the filter, newest first. For
// non-admins the filter is pinned to their own username.
func (c *Coordinator) ListJobs(ctx context.Context, username string, f jobs.Filter) ([]jobs.Job, error) {
	user, err := c.requireUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user.Role != identity.RoleAdmin {
		f.Username = username
	}
	return c.tracker.QueryJobs(ctx, f)
}

// GetPayload returns one page of a spilled response.
func (c *Coordinator) GetPayload(ctx context.Context, username, handle string, page int) (payload.Page, error) {
	if _, err := c.requireUser(ctx, username); err != nil {
		return payload.Page{}, err
	}
	return c.payloads.Retrieve(handle, page)
}

// HealthReport is the per-backend health of one repo's live snapshot.
type HealthReport struct {
	Alias      string
	Target     string
	OK         bool
	Checks     []backend.Health
	Refreshing bool
}

// HealthCheck probes every enabled backend of the repo against the
// directory its alias currently resolves to.
func (c *Coordinator) HealthCheck(ctx context.Context, repoAlias string) (*HealthReport, error) {
	target, err := c.aliases.Read(alias.Global(repoAlias))
	if err != nil {
		return nil, err
	}
	kinds := c.kinds()
	repo, err := c.registry.Get(ctx, repoAlias)
	if err != nil {
		return nil, err
	}
	if repo != nil && len(repo.EnabledBackends) > 0 {
		kinds = repo.EnabledBackends
	}

	report := &HealthReport{Alias: repoAlias, Target: target, OK: true}
	for _, b := range c.backends.ForKinds(kinds) {
		h := b.Health(ctx, target)
		if !h.OK {
			report.OK = false
		}
		report.Checks = append(report.Checks, h)
	}
	report.Refreshing = slices.Contains(c.refresher.InFlight(), repoAlias)
	return report, nil
}

// ResolveSymbols looks a batch of SCIP symbols up in the repo's index.
func (c *Coordinator) ResolveSymbols(ctx context.Context, username, repoAlias string, symbols []string) ([]scip.Resolution, error) {
	if c.scip == nil {
		return nil, fault.Wrapf(fault.ErrBackendUnavailable, "no scip backend configured")
	}
	allowed, err := c.resolver.Allowed(ctx, username, []string{repoAlias})
	if err != nil {
		return nil, err
	}
	if !slices.Contains(allowed, repoAlias) {
		return nil, fault.Wrapf(fault.ErrForbidden, "repo %q is not visible to %q", repoAlias, username)
	}
	return c.scip.Resolve(ctx, scip.Batch{
		RepoAlias: repoAlias,
		Symbols:   symbols,
		Username:  username,
	})
}
