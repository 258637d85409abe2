// Package dispatch fans one search out across golden repositories and
// merges the results.
//
// Each requested alias becomes one task on a bounded pool. A task pins the
// snapshot it reads, loads index handles through the per-kind caches, and
// searches every requested kind under the per-backend deadline. Task
// failures and timeouts are recorded against the alias in the response;
// they never fail the request as a whole.
package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/theory/jsonpath"
	"golang.org/x/sync/errgroup"

	"codequarry/internal/alias"
	"codequarry/internal/backend"
	"codequarry/internal/cache"
	"codequarry/internal/fault"
	"codequarry/internal/logging"
	"codequarry/internal/refs"
)

// Config wires a dispatcher. MaxWorkers and Timeout come from the unified
// multi_search_max_workers / multi_search_timeout_seconds settings keys no
// matter which surface constructs the dispatcher.
type Config struct {
	Aliases  *alias.Store
	Refs     *refs.Tracker
	Backends *backend.Set
	// Caches maps each backend kind to its handle cache.
	Caches     map[string]*cache.Cache
	MaxWorkers int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Dispatcher runs multi-repository searches.
type Dispatcher struct {
	aliases    *alias.Store
	refs       *refs.Tracker
	backends   *backend.Set
	caches     map[string]*cache.Cache
	maxWorkers int
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		aliases:    cfg.Aliases,
		refs:       cfg.Refs,
		backends:   cfg.Backends,
		caches:     cfg.Caches,
		maxWorkers: workers,
		timeout:    cfg.Timeout,
		logger:     logger.With("component", "dispatch"),
	}
}

// Request is one search across a set of aliases.
type Request struct {
	Query   string
	Aliases []string
	// Backends narrows the searched kinds; empty means every configured
	// backend.
	Backends []string
	Limit    int
	PathGlob string
	// MetadataFilter is an optional JSONPath expression evaluated against
	// each hit's metadata; hits it selects nothing from are dropped.
	MetadataFilter string
}

// Timing carries the phase timings of one search.
type Timing struct {
	// PerBackendMS is the wall time of each alias's task.
	PerBackendMS map[string]int64
	MergeDedupMS int64
	TotalMS      int64
}

// Response is the merged result of one search.
type Response struct {
	Hits []backend.Hit
	// Errors maps aliases whose task failed (fully or per kind) to a
	// human-readable reason.
	Errors map[string]string
	// TimedOut marks aliases whose search ran past the per-backend
	// deadline.
	TimedOut map[string]bool
	Timing   Timing
}

type taskResult struct {
	hits     []backend.Hit
	errs     []string
	timedOut bool
}

// Search fans the request out and merges the results. It returns an error
// only for unusable requests; per-alias failures land in Response.Errors.
func (d *Dispatcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if strings.TrimSpace(req.Query) == "" {
		return nil, fault.Wrapf(fault.ErrInvalidParameter, "empty query")
	}
	if len(req.Aliases) == 0 {
		return nil, fault.Wrapf(fault.ErrInvalidParameter, "no aliases to search")
	}
	var filter *jsonpath.Path
	if req.MetadataFilter != "" {
		p, err := jsonpath.Parse(req.MetadataFilter)
		if err != nil {
			return nil, fault.Wrapf(fault.ErrInvalidParameter, "metadata filter: %v", err)
		}
		filter = p
	}
	kinds := d.backends.ForKinds(req.Backends)
	if len(kinds) == 0 {
		return nil, fault.Wrapf(fault.ErrInvalidParameter, "no configured backend among %v", req.Backends)
	}

	resp := &Response{
		Errors:   make(map[string]string),
		TimedOut: make(map[string]bool),
		Timing:   Timing{PerBackendMS: make(map[string]int64, len(req.Aliases))},
	}
	var (
		mu  sync.Mutex
		raw []backend.Hit
		g   errgroup.Group
	)
	g.SetLimit(d.maxWorkers)

	for _, repoAlias := range req.Aliases {
		target, err := d.aliases.Read(alias.Global(repoAlias))
		if err != nil {
			mu.Lock()
			resp.Errors[repoAlias] = err.Error()
			mu.Unlock()
			continue
		}
		// Pin before the task queues so the snapshot read is the one the
		// alias pointed at when the request reached this repo.
		pin := d.refs.Pin(target)
		g.Go(func() error {
			defer pin.Release()
			taskStart := time.Now()
			res := d.searchOne(ctx, repoAlias, pin.Path(), kinds, req)
			mu.Lock()
			defer mu.Unlock()
			raw = append(raw, res.hits...)
			if len(res.errs) > 0 {
				resp.Errors[repoAlias] = strings.Join(res.errs, "; ")
			}
			if res.timedOut {
				resp.TimedOut[repoAlias] = true
			}
			resp.Timing.PerBackendMS[repoAlias] = time.Since(taskStart).Milliseconds()
			return nil
		})
	}
	g.Wait()

	mergeStart := time.Now()
	resp.Hits = merge(raw, filter, req.Limit)
	resp.Timing.MergeDedupMS = time.Since(mergeStart).Milliseconds()
	resp.Timing.TotalMS = time.Since(start).Milliseconds()

	d.logger.Debug("search dispatched",
		"aliases", len(req.Aliases),
		"hits", len(resp.Hits),
		"errors", len(resp.Errors),
		"total_ms", resp.Timing.TotalMS)
	return resp, nil
}

// searchOne runs every requested kind against one pinned snapshot. Each
// kind gets its own deadline; a failed kind is recorded and the rest still
// run.
func (d *Dispatcher) searchOne(ctx context.Context, repoAlias, dir string, kinds []backend.Backend, req Request) taskResult {
	var res taskResult
	q := backend.Query{Text: req.Query, Limit: req.Limit, PathGlob: req.PathGlob}
	for _, b := range kinds {
		kind := b.Kind()
		c := d.caches[kind]
		if c == nil {
			continue
		}
		hits, err := func() ([]backend.Hit, error) {
			bctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			idx, err := c.GetOrLoad(bctx, dir, func(ctx context.Context) (backend.Index, error) {
				return b.Load(ctx, dir)
			})
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			return idx.Search(bctx, q)
		}()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				res.timedOut = true
			}
			res.errs = append(res.errs, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		for i := range hits {
			hits[i].Alias = repoAlias
			hits[i].Backend = kind
		}
		res.hits = append(res.hits, hits...)
	}
	return res
}

type dedupeKey struct {
	file       string
	start, end int
}

// merge dedupes by (file, startLine, endLine) keeping the best score, then
// sorts by score descending with a stable (alias, file, startLine)
// tiebreak and truncates to limit.
func merge(hits []backend.Hit, filter *jsonpath.Path, limit int) []backend.Hit {
	best := make(map[dedupeKey]backend.Hit, len(hits))
	for _, h := range hits {
		if filter != nil && len(filter.Select(h.Metadata)) == 0 {
			continue
		}
		k := dedupeKey{file: h.FilePath, start: h.StartLine, end: h.EndLine}
		if cur, ok := best[k]; !ok || h.Score > cur.Score {
			best[k] = h
		}
	}
	out := make([]backend.Hit, 0, len(best))
	for _, h := range best {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b backend.Hit) int {
		if a.Score != b.Score {
			return cmp.Compare(b.Score, a.Score)
		}
		if c := cmp.Compare(a.Alias, b.Alias); c != 0 {
			return c
		}
		if c := cmp.Compare(a.FilePath, b.FilePath); c != 0 {
			return c
		}
		return cmp.Compare(a.StartLine, b.StartLine)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
