// Package scip resolves code-intelligence symbols against golden repo
// snapshots and audits every resolution in scip_audit.db.
//
// The audit database is its own file on its own handle; it is never
// attached to server.db.
package scip

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"codequarry/internal/alias"
	"codequarry/internal/backend"
	"codequarry/internal/cache"
	"codequarry/internal/fault"
	"codequarry/internal/jobs"
	"codequarry/internal/logging"
	"codequarry/internal/refs"
	"codequarry/internal/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

// Open opens scip_audit.db at path and applies the embedded migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(db, migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate scip_audit.db: %w", err)
	}
	return db, nil
}

// Resolution outcomes.
const (
	OutcomeResolved   = "resolved"
	OutcomeUnresolved = "unresolved"
	OutcomeError      = "error"
)

// Resolution is one symbol lookup and its audit record.
type Resolution struct {
	ID         string
	Symbol     string
	RepoAlias  string
	TargetPath string
	Outcome    string
	Detail     string
	ResolvedAt time.Time
}

// Store persists resolution audit rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over an Open'd audit database.
func NewStore(db *sql.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

// Record inserts one audit row.
func (s *Store) Record(ctx context.Context, r Resolution) error {
	var targetPath, detail *string
	if r.TargetPath != "" {
		targetPath = &r.TargetPath
	}
	if r.Detail != "" {
		detail = &r.Detail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scip_resolutions (id, symbol, repo_alias, target_path, outcome, detail, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Symbol, r.RepoAlias, targetPath, r.Outcome, detail, r.ResolvedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record resolution %q: %w", r.Symbol, err)
	}
	return nil
}

// Recent returns the newest audit rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Resolution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, repo_alias, target_path, outcome, detail, resolved_at
		FROM scip_resolutions ORDER BY resolved_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []Resolution
	for rows.Next() {
		var r Resolution
		var targetPath, detail *string
		var resolvedAt string
		if err := rows.Scan(&r.ID, &r.Symbol, &r.RepoAlias, &targetPath, &r.Outcome, &detail, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		if targetPath != nil {
			r.TargetPath = *targetPath
		}
		if detail != nil {
			r.Detail = *detail
		}
		r.ResolvedAt, err = time.Parse(timeFormat, resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Batch is one resolution request against one repo.
type Batch struct {
	RepoAlias string
	Symbols   []string
	Username  string
}

// ResolverConfig wires a resolver.
type ResolverConfig struct {
	Aliases *alias.Store
	Refs    *refs.Tracker
	// Cache is the handle cache for the SCIP backend kind.
	Cache *cache.Cache
	// Backend is the SCIP index backend.
	Backend backend.Backend
	Store   *Store
	Tracker *jobs.Tracker
	Logger  *slog.Logger
	Now     func() time.Time
}

// Resolver looks up symbols in SCIP indexes.
type Resolver struct {
	aliases *alias.Store
	refs    *refs.Tracker
	cache   *cache.Cache
	backend backend.Backend
	store   *Store
	tracker *jobs.Tracker
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		aliases: cfg.Aliases,
		refs:    cfg.Refs,
		cache:   cfg.Cache,
		backend: cfg.Backend,
		store:   cfg.Store,
		tracker: cfg.Tracker,
		logger:  logger.With("component", "scip"),
		now:     now,
	}
}

// Resolve looks every symbol in the batch up against the repo's SCIP
// index. The snapshot stays pinned for the whole batch. Audit rows are
// observer writes: a failed insert is logged, never propagated.
func (r *Resolver) Resolve(ctx context.Context, batch Batch) ([]Resolution, error) {
	if batch.RepoAlias == "" || len(batch.Symbols) == 0 {
		return nil, fault.Wrapf(fault.ErrInvalidParameter, "resolve batch %+v", batch)
	}

	jobID := uuid.NewString()
	if _, err := r.tracker.Register(ctx, jobs.Job{
		ID:            jobID,
		OperationType: jobs.OpSCIPResolution,
		Username:      batch.Username,
		RepoAlias:     batch.RepoAlias,
		Metadata:      map[string]string{"symbols": strconv.Itoa(len(batch.Symbols))},
	}); err != nil {
		r.logger.Warn("job register failed", "code", fault.Code(err), "error", err)
	}
	if err := r.tracker.MarkRunning(ctx, jobID); err != nil {
		r.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	fail := func(err error) ([]Resolution, error) {
		if jerr := r.tracker.Fail(ctx, jobID, err.Error()); jerr != nil {
			r.logger.Warn("job update failed", "code", fault.Code(jerr), "error", jerr)
		}
		return nil, err
	}

	target, err := r.aliases.Read(alias.Global(batch.RepoAlias))
	if err != nil {
		return fail(err)
	}
	pin := r.refs.Pin(target)
	defer pin.Release()

	idx, err := r.cache.GetOrLoad(ctx, target, func(ctx context.Context) (backend.Index, error) {
		return r.backend.Load(ctx, target)
	})
	if err != nil {
		return fail(fault.Wrapf(fault.ErrBackendUnavailable, "load scip index for %q: %v", batch.RepoAlias, err))
	}

	out := make([]Resolution, 0, len(batch.Symbols))
	for _, symbol := range batch.Symbols {
		res := r.resolveOne(ctx, idx, batch.RepoAlias, symbol)
		if err := r.store.Record(ctx, res); err != nil {
			r.logger.Warn("audit write failed", "code", fault.Code(err), "error", err)
		}
		out = append(out, res)
	}

	if err := r.tracker.Complete(ctx, jobID); err != nil {
		r.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, idx backend.Index, repoAlias, symbol string) Resolution {
	res := Resolution{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		RepoAlias:  repoAlias,
		ResolvedAt: r.now().UTC(),
	}
	hits, err := idx.Search(ctx, backend.Query{Text: symbol, Limit: 1})
	switch {
	case err != nil:
		res.Outcome = OutcomeError
		res.Detail = err.Error()
	case len(hits) == 0:
		res.Outcome = OutcomeUnresolved
	default:
		res.Outcome = OutcomeResolved
		res.TargetPath = hits[0].FilePath
		res.Detail = fmt.Sprintf("line %d", hits[0].StartLine)
	}
	return res
}
