// Package cleanup deletes obsolete index snapshots once no query pins
// them. Only versioned snapshot paths may enter the queue; master
// directories are overwritten in place during refresh and never deleted.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"codequarry/internal/event"
	"codequarry/internal/fault"
	"codequarry/internal/jobs"
	"codequarry/internal/logging"
	"codequarry/internal/refs"
	"codequarry/internal/snapshot"
)

type Config struct {
	Refs    *refs.Tracker
	Tracker *jobs.Tracker
	Logger  *slog.Logger
	// Events receives cleanup.deleted per removed snapshot.
	Events event.Sink
}

// Manager holds the deletion queue. Scheduling is cheap and idempotent;
// the work happens in periodic Process passes.
type Manager struct {
	refs    *refs.Tracker
	tracker *jobs.Tracker
	logger  *slog.Logger
	events  event.Sink

	mu      sync.Mutex
	waiting map[string]struct{}

	// remove is swapped by tests to inject filesystem failures.
	remove func(path string) error
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		refs:    cfg.Refs,
		tracker: cfg.Tracker,
		logger:  logger.With("component", "cleanup"),
		events:  event.Default(cfg.Events),
		waiting: make(map[string]struct{}),
		remove:  os.RemoveAll,
	}
}

// Schedule queues path for deletion. Duplicates collapse. A path without
// the .versioned segment is a master copy; scheduling one is a
// programming error and is refused loudly.
func (m *Manager) Schedule(path string) error {
	if !snapshot.IsVersioned(path) {
		return fault.Wrapf(fault.ErrNotVersioned, "schedule cleanup of %q", path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting[path] = struct{}{}
	return nil
}

// Pending returns the queued paths, sorted.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.waiting))
	for p := range m.waiting {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PassResult counts what one Process pass did with the queue.
type PassResult struct {
	Deleted int
	Skipped int
	Failed  int
}

// Process runs one deletion pass. Pinned paths stay queued for the next
// pass. Each deletion attempt is tracked as an index_cleanup job; a path
// already gone from disk still counts as deleted. Filesystem errors mark
// the job failed and keep the path queued. Tracker errors are logged and
// never block a deletion.
func (m *Manager) Process(ctx context.Context) PassResult {
	paths := m.Pending()

	var res PassResult
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		// Read the count under the tracker's own lock, released before
		// any filesystem work.
		if n := m.refs.RefCount(path); n > 0 {
			m.logger.Debug("snapshot pinned, requeued", "path", path, "refs", n)
			res.Skipped++
			continue
		}

		jobID := m.registerJob(ctx, path)
		if err := m.tracker.MarkRunning(ctx, jobID); err != nil {
			m.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
		}

		if err := m.remove(path); err != nil {
			res.Failed++
			m.logger.Warn("snapshot delete failed", "path", path, "error", err)
			if err := m.tracker.Fail(ctx, jobID, err.Error()); err != nil {
				m.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
			}
			continue
		}

		m.mu.Lock()
		delete(m.waiting, path)
		m.mu.Unlock()
		res.Deleted++
		m.logger.Info("snapshot deleted", "path", path)
		m.events.Emit(event.Event{
			Code:   "cleanup.deleted",
			At:     time.Now().UTC(),
			Fields: map[string]any{"path": path},
		})
		if err := m.tracker.Complete(ctx, jobID); err != nil {
			m.logger.Warn("job update failed", "code", fault.Code(err), "error", err)
		}
	}
	return res
}

func (m *Manager) registerJob(ctx context.Context, path string) string {
	job := jobs.Job{
		ID:            uuid.NewString(),
		OperationType: jobs.OpIndexCleanup,
		Metadata:      map[string]string{"path": path},
	}
	if master, ok := snapshot.MasterOf(path); ok {
		job.RepoAlias = filepath.Base(master)
	}
	j, err := m.tracker.Register(ctx, job)
	if err != nil {
		m.logger.Warn("job register failed", "code", fault.Code(err), "error", err)
		return ""
	}
	if j == nil {
		return ""
	}
	return j.ID
}
