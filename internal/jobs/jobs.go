// Package jobs tracks background operations in the background_jobs table.
//
// The tracker is an optional observer. A nil *Tracker is valid and records
// nothing, and every method error is meant to be logged by the caller and
// otherwise ignored; a tracker failure must never abort the operation being
// tracked.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Operation types.
const (
	OpAddGolden          = "add_golden"
	OpRefreshGolden      = "refresh_golden"
	OpIndexCleanup       = "index_cleanup"
	OpDescriptionRefresh = "description_refresh"
	OpDepMapAnalysis     = "dep_map_analysis"
	OpSCIPResolution     = "scip_resolution"
	OpStartupReconcile   = "startup_reconcile"
	OpLangfuseSync       = "langfuse_sync"
	OpResearchChat       = "research_assistant_chat"
	OpMultiSearch        = "multi_search"
)

// Statuses. Legal transitions: pending -> running, pending -> failed,
// running -> completed, running -> failed. Anything else is ignored.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const timeFormat = time.RFC3339Nano

// Job is one tracked operation.
type Job struct {
	ID            string
	OperationType string
	Status        string
	CreatedAt     time.Time
	// StartedAt is zero until the job first transitions to running.
	StartedAt time.Time
	// CompletedAt is zero until the job reaches a terminal status.
	CompletedAt  time.Time
	Progress     int
	ProgressInfo string
	Error        string
	Username     string
	RepoAlias    string
	Metadata     map[string]string
}

func (j *Job) terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Tracker records jobs durably and keeps active ones in a hot map.
type Tracker struct {
	db  *sql.DB
	now func() time.Time

	mu  sync.Mutex
	hot map[string]*Job
}

// NewTracker creates a tracker over the shared server.db handle.
func NewTracker(db *sql.DB, now func() time.Time) *Tracker {
	return &Tracker{db: db, now: now, hot: make(map[string]*Job)}
}

// Register inserts a pending row for a caller-supplied job id. The returned
// job carries the stamped status and creation time.
func (t *Tracker) Register(ctx context.Context, job Job) (*Job, error) {
	if t == nil {
		return nil, nil
	}
	if job.ID == "" || job.OperationType == "" {
		return nil, fmt.Errorf("register job: id and operation type required")
	}
	job.Status = StatusPending
	job.CreatedAt = t.now().UTC()
	job.StartedAt = time.Time{}
	job.CompletedAt = time.Time{}

	var metadata *string
	if job.Metadata != nil {
		data, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, fmt.Errorf("register job %q: marshal metadata: %w", job.ID, err)
		}
		v := string(data)
		metadata = &v
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO background_jobs
			(job_id, operation_type, status, created_at, progress, username, repo_alias, metadata)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, job.ID, job.OperationType, job.Status, job.CreatedAt.Format(timeFormat),
		nullStr(job.Username), nullStr(job.RepoAlias), metadata)
	if err != nil {
		return nil, fmt.Errorf("register job %q: %w", job.ID, err)
	}

	t.mu.Lock()
	clone := job
	t.hot[job.ID] = &clone
	t.mu.Unlock()
	return &job, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MarkRunning moves a pending job to running and stamps startedAt once.
// Unknown ids and jobs already past pending are left alone.
func (t *Tracker) MarkRunning(ctx context.Context, id string) error {
	if t == nil {
		return nil
	}
	return t.transition(ctx, id, StatusRunning, "")
}

// Complete moves a running job to completed and stamps completedAt.
func (t *Tracker) Complete(ctx context.Context, id string) error {
	if t == nil {
		return nil
	}
	return t.transition(ctx, id, StatusCompleted, "")
}

// Fail moves a pending or running job to failed, recording the message.
func (t *Tracker) Fail(ctx context.Context, id, msg string) error {
	if t == nil {
		return nil
	}
	return t.transition(ctx, id, StatusFailed, msg)
}

// legalFrom returns the statuses a job may hold before entering to.
func legalFrom(to string) []string {
	switch to {
	case StatusRunning:
		return []string{StatusPending}
	case StatusCompleted:
		return []string{StatusRunning}
	case StatusFailed:
		return []string{StatusPending, StatusRunning}
	default:
		return nil
	}
}

func (t *Tracker) transition(ctx context.Context, id, to, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		// Unknown ids are ignored so a late update after retention cleanup
		// cannot break the operation that sent it.
		return nil
	}
	legal := false
	for _, from := range legalFrom(to) {
		if job.Status == from {
			legal = true
		}
	}
	if !legal {
		return nil
	}

	now := t.now().UTC()
	job.Status = to
	if to == StatusRunning && job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	if job.terminal() {
		job.CompletedAt = now
		job.Error = errMsg
	}

	_, err = t.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = ?, started_at = ?, completed_at = ?, error = ?
		WHERE job_id = ?
	`, job.Status, nullTime(job.StartedAt), nullTime(job.CompletedAt), nullStr(job.Error), id)
	if err != nil {
		return fmt.Errorf("update job %q: %w", id, err)
	}

	if job.terminal() {
		delete(t.hot, id)
	} else {
		t.hot[id] = job
	}
	return nil
}

// SetProgress updates the progress fields of an active job. Terminal and
// unknown jobs are left alone.
func (t *Tracker) SetProgress(ctx context.Context, id string, percent int, info string) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.terminal() {
		return nil
	}
	job.Progress = percent
	job.ProgressInfo = info
	_, err = t.db.ExecContext(ctx, `
		UPDATE background_jobs SET progress = ?, progress_info = ? WHERE job_id = ?
	`, percent, nullStr(info), id)
	if err != nil {
		return fmt.Errorf("update job %q progress: %w", id, err)
	}
	t.hot[id] = job
	return nil
}

// lookupLocked returns the hot entry or falls back to the table. Caller
// holds t.mu.
func (t *Tracker) lookupLocked(ctx context.Context, id string) (*Job, error) {
	if job, ok := t.hot[id]; ok {
		return job, nil
	}
	return t.readRow(ctx, id)
}

// GetJob returns a copy of the job, or nil if unknown.
func (t *Tracker) GetJob(ctx context.Context, id string) (*Job, error) {
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	job, err := t.lookupLocked(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	clone := *job
	return &clone, nil
}

const jobColumns = "job_id, operation_type, status, created_at, started_at, completed_at, progress, progress_info, error, username, repo_alias, metadata"

func (t *Tracker) readRow(ctx context.Context, id string) (*Job, error) {
	row := t.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM background_jobs WHERE job_id = ?", id)
	return scanJob(row, fmt.Sprintf("get job %q", id))
}

func scanJob(row interface{ Scan(...any) error }, label string) (*Job, error) {
	var j Job
	var createdAt string
	var startedAt, completedAt, progressInfo, errMsg, username, repoAlias, metadata *string
	err := row.Scan(&j.ID, &j.OperationType, &j.Status, &createdAt,
		&startedAt, &completedAt, &j.Progress, &progressInfo, &errMsg,
		&username, &repoAlias, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	if j.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("%s: parse created_at: %w", label, err)
	}
	if err := parseNullTime(startedAt, &j.StartedAt, label+" started_at"); err != nil {
		return nil, err
	}
	if err := parseNullTime(completedAt, &j.CompletedAt, label+" completed_at"); err != nil {
		return nil, err
	}
	j.ProgressInfo = deref(progressInfo)
	j.Error = deref(errMsg)
	j.Username = deref(username)
	j.RepoAlias = deref(repoAlias)
	if metadata != nil {
		if err := json.Unmarshal([]byte(*metadata), &j.Metadata); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", label, err)
		}
	}
	return &j, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := t.UTC().Format(timeFormat)
	return &v
}

func parseNullTime(s *string, dst *time.Time, label string) error {
	if s == nil {
		return nil
	}
	t, err := time.Parse(timeFormat, *s)
	if err != nil {
		return fmt.Errorf("%s: parse %q: %w", label, *s, err)
	}
	*dst = t
	return nil
}

// Filter narrows a QueryJobs call. Zero fields match everything.
type Filter struct {
	OperationType string
	Status        string
	Username      string
	// Since keeps jobs created at or after the instant.
	Since time.Time
}

// QueryJobs returns matching jobs, newest first.
func (t *Tracker) QueryJobs(ctx context.Context, f Filter) ([]Job, error) {
	if t == nil {
		return nil, nil
	}
	query := "SELECT " + jobColumns + " FROM background_jobs WHERE 1=1"
	var args []any
	if f.OperationType != "" {
		query += " AND operation_type = ?"
		args = append(args, f.OperationType)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Username != "" {
		query += " AND username = ?"
		args = append(args, f.Username)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(timeFormat))
	}
	query += " ORDER BY created_at DESC, job_id"

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows, "scan job")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CleanupOldJobs deletes terminal rows of one operation type whose
// completion is older than maxAge. Pending and running rows survive
// regardless of age. Returns the number of rows deleted.
func (t *Tracker) CleanupOldJobs(ctx context.Context, operationType string, maxAge time.Duration) (int, error) {
	if t == nil {
		return 0, nil
	}
	cutoff := t.now().UTC().Add(-maxAge)
	res, err := t.db.ExecContext(ctx, `
		DELETE FROM background_jobs
		WHERE operation_type = ?
		  AND status IN (?, ?)
		  AND completed_at IS NOT NULL
		  AND completed_at < ?
	`, operationType, StatusCompleted, StatusFailed, cutoff.Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("cleanup %s jobs: %w", operationType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup %s jobs: %w", operationType, err)
	}
	return int(n), nil
}

// ActiveCount reports how many jobs are currently in the hot map.
func (t *Tracker) ActiveCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hot)
}
