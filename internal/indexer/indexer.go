// Package indexer builds search indexes by running an external builder
// process against a snapshot or master directory. The builder is invoked
// as `<command> [args...] <kind> <dir>` and must exit nonzero on failure.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"codequarry/internal/callgroup"
	"codequarry/internal/logging"
)

// DefaultCommand is the builder executable searched on PATH when the
// config names none.
const DefaultCommand = "cq-index"

type Config struct {
	// Command is the builder executable.
	Command string
	// Args are fixed leading arguments; kind and dir are appended.
	Args []string
	// MaxWorkers caps concurrent builder processes.
	MaxWorkers int64
	Logger     *slog.Logger
}

// Runner executes index builds, coalescing concurrent builds of the same
// (dir, kind) and capping child processes across all builds.
type Runner struct {
	command string
	args    []string
	sem     *semaphore.Weighted
	group   callgroup.Group[buildKey]
	logger  *slog.Logger

	// run is swapped by tests.
	run func(ctx context.Context, dir, kind string) error
}

type buildKey struct {
	dir  string
	kind string
}

func New(cfg Config) *Runner {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Runner{
		command: cfg.Command,
		args:    slices.Clone(cfg.Args),
		sem:     semaphore.NewWeighted(cfg.MaxWorkers),
		logger:  logger.With("component", "indexer"),
	}
	r.run = r.runProcess
	return r
}

// Check reports whether the builder executable is available.
func (r *Runner) Check() error {
	if _, err := exec.LookPath(r.command); err != nil {
		return fmt.Errorf("index builder: %w", err)
	}
	return nil
}

// Build runs the builder for one kind in dir. Concurrent calls for the
// same (dir, kind) share a single process. The build itself is detached
// from the caller's context so one caller leaving does not abort work
// other callers still wait on; the caller's own wait honors ctx.
func (r *Runner) Build(ctx context.Context, dir, kind string) error {
	return r.group.Do(ctx, buildKey{dir: dir, kind: kind}, func() error {
		bctx := context.WithoutCancel(ctx)
		if err := r.sem.Acquire(bctx, 1); err != nil {
			return err
		}
		defer r.sem.Release(1)
		return r.run(bctx, dir, kind)
	})
}

// BuildAll builds every kind for dir concurrently. The first failure
// cancels the remaining waits and is returned.
func (r *Runner) BuildAll(ctx context.Context, dir string, kinds []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		g.Go(func() error {
			if err := r.Build(gctx, dir, kind); err != nil {
				return fmt.Errorf("build %s index: %w", kind, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) runProcess(ctx context.Context, dir, kind string) error {
	args := append(slices.Clone(r.args), kind, dir)
	cmd := exec.CommandContext(ctx, r.command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s",
			r.command, kind, err, strings.TrimSpace(out.String()))
	}
	r.logger.Debug("index built",
		"kind", kind, "dir", dir, "elapsed", time.Since(start))
	return nil
}
