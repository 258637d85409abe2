// Package git shells out to the git binary for clone and update of master
// working copies.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"codequarry/internal/fault"
	"codequarry/internal/logging"
)

// Dir is a directory in which git commands run.
type Dir string

// scpLike matches user@host:path remotes.
var scpLike = regexp.MustCompile(`^[\w.-]+@[\w.-]+:`)

// IsGitURL reports whether source names a remote git repository. Local
// sources (local:// or a plain path) are managed outside the refresh
// scheduler and return false.
func IsGitURL(source string) bool {
	if strings.HasPrefix(source, "local://") {
		return false
	}
	for _, scheme := range []string{"http://", "https://", "git://", "ssh://", "file://"} {
		if strings.HasPrefix(source, scheme) {
			return true
		}
	}
	return scpLike.MatchString(source)
}

// Client runs git with retry on transient failures.
type Client struct {
	// depth limits clone history; 0 clones everything.
	depth  int
	logger *slog.Logger
	// newBackOff builds the retry policy per operation; tests shorten it.
	newBackOff func(ctx context.Context) backoff.BackOff
}

// NewClient creates a client. depth 0 means full clones.
func NewClient(depth int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		depth:      depth,
		logger:     logger.With("component", "git"),
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithContext(b, ctx)
}

// run executes git in dir and returns trimmed stdout. Errors carry the
// command's combined output.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s",
			args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Clone clones source into dest, retrying transient failures with
// exponential backoff. dest must not exist yet.
func (c *Client) Clone(ctx context.Context, source, dest string) (Dir, error) {
	args := []string{"clone"}
	if c.depth > 0 {
		args = append(args, "--depth", strconv.Itoa(c.depth))
	}
	args = append(args, source, dest)

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			// A partial clone from the failed attempt blocks the retry.
			if err := os.RemoveAll(dest); err != nil {
				return backoff.Permanent(err)
			}
			c.logger.Warn("retrying clone", "source", source, "attempt", attempt)
		}
		_, err := run(ctx, "", args...)
		return err
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return "", fmt.Errorf("clone %s: %v: %w", source, err, fault.ErrGitCloneFailed)
	}
	return Dir(dest), nil
}

// Git runs an arbitrary git command in the directory.
func (d Dir) Git(ctx context.Context, args ...string) (string, error) {
	return run(ctx, string(d), args...)
}

// Head returns the commit hash of HEAD.
func (d Dir) Head(ctx context.Context) (string, error) {
	out, err := d.Git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if len(out) != 40 {
		return "", fmt.Errorf("rev-parse returned invalid commit hash: %s", out)
	}
	return out, nil
}

// Update fast-forwards the working copy and reports whether HEAD moved,
// retrying transient fetch failures.
func (c *Client) Update(ctx context.Context, d Dir) (changed bool, head string, err error) {
	before, err := d.Head(ctx)
	if err != nil {
		return false, "", err
	}
	op := func() error {
		_, err := d.Git(ctx, "pull", "--ff-only")
		return err
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return false, "", fmt.Errorf("update %s: %w", d, err)
	}
	after, err := d.Head(ctx)
	if err != nil {
		return false, "", err
	}
	return after != before, after, nil
}
