package analyze

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"codequarry/internal/fault"
	"codequarry/internal/logging"
)

// CLI runs an external analyzer executable. The prompt is written to the
// process's stdin and stdout is returned as the answer. Which model sits
// behind the executable is the operator's business.
type CLI struct {
	command string
	args    []string
	logger  *slog.Logger
}

// CLIConfig configures a CLI analyzer.
type CLIConfig struct {
	// Command is the executable name or path. Required.
	Command string
	// Args are passed before the prompt arrives on stdin.
	Args []string
	// Logger for subprocess diagnostics. Optional.
	Logger *slog.Logger
}

// NewCLI creates a CLI analyzer. It does not verify the command exists;
// call Check for that.
func NewCLI(cfg CLIConfig) *CLI {
	return &CLI{
		command: cfg.Command,
		args:    slices.Clone(cfg.Args),
		logger:  logging.Default(cfg.Logger).With("component", "analyzer"),
	}
}

// Check verifies the analyzer executable can be found.
func (c *CLI) Check() error {
	if _, err := exec.LookPath(c.command); err != nil {
		return fault.Wrapf(fault.ErrAnalyzerUnavailable, "%v", err)
	}
	return nil
}

// Run invokes the analyzer once. The subprocess is killed when the timeout
// elapses or ctx is canceled, whichever comes first.
func (c *CLI) Run(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	rctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(rctx, c.command, c.args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", c.command, err, strings.TrimSpace(stderr.String()))
	}
	c.logger.Debug("analyzer run finished",
		"command", c.command,
		"bytes", stdout.Len(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return strings.TrimSpace(stdout.String()), nil
}
