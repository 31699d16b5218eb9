package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// MaxHookOutput caps captured hook output.
const MaxHookOutput = 4096

// Runner executes configured shell commands: command-kind actions, resume
// commands and the pre-suspend hook. Commands run under `sh -c` in their own
// process group so a timeout can kill the whole pipeline.
type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a runner with a default per-command timeout.
func NewRunner(timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{timeout: timeout, logger: logger}
}

// Run executes a command and waits for it. Timeouts kill the process group
// and come back as ErrTimeout.
func (r *Runner) Run(ctx context.Context, command string) error {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	duration := time.Since(start)

	out := output.String()
	if len(out) > MaxHookOutput {
		out = out[:MaxHookOutput] + "\n... (truncated)"
	}
	out = strings.TrimSpace(out)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			if cmd.Process != nil {
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			r.logger.Warn("Command timed out",
				"command", command, "timeout", r.timeout, "output", out)
			return fmt.Errorf("command %q: %w", command, ErrTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.logger.Warn("Command failed",
				"command", command, "exit_code", exitErr.ExitCode(),
				"duration", duration, "output", out)
			return fmt.Errorf("command %q exited %d", command, exitErr.ExitCode())
		}
		return fmt.Errorf("command %q: %w", command, err)
	}

	r.logger.Debug("Command completed",
		"command", command, "duration", duration)
	return nil
}

// Start launches a long-running command without waiting, returning its pid.
// Used for screen lockers, which block until the session unlocks. The child
// is reaped in the background so it cannot become a zombie.
func (r *Runner) Start(command string) (int, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %q: %w", command, err)
	}
	pid := cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		r.logger.Debug("Background command exited",
			"command", command, "pid", pid, "error", err)
	}()

	r.logger.Info("Background command started", "command", command, "pid", pid)
	return pid, nil
}
