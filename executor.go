package schemagen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// ShellCommandExecutor implements CommandExecutor for executing shell commands
type ShellCommandExecutor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewShellCommandExecutor creates a new shell command executor
func NewShellCommandExecutor(timeout time.Duration, logger *slog.Logger) *ShellCommandExecutor {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellCommandExecutor{
		timeout: timeout,
		logger:  logger,
	}
}

// ExecuteCommands executes a list of shell commands in sequence, stopping at the first failure.
// env is added to the inherited process environment.
func (e *ShellCommandExecutor) ExecuteCommands(ctx context.Context, commands []string, workingDir string, env map[string]string) error {
	if len(commands) == 0 {
		return nil
	}

	e.logger.Info("running hooks", "count", len(commands), "dir", workingDir)

	for i, command := range commands {
		if strings.TrimSpace(command) == "" {
			continue
		}

		e.logger.Debug("running hook", "index", i+1, "command", command)

		if err := e.executeCommand(ctx, command, workingDir, env); err != nil {
			return fmt.Errorf("%w: command %d (%s): %w", ErrHookFailed, i+1, command, err)
		}
	}

	return nil
}

// executeCommand executes a single shell command with timeout
func (e *ShellCommandExecutor) executeCommand(ctx context.Context, command, workingDir string, env map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Run through the shell so pipes and redirects work
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir
	cmd.Env = cmd.Environ()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %v", e.timeout)
		}
		return fmt.Errorf("exit code %d: %s", cmd.ProcessState.ExitCode(), strings.TrimSpace(string(output)))
	}

	if len(output) > 0 {
		e.logger.Debug("hook output", "command", command, "output", strings.TrimSpace(string(output)))
	}

	return nil
}
