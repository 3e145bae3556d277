package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single agent invocation. A hung CLI would otherwise
// hold the engine's re-entrancy guard indefinitely.
const DefaultTimeout = 5 * time.Minute

// ExecGateway runs an external agent CLI. The prompt goes to stdin and the
// process working directory is the task's sandbox root, so file edits the
// agent makes land inside the sandbox.
type ExecGateway struct {
	command []string
	timeout time.Duration
}

// NewExecGateway builds a gateway from an argv-style command. Panics on an
// empty command. A non-positive timeout falls back to DefaultTimeout.
func NewExecGateway(command []string, timeout time.Duration) *ExecGateway {
	if len(command) == 0 {
		panic("llm.NewExecGateway: empty command")
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &ExecGateway{command: command, timeout: timeout}
}

// Execute implements Gateway. Each call carries its own deadline; a timed-out
// process is killed and the failure maps to ErrUnavailable, as do a missing
// binary and a start failure, so callers classify all three as retriable.
func (g *ExecGateway) Execute(ctx context.Context, task Task) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.command[0], g.command[1:]...)
	cmd.Dir = task.SandboxRoot
	cmd.Stdin = strings.NewReader(task.Prompt)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: agent did not finish within %s: %w",
				ErrUnavailable, g.timeout, ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("agent exited with %d: %s",
				exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}

		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return Result{Output: stdout.String()}, nil
}
