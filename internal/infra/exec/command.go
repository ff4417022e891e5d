// Package exec runs local commands as loop actions and fixers.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

// maxOutput bounds the combined output kept from a command.
const maxOutput = 1 << 20

const waitDelay = time.Second

// Command is a local process invocation.
type Command struct {
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Success reports a zero exit code.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Run executes the command with stdin and captures combined output. A
// non-zero exit is reported through Result, not as an error.
func (c Command) Run(ctx context.Context, stdin []byte, extraEnv ...string) (Result, error) {
	if len(c.Args) == 0 {
		return Result{}, errors.New("command cannot be empty")
	}

	start := time.Now()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	// Children that inherit the output pipe must not outlive the kill.
	cmd.WaitDelay = waitDelay
	if c.Dir != "" {
		if _, err := os.Stat(c.Dir); err != nil {
			return Result{}, fmt.Errorf("working directory: %w", err)
		}
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 || len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
		cmd.Env = append(cmd.Env, extraEnv...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{Output: domain.Tail(out.String(), maxOutput), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("run %s: %w", c.Args[0], err)
		}
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			// Killed by timeout or cancellation.
			return res, fmt.Errorf("run %s: %w", c.Args[0], ctx.Err())
		}
	}
	return res, nil
}
