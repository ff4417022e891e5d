package exec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/loop/controller"
	"github.com/vietddude/remedy/internal/loop/poller"
)

// CommandAction runs a command once per attempt. Without a source the exit
// code decides the attempt. With a source the command only pushes the work
// and the source is polled for the verdict.
type CommandAction struct {
	cmd    Command
	source poller.Source
	log    *slog.Logger
}

// NewCommandAction creates an action. src may be nil.
func NewCommandAction(cmd Command, src poller.Source) *CommandAction {
	return &CommandAction{cmd: cmd, source: src, log: slog.Default()}
}

// Execute runs the command for the session's next attempt.
func (a *CommandAction) Execute(ctx context.Context, s domain.LoopSession) (controller.Result, error) {
	res, err := a.cmd.Run(ctx, nil, SessionEnv(s)...)
	if err != nil {
		return controller.Result{}, err
	}

	a.log.Debug("Action finished",
		"session", s.ID,
		"iteration", s.CurrentIteration+1,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
	)

	now := time.Now().UTC()
	if !res.Success() {
		return controller.Completed(domain.Status{
			Kind:      domain.StatusFailure,
			Payload:   failurePayload(a.cmd, res),
			CheckedAt: now,
		}), nil
	}
	if a.source != nil {
		return controller.Await(a.source), nil
	}
	return controller.Completed(domain.Status{
		Kind:      domain.StatusSuccess,
		Payload:   res.Output,
		CheckedAt: now,
	}), nil
}

// SessionEnv exposes the session to child processes.
func SessionEnv(s domain.LoopSession) []string {
	return []string{
		"REMEDY_SESSION_ID=" + s.ID,
		fmt.Sprintf("REMEDY_ITERATION=%d", s.CurrentIteration+1),
		fmt.Sprintf("REMEDY_MAX_ITERATIONS=%d", s.MaxIterations),
		"REMEDY_TASK=" + s.TaskContext,
	}
}

func failurePayload(cmd Command, res Result) string {
	out := strings.TrimSpace(res.Output)
	if out == "" {
		return fmt.Sprintf("%s exited with status %d", cmd.Args[0], res.ExitCode)
	}
	return out
}

// Resolver runs the same command for every task context. It lets resume
// rebuild the action from configuration alone.
func Resolver(cmd Command, src poller.Source) controller.ResolverFunc {
	return func(taskContext string) (controller.Action, error) {
		if len(cmd.Args) == 0 {
			return nil, fmt.Errorf("no action command configured")
		}
		return NewCommandAction(cmd, src), nil
	}
}
