package controller

import (
	"context"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/loop/poller"
)

// Action performs one attempt at the task.
type Action interface {
	Execute(ctx context.Context, session domain.LoopSession) (Result, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, session domain.LoopSession) (Result, error)

func (f ActionFunc) Execute(ctx context.Context, session domain.LoopSession) (Result, error) {
	return f(ctx, session)
}

// Result is what an action produced. A non-nil Source means the outcome is
// decided externally and must be polled.
type Result struct {
	Status domain.Status
	Source poller.Source
}

// Completed is a result decided locally.
func Completed(status domain.Status) Result {
	return Result{Status: status}
}

// Await is a result decided by an external status source.
func Await(src poller.Source) Result {
	return Result{Source: src}
}

// ActionResolver builds the action for a task context. Resume uses it to
// rebuild the action after a restart.
type ActionResolver interface {
	Resolve(taskContext string) (Action, error)
}

// ResolverFunc adapts a function to ActionResolver.
type ResolverFunc func(taskContext string) (Action, error)

func (f ResolverFunc) Resolve(taskContext string) (Action, error) {
	return f(taskContext)
}

// Static resolves every task context to the same action.
func Static(a Action) ResolverFunc {
	return func(string) (Action, error) { return a, nil }
}
