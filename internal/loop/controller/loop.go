package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
	"github.com/vietddude/remedy/internal/loop/classify"
	"github.com/vietddude/remedy/internal/loop/escalation"
	"github.com/vietddude/remedy/internal/loop/events"
	"github.com/vietddude/remedy/internal/loop/metrics"
	"github.com/vietddude/remedy/internal/loop/rollback"
)

// maxRawPayload bounds the status payload kept on each attempt.
const maxRawPayload = 16 << 10

// errAborted marks a run stopped by Abort, Close or a cancelled Run.
var errAborted = errors.New("aborted")

type loop struct {
	engine  *Engine
	sess    *domain.LoopSession
	action  Action
	history []domain.Attempt
	status  domain.Status

	// pending is a journaled attempt whose decision was lost to a restart.
	pending    *domain.Attempt
	rolledBack *domain.RollbackResult
	log        *slog.Logger
}

func (l *loop) logger() *slog.Logger {
	if l.log == nil {
		l.log = l.engine.log.With("session", l.sess.ID)
	}
	return l.log
}

func (l *loop) journal() storage.Journal {
	j := storage.Journal{
		Attempts: l.history,
		State:    l.sess.State,
		Report:   l.sess.Report,
		Rollback: l.rolledBack,
	}
	j.Iteration = l.sess.CurrentIteration
	return j
}

// restore re-enters the state machine after a restart. A journaled attempt
// without fixer outcomes is decided again without re-running the action.
func (l *loop) restore(ctx context.Context, j storage.Journal) error {
	m := l.engine.sessions
	last := len(l.history) - 1

	switch {
	case last < 0 && l.sess.State == domain.SessionStateEntry:
		return nil
	case last < 0:
		l.sess.CurrentIteration = 0
		return m.Restore(ctx, l.sess, domain.SessionStateExecuting, "resumed before first attempt")
	case j.Remediated:
		l.sess.CurrentIteration = l.history[last].Iteration
		return m.Restore(ctx, l.sess, domain.SessionStateExecuting,
			fmt.Sprintf("resumed after remediation of attempt %d", l.history[last].Iteration))
	default:
		attempt := l.history[last]
		l.sess.CurrentIteration = attempt.Iteration - 1
		l.pending = &attempt
		return m.Restore(ctx, l.sess, domain.SessionStateEvaluating,
			fmt.Sprintf("resumed at evaluation of attempt %d", attempt.Iteration))
	}
}

// run drives the session until it reaches a terminal state. Internal
// failures escalate with FATAL_ERROR; only a failed rollback is returned.
func (l *loop) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger().Error("Loop panicked", "panic", r)
			err = l.escalate(ctx, escalation.Fatal(fmt.Sprintf("internal error: %v", r)))
		}
		metrics.SessionsTotal.WithLabelValues(string(l.sess.State)).Inc()
	}()

	for !l.sess.State.IsTerminal() {
		if ctx.Err() != nil {
			return l.escalate(ctx, escalation.Fatal("aborted by caller"))
		}

		var stepErr error
		switch l.sess.State {
		case domain.SessionStateEntry:
			stepErr = l.enter(ctx)
		case domain.SessionStateExecuting:
			stepErr = l.execute(ctx)
		case domain.SessionStateEvaluating:
			stepErr = l.evaluate(ctx)
		case domain.SessionStateRefining:
			stepErr = l.refine(ctx)
		default:
			stepErr = fmt.Errorf("cannot drive session from state %s", l.sess.State)
		}

		if stepErr == nil {
			continue
		}
		var rbErr *rollback.Error
		if errors.As(stepErr, &rbErr) {
			return rbErr
		}
		if errors.Is(stepErr, errAborted) {
			return l.escalate(ctx, escalation.Fatal("aborted by caller"))
		}
		l.logger().Error("Loop step failed", "state", l.sess.State, "error", stepErr)
		return l.escalate(ctx, escalation.Fatal(stepErr.Error()))
	}
	return nil
}

// persist is the context for store writes. They must land even when the
// run is being aborted.
func persist(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (l *loop) enter(ctx context.Context) error {
	if rc := l.engine.opts.Rollback; rc != nil && l.sess.Plan == nil {
		plan, err := rc.Snapshot(ctx)
		if err != nil {
			l.logger().Warn("Workspace snapshot failed, rollback disabled", "error", err)
		} else {
			l.sess.Plan = plan
			if err := l.engine.sessions.Save(persist(ctx), l.sess); err != nil {
				return err
			}
		}
	}
	return l.engine.sessions.Transition(persist(ctx), l.sess, domain.SessionStateExecuting, "session started")
}

func (l *loop) execute(ctx context.Context) error {
	if l.sess.CurrentIteration >= l.sess.MaxIterations {
		return l.escalate(ctx, escalation.Decision{
			Reason:  domain.ReasonBudgetExhausted,
			Message: fmt.Sprintf("iteration budget of %d exhausted", l.sess.MaxIterations),
		})
	}

	attempt := l.sess.CurrentIteration + 1
	res, err := l.runAction(ctx)
	if ctx.Err() != nil {
		return errAborted
	}

	var status domain.Status
	switch {
	case err != nil:
		status = domain.Status{
			Kind:      domain.StatusFailure,
			Payload:   "action failed: " + err.Error(),
			CheckedAt: time.Now().UTC(),
		}
	case res.Source != nil:
		if err := l.engine.sessions.Transition(persist(ctx), l.sess, domain.SessionStateWaiting,
			fmt.Sprintf("attempt %d awaiting external status", attempt)); err != nil {
			return err
		}
		status = l.engine.opts.Poller.Poll(ctx, res.Source)
		if status.Kind == domain.StatusCancelled {
			return errAborted
		}
	case res.Status.Kind == "" || res.Status.Kind == domain.StatusPending:
		status = domain.Status{
			Kind:      domain.StatusFailure,
			Payload:   "action returned no final status",
			CheckedAt: time.Now().UTC(),
		}
	default:
		status = res.Status
	}

	l.status = status
	return l.engine.sessions.Transition(persist(ctx), l.sess, domain.SessionStateEvaluating,
		fmt.Sprintf("attempt %d finished: %s", attempt, status.Kind))
}

func (l *loop) runAction(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return l.action.Execute(ctx, *l.sess)
}

func (l *loop) evaluate(ctx context.Context) error {
	var attempt domain.Attempt
	if l.pending != nil {
		attempt = *l.pending
		l.pending = nil
	} else {
		var err error
		if attempt, err = l.record(ctx); err != nil {
			return err
		}
	}

	if attempt.Succeeded() {
		return l.engine.sessions.Transition(persist(ctx), l.sess, domain.SessionStateSucceeded,
			fmt.Sprintf("attempt %d passed", attempt.Iteration))
	}

	d := l.engine.opts.Escalation.ShouldContinue(l.sess, l.history)
	if !d.Continue {
		return l.escalate(ctx, d)
	}
	return l.engine.sessions.Transition(persist(ctx), l.sess, domain.SessionStateRefining,
		fmt.Sprintf("attempt %d failed in %s", attempt.Iteration, joinCategories(attempt.Categories())))
}

// record classifies the last status into a new attempt and journals it.
func (l *loop) record(ctx context.Context) (domain.Attempt, error) {
	groups := l.engine.opts.Classifier.Classify(l.status)
	failures := classify.Summarize(groups)

	var previous *domain.Attempt
	if n := len(l.history); n > 0 {
		previous = &l.history[n-1]
	}

	raw := l.status
	raw.Payload = domain.Head(raw.Payload, maxRawPayload)
	attempt := domain.Attempt{
		Iteration: l.sess.CurrentIteration + 1,
		Timestamp: time.Now().UTC(),
		RawStatus: raw,
		Failures:  failures,
		Outcome:   classify.Assess(l.status, failures, previous),
	}

	if err := l.engine.opts.Store.Append(persist(ctx), storage.NewAttemptRecord(l.sess.ID, attempt)); err != nil {
		return attempt, fmt.Errorf("failed to journal attempt: %w", err)
	}
	l.history = append(l.history, attempt)
	metrics.IterationsTotal.WithLabelValues(string(attempt.Outcome)).Inc()

	l.logger().Info("Attempt evaluated",
		"iteration", attempt.Iteration,
		"outcome", attempt.Outcome,
		"failures", attempt.TotalFailures(),
		"categories", len(attempt.Failures),
	)
	l.engine.emit(events.Event{
		SessionID:     l.sess.ID,
		Kind:          events.KindProgress,
		Iteration:     attempt.Iteration,
		MaxIterations: l.sess.MaxIterations,
		State:         l.sess.State,
		Message:       events.ProgressMessage(attempt.Iteration, l.sess.MaxIterations, describe(attempt)),
		At:            attempt.Timestamp,
	})
	return attempt, nil
}

func (l *loop) refine(ctx context.Context) error {
	last := len(l.history) - 1
	if last < 0 {
		return fmt.Errorf("refining without an evaluated attempt")
	}
	attempt := &l.history[last]

	failures := make(map[domain.Category][]domain.FailureDetail, len(attempt.Failures))
	for cat, res := range attempt.Failures {
		failures[cat] = res.Details
	}
	outcomes := l.engine.opts.Dispatcher.Dispatch(ctx, failures)

	actions := make([]domain.ActionOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		actions = append(actions, o)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Category < actions[j].Category })
	attempt.Actions = actions

	if err := l.engine.opts.Store.Append(persist(ctx),
		storage.NewRemediationRecord(l.sess.ID, attempt.Iteration, actions)); err != nil {
		return fmt.Errorf("failed to journal remediation: %w", err)
	}
	if rc := l.engine.opts.Rollback; rc != nil {
		rc.Track(l.sess.Plan, actions)
	}

	if err := l.engine.sessions.Advance(persist(ctx), l.sess); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errAborted
	}
	return l.engine.sessions.Transition(persist(ctx), l.sess, domain.SessionStateExecuting,
		fmt.Sprintf("retrying after %s", describeActions(actions)))
}

// escalate stops the session and, when requested, restores the workspace.
func (l *loop) escalate(ctx context.Context, d escalation.Decision) error {
	pctx := persist(ctx)
	rc := l.engine.opts.Rollback

	available := rc != nil && rc.Available(pctx, l.sess.Plan)
	report := l.engine.opts.Escalation.BuildReport(l.sess, l.history, d, available)
	l.sess.Report = report

	if !l.sess.State.IsTerminal() {
		if err := l.engine.sessions.Transition(pctx, l.sess, domain.SessionStateEscalated, d.Message); err != nil {
			l.logger().Error("Failed to persist escalation", "error", err)
			l.sess.State = domain.SessionStateEscalated
		}
	}
	if err := l.engine.opts.Store.Append(pctx,
		storage.NewEscalationRecord(l.sess.ID, l.sess.CurrentIteration, report)); err != nil {
		l.logger().Error("Failed to journal escalation report", "error", err)
	}
	metrics.EscalationsTotal.WithLabelValues(string(d.Reason)).Inc()

	l.logger().Warn("Session escalated",
		"reason", d.Reason,
		"message", d.Message,
		"attempts", len(l.history),
		"rollback_available", available,
	)
	l.engine.emit(events.Event{
		SessionID:     l.sess.ID,
		Kind:          events.KindEscalation,
		Iteration:     l.sess.CurrentIteration,
		MaxIterations: l.sess.MaxIterations,
		State:         l.sess.State,
		Message:       fmt.Sprintf("Escalated (%s): %s", d.Reason, d.Message),
		At:            report.CreatedAt,
	})

	if !l.sess.RollbackOnEscalation || rc == nil {
		return nil
	}
	if l.sess.Plan == nil {
		l.logger().Warn("Rollback requested but no snapshot was taken")
		return nil
	}
	return l.restoreWorkspace(pctx)
}

func (l *loop) restoreWorkspace(ctx context.Context) error {
	result, err := l.engine.opts.Rollback.Rollback(ctx, l.sess.ID, l.sess.Plan)
	l.rolledBack = result
	if result != nil {
		if jerr := l.engine.opts.Store.Append(ctx,
			storage.NewRollbackRecord(l.sess.ID, l.sess.CurrentIteration, result)); jerr != nil {
			l.logger().Error("Failed to journal rollback", "error", jerr)
		}
	}

	msg := "Workspace restored to entry snapshot"
	if err != nil {
		msg = "Rollback failed: " + err.Error()
	}
	l.engine.emit(events.Event{
		SessionID:     l.sess.ID,
		Kind:          events.KindRollback,
		Iteration:     l.sess.CurrentIteration,
		MaxIterations: l.sess.MaxIterations,
		State:         l.sess.State,
		Message:       msg,
		At:            time.Now().UTC(),
	})

	if err == nil {
		return nil
	}
	var rbErr *rollback.Error
	if !errors.As(err, &rbErr) {
		rbErr = &rollback.Error{SessionID: l.sess.ID, Err: err}
	}
	rbErr.Attempts = append([]domain.Attempt(nil), l.history...)
	l.logger().Error("Rollback failed", "error", rbErr)
	return rbErr
}

func describe(a domain.Attempt) string {
	if a.Succeeded() {
		return "all checks passed"
	}
	return fmt.Sprintf("%d failures in %s (%s)",
		a.TotalFailures(), joinCategories(a.Categories()), strings.ToLower(string(a.Outcome)))
}

func describeActions(actions []domain.ActionOutcome) string {
	applied, failed, skipped := 0, 0, 0
	for _, a := range actions {
		switch {
		case a.Skipped:
			skipped++
		case a.Success:
			applied++
		default:
			failed++
		}
	}
	return fmt.Sprintf("%d fixes applied, %d failed, %d skipped", applied, failed, skipped)
}

func joinCategories(cats []domain.Category) string {
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
