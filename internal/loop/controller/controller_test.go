package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
	"github.com/vietddude/remedy/internal/infra/storage/memory"
	"github.com/vietddude/remedy/internal/loop/backoff"
	"github.com/vietddude/remedy/internal/loop/classify"
	"github.com/vietddude/remedy/internal/loop/dispatch"
	"github.com/vietddude/remedy/internal/loop/events"
	"github.com/vietddude/remedy/internal/loop/poller"
	"github.com/vietddude/remedy/internal/loop/rollback"
)

// scriptAction returns one status per call, repeating the last.
type scriptAction struct {
	mu         sync.Mutex
	statuses   []domain.Status
	calls      int
	iterations []int
}

func (a *scriptAction) Execute(ctx context.Context, s domain.LoopSession) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.iterations = append(a.iterations, s.CurrentIteration)
	i := a.calls
	if i >= len(a.statuses) {
		i = len(a.statuses) - 1
	}
	a.calls++
	return Completed(a.statuses[i]), nil
}

func (a *scriptAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// countingFixer records how often it ran.
type countingFixer struct {
	mu    sync.Mutex
	calls int
	apply func(details []domain.FailureDetail) []string
}

func (f *countingFixer) fixer(name string, scope ...string) dispatch.FixerFunc {
	return dispatch.FixerFunc{
		FixerName: name,
		Scope:     scope,
		Fn: func(ctx context.Context, cat domain.Category, details []domain.FailureDetail) (domain.ActionOutcome, error) {
			f.mu.Lock()
			f.calls++
			f.mu.Unlock()
			var refs []string
			if f.apply != nil {
				refs = f.apply(details)
			}
			return domain.ActionOutcome{Category: cat, Fixer: name, Success: true, AppliedChanges: refs}, nil
		},
	}
}

func (f *countingFixer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store    *memory.MemoryStorage
	registry *dispatch.Registry
	bus      *events.Bus
	opts     Options
}

func newHarness(t *testing.T, action Action) *harness {
	t.Helper()
	sched, err := backoff.New(backoff.Config{
		BaseDelay:    time.Millisecond,
		GrowthFactor: 2,
		MaxDelay:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("backoff.New failed: %v", err)
	}
	h := &harness{
		store:    memory.NewMemoryStorage(),
		registry: dispatch.NewRegistry(),
		bus:      events.NewBus(),
	}
	h.opts = Options{
		Store:      h.store,
		Resolver:   Static(action),
		Poller:     poller.New(sched, time.Second),
		Classifier: classify.New(nil, classify.DefaultMatchers()...),
		Dispatcher: dispatch.NewDispatcher(h.registry, dispatch.DefaultConfig()),
		Events:     h.bus,
	}
	return h
}

func (h *harness) engine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(h.opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func (h *harness) register(t *testing.T, cat domain.Category, f dispatch.Fixer) {
	t.Helper()
	if err := h.registry.Register(cat, f); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func failure(lines ...string) domain.Status {
	return domain.Status{Kind: domain.StatusFailure, Payload: strings.Join(lines, "\n")}
}

func repeat(prefix string, n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("%s problem %c", prefix, 'a'+i)
	}
	return lines
}

func TestEngine_ConvergesAcrossIterations(t *testing.T) {
	attempt1 := append(repeat("[lint]", 10), repeat("[type]", 3)...)
	action := &scriptAction{statuses: []domain.Status{
		failure(attempt1...),
		failure(repeat("[type]", 2)...),
		{Kind: domain.StatusSuccess},
	}}
	h := newHarness(t, action)
	lint, typ := &countingFixer{}, &countingFixer{}
	h.register(t, "lint", lint.fixer("golangci", "lint"))
	h.register(t, "type", typ.fixer("typer", "types"))

	ch, unsubscribe := h.bus.Subscribe(256)
	defer unsubscribe()

	e := h.engine(t)
	sum, err := e.Run(context.Background(), "fix the build", Config{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sum.State != domain.SessionStateSucceeded {
		t.Fatalf("expected succeeded, got %s", sum.State)
	}
	if sum.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", sum.Attempts)
	}
	if sum.Report != nil {
		t.Errorf("expected no escalation report, got %+v", sum.Report)
	}
	if lint.Calls() != 1 || typ.Calls() != 2 {
		t.Errorf("expected lint=1 type=2 fixer runs, got lint=%d type=%d", lint.Calls(), typ.Calls())
	}

	var progress []string
	for _, ev := range drain(ch) {
		if ev.Kind == events.KindProgress {
			progress = append(progress, ev.Message)
		}
	}
	if len(progress) != 3 {
		t.Fatalf("expected 3 progress events, got %d: %v", len(progress), progress)
	}
	for i, msg := range progress {
		prefix := fmt.Sprintf("Iteration %d of 5: ", i+1)
		if !strings.HasPrefix(msg, prefix) {
			t.Errorf("progress %d = %q, want prefix %q", i, msg, prefix)
		}
	}
	if progress[2] != "Iteration 3 of 5: all checks passed" {
		t.Errorf("unexpected final progress: %q", progress[2])
	}

	records, err := h.store.Records(context.Background(), sum.SessionID)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	j := storage.Replay(records)
	if len(j.Attempts) != 3 {
		t.Fatalf("expected 3 journaled attempts, got %d", len(j.Attempts))
	}
	if j.Attempts[1].Outcome != domain.OutcomePartial {
		t.Errorf("expected attempt 2 to be PARTIAL, got %s", j.Attempts[1].Outcome)
	}
	if j.State != domain.SessionStateSucceeded {
		t.Errorf("expected journal to end succeeded, got %s", j.State)
	}
}

func TestEngine_EscalatesOnRepeatedFailure(t *testing.T) {
	action := &scriptAction{statuses: []domain.Status{
		failure("[network_timeout] dial tcp 10.0.0.1:443: i/o timeout"),
	}}
	h := newHarness(t, action)
	net := &countingFixer{}
	h.register(t, "network_timeout", net.fixer("retry-net"))

	e := h.engine(t)
	sum, err := e.Run(context.Background(), "deploy", Config{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sum.State != domain.SessionStateEscalated {
		t.Fatalf("expected escalated, got %s", sum.State)
	}
	if sum.Report == nil || sum.Report.Reason != domain.ReasonRepeatedFailure {
		t.Fatalf("expected REPEATED_FAILURE report, got %+v", sum.Report)
	}
	if sum.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", sum.Attempts)
	}
	if net.Calls() != 1 {
		t.Errorf("expected one fixer run, got %d", net.Calls())
	}
	if len(sum.Report.BlockingCategories) != 1 || sum.Report.BlockingCategories[0] != "network_timeout" {
		t.Errorf("unexpected blocking categories: %v", sum.Report.BlockingCategories)
	}

	report, err := e.EscalationReport(context.Background(), sum.SessionID)
	if err != nil {
		t.Fatalf("EscalationReport failed: %v", err)
	}
	if report == nil || len(report.Attempts) != 2 {
		t.Errorf("expected stored report with 2 attempts, got %+v", report)
	}
}

func TestEngine_AbortWhileWaiting(t *testing.T) {
	pending := poller.SourceFunc(func(ctx context.Context) (domain.Status, error) {
		return domain.Status{Kind: domain.StatusPending}, nil
	})
	action := ActionFunc(func(ctx context.Context, s domain.LoopSession) (Result, error) {
		return Await(pending), nil
	})
	h := newHarness(t, action)
	slow, err := backoff.New(backoff.DefaultConfig())
	if err != nil {
		t.Fatalf("backoff.New failed: %v", err)
	}
	h.opts.Poller = poller.New(slow, 0)
	fixer := &countingFixer{}
	h.register(t, domain.CategoryUnknown, fixer.fixer("any"))

	ch, unsubscribe := h.bus.Subscribe(64)
	defer unsubscribe()

	e := h.engine(t)
	id, err := e.Start(context.Background(), "wait for ci", Config{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for waiting := false; !waiting; {
		select {
		case ev := <-ch:
			waiting = ev.Kind == events.KindTransition && ev.State == domain.SessionStateWaiting
		case <-deadline:
			t.Fatal("session never reached waiting")
		}
	}

	if err := e.Abort(id); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sum.State != domain.SessionStateEscalated {
		t.Fatalf("expected escalated, got %s", sum.State)
	}
	if sum.Report == nil || sum.Report.Reason != domain.ReasonFatalError {
		t.Fatalf("expected FATAL_ERROR report, got %+v", sum.Report)
	}
	if fixer.Calls() != 0 {
		t.Errorf("expected no fixer runs after abort, got %d", fixer.Calls())
	}

	// Aborting a finished session is a no-op.
	if err := e.Abort(id); err != nil {
		t.Errorf("second Abort failed: %v", err)
	}
}

func TestEngine_IterationBudget(t *testing.T) {
	var mu sync.Mutex
	n := 0
	action := ActionFunc(func(ctx context.Context, s domain.LoopSession) (Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if s.CurrentIteration >= s.MaxIterations {
			t.Errorf("action ran at iteration %d of %d", s.CurrentIteration, s.MaxIterations)
		}
		n++
		return Completed(failure(fmt.Sprintf("[lint] unused variable %c", 'a'+n))), nil
	})
	h := newHarness(t, action)
	lint := &countingFixer{}
	h.register(t, "lint", lint.fixer("golangci"))

	e := h.engine(t)
	sum, err := e.Run(context.Background(), "lint", Config{MaxIterations: 3})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Report == nil || sum.Report.Reason != domain.ReasonBudgetExhausted {
		t.Fatalf("expected BUDGET_EXHAUSTED, got %+v", sum.Report)
	}
	if sum.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", sum.Attempts)
	}
	if sum.CurrentIteration > sum.MaxIterations {
		t.Errorf("iteration %d exceeds max %d", sum.CurrentIteration, sum.MaxIterations)
	}
	if lint.Calls() != 2 {
		t.Errorf("expected 2 fixer runs, got %d", lint.Calls())
	}
}

func TestEngine_SingleIterationEscalatesWithoutFixing(t *testing.T) {
	action := &scriptAction{statuses: []domain.Status{failure("[lint] unused import")}}
	h := newHarness(t, action)
	lint := &countingFixer{}
	h.register(t, "lint", lint.fixer("golangci"))

	sum, err := h.engine(t).Run(context.Background(), "lint", Config{MaxIterations: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Report == nil || sum.Report.Reason != domain.ReasonBudgetExhausted {
		t.Fatalf("expected BUDGET_EXHAUSTED, got %+v", sum.Report)
	}
	if lint.Calls() != 0 {
		t.Errorf("expected no fixer runs, got %d", lint.Calls())
	}
}

func TestEngine_ActionErrorBecomesFailure(t *testing.T) {
	calls := 0
	action := ActionFunc(func(ctx context.Context, s domain.LoopSession) (Result, error) {
		calls++
		if calls == 1 {
			return Result{}, errors.New("[transport] connection refused")
		}
		return Completed(domain.Status{Kind: domain.StatusSuccess}), nil
	})
	h := newHarness(t, action)

	sum, err := h.engine(t).Run(context.Background(), "flaky", Config{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.State != domain.SessionStateSucceeded || sum.Attempts != 2 {
		t.Fatalf("expected success on attempt 2, got %s after %d", sum.State, sum.Attempts)
	}
}

// memWorkspace is a file map whose changes can be undone by ref.
type memWorkspace struct {
	mu      sync.Mutex
	files   map[string]string
	changes map[string][2]string
	n       int
}

func newMemWorkspace() *memWorkspace {
	return &memWorkspace{
		files:   map[string]string{"main.go": "package main"},
		changes: make(map[string][2]string),
	}
}

func (w *memWorkspace) write(path, content string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
	ref := fmt.Sprintf("c%d", w.n)
	w.changes[ref] = [2]string{path, w.files[path]}
	w.files[path] = content
	return ref
}

func (w *memWorkspace) hashLocked() string {
	keys := make([]string, 0, len(w.files))
	for k := range w.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + w.files[k] + ";")
	}
	return b.String()
}

func (w *memWorkspace) Snapshot(ctx context.Context) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return "snap", w.hashLocked(), nil
}

func (w *memWorkspace) Available(ctx context.Context, ref string) bool { return true }

func (w *memWorkspace) Revert(ctx context.Context, op domain.ReversibleOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.changes[op.Ref]
	if !ok {
		return fmt.Errorf("unknown change %s", op.Ref)
	}
	w.files[c[0]] = c[1]
	return nil
}

func (w *memWorkspace) ContentHash(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hashLocked(), nil
}

func TestEngine_RollbackOnEscalation(t *testing.T) {
	action := &scriptAction{statuses: []domain.Status{failure("[lint] unused import")}}
	h := newHarness(t, action)
	ws := newMemWorkspace()
	h.opts.Rollback = rollback.NewCoordinator(ws)
	lint := &countingFixer{apply: func([]domain.FailureDetail) []string {
		return []string{ws.write("main.go", "package main // lint fix")}
	}}
	h.register(t, "lint", lint.fixer("golangci"))

	sum, err := h.engine(t).Run(context.Background(), "lint", Config{RollbackOnEscalation: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.State != domain.SessionStateEscalated {
		t.Fatalf("expected escalated, got %s", sum.State)
	}
	if !sum.Report.RollbackAvailable {
		t.Error("expected rollback to be available")
	}
	if sum.Rollback == nil || !sum.Rollback.Success {
		t.Fatalf("expected successful rollback, got %+v", sum.Rollback)
	}
	if got := ws.files["main.go"]; got != "package main" {
		t.Errorf("workspace not restored: %q", got)
	}
}

func TestEngine_RollbackMismatchReturnsError(t *testing.T) {
	action := &scriptAction{statuses: []domain.Status{failure("[lint] unused import")}}
	h := newHarness(t, action)
	ws := newMemWorkspace()
	h.opts.Rollback = rollback.NewCoordinator(ws)
	// The change is never reported, so rollback cannot undo it.
	lint := &countingFixer{apply: func([]domain.FailureDetail) []string {
		ws.write("untracked.go", "package main")
		return nil
	}}
	h.register(t, "lint", lint.fixer("golangci"))

	e := h.engine(t)
	sum, err := e.Run(context.Background(), "lint", Config{RollbackOnEscalation: true})

	var rbErr *rollback.Error
	if !errors.As(err, &rbErr) {
		t.Fatalf("expected *rollback.Error, got %v", err)
	}
	if len(rbErr.Attempts) != 2 {
		t.Errorf("expected 2 attempts on the error, got %d", len(rbErr.Attempts))
	}
	if sum.State != domain.SessionStateEscalated {
		t.Errorf("expected escalated, got %s", sum.State)
	}

	// A fresh engine reports the stored failure too.
	other, err := New(h.opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer other.Close()
	if _, err := other.Wait(context.Background(), sum.SessionID); !errors.As(err, &rbErr) {
		t.Errorf("expected stored rollback error, got %v", err)
	}
}

func seedInterrupted(t *testing.T, store *memory.MemoryStorage, remediated bool) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	s := &domain.LoopSession{
		ID:              "resume-1",
		TaskContext:     "fix lint",
		MaxIterations:   5,
		RepeatThreshold: 2,
		State:           domain.SessionStateRefining,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	attempt := domain.Attempt{
		Iteration: 1,
		Timestamp: now,
		RawStatus: failure("[lint] unused import"),
		Failures: map[domain.Category]domain.CategoryResult{
			"lint": {
				Count:     1,
				Signature: "abc",
				Details:   []domain.FailureDetail{{Message: "unused import", CategoryHint: "lint"}},
			},
		},
		Outcome: domain.OutcomeNoProgress,
	}
	if err := store.Append(ctx, storage.NewAttemptRecord(s.ID, attempt)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if remediated {
		actions := []domain.ActionOutcome{{Category: "lint", Fixer: "golangci", Success: true}}
		if err := store.Append(ctx, storage.NewRemediationRecord(s.ID, 1, actions)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return s.ID
}

func TestEngine_ResumeDecidesPendingAttempt(t *testing.T) {
	action := &scriptAction{statuses: []domain.Status{{Kind: domain.StatusSuccess}}}
	h := newHarness(t, action)
	lint := &countingFixer{}
	h.register(t, "lint", lint.fixer("golangci"))
	id := seedInterrupted(t, h.store, false)

	sum, err := h.engine(t).ResumeAndWait(context.Background(), id)
	if err != nil {
		t.Fatalf("ResumeAndWait failed: %v", err)
	}
	if sum.State != domain.SessionStateSucceeded {
		t.Fatalf("expected succeeded, got %s", sum.State)
	}
	if lint.Calls() != 1 {
		t.Errorf("expected the pending attempt to be remediated once, got %d", lint.Calls())
	}
	if action.Calls() != 1 {
		t.Errorf("expected one new action run, got %d", action.Calls())
	}
	if sum.Attempts != 2 || sum.CurrentIteration != 1 {
		t.Errorf("expected 2 attempts at iteration 1, got %d at %d", sum.Attempts, sum.CurrentIteration)
	}
}

func TestEngine_ResumeAfterRemediation(t *testing.T) {
	action := &scriptAction{statuses: []domain.Status{{Kind: domain.StatusSuccess}}}
	h := newHarness(t, action)
	lint := &countingFixer{}
	h.register(t, "lint", lint.fixer("golangci"))
	id := seedInterrupted(t, h.store, true)

	sum, err := h.engine(t).ResumeAndWait(context.Background(), id)
	if err != nil {
		t.Fatalf("ResumeAndWait failed: %v", err)
	}
	if sum.State != domain.SessionStateSucceeded {
		t.Fatalf("expected succeeded, got %s", sum.State)
	}
	if lint.Calls() != 0 {
		t.Errorf("expected no fixer re-run, got %d", lint.Calls())
	}
	if action.iterations[0] != 1 {
		t.Errorf("expected action to run at iteration 1, got %d", action.iterations[0])
	}
}

func TestEngine_ResumeFinishedIsNoop(t *testing.T) {
	action := &scriptAction{statuses: []domain.Status{{Kind: domain.StatusSuccess}}}
	h := newHarness(t, action)
	e := h.engine(t)

	sum, err := e.Run(context.Background(), "done", Config{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := e.Resume(context.Background(), sum.SessionID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if action.Calls() != 1 {
		t.Errorf("expected no extra action runs, got %d", action.Calls())
	}
}

func TestEngine_StartValidation(t *testing.T) {
	h := newHarness(t, &scriptAction{statuses: []domain.Status{{Kind: domain.StatusSuccess}}})
	e := h.engine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		task string
		cfg  Config
	}{
		{"empty task", "", Config{}},
		{"negative iterations", "t", Config{MaxIterations: -1}},
		{"threshold of one", "t", Config{RepeatThreshold: 1}},
		{"negative duration", "t", Config{MaxDuration: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Start(ctx, tt.task, tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if _, err := e.Run(ctx, "t", Config{SessionID: "dup"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := e.Start(ctx, "t", Config{SessionID: "dup"}); !errors.Is(err, storage.ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
	if err := e.Abort("missing"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

type denyLocker struct{}

func (denyLocker) Acquire(ctx context.Context, id string) (bool, error) { return false, nil }
func (denyLocker) Refresh(ctx context.Context, id string) error         { return nil }
func (denyLocker) Release(ctx context.Context, id string) error         { return nil }

func TestEngine_LockedSession(t *testing.T) {
	h := newHarness(t, &scriptAction{statuses: []domain.Status{{Kind: domain.StatusSuccess}}})
	h.opts.Locker = denyLocker{}
	e := h.engine(t)

	if _, err := e.Start(context.Background(), "t", Config{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	list, err := h.store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no session to be created, got %d", len(list))
	}
}

// slowRecords delays journal reads so concurrent resumes overlap.
type slowRecords struct {
	*memory.MemoryStorage
	delay time.Duration
}

func (s slowRecords) Records(ctx context.Context, sessionID string) ([]*storage.Record, error) {
	time.Sleep(s.delay)
	return s.MemoryStorage.Records(ctx, sessionID)
}

func TestEngine_ConcurrentResumeRunsOnce(t *testing.T) {
	action := &scriptAction{statuses: []domain.Status{{Kind: domain.StatusSuccess}}}
	h := newHarness(t, action)
	h.opts.Store = slowRecords{MemoryStorage: h.store, delay: 5 * time.Millisecond}
	id := seedInterrupted(t, h.store, true)
	e := h.engine(t)

	const callers = 32
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- e.Resume(context.Background(), id)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
	}

	sum, err := e.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sum.State != domain.SessionStateSucceeded {
		t.Fatalf("expected succeeded, got %s", sum.State)
	}
	if action.Calls() != 1 {
		t.Errorf("expected exactly one loop to drive the session, got %d action runs", action.Calls())
	}
}

func TestEngine_StartAfterClose(t *testing.T) {
	h := newHarness(t, &scriptAction{statuses: []domain.Status{{Kind: domain.StatusSuccess}}})
	e := h.engine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := e.Start(context.Background(), "t", Config{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	list, err := h.store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no session to be stored after Close, got %d", len(list))
	}

	id := seedInterrupted(t, h.store, true)
	if err := e.Resume(context.Background(), id); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Resume, got %v", err)
	}
}

func TestEngine_StartDuplicateSessionID(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &gateAction{release: release})
	e := h.engine(t)

	if _, err := e.Start(context.Background(), "t", Config{SessionID: "dup"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := e.Start(context.Background(), "t", Config{SessionID: "dup"}); !errors.Is(err, storage.ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
	close(release)
	if _, err := e.Wait(context.Background(), "dup"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

// gateAction succeeds once release is closed.
type gateAction struct {
	release chan struct{}
}

func (a *gateAction) Execute(ctx context.Context, s domain.LoopSession) (Result, error) {
	select {
	case <-a.release:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return Completed(domain.Status{Kind: domain.StatusSuccess}), nil
}

// countingLocker grants every lock and counts calls.
type countingLocker struct {
	mu        sync.Mutex
	acquired  int
	refreshed int
	released  int
}

func (l *countingLocker) Acquire(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return true, nil
}

func (l *countingLocker) Refresh(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshed++
	return nil
}

func (l *countingLocker) Release(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *countingLocker) counts() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.refreshed, l.released
}

// refreshWaitAction succeeds once the lock has been refreshed twice.
type refreshWaitAction struct {
	locker *countingLocker
}

func (a *refreshWaitAction) Execute(ctx context.Context, s domain.LoopSession) (Result, error) {
	deadline := time.After(5 * time.Second)
	for {
		if _, refreshed, _ := a.locker.counts(); refreshed >= 2 {
			return Completed(domain.Status{Kind: domain.StatusSuccess}), nil
		}
		select {
		case <-deadline:
			return Completed(failure("lock never refreshed")), nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEngine_RefreshesLockWhileRunning(t *testing.T) {
	locker := &countingLocker{}
	h := newHarness(t, &refreshWaitAction{locker: locker})
	h.opts.Locker = locker
	h.opts.LockRefresh = time.Millisecond
	e := h.engine(t)

	sum, err := e.Run(context.Background(), "t", Config{MaxIterations: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.State != domain.SessionStateSucceeded {
		t.Fatalf("expected succeeded, got %s", sum.State)
	}
	acquired, refreshed, released := locker.counts()
	if acquired != 1 || released != 1 {
		t.Errorf("expected one acquire and one release, got %d and %d", acquired, released)
	}
	if refreshed < 2 {
		t.Errorf("expected the lock to be refreshed while running, got %d", refreshed)
	}
}

func TestEngine_SummaryCarriesProgress(t *testing.T) {
	h := newHarness(t, &scriptAction{statuses: []domain.Status{{Kind: domain.StatusSuccess}}})
	e := h.engine(t)

	sum, err := e.Run(context.Background(), "t", Config{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Progress == nil {
		t.Fatal("expected progress on a session run by this engine")
	}
	history := sum.Progress.StateHistory
	if len(history) == 0 || history[len(history)-1].To != domain.SessionStateSucceeded {
		t.Errorf("expected state history ending in succeeded, got %+v", history)
	}

	again, err := e.Status(context.Background(), sum.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if again.Progress == nil || len(again.Progress.StateHistory) != len(history) {
		t.Errorf("expected Status to report the same progress, got %+v", again.Progress)
	}
}

func TestEngine_RawPayloadKeepsWholeRunes(t *testing.T) {
	payload := "x" + strings.Repeat("é", maxRawPayload)
	h := newHarness(t, &scriptAction{statuses: []domain.Status{failure(payload)}})
	e := h.engine(t)

	sum, err := e.Run(context.Background(), "t", Config{MaxIterations: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	records, err := h.store.Records(context.Background(), sum.SessionID)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	journal := storage.Replay(records)
	if len(journal.Attempts) != 1 {
		t.Fatalf("expected one attempt, got %d", len(journal.Attempts))
	}
	raw := journal.Attempts[0].RawStatus.Payload
	if len(raw) > maxRawPayload {
		t.Errorf("payload not bounded: %d bytes", len(raw))
	}
	if !utf8.ValidString(raw) {
		t.Errorf("payload split a rune (%d bytes)", len(raw))
	}
}
