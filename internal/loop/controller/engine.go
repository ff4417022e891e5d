// Package controller drives loop sessions through the state machine:
// execute, wait, evaluate, refine, and finally succeed or escalate.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/core/session"
	"github.com/vietddude/remedy/internal/infra/storage"
	"github.com/vietddude/remedy/internal/loop/classify"
	"github.com/vietddude/remedy/internal/loop/dispatch"
	"github.com/vietddude/remedy/internal/loop/escalation"
	"github.com/vietddude/remedy/internal/loop/events"
	"github.com/vietddude/remedy/internal/loop/metrics"
	"github.com/vietddude/remedy/internal/loop/poller"
	"github.com/vietddude/remedy/internal/loop/rollback"
)

var (
	// ErrInvalidConfig is returned by Start for unusable session settings.
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrNotRunning is returned when a session is neither running in this
	// engine nor finished.
	ErrNotRunning = errors.New("session is not running")

	// ErrLocked is returned when another process holds the session.
	ErrLocked = errors.New("session is locked by another runner")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is closed")
)

// Locker guards a session against concurrent runners across processes.
// Refresh extends a held lock and is called periodically while the session
// runs.
type Locker interface {
	Acquire(ctx context.Context, sessionID string) (bool, error)
	Refresh(ctx context.Context, sessionID string) error
	Release(ctx context.Context, sessionID string) error
}

const defaultLockRefresh = time.Minute

// Config holds per-session settings. Zero values take defaults.
type Config struct {
	SessionID            string
	MaxIterations        int
	MaxDuration          time.Duration
	RepeatThreshold      int
	RollbackOnEscalation bool
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxIterations == 0 {
		c.MaxIterations = domain.DefaultMaxIterations
	}
	if c.RepeatThreshold == 0 {
		c.RepeatThreshold = domain.DefaultRepeatThreshold
	}
	switch {
	case c.MaxIterations < 1:
		return c, fmt.Errorf("%w: max_iterations must be at least 1, got %d", ErrInvalidConfig, c.MaxIterations)
	case c.RepeatThreshold < 2:
		return c, fmt.Errorf("%w: repeat_threshold must be at least 2, got %d", ErrInvalidConfig, c.RepeatThreshold)
	case c.MaxDuration < 0:
		return c, fmt.Errorf("%w: max_duration must not be negative", ErrInvalidConfig)
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	return c, nil
}

// Options are the collaborators of an Engine. Store, Resolver, Poller,
// Classifier and Dispatcher are required.
type Options struct {
	Store      storage.SessionRepository
	Resolver   ActionResolver
	Poller     *poller.Poller
	Classifier *classify.Classifier
	Dispatcher *dispatch.Dispatcher
	Escalation *escalation.Manager
	Rollback   *rollback.Coordinator
	Events     *events.Bus
	Locker     Locker
	Logger     *slog.Logger

	// LockRefresh is the heartbeat interval for Locker. It must stay well
	// below the lock TTL.
	LockRefresh time.Duration
}

type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	session  *domain.LoopSession
	journal  storage.Journal
	progress session.Metrics
	err      error
}

// Engine runs loop sessions. Each session runs in its own goroutine and
// engines share nothing but their store, so several can coexist.
type Engine struct {
	opts     Options
	sessions *session.Manager
	log      *slog.Logger

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	runs     map[string]*run
	starting map[string]struct{}
	closed   bool
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	case opts.Resolver == nil:
		return nil, fmt.Errorf("%w: action resolver is required", ErrInvalidConfig)
	case opts.Poller == nil:
		return nil, fmt.Errorf("%w: poller is required", ErrInvalidConfig)
	case opts.Classifier == nil:
		return nil, fmt.Errorf("%w: classifier is required", ErrInvalidConfig)
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher is required", ErrInvalidConfig)
	}
	if opts.Escalation == nil {
		opts.Escalation = escalation.NewManager()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockRefresh <= 0 {
		opts.LockRefresh = defaultLockRefresh
	}

	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		sessions: session.NewManager(opts.Store),
		log:      opts.Logger.With("component", "controller"),
		base:     base,
		stop:     stop,
		runs:     make(map[string]*run),
		starting: make(map[string]struct{}),
	}
	e.sessions.SetStateChangeCallback(e.onTransition)
	return e, nil
}

func (e *Engine) onTransition(sessionID string, t session.Transition) {
	e.log.Info("Session state changed",
		"session", sessionID,
		"from", t.From,
		"to", t.To,
		"iteration", t.Iteration,
		"reason", t.Reason,
	)
	e.emit(events.Event{
		SessionID:  sessionID,
		Kind:       events.KindTransition,
		Iteration:  t.Iteration,
		State:      t.To,
		Message:    fmt.Sprintf("%s -> %s: %s", t.From, t.To, t.Reason),
		Transition: &t,
		At:         t.Timestamp,
	})
}

func (e *Engine) emit(ev events.Event) {
	if e.opts.Events == nil {
		return
	}
	if err := e.opts.Events.Emit(e.base, ev); err != nil {
		e.log.Warn("Failed to emit event", "session", ev.SessionID, "kind", ev.Kind, "error", err)
	}
}

// Start creates a session for taskContext and runs it in the background.
// It returns once the session is persisted.
func (e *Engine) Start(ctx context.Context, taskContext string, cfg Config) (string, error) {
	if taskContext == "" {
		return "", fmt.Errorf("%w: task context is required", ErrInvalidConfig)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return "", err
	}
	action, err := e.opts.Resolver.Resolve(taskContext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s := &domain.LoopSession{
		ID:                   cfg.SessionID,
		TaskContext:          taskContext,
		MaxIterations:        cfg.MaxIterations,
		MaxDuration:          cfg.MaxDuration,
		RepeatThreshold:      cfg.RepeatThreshold,
		RollbackOnEscalation: cfg.RollbackOnEscalation,
	}
	claimed, err := e.reserve(s.ID)
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", fmt.Errorf("%w: %s", storage.ErrSessionExists, s.ID)
	}
	if err := e.lock(ctx, s.ID); err != nil {
		e.unreserve(s.ID)
		return "", err
	}
	if err := e.sessions.Initialize(ctx, s); err != nil {
		e.unlock(s.ID)
		e.unreserve(s.ID)
		return "", err
	}

	if err := e.launch(&loop{engine: e, sess: s, action: action}); err != nil {
		return "", err
	}
	return s.ID, nil
}

// Run starts a session and blocks until it finishes. Cancelling ctx aborts
// the session.
func (e *Engine) Run(ctx context.Context, taskContext string, cfg Config) (Summary, error) {
	id, err := e.Start(ctx, taskContext, cfg)
	if err != nil {
		return Summary{}, err
	}
	return e.follow(ctx, id)
}

// Resume continues an interrupted session from its journal. Resuming a
// running or finished session is a no-op.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	claimed, err := e.reserve(sessionID)
	if err != nil || !claimed {
		return err
	}
	launched := false
	defer func() {
		if !launched {
			e.unreserve(sessionID)
		}
	}()

	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State.IsTerminal() {
		return nil
	}
	action, err := e.opts.Resolver.Resolve(s.TaskContext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	records, err := e.opts.Store.Records(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load journal: %w", err)
	}

	if err := e.lock(ctx, sessionID); err != nil {
		return err
	}
	journal := storage.Replay(records)
	l := &loop{engine: e, sess: s, action: action, history: journal.Attempts}
	if err := l.restore(ctx, journal); err != nil {
		e.unlock(sessionID)
		return err
	}
	launched = true
	return e.launch(l)
}

// ResumeAndWait resumes a session and blocks until it finishes.
func (e *Engine) ResumeAndWait(ctx context.Context, sessionID string) (Summary, error) {
	if err := e.Resume(ctx, sessionID); err != nil {
		return Summary{}, err
	}
	return e.follow(ctx, sessionID)
}

func (e *Engine) follow(ctx context.Context, sessionID string) (Summary, error) {
	sum, err := e.Wait(ctx, sessionID)
	if ctx.Err() == nil {
		return sum, err
	}
	// Caller gave up: abort, then wait for the loop to settle.
	_ = e.Abort(sessionID)
	return e.Wait(context.WithoutCancel(ctx), sessionID)
}

// reserve claims sessionID in this engine until launch or unreserve. It
// reports false when the session is already starting or running here.
func (e *Engine) reserve(sessionID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	if _, ok := e.starting[sessionID]; ok {
		return false, nil
	}
	if r, ok := e.runs[sessionID]; ok && !isDone(r) {
		return false, nil
	}
	e.starting[sessionID] = struct{}{}
	return true, nil
}

func (e *Engine) unreserve(sessionID string) {
	e.mu.Lock()
	delete(e.starting, sessionID)
	e.mu.Unlock()
}

func (e *Engine) lock(ctx context.Context, sessionID string) error {
	if e.opts.Locker == nil {
		return nil
	}
	ok, err := e.opts.Locker.Acquire(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to lock session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, sessionID)
	}
	return nil
}

// launch takes ownership of the session lock and the reservation.
func (e *Engine) launch(l *loop) error {
	id := l.sess.ID
	e.mu.Lock()
	delete(e.starting, id)
	if e.closed {
		e.mu.Unlock()
		e.unlock(id)
		return ErrClosed
	}
	if r, ok := e.runs[id]; ok && !isDone(r) {
		e.mu.Unlock()
		e.unlock(id)
		return fmt.Errorf("session %s is already running", id)
	}
	runCtx, cancel := context.WithCancel(e.base)
	r := &run{cancel: cancel, done: make(chan struct{}), session: l.sess}
	e.runs[id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.ActiveSessions.Inc()
	go func() {
		defer e.wg.Done()
		defer metrics.ActiveSessions.Dec()
		defer e.unlock(id)
		defer cancel()

		if e.opts.Locker != nil {
			// Outlives Abort so escalation and rollback keep the lock.
			beatCtx, stopBeat := context.WithCancel(context.WithoutCancel(runCtx))
			defer stopBeat()
			go e.heartbeat(beatCtx, id)
		}
		err := l.run(runCtx)

		progress := e.sessions.GetMetrics(id)
		e.mu.Lock()
		r.err = err
		r.journal = l.journal()
		r.progress = progress
		close(r.done)
		e.mu.Unlock()
		e.sessions.Forget(id)
	}()
	return nil
}

// heartbeat keeps the session lock alive until ctx ends.
func (e *Engine) heartbeat(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(e.opts.LockRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.opts.Locker.Refresh(ctx, sessionID); err != nil && ctx.Err() == nil {
				e.log.Warn("Failed to refresh session lock", "session", sessionID, "error", err)
			}
		}
	}
}

func (e *Engine) unlock(sessionID string) {
	if e.opts.Locker == nil {
		return
	}
	if err := e.opts.Locker.Release(context.Background(), sessionID); err != nil {
		e.log.Warn("Failed to release session lock", "session", sessionID, "error", err)
	}
}

func isDone(r *run) bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the session finishes and returns its summary. The only
// error a finished session reports is a *rollback.Error.
func (e *Engine) Wait(ctx context.Context, sessionID string) (Summary, error) {
	e.mu.Lock()
	r, ok := e.runs[sessionID]
	e.mu.Unlock()

	if !ok {
		sum, err := e.Status(ctx, sessionID)
		if err != nil {
			return Summary{}, err
		}
		if !sum.State.IsTerminal() {
			return sum, fmt.Errorf("%w: %s is %s", ErrNotRunning, sessionID, sum.State)
		}
		return sum, storedRollbackError(sum)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return r.summary(), r.err
}

// summary is the view of a finished run. Callers hold e.mu.
func (r *run) summary() Summary {
	sum := summarize(r.session, r.journal, false)
	progress := r.progress
	sum.Progress = &progress
	return sum
}

func storedRollbackError(sum Summary) error {
	if sum.Rollback == nil || sum.Rollback.Success {
		return nil
	}
	rbErr := &rollback.Error{SessionID: sum.SessionID, Actual: sum.Rollback.ContentHash}
	if sum.Rollback.Error != "" {
		rbErr.Err = errors.New(sum.Rollback.Error)
	}
	if sum.Report != nil {
		rbErr.Attempts = sum.Report.Attempts
	}
	return rbErr
}

// Status returns the current view of a session.
func (e *Engine) Status(ctx context.Context, sessionID string) (Summary, error) {
	e.mu.Lock()
	r, running := e.runs[sessionID]
	if running && isDone(r) {
		sum := r.summary()
		e.mu.Unlock()
		return sum, nil
	}
	e.mu.Unlock()

	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	records, err := e.opts.Store.Records(ctx, sessionID)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load journal: %w", err)
	}
	sum := summarize(s, storage.Replay(records), running)
	if running {
		progress := e.sessions.GetMetrics(sessionID)
		sum.Progress = &progress
	}
	return sum, nil
}

// EscalationReport returns the report of an escalated session, or nil.
func (e *Engine) EscalationReport(ctx context.Context, sessionID string) (*domain.EscalationReport, error) {
	sum, err := e.Status(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sum.Report, nil
}

// Abort stops a running session. It escalates with FATAL_ERROR at the next
// state boundary. Aborting a finished session is a no-op.
func (e *Engine) Abort(sessionID string) error {
	e.mu.Lock()
	r, ok := e.runs[sessionID]
	e.mu.Unlock()
	if ok {
		r.cancel()
		return nil
	}

	s, err := e.sessions.Get(context.Background(), sessionID)
	if err != nil {
		return err
	}
	if s.State.IsTerminal() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
}

// Running lists sessions currently running in this engine.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, r := range e.runs {
		if !isDone(r) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close aborts every running session and waits for them to settle.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()
	return nil
}
