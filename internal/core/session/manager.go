package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
)

// Manager persists session headers and enforces the state machine.
// Every accepted transition is journaled before callbacks run.
type Manager struct {
	repo          storage.SessionRepository
	mu            sync.RWMutex
	stateCallback func(sessionID string, t Transition)
	collectors    map[string]*MetricsCollector
	now           func() time.Time
}

// NewManager creates a session manager backed by repo.
func NewManager(repo storage.SessionRepository) *Manager {
	return &Manager{
		repo:       repo,
		collectors: make(map[string]*MetricsCollector),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetStateChangeCallback registers callback for state changes.
func (m *Manager) SetStateChangeCallback(fn func(sessionID string, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}

// Get retrieves a stored session header.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.LoopSession, error) {
	return m.repo.Get(ctx, sessionID)
}

// Initialize stores a new session in the ENTRY state.
func (m *Manager) Initialize(ctx context.Context, s *domain.LoopSession) error {
	now := m.now()
	s.State = domain.SessionStateEntry
	s.CurrentIteration = 0
	s.StartedAt = now
	s.UpdatedAt = now

	if err := m.repo.Create(ctx, s); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	m.mu.Lock()
	m.collectors[s.ID] = NewMetricsCollector(100)
	m.mu.Unlock()

	return nil
}

// Save persists the session header without a state change.
func (m *Manager) Save(ctx context.Context, s *domain.LoopSession) error {
	s.UpdatedAt = m.now()
	if err := m.repo.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Transition moves the session to a new state.
func (m *Manager) Transition(ctx context.Context, s *domain.LoopSession, to State, reason string) error {
	if s.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.State)
	}
	if !CanTransition(s.State, to) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			s.State,
			to,
		)
	}
	return m.apply(ctx, s, NewTransition(s.State, to, reason, s.CurrentIteration))
}

// Restore re-enters a non-terminal state after a restart. It bypasses the
// transition table but is still journaled.
func (m *Manager) Restore(ctx context.Context, s *domain.LoopSession, to State, reason string) error {
	if s.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.State)
	}
	if to.IsTerminal() {
		return fmt.Errorf("%w: cannot restore into %s", ErrInvalidTransition, to)
	}

	m.mu.Lock()
	if _, ok := m.collectors[s.ID]; !ok {
		m.collectors[s.ID] = NewMetricsCollector(100)
	}
	m.mu.Unlock()

	return m.apply(ctx, s, NewTransition(s.State, to, reason, s.CurrentIteration))
}

func (m *Manager) apply(ctx context.Context, s *domain.LoopSession, t Transition) error {
	prev := s.State
	s.State = t.To
	s.UpdatedAt = t.Timestamp
	if t.To.IsTerminal() {
		finished := t.Timestamp
		s.FinishedAt = &finished
	}

	if err := m.repo.UpdateSession(ctx, s); err != nil {
		s.State = prev
		s.FinishedAt = nil
		return fmt.Errorf("failed to update state: %w", err)
	}
	if err := m.repo.Append(ctx, storage.NewTransitionRecord(s.ID, t)); err != nil {
		return fmt.Errorf("failed to journal transition: %w", err)
	}

	m.mu.Lock()
	if collector, ok := m.collectors[s.ID]; ok {
		collector.RecordTransition(t)
	}
	callback := m.stateCallback
	m.mu.Unlock()

	if callback != nil {
		callback(s.ID, t)
	}
	return nil
}

// Advance increments the iteration counter after a refinement round.
func (m *Manager) Advance(ctx context.Context, s *domain.LoopSession) error {
	if s.State != domain.SessionStateRefining {
		return fmt.Errorf("%w: advance from %s", ErrInvalidTransition, s.State)
	}
	if s.CurrentIteration+1 > s.MaxIterations {
		return fmt.Errorf("%w: %d of %d", ErrBudgetExceeded, s.CurrentIteration+1, s.MaxIterations)
	}

	s.CurrentIteration++
	if err := m.Save(ctx, s); err != nil {
		s.CurrentIteration--
		return err
	}

	m.mu.Lock()
	if collector, ok := m.collectors[s.ID]; ok {
		collector.RecordIteration(s.CurrentIteration, s.UpdatedAt)
	}
	m.mu.Unlock()
	return nil
}

// GetMetrics returns timing metrics for a session.
func (m *Manager) GetMetrics(sessionID string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if collector, ok := m.collectors[sessionID]; ok {
		return collector.GetMetrics()
	}
	return Metrics{}
}

// Forget drops in-memory metrics for a finished session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collectors, sessionID)
}
