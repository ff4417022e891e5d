package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
)

// MemoryStorage keeps sessions and journals in process memory.
type MemoryStorage struct {
	sessions map[string]*domain.LoopSession
	records  map[string][]*storage.Record
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*domain.LoopSession),
		records:  make(map[string][]*storage.Record),
	}
}

var _ storage.SessionRepository = (*MemoryStorage)(nil)

func cloneSession(s *domain.LoopSession) *domain.LoopSession {
	c := *s
	if s.Plan != nil {
		plan := *s.Plan
		plan.Operations = append([]domain.ReversibleOp(nil), s.Plan.Operations...)
		c.Plan = &plan
	}
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		c.FinishedAt = &finished
	}
	return &c
}

func (m *MemoryStorage) Create(ctx context.Context, session *domain.LoopSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return storage.ErrSessionExists
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStorage) Get(ctx context.Context, sessionID string) (*domain.LoopSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStorage) UpdateSession(ctx context.Context, session *domain.LoopSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return storage.ErrSessionNotFound
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStorage) Append(ctx context.Context, record *storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[record.SessionID]; !ok {
		return storage.ErrSessionNotFound
	}
	r := *record
	m.records[record.SessionID] = append(m.records[record.SessionID], &r)
	return nil
}

func (m *MemoryStorage) Records(ctx context.Context, sessionID string) ([]*storage.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, storage.ErrSessionNotFound
	}
	src := m.records[sessionID]
	out := make([]*storage.Record, len(src))
	for i, r := range src {
		c := *r
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStorage) List(ctx context.Context) ([]*domain.LoopSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.LoopSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, s := range m.sessions {
		if storage.Expired(s, cutoff) {
			delete(m.sessions, id)
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
