package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose ID is taken
	ErrSessionExists = errors.New("session already exists")
)

// SessionRepository handles session and journal storage operations.
// Journal records are append-only; only the session header is rewritten.
type SessionRepository interface {
	// Create stores a new session, failing with ErrSessionExists on a duplicate ID
	Create(ctx context.Context, session *domain.LoopSession) error

	// Get retrieves a session header
	Get(ctx context.Context, sessionID string) (*domain.LoopSession, error)

	// UpdateSession overwrites the session header
	UpdateSession(ctx context.Context, session *domain.LoopSession) error

	// Append adds a record to the session journal
	Append(ctx context.Context, record *Record) error

	// Records returns the session journal in append order
	Records(ctx context.Context, sessionID string) ([]*Record, error)

	// List returns every stored session header ordered by start time
	List(ctx context.Context) ([]*domain.LoopSession, error)

	// DeleteOlderThan removes terminal sessions finished before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases backend resources
	Close() error
}

// Pingable is implemented by backends that can report connectivity.
type Pingable interface {
	Ping(ctx context.Context) error
}

// Expired reports whether a session is eligible for retention pruning.
func Expired(s *domain.LoopSession, cutoff time.Time) bool {
	if !s.State.IsTerminal() {
		return false
	}
	finished := s.UpdatedAt
	if s.FinishedAt != nil {
		finished = *s.FinishedAt
	}
	return finished.Before(cutoff)
}
