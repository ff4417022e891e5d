package session

import (
	"errors"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

// State is an alias for domain.SessionState for internal use.
type State = domain.SessionState

// Transition is an alias for domain.Transition.
type Transition = domain.Transition

var (
	// ErrInvalidTransition is returned when an invalid state transition is attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminal is returned when changing a session that already finished.
	ErrTerminal = errors.New("session is in a terminal state")

	// ErrBudgetExceeded is returned when advancing past max iterations.
	ErrBudgetExceeded = errors.New("iteration budget exceeded")
)

// ValidTransitions defines allowed state transitions.
// Every non-terminal state may escalate.
var ValidTransitions = map[State][]State{
	domain.SessionStateEntry: {domain.SessionStateExecuting, domain.SessionStateEscalated},
	domain.SessionStateExecuting: {
		domain.SessionStateEvaluating,
		domain.SessionStateWaiting,
		domain.SessionStateEscalated,
	},
	domain.SessionStateWaiting: {domain.SessionStateEvaluating, domain.SessionStateEscalated},
	domain.SessionStateEvaluating: {
		domain.SessionStateSucceeded,
		domain.SessionStateRefining,
		domain.SessionStateEscalated,
	},
	domain.SessionStateRefining: {domain.SessionStateExecuting, domain.SessionStateEscalated},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string, iteration int) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
	}
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.SessionStateEntry:
		return "Entry - session created, snapshot pending"
	case domain.SessionStateExecuting:
		return "Executing - running the action"
	case domain.SessionStateWaiting:
		return "Waiting - polling the external status source"
	case domain.SessionStateEvaluating:
		return "Evaluating - classifying failures and checking budgets"
	case domain.SessionStateRefining:
		return "Refining - dispatching fixers"
	case domain.SessionStateSucceeded:
		return "Succeeded - no failures remain"
	case domain.SessionStateEscalated:
		return "Escalated - handed to a human"
	default:
		return "Unknown state"
	}
}
