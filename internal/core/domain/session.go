package domain

import "time"

// SessionState is a node of the feedback loop state machine.
type SessionState string

const (
	SessionStateEntry      SessionState = "entry"
	SessionStateExecuting  SessionState = "executing"
	SessionStateWaiting    SessionState = "waiting"
	SessionStateEvaluating SessionState = "evaluating"
	SessionStateRefining   SessionState = "refining"
	SessionStateSucceeded  SessionState = "succeeded"
	SessionStateEscalated  SessionState = "escalated"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateSucceeded || s == SessionStateEscalated
}

// Loop defaults.
const (
	DefaultMaxIterations   = 5
	DefaultRepeatThreshold = 2
)

// LoopSession is one execution of the feedback loop for a task.
type LoopSession struct {
	ID                   string            `json:"session_id"`
	TaskContext          string            `json:"task_context"`
	MaxIterations        int               `json:"max_iterations"`
	MaxDuration          time.Duration     `json:"max_duration"`
	RepeatThreshold      int               `json:"repeat_threshold"`
	RollbackOnEscalation bool              `json:"rollback_on_escalation"`
	State                SessionState      `json:"state"`
	CurrentIteration     int               `json:"current_iteration"`
	StartedAt            time.Time         `json:"started_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	FinishedAt           *time.Time        `json:"finished_at,omitempty"`
	Plan                 *RollbackPlan     `json:"rollback_plan,omitempty"`
	Report               *EscalationReport `json:"escalation_report,omitempty"`
}

// Elapsed returns the wall-clock time since the session started.
func (s *LoopSession) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Transition is a recorded state change of a session.
type Transition struct {
	From      SessionState `json:"from"`
	To        SessionState `json:"to"`
	Reason    string       `json:"reason"`
	Iteration int          `json:"iteration"`
	Timestamp time.Time    `json:"timestamp"`
}
