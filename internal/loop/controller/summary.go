package controller

import (
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/core/session"
	"github.com/vietddude/remedy/internal/infra/storage"
)

// Summary is a point-in-time view of a session.
type Summary struct {
	SessionID        string                   `json:"session_id"`
	TaskContext      string                   `json:"task_context"`
	State            domain.SessionState      `json:"state"`
	CurrentIteration int                      `json:"current_iteration"`
	MaxIterations    int                      `json:"max_iterations"`
	Attempts         int                      `json:"attempts"`
	LastOutcome      domain.Outcome           `json:"last_outcome,omitempty"`
	Report           *domain.EscalationReport `json:"escalation_report,omitempty"`
	Rollback         *domain.RollbackResult   `json:"rollback,omitempty"`
	Running          bool                     `json:"running"`
	StartedAt        time.Time                `json:"started_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
	FinishedAt       *time.Time               `json:"finished_at,omitempty"`

	// Progress is known only to the engine that runs or ran the session.
	Progress *session.Metrics `json:"progress,omitempty"`
}

func summarize(s *domain.LoopSession, j storage.Journal, running bool) Summary {
	sum := Summary{
		SessionID:        s.ID,
		TaskContext:      s.TaskContext,
		State:            s.State,
		CurrentIteration: s.CurrentIteration,
		MaxIterations:    s.MaxIterations,
		Attempts:         len(j.Attempts),
		Report:           s.Report,
		Rollback:         j.Rollback,
		Running:          running,
		StartedAt:        s.StartedAt,
		UpdatedAt:        s.UpdatedAt,
		FinishedAt:       s.FinishedAt,
	}
	if n := len(j.Attempts); n > 0 {
		sum.LastOutcome = j.Attempts[n-1].Outcome
	}
	return sum
}
