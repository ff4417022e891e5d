package storage

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/remedy/internal/core/domain"
)

// RecordKind identifies the payload of a journal record.
type RecordKind string

const (
	RecordAttempt     RecordKind = "attempt"
	RecordRemediation RecordKind = "remediation"
	RecordTransition  RecordKind = "transition"
	RecordEscalation  RecordKind = "escalation"
	RecordRollback    RecordKind = "rollback"
)

// Record is one entry of a session journal.
type Record struct {
	ID         string                   `json:"id"`
	SessionID  string                   `json:"session_id"`
	Kind       RecordKind               `json:"kind"`
	Iteration  int                      `json:"iteration"`
	Timestamp  time.Time                `json:"timestamp"`
	Attempt    *domain.Attempt          `json:"attempt,omitempty"`
	Actions    []domain.ActionOutcome   `json:"actions,omitempty"`
	Transition *domain.Transition       `json:"transition,omitempty"`
	Report     *domain.EscalationReport `json:"report,omitempty"`
	Rollback   *domain.RollbackResult   `json:"rollback,omitempty"`
}

func newRecord(sessionID string, kind RecordKind, iteration int) *Record {
	return &Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
	}
}

// NewAttemptRecord journals an evaluated attempt.
func NewAttemptRecord(sessionID string, a domain.Attempt) *Record {
	r := newRecord(sessionID, RecordAttempt, a.Iteration)
	r.Attempt = &a
	return r
}

// NewRemediationRecord journals the fixer outcomes for an attempt.
func NewRemediationRecord(sessionID string, iteration int, actions []domain.ActionOutcome) *Record {
	r := newRecord(sessionID, RecordRemediation, iteration)
	r.Actions = actions
	return r
}

// NewTransitionRecord journals a state change.
func NewTransitionRecord(sessionID string, t domain.Transition) *Record {
	r := newRecord(sessionID, RecordTransition, t.Iteration)
	r.Transition = &t
	return r
}

// NewEscalationRecord journals an escalation report.
func NewEscalationRecord(sessionID string, iteration int, report *domain.EscalationReport) *Record {
	r := newRecord(sessionID, RecordEscalation, iteration)
	r.Report = report
	return r
}

// NewRollbackRecord journals a rollback result.
func NewRollbackRecord(sessionID string, iteration int, result *domain.RollbackResult) *Record {
	r := newRecord(sessionID, RecordRollback, iteration)
	r.Rollback = result
	return r
}

// Journal is the session history reconstructed from its records.
type Journal struct {
	Attempts  []domain.Attempt
	State     domain.SessionState
	Iteration int
	// Remediated is true when the last attempt already has its fixer outcomes.
	Remediated bool
	Report     *domain.EscalationReport
	Rollback   *domain.RollbackResult
}

// Replay folds journal records into the session history.
func Replay(records []*Record) Journal {
	sorted := make([]*Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	j := Journal{State: domain.SessionStateEntry}
	index := make(map[int]int)
	for _, r := range sorted {
		switch r.Kind {
		case RecordAttempt:
			if r.Attempt == nil {
				continue
			}
			if pos, ok := index[r.Attempt.Iteration]; ok {
				j.Attempts[pos] = *r.Attempt
				continue
			}
			index[r.Attempt.Iteration] = len(j.Attempts)
			j.Attempts = append(j.Attempts, *r.Attempt)
			j.Remediated = false
		case RecordRemediation:
			pos, ok := index[r.Iteration]
			if !ok {
				continue
			}
			j.Attempts[pos].Actions = r.Actions
			if r.Iteration > j.Iteration {
				j.Iteration = r.Iteration
			}
			j.Remediated = pos == len(j.Attempts)-1
		case RecordTransition:
			if r.Transition != nil {
				j.State = r.Transition.To
			}
		case RecordEscalation:
			j.Report = r.Report
		case RecordRollback:
			j.Rollback = r.Rollback
		}
	}
	return j
}
