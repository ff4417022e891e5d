// Package escalation decides when the loop stops trying and builds the
// report handed to a human.
package escalation

import (
	"fmt"
	"sort"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

// Decision is the verdict of ShouldContinue.
type Decision struct {
	Continue bool
	Reason   domain.EscalationReason
	Message  string
}

// Continue is the decision to keep iterating.
func Continue() Decision {
	return Decision{Continue: true}
}

// Fatal escalates immediately with msg.
func Fatal(msg string) Decision {
	return Decision{Reason: domain.ReasonFatalError, Message: msg}
}

// Manager applies the budget and stall rules.
type Manager struct {
	now func() time.Time
}

// NewManager creates a manager using the wall clock.
func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// ShouldContinue is consulted after each failing attempt, before any fixer
// runs. Rules are checked in order: iteration budget, wall-clock budget,
// then repeated identical failures.
func (m *Manager) ShouldContinue(s *domain.LoopSession, history []domain.Attempt) Decision {
	if s.CurrentIteration+1 >= s.MaxIterations {
		return Decision{
			Reason: domain.ReasonBudgetExhausted,
			Message: fmt.Sprintf("iteration budget exhausted after %d of %d attempts",
				len(history), s.MaxIterations),
		}
	}

	if s.MaxDuration > 0 {
		if elapsed := s.Elapsed(m.now()); elapsed >= s.MaxDuration {
			return Decision{
				Reason: domain.ReasonBudgetExhausted,
				Message: fmt.Sprintf("time budget exhausted: %s elapsed of %s",
					elapsed.Round(time.Second), s.MaxDuration),
			}
		}
	}

	threshold := s.RepeatThreshold
	if threshold < 2 {
		threshold = domain.DefaultRepeatThreshold
	}
	if Repeated(history, threshold) {
		return Decision{
			Reason: domain.ReasonRepeatedFailure,
			Message: fmt.Sprintf("identical failures in the last %d attempts; fixes are not converging",
				threshold),
		}
	}

	return Continue()
}

// Repeated reports whether the last threshold attempts failed with the same
// non-empty signature set.
func Repeated(history []domain.Attempt, threshold int) bool {
	if threshold < 2 || len(history) < threshold {
		return false
	}
	recent := history[len(history)-threshold:]
	sig := recent[0].SignatureSet()
	if sig == "" {
		return false
	}
	for _, a := range recent[1:] {
		if a.SignatureSet() != sig {
			return false
		}
	}
	return true
}

// BuildReport assembles the escalation report for a stopped session.
func (m *Manager) BuildReport(
	s *domain.LoopSession,
	history []domain.Attempt,
	d Decision,
	rollbackAvailable bool,
) *domain.EscalationReport {
	attempts := make([]domain.Attempt, len(history))
	copy(attempts, history)

	return &domain.EscalationReport{
		SessionID:          s.ID,
		Reason:             d.Reason,
		Message:            d.Message,
		Attempts:           attempts,
		BlockingCategories: BlockingCategories(history),
		SuggestedActions:   suggest(s, history, d, rollbackAvailable),
		RollbackAvailable:  rollbackAvailable,
		CreatedAt:          m.now().UTC(),
	}
}

// BlockingCategories returns every category that failed in any attempt.
func BlockingCategories(history []domain.Attempt) []domain.Category {
	seen := make(map[domain.Category]bool)
	for _, a := range history {
		for c := range a.Failures {
			seen[c] = true
		}
	}
	cats := make([]domain.Category, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

func suggest(
	s *domain.LoopSession,
	history []domain.Attempt,
	d Decision,
	rollbackAvailable bool,
) []string {
	var out []string

	switch d.Reason {
	case domain.ReasonBudgetExhausted:
		out = append(out, fmt.Sprintf(
			"Raise max_iterations (currently %d) or max_duration if the remaining failures look fixable.",
			s.MaxIterations))
	case domain.ReasonRepeatedFailure:
		out = append(out,
			"The same failures survived consecutive fixes; inspect the fixer output before retrying.")
	case domain.ReasonFatalError:
		out = append(out, fmt.Sprintf("Resolve the fatal error (%s) and resume the session.", d.Message))
	}

	if len(history) > 0 {
		last := history[len(history)-1]
		actions := make(map[domain.Category]domain.ActionOutcome, len(last.Actions))
		for _, a := range last.Actions {
			actions[a.Category] = a
		}
		for _, cat := range last.Categories() {
			r := last.Failures[cat]
			a, acted := actions[cat]
			switch {
			case cat == domain.CategoryTimeout:
				out = append(out, "The status source never settled; check the pipeline or raise poll.timeout.")
			case acted && a.Skipped:
				out = append(out, fmt.Sprintf("No fixer handles %q (%d failures); fix manually or register one.", cat, r.Count))
			case acted && a.Error != "":
				out = append(out, fmt.Sprintf("Fixer %s failed on %q: %s", a.Fixer, cat, a.Error))
			default:
				out = append(out, fmt.Sprintf("Fix the %d remaining %q failures manually.", r.Count, cat))
			}
		}
	}

	if rollbackAvailable {
		out = append(out, "Workspace can be rolled back to the snapshot taken at session start.")
	}
	return out
}
