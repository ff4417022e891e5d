package domain

import (
	"sort"
	"strings"
	"time"
)

// Category groups failures that a single fixer can address.
type Category string

// Built-in categories.
const (
	CategoryUnknown   Category = "unknown"
	CategoryTimeout   Category = "timeout"
	CategoryTransport Category = "transport"
)

// Outcome is the progress verdict of one attempt.
type Outcome string

const (
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomePartial    Outcome = "PARTIAL"
	OutcomeNoProgress Outcome = "NO_PROGRESS"
	OutcomeError      Outcome = "ERROR"
)

// FailureDetail is one diagnosed failure extracted from a status payload.
type FailureDetail struct {
	Message      string `json:"message"`
	Location     string `json:"location,omitempty"`
	CategoryHint string `json:"category_hint,omitempty"`
}

// CategoryResult summarizes the failures of one category in an attempt.
type CategoryResult struct {
	Count     int             `json:"count"`
	Signature string          `json:"signature"`
	Details   []FailureDetail `json:"details,omitempty"`
}

// ActionOutcome is the result of one fixer invocation.
type ActionOutcome struct {
	Category       Category      `json:"category"`
	Fixer          string        `json:"fixer,omitempty"`
	Success        bool          `json:"success"`
	Skipped        bool          `json:"skipped,omitempty"`
	AppliedChanges []string      `json:"applied_changes,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Attempt is the immutable record of one iteration.
type Attempt struct {
	Iteration int                         `json:"iteration"`
	Timestamp time.Time                   `json:"timestamp"`
	RawStatus Status                      `json:"raw_status"`
	Failures  map[Category]CategoryResult `json:"failures"`
	Actions   []ActionOutcome             `json:"actions_taken,omitempty"`
	Outcome   Outcome                     `json:"outcome"`
}

// Succeeded reports whether the attempt had no failure categories.
func (a *Attempt) Succeeded() bool {
	return len(a.Failures) == 0
}

// TotalFailures sums failure counts across categories.
func (a *Attempt) TotalFailures() int {
	total := 0
	for _, r := range a.Failures {
		total += r.Count
	}
	return total
}

// Categories returns the failing categories in sorted order.
func (a *Attempt) Categories() []Category {
	cats := make([]Category, 0, len(a.Failures))
	for c := range a.Failures {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// SignatureSet returns a canonical encoding of the per-category signatures.
// Two attempts with equal sets failed in the same way.
func (a *Attempt) SignatureSet() string {
	cats := a.Categories()
	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, string(c)+"="+a.Failures[c].Signature)
	}
	return strings.Join(parts, ";")
}
