package domain

import "time"

// EscalationReason explains why a session stopped without success.
type EscalationReason string

const (
	ReasonBudgetExhausted EscalationReason = "BUDGET_EXHAUSTED"
	ReasonRepeatedFailure EscalationReason = "REPEATED_FAILURE"
	ReasonFatalError      EscalationReason = "FATAL_ERROR"
)

// EscalationReport is handed to a human when the loop gives up.
type EscalationReport struct {
	SessionID          string           `json:"session_id"`
	Reason             EscalationReason `json:"reason"`
	Message            string           `json:"message"`
	Attempts           []Attempt        `json:"attempts"`
	BlockingCategories []Category       `json:"blocking_categories"`
	SuggestedActions   []string         `json:"suggested_actions"`
	RollbackAvailable  bool             `json:"rollback_available"`
	CreatedAt          time.Time        `json:"created_at"`
}
