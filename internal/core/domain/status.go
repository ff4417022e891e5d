package domain

import "time"

// StatusKind is the state reported by an external status source.
type StatusKind string

const (
	StatusPending   StatusKind = "PENDING"
	StatusSuccess   StatusKind = "SUCCESS"
	StatusFailure   StatusKind = "FAILURE"
	StatusTimeout   StatusKind = "TIMEOUT"
	StatusCancelled StatusKind = "CANCELLED"
)

// IsTerminal reports whether polling should stop on this kind.
func (k StatusKind) IsTerminal() bool {
	return k != StatusPending
}

// Status is the result of executing an action or polling a source.
type Status struct {
	Kind      StatusKind `json:"kind"`
	Payload   string     `json:"payload,omitempty"`
	CheckedAt time.Time  `json:"checked_at"`
	Polls     int        `json:"polls,omitempty"`
}
