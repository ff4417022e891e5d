// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full system health report.
type Report struct {
	Status    SystemStatus                `json:"status"`
	Store     StoreHealth                 `json:"store"`
	Running   int                         `json:"running"` // sessions driven by this process
	ByState   map[domain.SessionState]int `json:"by_state"`
	Recent    RecentOutcomes              `json:"recent"`
	CheckedAt time.Time                   `json:"checked_at"`
}

// StoreHealth describes the session store.
type StoreHealth struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// RecentOutcomes counts sessions finished inside the monitor window.
type RecentOutcomes struct {
	Window    string `json:"window"`
	Succeeded int    `json:"succeeded"`
	Escalated int    `json:"escalated"`
}
