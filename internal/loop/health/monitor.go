package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
)

// Runner reports the sessions running in this process.
type Runner interface {
	Running() []string
}

// Monitor aggregates health status from the store and the engine.
type Monitor struct {
	repo       storage.SessionRepository
	runner     Runner
	window     time.Duration
	cacheFor   time.Duration
	now        func() time.Time
	lastCheck  time.Time
	lastReport *Report
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(repo storage.SessionRepository, runner Runner) *Monitor {
	return &Monitor{
		repo:     repo,
		runner:   runner,
		window:   time.Hour,
		cacheFor: 10 * time.Second,
		now:      time.Now,
	}
}

// CheckHealth builds a health report.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid scanning the store on every probe
	if m.lastReport != nil && m.now().Sub(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	now := m.now()
	report := Report{
		Status:    StatusHealthy,
		ByState:   make(map[domain.SessionState]int),
		Recent:    RecentOutcomes{Window: m.window.String()},
		CheckedAt: now.UTC(),
	}
	if m.runner != nil {
		report.Running = len(m.runner.Running())
	}

	// 1. Store reachability
	report.Store.Reachable = true
	if p, ok := m.repo.(storage.Pingable); ok {
		if err := p.Ping(ctx); err != nil {
			report.Store = StoreHealth{Error: err.Error()}
		}
	}

	// 2. Session census
	sessions, err := m.repo.List(ctx)
	if err != nil {
		report.Store = StoreHealth{Error: err.Error()}
	}
	cutoff := now.Add(-m.window)
	for _, s := range sessions {
		report.ByState[s.State]++
		if s.FinishedAt == nil || s.FinishedAt.Before(cutoff) {
			continue
		}
		switch s.State {
		case domain.SessionStateSucceeded:
			report.Recent.Succeeded++
		case domain.SessionStateEscalated:
			report.Recent.Escalated++
		}
	}

	// Evaluate Status
	if !report.Store.Reachable {
		report.Status = StatusCritical
	} else if report.Recent.Escalated > 0 && report.Recent.Escalated >= report.Recent.Succeeded {
		report.Status = StatusDegraded
	}

	m.lastCheck = now
	m.lastReport = &report
	return report
}
