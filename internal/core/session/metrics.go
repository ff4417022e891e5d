package session

import (
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

// iterationRecord holds timing data for a completed iteration.
type iterationRecord struct {
	Iteration  int
	FinishedAt time.Time
}

// Metrics holds session timing data.
type Metrics struct {
	IterationsPerMinute  float64       `json:"iterations_per_minute"`
	AverageIterationTime time.Duration `json:"average_iteration_time"`
	LastEscalationAt     *time.Time    `json:"last_escalation_at,omitempty"`
	StateHistory         []Transition  `json:"state_history"`
}

// MetricsCollector tracks session progress over time.
type MetricsCollector struct {
	windowSize       int               // number of iterations to track
	iterations       []iterationRecord // ring buffer of iteration records
	transitions      []Transition      // recent state changes
	lastEscalationAt *time.Time
}

// NewMetricsCollector creates a collector keeping windowSize iterations.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	return &MetricsCollector{
		windowSize: windowSize,
		iterations: make([]iterationRecord, 0, windowSize),
	}
}

// RecordIteration records when an iteration finished.
func (mc *MetricsCollector) RecordIteration(iteration int, finishedAt time.Time) {
	record := iterationRecord{Iteration: iteration, FinishedAt: finishedAt}

	if len(mc.iterations) >= mc.windowSize {
		copy(mc.iterations, mc.iterations[1:])
		mc.iterations[len(mc.iterations)-1] = record
	} else {
		mc.iterations = append(mc.iterations, record)
	}
}

// RecordTransition records a state transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	// Keep only last 20 transitions
	if len(mc.transitions) >= 20 {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}

	if t.To == domain.SessionStateEscalated {
		at := t.Timestamp
		mc.lastEscalationAt = &at
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastEscalationAt: mc.lastEscalationAt,
		StateHistory:     make([]Transition, len(mc.transitions)),
	}
	copy(m.StateHistory, mc.transitions)

	if len(mc.iterations) >= 2 {
		first := mc.iterations[0]
		last := mc.iterations[len(mc.iterations)-1]
		duration := last.FinishedAt.Sub(first.FinishedAt)

		if duration > 0 {
			count := float64(len(mc.iterations) - 1)
			m.IterationsPerMinute = count / duration.Minutes()
			m.AverageIterationTime = time.Duration(float64(duration) / count)
		}
	}

	return m
}
