package domain

import "time"

// ReversibleOp is a workspace mutation that can be undone.
type ReversibleOp struct {
	Kind        string    `json:"kind"`
	Ref         string    `json:"ref"`
	Description string    `json:"description,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// RollbackPlan restores the workspace to the state captured at session entry.
type RollbackPlan struct {
	SnapshotRef string         `json:"snapshot_ref"`
	ContentHash string         `json:"content_hash"`
	Operations  []ReversibleOp `json:"operations,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Record appends an operation unless one with the same ref is already tracked.
func (p *RollbackPlan) Record(op ReversibleOp) bool {
	for _, existing := range p.Operations {
		if existing.Kind == op.Kind && existing.Ref == op.Ref {
			return false
		}
	}
	p.Operations = append(p.Operations, op)
	return true
}

// RollbackResult summarizes a completed rollback.
type RollbackResult struct {
	Reverted    int           `json:"reverted"`
	ContentHash string        `json:"content_hash"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
}
