// Package rollback restores a workspace to the snapshot taken when a session
// started, without discarding history.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/loop/metrics"
)

// ErrSnapshotUnavailable is returned when the entry snapshot can no longer
// be resolved.
var ErrSnapshotUnavailable = errors.New("rollback snapshot unavailable")

// Workspace is the mutable environment fixers change.
type Workspace interface {
	// Snapshot captures a reference to the current state and its content hash.
	Snapshot(ctx context.Context) (ref string, contentHash string, err error)
	// Available reports whether ref can still be restored.
	Available(ctx context.Context, ref string) bool
	// Revert undoes one recorded operation.
	Revert(ctx context.Context, op domain.ReversibleOp) error
	// ContentHash hashes the current state.
	ContentHash(ctx context.Context) (string, error)
}

// Tracker is implemented by workspaces that can list every operation made
// since a snapshot, including ones no fixer reported.
type Tracker interface {
	Since(ctx context.Context, ref string) ([]domain.ReversibleOp, error)
}

// Error is the only error the loop surfaces to callers: the workspace could
// not be restored to its entry state.
type Error struct {
	SessionID string
	Expected  string
	Actual    string
	Attempts  []domain.Attempt
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rollback of session %s failed: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("rollback of session %s left workspace at %s, expected %s",
		e.SessionID, e.Actual, e.Expected)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Coordinator snapshots, tracks and reverts workspace changes.
type Coordinator struct {
	ws  Workspace
	log *slog.Logger
}

// NewCoordinator creates a coordinator for ws.
func NewCoordinator(ws Workspace) *Coordinator {
	return &Coordinator{ws: ws, log: slog.Default()}
}

// Snapshot captures the entry state of a session.
func (c *Coordinator) Snapshot(ctx context.Context) (*domain.RollbackPlan, error) {
	ref, hash, err := c.ws.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot workspace: %w", err)
	}
	return &domain.RollbackPlan{
		SnapshotRef: ref,
		ContentHash: hash,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Available reports whether plan can still be applied.
func (c *Coordinator) Available(ctx context.Context, plan *domain.RollbackPlan) bool {
	if plan == nil || plan.SnapshotRef == "" {
		return false
	}
	return c.ws.Available(ctx, plan.SnapshotRef)
}

// Track records the changes reported by fixer outcomes.
func (c *Coordinator) Track(plan *domain.RollbackPlan, outcomes []domain.ActionOutcome) int {
	if plan == nil {
		return 0
	}
	added := 0
	now := time.Now().UTC()
	for _, o := range outcomes {
		for _, ref := range o.AppliedChanges {
			if plan.Record(domain.ReversibleOp{
				Kind:        "change",
				Ref:         ref,
				Description: fmt.Sprintf("%s fix by %s", o.Category, o.Fixer),
				RecordedAt:  now,
			}) {
				added++
			}
		}
	}
	return added
}

// Rollback reverts operations newest first, then verifies the content hash
// matches the snapshot. Any failure is returned as *Error.
func (c *Coordinator) Rollback(ctx context.Context, sessionID string, plan *domain.RollbackPlan) (*domain.RollbackResult, error) {
	start := time.Now()
	fail := func(err error, actual string) (*domain.RollbackResult, error) {
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		rbErr := &Error{SessionID: sessionID, Actual: actual, Err: err}
		if plan != nil {
			rbErr.Expected = plan.ContentHash
		}
		return &domain.RollbackResult{
			ContentHash: actual,
			Duration:    time.Since(start),
			Error:       rbErr.Error(),
		}, rbErr
	}

	if !c.Available(ctx, plan) {
		return fail(ErrSnapshotUnavailable, "")
	}

	ops := plan.Operations
	if t, ok := c.ws.(Tracker); ok {
		tracked, err := t.Since(ctx, plan.SnapshotRef)
		if err != nil {
			return fail(fmt.Errorf("failed to list changes: %w", err), "")
		}
		ops = tracked
	}

	reverted := 0
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if err := c.ws.Revert(ctx, op); err != nil {
			return fail(fmt.Errorf("failed to revert %s %s: %w", op.Kind, op.Ref, err), "")
		}
		reverted++
		c.log.Debug("Reverted operation", "session", sessionID, "kind", op.Kind, "ref", op.Ref)
	}

	hash, err := c.ws.ContentHash(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to hash workspace: %w", err), "")
	}
	if hash != plan.ContentHash {
		return fail(nil, hash)
	}

	metrics.RollbacksTotal.WithLabelValues("success").Inc()
	c.log.Info("Workspace rolled back",
		"session", sessionID,
		"reverted", reverted,
		"hash", hash,
	)
	return &domain.RollbackResult{
		Reverted:    reverted,
		ContentHash: hash,
		Duration:    time.Since(start),
		Success:     true,
	}, nil
}
