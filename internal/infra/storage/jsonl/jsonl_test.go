package jsonl

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
)

func newSession(id string) *domain.LoopSession {
	now := time.Now().UTC()
	return &domain.LoopSession{
		ID:            id,
		TaskContext:   "make ci pass",
		MaxIterations: 5,
		State:         domain.SessionStateEntry,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

func TestStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	s := newSession("s1")
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, s); !errors.Is(err, storage.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}

	s.State = domain.SessionStateExecuting
	s.CurrentIteration = 2
	if err := store.UpdateSession(ctx, s); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != domain.SessionStateExecuting || got.CurrentIteration != 2 {
		t.Errorf("unexpected header: %+v", got)
	}

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStore_JournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, _ := NewStore(dir)
	_ = store.Create(ctx, newSession("s1"))

	attempt := domain.Attempt{
		Iteration: 1,
		Failures: map[domain.Category]domain.CategoryResult{
			"lint": {Count: 10, Signature: "sig"},
		},
		Outcome: domain.OutcomeNoProgress,
	}
	if err := store.Append(ctx, storage.NewAttemptRecord("s1", attempt)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	reopened, _ := NewStore(dir)
	records, err := reopened.Records(ctx, "s1")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0].Attempt
	if got == nil || got.Failures["lint"].Count != 10 {
		t.Errorf("attempt not round-tripped: %+v", got)
	}
}

func TestStore_IgnoresTornFinalLine(t *testing.T) {
	ctx := context.Background()
	store, _ := NewStore(t.TempDir())
	_ = store.Create(ctx, newSession("s1"))
	_ = store.Append(ctx, storage.NewRemediationRecord("s1", 1, nil))

	f, err := os.OpenFile(store.journalPath("s1"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	f.WriteString(`{"id":"x","kind":"attem`)
	f.Close()

	records, err := store.Records(ctx, "s1")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected torn line to be skipped, got %d records", len(records))
	}
}

func TestStore_RejectsPathIDs(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	if err := store.Create(context.Background(), newSession("../escape")); err == nil {
		t.Error("expected error for id containing a path separator")
	}
}

func TestStore_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	store, _ := NewStore(t.TempDir())

	old := time.Now().Add(-48 * time.Hour)
	done := newSession("done")
	done.State = domain.SessionStateEscalated
	done.FinishedAt = &old
	done.StartedAt = old
	_ = store.Create(ctx, done)
	_ = store.Append(ctx, storage.NewRemediationRecord("done", 1, nil))
	_ = store.Create(ctx, newSession("live"))

	sessions, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "done" {
		t.Fatalf("unexpected list: %+v", sessions)
	}

	n, err := store.DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if _, err := os.Stat(store.journalPath("done")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected journal removed, stat err = %v", err)
	}
}
