package postgres

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
)

func TestSessionRowRoundTrip(t *testing.T) {
	finished := time.Now().UTC().Truncate(time.Second)
	s := &domain.LoopSession{
		ID:               "s1",
		TaskContext:      "make ci pass",
		State:            domain.SessionStateEscalated,
		CurrentIteration: 2,
		MaxIterations:    5,
		StartedAt:        finished.Add(-time.Hour),
		UpdatedAt:        finished,
		FinishedAt:       &finished,
		Report: &domain.EscalationReport{
			SessionID:          "s1",
			Reason:             domain.ReasonRepeatedFailure,
			BlockingCategories: []domain.Category{"lint", "type"},
		},
	}

	row, err := toSessionRow(s)
	if err != nil {
		t.Fatalf("toSessionRow failed: %v", err)
	}
	if row.EscalationReason != string(domain.ReasonRepeatedFailure) {
		t.Errorf("expected escalation reason column, got %q", row.EscalationReason)
	}
	if len(row.BlockingCategories) != 2 || row.BlockingCategories[0] != "lint" {
		t.Errorf("unexpected blocking categories: %v", row.BlockingCategories)
	}
	if !row.FinishedAt.Valid {
		t.Error("expected finished_at to be set")
	}

	got, err := fromSessionRow(row)
	if err != nil {
		t.Fatalf("fromSessionRow failed: %v", err)
	}
	if got.State != s.State || got.CurrentIteration != 2 || got.Report == nil {
		t.Errorf("unexpected decoded session: %+v", got)
	}
}

func TestFromSessionRow_ColumnsWinOverPayload(t *testing.T) {
	row, _ := toSessionRow(&domain.LoopSession{ID: "s1", State: domain.SessionStateExecuting})
	row.State = string(domain.SessionStateSucceeded)
	row.CurrentIteration = 3

	got, err := fromSessionRow(row)
	if err != nil {
		t.Fatalf("fromSessionRow failed: %v", err)
	}
	if got.State != domain.SessionStateSucceeded || got.CurrentIteration != 3 {
		t.Errorf("expected column values, got %s/%d", got.State, got.CurrentIteration)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := fs.ReadFile(migrationsFS, "migrations/00001_loop_sessions.sql")
	if err != nil {
		t.Fatalf("migration not embedded: %v", err)
	}
	sql := string(data)
	for _, want := range []string{"-- +goose Up", "-- +goose Down", "loop_sessions", "loop_records"} {
		if !strings.Contains(sql, want) {
			t.Errorf("migration missing %q", want)
		}
	}
}
