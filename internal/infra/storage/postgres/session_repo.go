package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type sessionRow struct {
	ID                 string         `db:"id"`
	TaskContext        string         `db:"task_context"`
	State              string         `db:"state"`
	CurrentIteration   int            `db:"current_iteration"`
	MaxIterations      int            `db:"max_iterations"`
	EscalationReason   string         `db:"escalation_reason"`
	BlockingCategories pq.StringArray `db:"blocking_categories"`
	StartedAt          time.Time      `db:"started_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	FinishedAt         sql.NullTime   `db:"finished_at"`
	Payload            []byte         `db:"payload"`
}

type recordRow struct {
	ID         string    `db:"id"`
	SessionID  string    `db:"session_id"`
	Kind       string    `db:"kind"`
	Iteration  int       `db:"iteration"`
	RecordedAt time.Time `db:"recorded_at"`
	Payload    []byte    `db:"payload"`
}

func toSessionRow(s *domain.LoopSession) (sessionRow, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return sessionRow{}, fmt.Errorf("failed to marshal session: %w", err)
	}
	row := sessionRow{
		ID:                 s.ID,
		TaskContext:        s.TaskContext,
		State:              string(s.State),
		CurrentIteration:   s.CurrentIteration,
		MaxIterations:      s.MaxIterations,
		BlockingCategories: pq.StringArray{},
		StartedAt:          s.StartedAt,
		UpdatedAt:          s.UpdatedAt,
		Payload:            payload,
	}
	if s.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *s.FinishedAt, Valid: true}
	}
	if s.Report != nil {
		row.EscalationReason = string(s.Report.Reason)
		for _, c := range s.Report.BlockingCategories {
			row.BlockingCategories = append(row.BlockingCategories, string(c))
		}
	}
	return row, nil
}

func fromSessionRow(row sessionRow) (*domain.LoopSession, error) {
	var s domain.LoopSession
	if err := json.Unmarshal(row.Payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", row.ID, err)
	}
	// Indexed columns are authoritative.
	s.ID = row.ID
	s.State = domain.SessionState(row.State)
	s.CurrentIteration = row.CurrentIteration
	return &s, nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// SessionRepo implements storage.SessionRepository using PostgreSQL.
type SessionRepo struct {
	db *DB
}

var _ storage.SessionRepository = (*SessionRepo)(nil)

// NewSessionRepo creates a new PostgreSQL session repository.
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Create inserts a new session.
func (r *SessionRepo) Create(ctx context.Context, s *domain.LoopSession) error {
	row, err := toSessionRow(s)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO loop_sessions (
			id, task_context, state, current_iteration, max_iterations,
			escalation_reason, blocking_categories, started_at, updated_at, finished_at, payload
		) VALUES (
			:id, :task_context, :state, :current_iteration, :max_iterations,
			:escalation_reason, :blocking_categories, :started_at, :updated_at, :finished_at, :payload
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		if isPgError(err, uniqueViolation) {
			return storage.ErrSessionExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.LoopSession, error) {
	query := `
		SELECT id, task_context, state, current_iteration, max_iterations,
			escalation_reason, blocking_categories, started_at, updated_at, finished_at, payload
		FROM loop_sessions
		WHERE id = $1
	`
	var row sessionRow
	err := r.db.GetContext(ctx, &row, query, sessionID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return fromSessionRow(row)
}

// UpdateSession overwrites the session header.
func (r *SessionRepo) UpdateSession(ctx context.Context, s *domain.LoopSession) error {
	row, err := toSessionRow(s)
	if err != nil {
		return err
	}
	query := `
		UPDATE loop_sessions SET
			state = :state,
			current_iteration = :current_iteration,
			escalation_reason = :escalation_reason,
			blocking_categories = :blocking_categories,
			updated_at = :updated_at,
			finished_at = :finished_at,
			payload = :payload
		WHERE id = :id
	`
	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// Append inserts a journal record.
func (r *SessionRepo) Append(ctx context.Context, rec *storage.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	query := `
		INSERT INTO loop_records (id, session_id, kind, iteration, recorded_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, string(rec.Kind), rec.Iteration, rec.Timestamp, payload)
	if err != nil {
		if isPgError(err, foreignKeyViolation) {
			return storage.ErrSessionNotFound
		}
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// Records returns the journal in insertion order.
func (r *SessionRepo) Records(ctx context.Context, sessionID string) ([]*storage.Record, error) {
	if _, err := r.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, session_id, kind, iteration, recorded_at, payload
		FROM loop_records
		WHERE session_id = $1
		ORDER BY seq ASC
	`
	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}

	records := make([]*storage.Record, 0, len(rows))
	for _, row := range rows {
		var rec storage.Record
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", row.ID, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// List returns all sessions ordered by start time.
func (r *SessionRepo) List(ctx context.Context) ([]*domain.LoopSession, error) {
	query := `
		SELECT id, task_context, state, current_iteration, max_iterations,
			escalation_reason, blocking_categories, started_at, updated_at, finished_at, payload
		FROM loop_sessions
		ORDER BY started_at ASC
	`
	var rows []sessionRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*domain.LoopSession, 0, len(rows))
	for _, row := range rows {
		s, err := fromSessionRow(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// DeleteOlderThan removes finished sessions; records cascade.
func (r *SessionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM loop_sessions
		WHERE state = ANY($1)
		  AND COALESCE(finished_at, updated_at) < $2
	`
	terminal := pq.StringArray{
		string(domain.SessionStateSucceeded),
		string(domain.SessionStateEscalated),
	}
	res, err := r.db.ExecContext(ctx, query, terminal, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the underlying connection pool.
func (r *SessionRepo) Close() error {
	return r.db.Close()
}

// Ping reports database connectivity.
func (r *SessionRepo) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
