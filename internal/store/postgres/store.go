// Package postgres implements the rule, ledger and contact-state stores on
// PostgreSQL via database/sql and lib/pq.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/ledger"
	"github.com/djlord-it/easytrigger/internal/reconciler"
	"github.com/djlord-it/easytrigger/internal/rules"
)

// Store implements rules.Store, ledger.Store and the contact state reader
// using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, queryPing).Scan(&one)
}

// Triggers

func (s *Store) CreateTrigger(ctx context.Context, t domain.Trigger) error {
	args, err := triggerArgs(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, queryInsertTrigger, args...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	args, err := triggerArgs(t)
	if err != nil {
		return err
	}
	// same column order as insert, minus created_at
	args = append(args[:10], t.UpdatedAt)

	result, err := s.db.ExecContext(ctx, queryUpdateTrigger, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	var deletedID string
	err := s.db.QueryRowContext(ctx, queryDeleteTrigger, id).Scan(&deletedID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func (s *Store) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, domain.ErrNotFound
	}
	return t, err
}

// ListTriggers returns triggers ordered by priority, paginated by limit and
// offset. A limit of zero returns all triggers.
func (s *Store) ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryListTriggers, nullLimit(limit), offset)
}

// ActiveTriggersForEvent returns active triggers for kind, highest priority
// first.
func (s *Store) ActiveTriggersForEvent(ctx context.Context, kind domain.EventKind) ([]domain.Trigger, error) {
	return s.queryTriggers(ctx, queryActiveTriggersForEvent, string(kind))
}

// TriggersVersion reads the counter bumped by every statement that writes
// the triggers table.
func (s *Store) TriggersVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, queryTriggersVersion).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) queryTriggers(ctx context.Context, query string, args ...any) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row scanner) (domain.Trigger, error) {
	var t domain.Trigger
	var event string
	var conditions, actions []byte
	var maxExec sql.NullInt64

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&event,
		&conditions,
		&actions,
		&t.Active,
		&t.Priority,
		&t.CooldownMinutes,
		&maxExec,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return domain.Trigger{}, err
	}

	t.Event = domain.EventKind(event)
	if len(conditions) > 0 && !bytes.Equal(conditions, []byte("null")) {
		t.Conditions = &domain.Condition{}
		if err := json.Unmarshal(conditions, t.Conditions); err != nil {
			return domain.Trigger{}, fmt.Errorf("trigger %s: decode conditions: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal(actions, &t.Actions); err != nil {
		return domain.Trigger{}, fmt.Errorf("trigger %s: decode actions: %w", t.ID, err)
	}
	if maxExec.Valid {
		n := int(maxExec.Int64)
		t.MaxExecutionsPerContact = &n
	}
	return t, nil
}

func triggerArgs(t domain.Trigger) ([]any, error) {
	var conditions any
	if t.Conditions != nil {
		b, err := json.Marshal(t.Conditions)
		if err != nil {
			return nil, fmt.Errorf("encode conditions: %w", err)
		}
		conditions = string(b)
	}
	actions := t.Actions
	if actions == nil {
		actions = []domain.Action{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}
	var maxExec any
	if t.MaxExecutionsPerContact != nil {
		maxExec = *t.MaxExecutionsPerContact
	}

	return []any{
		t.ID,
		t.Name,
		t.Description,
		string(t.Event),
		conditions,
		string(actionsJSON),
		t.Active,
		t.Priority,
		t.CooldownMinutes,
		maxExec,
		t.CreatedAt,
		t.UpdatedAt,
	}, nil
}

// Executions

// ReserveExecution runs the eligibility check and the pending insert in one
// transaction holding an advisory lock on the (trigger, contact) pair, so
// every process sharing the database sees the other's reservation.
func (s *Store) ReserveExecution(ctx context.Context, exec domain.Execution, admit func(ledger.Stats) ledger.Eligibility) (ledger.Eligibility, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Eligibility{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryLockPair, exec.TriggerID, exec.ContactID); err != nil {
		return ledger.Eligibility{}, fmt.Errorf("lock pair: %w", err)
	}

	st, err := scanStats(tx.QueryRowContext(ctx, queryExecutionStats, exec.TriggerID, exec.ContactID))
	if err != nil {
		return ledger.Eligibility{}, fmt.Errorf("execution stats: %w", err)
	}
	el := admit(st)
	if !el.Eligible {
		return el, nil
	}

	if err := insertExecution(ctx, tx, exec); err != nil {
		return ledger.Eligibility{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Eligibility{}, fmt.Errorf("commit: %w", err)
	}
	return el, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertExecution returns domain.ErrConflict if the id already exists.
func insertExecution(ctx context.Context, db execer, exec domain.Execution) error {
	_, err := db.ExecContext(ctx, queryInsertExecution,
		exec.ID,
		exec.TriggerID,
		exec.ContactID,
		string(exec.EventKind),
		string(exec.Status),
		exec.ExecutedAt,
		nullString(exec.Error),
		nullIndex(exec.FailedAction),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

// FinalizeExecution moves a pending execution to its terminal status.
// Returns ledger.ErrStatusTransitionDenied if the execution is already terminal.
// The status guard lives in the UPDATE's WHERE clause so concurrent
// finalizers cannot both succeed.
func (s *Store) FinalizeExecution(ctx context.Context, exec domain.Execution) error {
	result, err := s.db.ExecContext(ctx, queryFinalizeExecution,
		exec.ID,
		string(exec.Status),
		nullString(exec.Error),
		nullIndex(exec.FailedAction),
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		// Either: (a) execution not found, or (b) already in terminal state.
		var currentStatus string
		err := s.db.QueryRowContext(ctx, queryGetExecutionStatus, exec.ID).Scan(&currentStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return ledger.ErrStatusTransitionDenied
	}

	return nil
}

// ExecutionStats counts successful and still pending executions.
func (s *Store) ExecutionStats(ctx context.Context, triggerID, contactID string) (ledger.Stats, error) {
	return scanStats(s.db.QueryRowContext(ctx, queryExecutionStats, triggerID, contactID))
}

func scanStats(row scanner) (ledger.Stats, error) {
	var count int
	var last sql.NullTime
	if err := row.Scan(&count, &last); err != nil {
		return ledger.Stats{}, err
	}
	st := ledger.Stats{SuccessCount: count}
	if last.Valid {
		st.LastSuccessAt = last.Time.UTC()
	}
	return st, nil
}

// ListExecutions returns matching executions newest first, ties broken by
// id descending.
func (s *Store) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	before, beforeID := cursorArgs(filter)
	return s.queryExecutions(ctx, queryListExecutions,
		filter.TriggerID, filter.ContactID, before, beforeID, nullLimit(filter.Limit))
}

// cursorArgs maps an unset cursor, and an unset id within it, to NULL.
func cursorArgs(filter domain.ExecutionFilter) (before, beforeID any) {
	if filter.Before.IsZero() {
		return nil, nil
	}
	if filter.BeforeID == uuid.Nil {
		return filter.Before, nil
	}
	return filter.Before, filter.BeforeID.String()
}

// GetStalePendingExecutions returns executions stuck in 'pending' that
// started before olderThan, oldest first, limited to maxResults.
func (s *Store) GetStalePendingExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Execution, error) {
	return s.queryExecutions(ctx, queryGetStalePendingExecutions, olderThan, nullLimit(maxResults))
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Execution
	for rows.Next() {
		var exec domain.Execution
		var kind, status string
		var errText sql.NullString
		var failedAction sql.NullInt64

		err := rows.Scan(
			&exec.ID,
			&exec.TriggerID,
			&exec.ContactID,
			&kind,
			&status,
			&exec.ExecutedAt,
			&errText,
			&failedAction,
		)
		if err != nil {
			return nil, err
		}
		exec.EventKind = domain.EventKind(kind)
		exec.Status = domain.ExecutionStatus(status)
		exec.ExecutedAt = exec.ExecutedAt.UTC()
		exec.Error = errText.String
		exec.FailedAction = -1
		if failedAction.Valid {
			exec.FailedAction = int(failedAction.Int64)
		}
		result = append(result, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Contact state

// GetState returns the contact's attributes. Unknown contacts have an empty
// state. Numbers are decoded as json.Number.
func (s *Store) GetState(ctx context.Context, contactID string) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, queryGetContactState, contactID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}

	state := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("contact %s: decode attributes: %w", contactID, err)
	}
	return state, nil
}

// UpdateField sets one attribute of a contact, creating the contact row if needed.
func (s *Store) UpdateField(ctx context.Context, contactID, field string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	_, err = s.db.ExecContext(ctx, queryUpdateContactField, contactID, field, string(b))
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIndex(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i >= 0}
}

// nullLimit maps a non-positive limit to NULL, which Postgres treats as no limit.
func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL unique violation error code is 23505
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "23505") ||
		strings.Contains(errStr, "unique constraint") ||
		strings.Contains(errStr, "duplicate key")
}

// Compile-time interface assertions
var (
	_ rules.Store      = (*Store)(nil)
	_ ledger.Store     = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
