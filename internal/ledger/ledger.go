// Package ledger is the append-only execution audit trail keyed by
// (trigger, contact). It answers the eligibility questions used for rate
// limiting: how many successful executions, and when was the last one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// ErrStatusTransitionDenied is returned when finalizing an execution that
// is already in a terminal state.
var ErrStatusTransitionDenied = errors.New("status transition denied: execution already in terminal state")

// Stats summarizes the successful executions of one (trigger, contact) pair.
// Pending executions count as successes until they are finalized, so two
// concurrent attempts cannot both take the last slot. Failed attempts are
// not counted and do not move LastSuccessAt.
type Stats struct {
	SuccessCount  int
	LastSuccessAt time.Time // zero if never succeeded
}

type Store interface {
	// ReserveExecution inserts exec, which is pending, only if admit accepts
	// the stats of its (trigger, contact) pair, and returns admit's verdict.
	// Reading the stats and inserting are atomic against every other
	// reservation of the same pair, including those made by other processes
	// sharing the store.
	ReserveExecution(ctx context.Context, exec domain.Execution, admit func(Stats) Eligibility) (Eligibility, error)
	// FinalizeExecution moves a pending execution to a terminal status.
	// Implementations MUST return ErrStatusTransitionDenied for executions
	// already in a terminal state.
	FinalizeExecution(ctx context.Context, exec domain.Execution) error
	ExecutionStats(ctx context.Context, triggerID, contactID string) (Stats, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error)
}

// SkipReason explains why a candidate was not eligible.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipCapReached SkipReason = "cap_reached"
	SkipCooldown   SkipReason = "cooldown"
)

// Eligibility is the outcome of the rate-limit pre-check.
type Eligibility struct {
	Eligible bool
	Reason   SkipReason
	// Until is when a cooldown ends; zero otherwise.
	Until time.Time
}

// Ledger wraps a Store with eligibility rules and per-key serialization.
// The in-process lock keeps one process from evaluating a pair twice at
// once; the store's reservation is what enforces caps across processes.
type Ledger struct {
	store Store
	locks *KeyedMutex
}

func New(store Store) *Ledger {
	return &Ledger{store: store, locks: NewKeyedMutex()}
}

// Lock serializes the check-then-write sequence for one (trigger, contact)
// pair. Different pairs never contend. The returned func releases the lock.
func (l *Ledger) Lock(triggerID, contactID string) func() {
	return l.locks.Lock(triggerID + "\x00" + contactID)
}

// Eligibility applies the execution cap and cooldown of t for contactID at now.
func (l *Ledger) Eligibility(ctx context.Context, t domain.Trigger, contactID string, now time.Time) (Eligibility, error) {
	stats, err := l.store.ExecutionStats(ctx, t.ID, contactID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("execution stats: %w", err)
	}
	return Check(t, stats, now), nil
}

// Check is the pure eligibility rule.
func Check(t domain.Trigger, stats Stats, now time.Time) Eligibility {
	if t.HasCap() && stats.SuccessCount >= *t.MaxExecutionsPerContact {
		return Eligibility{Reason: SkipCapReached}
	}
	if t.CooldownMinutes > 0 && !stats.LastSuccessAt.IsZero() {
		until := stats.LastSuccessAt.Add(t.Cooldown())
		if now.Before(until) {
			return Eligibility{Reason: SkipCooldown, Until: until}
		}
	}
	return Eligibility{Eligible: true}
}

// Begin re-checks eligibility and records a pending execution in one store
// operation. When the pair is no longer eligible, because another attempt
// was reserved since the last Eligibility call, nothing is written and the
// returned Eligibility says why.
func (l *Ledger) Begin(ctx context.Context, t domain.Trigger, contactID string, kind domain.EventKind, now time.Time) (domain.Execution, Eligibility, error) {
	exec := domain.Execution{
		ID:           uuid.New(),
		TriggerID:    t.ID,
		ContactID:    contactID,
		EventKind:    kind,
		Status:       domain.ExecutionStatusPending,
		ExecutedAt:   now.UTC(),
		FailedAction: -1,
	}
	el, err := l.store.ReserveExecution(ctx, exec, func(st Stats) Eligibility {
		return Check(t, st, now)
	})
	if err != nil {
		return domain.Execution{}, Eligibility{}, fmt.Errorf("reserve execution: %w", err)
	}
	if !el.Eligible {
		return domain.Execution{}, el, nil
	}
	return exec, el, nil
}

// Succeed finalizes exec as success.
func (l *Ledger) Succeed(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	exec.Status = domain.ExecutionStatusSuccess
	exec.Error = ""
	exec.FailedAction = -1
	return exec, l.finalize(ctx, exec)
}

// Fail finalizes exec as failed, recording which action failed and why.
func (l *Ledger) Fail(ctx context.Context, exec domain.Execution, actionIndex int, reason string) (domain.Execution, error) {
	exec.Status = domain.ExecutionStatusFailed
	exec.Error = reason
	exec.FailedAction = actionIndex
	return exec, l.finalize(ctx, exec)
}

func (l *Ledger) finalize(ctx context.Context, exec domain.Execution) error {
	if err := l.store.FinalizeExecution(ctx, exec); err != nil {
		return fmt.Errorf("finalize execution %s: %w", exec.ID, err)
	}
	return nil
}

// Recent returns executions matching filter, newest first.
func (l *Ledger) Recent(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	return l.store.ListExecutions(ctx, filter)
}
