package domain

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"

	// ExecutionStatusSkipped is accepted by readers but never written:
	// cooldown and cap skips leave no ledger record.
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusSkipped
}

// Execution is one ledger entry: an attempted run of a trigger for a contact.
type Execution struct {
	ID uuid.UUID

	TriggerID string
	ContactID string
	EventKind EventKind

	Status     ExecutionStatus
	ExecutedAt time.Time

	Error string
	// FailedAction is the index of the action that failed, or -1.
	FailedAction int
}

// ExecutionFilter selects ledger entries for the operator-facing query.
// Results are ordered by ExecutedAt descending, then ID descending.
// (Before, BeforeID) is an exclusive cursor; with a nil BeforeID every
// execution at Before is excluded.
type ExecutionFilter struct {
	TriggerID string
	ContactID string
	Before    time.Time
	BeforeID  uuid.UUID
	Limit     int
}

// Precedes reports whether e sorts before (older than) the cursor
// (before, beforeID) in ledger order.
func (e Execution) Precedes(before time.Time, beforeID uuid.UUID) bool {
	if e.ExecutedAt.Before(before) {
		return true
	}
	if !e.ExecutedAt.Equal(before) || beforeID == uuid.Nil {
		return false
	}
	return bytes.Compare(e.ID[:], beforeID[:]) < 0
}

// LedgerOrder sorts executions newest first, ties broken by ID descending.
func LedgerOrder(a, b Execution) int {
	if c := b.ExecutedAt.Compare(a.ExecutedAt); c != 0 {
		return c
	}
	return bytes.Compare(b.ID[:], a.ID[:])
}
