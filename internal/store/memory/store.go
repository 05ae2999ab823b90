// Package memory is an in-process implementation of the rule, ledger and
// contact-state stores. It backs STORE_DRIVER=memory and the tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/ledger"
	"github.com/djlord-it/easytrigger/internal/rules"
)

type Store struct {
	mu       sync.RWMutex
	triggers map[string]domain.Trigger
	version  int64

	execMu     sync.RWMutex
	executions []domain.Execution
	byID       map[uuid.UUID]int
	byPair     map[pairKey][]int

	stateMu sync.RWMutex
	states  map[string]map[string]any
}

type pairKey struct {
	triggerID string
	contactID string
}

func New() *Store {
	return &Store{
		triggers: make(map[string]domain.Trigger),
		byID:     make(map[uuid.UUID]int),
		byPair:   make(map[pairKey][]int),
		states:   make(map[string]map[string]any),
	}
}

// Triggers

func (s *Store) CreateTrigger(ctx context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[t.ID]; exists {
		return domain.ErrConflict
	}
	s.triggers[t.ID] = t
	s.version++
	return nil
}

func (s *Store) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[t.ID]; !exists {
		return domain.ErrNotFound
	}
	s.triggers[t.ID] = t
	s.version++
	return nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.triggers, id)
	s.version++
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return domain.Trigger{}, domain.ErrNotFound
	}
	return t, nil
}

// ListTriggers returns triggers by priority descending then id, paginated by
// limit and offset. A limit of zero returns all triggers.
func (s *Store) ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	s.mu.RLock()
	all := make([]domain.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		all = append(all, t)
	}
	s.mu.RUnlock()

	rules.SortByPriority(all)
	return page(all, limit, offset), nil
}

func (s *Store) ActiveTriggersForEvent(ctx context.Context, kind domain.EventKind) ([]domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Trigger
	for _, t := range s.triggers {
		if t.Active && t.Event == kind {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) TriggersVersion(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

// Executions

// InsertExecution appends exec without an eligibility check.
func (s *Store) InsertExecution(ctx context.Context, exec domain.Execution) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.insertLocked(exec)
}

// ReserveExecution checks and inserts under one lock, which every ledger
// sharing this store contends on.
func (s *Store) ReserveExecution(ctx context.Context, exec domain.Execution, admit func(ledger.Stats) ledger.Eligibility) (ledger.Eligibility, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	el := admit(s.statsLocked(exec.TriggerID, exec.ContactID))
	if !el.Eligible {
		return el, nil
	}
	if err := s.insertLocked(exec); err != nil {
		return ledger.Eligibility{}, err
	}
	return el, nil
}

func (s *Store) insertLocked(exec domain.Execution) error {
	if _, exists := s.byID[exec.ID]; exists {
		return domain.ErrConflict
	}
	idx := len(s.executions)
	s.byID[exec.ID] = idx
	key := pairKey{exec.TriggerID, exec.ContactID}
	s.byPair[key] = append(s.byPair[key], idx)
	s.executions = append(s.executions, exec)
	return nil
}

func (s *Store) FinalizeExecution(ctx context.Context, exec domain.Execution) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	idx, ok := s.byID[exec.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur := &s.executions[idx]
	if cur.Status.Terminal() {
		return ledger.ErrStatusTransitionDenied
	}
	cur.Status = exec.Status
	cur.Error = exec.Error
	cur.FailedAction = exec.FailedAction
	return nil
}

// ExecutionStats counts successful and still pending executions.
func (s *Store) ExecutionStats(ctx context.Context, triggerID, contactID string) (ledger.Stats, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	return s.statsLocked(triggerID, contactID), nil
}

func (s *Store) statsLocked(triggerID, contactID string) ledger.Stats {
	var st ledger.Stats
	for _, idx := range s.byPair[pairKey{triggerID, contactID}] {
		e := s.executions[idx]
		if e.Status != domain.ExecutionStatusSuccess && e.Status != domain.ExecutionStatusPending {
			continue
		}
		st.SuccessCount++
		if e.ExecutedAt.After(st.LastSuccessAt) {
			st.LastSuccessAt = e.ExecutedAt
		}
	}
	return st
}

// ListExecutions returns matching executions in ledger order: newest first,
// ties broken by id descending.
func (s *Store) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	s.execMu.RLock()
	var out []domain.Execution
	for _, e := range s.executions {
		if filter.TriggerID != "" && e.TriggerID != filter.TriggerID {
			continue
		}
		if filter.ContactID != "" && e.ContactID != filter.ContactID {
			continue
		}
		if !filter.Before.IsZero() && !e.Precedes(filter.Before, filter.BeforeID) {
			continue
		}
		out = append(out, e)
	}
	s.execMu.RUnlock()

	slices.SortFunc(out, domain.LedgerOrder)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetStalePendingExecutions returns pending executions that started before
// olderThan, oldest first.
func (s *Store) GetStalePendingExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Execution, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	var out []domain.Execution
	for _, e := range s.executions {
		if e.Status == domain.ExecutionStatusPending && e.ExecutedAt.Before(olderThan) {
			out = append(out, e)
			if maxResults > 0 && len(out) == maxResults {
				break
			}
		}
	}
	return out, nil
}

// Contact state

// GetState returns a copy of the contact's attributes. Unknown contacts
// have an empty state.
func (s *Store) GetState(ctx context.Context, contactID string) (map[string]any, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make(map[string]any, len(s.states[contactID]))
	for k, v := range s.states[contactID] {
		out[k] = v
	}
	return out, nil
}

// UpdateField sets one attribute of a contact.
func (s *Store) UpdateField(ctx context.Context, contactID, field string, value any) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st, ok := s.states[contactID]
	if !ok {
		st = make(map[string]any)
		s.states[contactID] = st
	}
	st[field] = value
	return nil
}

// SetState replaces the contact's attributes.
func (s *Store) SetState(contactID string, state map[string]any) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	s.states[contactID] = cp
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Compile-time interface assertions
var (
	_ rules.Store  = (*Store)(nil)
	_ ledger.Store = (*Store)(nil)
)
