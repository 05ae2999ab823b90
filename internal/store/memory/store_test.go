package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/ledger"
	"github.com/djlord-it/easytrigger/internal/rules"
	"github.com/djlord-it/easytrigger/internal/testutil"
)

var base = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func pending(triggerID, contactID string, at time.Time) domain.Execution {
	return domain.Execution{
		ID:           uuid.New(),
		TriggerID:    triggerID,
		ContactID:    contactID,
		EventKind:    domain.EventManual,
		Status:       domain.ExecutionStatusPending,
		ExecutedAt:   at,
		FailedAction: -1,
	}
}

func TestStore_TriggerCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()
	trig := testutil.NewTrigger("t1", domain.EventManual)

	require.NoError(t, s.CreateTrigger(ctx, trig))
	assert.ErrorIs(t, s.CreateTrigger(ctx, trig), domain.ErrConflict)

	got, err := s.GetTrigger(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, trig, got)

	trig.Name = "renamed"
	require.NoError(t, s.UpdateTrigger(ctx, trig))
	got, _ = s.GetTrigger(ctx, "t1")
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, s.DeleteTrigger(ctx, "t1"))
	_, err = s.GetTrigger(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, s.UpdateTrigger(ctx, trig), domain.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTrigger(ctx, "t1"), domain.ErrNotFound)
}

func TestStore_ListTriggersByPriorityThenID(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, id := range []string{"b", "c", "a", "d"} {
		trig := testutil.NewTrigger(id, domain.EventManual, testutil.WithPriority([]int{10, 5, 5, 1}[i]))
		// creation time must not influence the order
		trig.CreatedAt = base.Add(time.Duration(-i) * time.Minute)
		require.NoError(t, s.CreateTrigger(ctx, trig))
	}

	all, err := s.ListTriggers(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c", "d"}, triggerIDs(all))

	pageTwo, err := s.ListTriggers(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, triggerIDs(pageTwo))

	beyond, err := s.ListTriggers(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func triggerIDs(triggers []domain.Trigger) []string {
	out := make([]string, len(triggers))
	for i, t := range triggers {
		out[i] = t.ID
	}
	return out
}

func TestStore_TriggersVersionMovesOnEveryWrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	trig := testutil.NewTrigger("t1", domain.EventManual)

	v0, err := s.TriggersVersion(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CreateTrigger(ctx, trig))
	v1, _ := s.TriggersVersion(ctx)
	require.NoError(t, s.UpdateTrigger(ctx, trig))
	v2, _ := s.TriggersVersion(ctx)
	require.NoError(t, s.DeleteTrigger(ctx, "t1"))
	v3, _ := s.TriggersVersion(ctx)

	assert.Less(t, v0, v1)
	assert.Less(t, v1, v2)
	assert.Less(t, v2, v3)

	assert.ErrorIs(t, s.DeleteTrigger(ctx, "t1"), domain.ErrNotFound)
	v4, _ := s.TriggersVersion(ctx)
	assert.Equal(t, v3, v4, "failed writes leave the version alone")
}

func TestStore_SharedByTwoRuleServices(t *testing.T) {
	s := New()
	ctx := context.Background()
	serve := rules.NewService(s, rules.DefaultCacheSize)
	worker := rules.NewService(s, rules.DefaultCacheSize)

	_, err := serve.Create(ctx, testutil.NewTrigger("t1", domain.EventManual))
	require.NoError(t, err)

	got, err := worker.CandidatesFor(ctx, domain.EventManual)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = serve.SetActive(ctx, "t1", false)
	require.NoError(t, err)

	got, err = worker.CandidatesFor(ctx, domain.EventManual)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ActiveTriggersForEvent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateTrigger(ctx, testutil.NewTrigger("on", domain.EventScoreChange)))
	require.NoError(t, s.CreateTrigger(ctx, testutil.NewTrigger("off", domain.EventScoreChange, testutil.Inactive())))
	require.NoError(t, s.CreateTrigger(ctx, testutil.NewTrigger("other", domain.EventManual)))

	got, err := s.ActiveTriggersForEvent(ctx, domain.EventScoreChange)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "on", got[0].ID)
}

func TestStore_ExecutionStatsCountSuccessAndPending(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok := pending("t1", "c1", base)
	require.NoError(t, s.InsertExecution(ctx, ok))
	ok.Status = domain.ExecutionStatusSuccess
	require.NoError(t, s.FinalizeExecution(ctx, ok))

	failed := pending("t1", "c1", base.Add(time.Minute))
	require.NoError(t, s.InsertExecution(ctx, failed))
	failed.Status = domain.ExecutionStatusFailed
	failed.FailedAction = 0
	failed.Error = "boom"
	require.NoError(t, s.FinalizeExecution(ctx, failed))

	stats, err := s.ExecutionStats(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Stats{SuccessCount: 1, LastSuccessAt: base}, stats)

	inFlight := pending("t1", "c1", base.Add(2*time.Minute))
	require.NoError(t, s.InsertExecution(ctx, inFlight))
	stats, err = s.ExecutionStats(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Stats{SuccessCount: 2, LastSuccessAt: base.Add(2 * time.Minute)}, stats)

	other, err := s.ExecutionStats(ctx, "t1", "c2")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestStore_ReserveExecutionIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	one := 1
	trig := domain.Trigger{ID: "t1", MaxExecutionsPerContact: &one}
	admit := func(st ledger.Stats) ledger.Eligibility { return ledger.Check(trig, st, base) }

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			el, err := s.ReserveExecution(ctx, pending("t1", "c1", base), admit)
			assert.NoError(t, err)
			if el.Eligible {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	all, err := s.ListExecutions(ctx, domain.ExecutionFilter{TriggerID: "t1"})
	require.NoError(t, err)
	assert.Len(t, all, 1, "refused reservations write nothing")
}

func TestStore_FinalizeOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	exec := pending("t1", "c1", base)
	require.NoError(t, s.InsertExecution(ctx, exec))
	assert.ErrorIs(t, s.InsertExecution(ctx, exec), domain.ErrConflict)

	exec.Status = domain.ExecutionStatusSuccess
	require.NoError(t, s.FinalizeExecution(ctx, exec))

	exec.Status = domain.ExecutionStatusFailed
	err := s.FinalizeExecution(ctx, exec)
	assert.True(t, errors.Is(err, ledger.ErrStatusTransitionDenied), "got %v", err)

	stats, _ := s.ExecutionStats(ctx, "t1", "c1")
	assert.Equal(t, 1, stats.SuccessCount, "a denied transition does not count twice")

	missing := pending("t1", "c1", base)
	assert.ErrorIs(t, s.FinalizeExecution(ctx, missing), domain.ErrNotFound)
}

func TestStore_ListExecutions(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertExecution(ctx, pending("t1", "c1", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.InsertExecution(ctx, pending("t2", "c2", base.Add(10*time.Minute))))

	all, err := s.ListExecutions(ctx, domain.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "t2", all[0].TriggerID, "newest first")

	filtered, err := s.ListExecutions(ctx, domain.ExecutionFilter{
		TriggerID: "t1",
		ContactID: "c1",
		Before:    base.Add(3 * time.Minute),
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, base.Add(2*time.Minute), filtered[0].ExecutedAt, "before is exclusive")
	assert.Equal(t, base.Add(time.Minute), filtered[1].ExecutedAt)
}

func TestStore_ListExecutionsCursorKeepsTies(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertExecution(ctx, pending("t1", "c1", base)))
	}
	require.NoError(t, s.InsertExecution(ctx, pending("t1", "c1", base.Add(-time.Minute))))

	var seen []uuid.UUID
	filter := domain.ExecutionFilter{TriggerID: "t1", Limit: 2}
	for pages := 0; pages < 5; pages++ {
		batch, err := s.ListExecutions(ctx, filter)
		require.NoError(t, err)
		for _, e := range batch {
			seen = append(seen, e.ID)
		}
		if len(batch) < filter.Limit {
			break
		}
		last := batch[len(batch)-1]
		filter.Before, filter.BeforeID = last.ExecutedAt, last.ID
	}

	unique := make(map[uuid.UUID]bool)
	for _, id := range seen {
		unique[id] = true
	}
	assert.Len(t, seen, 4)
	assert.Len(t, unique, 4, "every execution shows up exactly once across pages")
}

func TestStore_ListExecutionsBeforeWithoutID(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertExecution(ctx, pending("t1", "c1", base)))
	require.NoError(t, s.InsertExecution(ctx, pending("t1", "c1", base.Add(-time.Minute))))

	got, err := s.ListExecutions(ctx, domain.ExecutionFilter{Before: base})
	require.NoError(t, err)
	require.Len(t, got, 1, "a bare timestamp cursor excludes the whole instant")
	assert.Equal(t, base.Add(-time.Minute), got[0].ExecutedAt)
}

func TestStore_GetStalePendingExecutions(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := pending("t1", "c1", base)
	done := pending("t1", "c2", base)
	fresh := pending("t1", "c3", base.Add(time.Hour))
	for _, e := range []domain.Execution{old, done, fresh} {
		require.NoError(t, s.InsertExecution(ctx, e))
	}
	done.Status = domain.ExecutionStatusSuccess
	require.NoError(t, s.FinalizeExecution(ctx, done))

	stale, err := s.GetStalePendingExecutions(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	require.NoError(t, s.InsertExecution(ctx, pending("t1", "c4", base)))
	limited, err := s.GetStalePendingExecutions(ctx, base.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_ContactState(t *testing.T) {
	s := New()
	ctx := context.Background()

	empty, err := s.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	s.SetState("c1", map[string]any{"score": 40})
	require.NoError(t, s.UpdateField(ctx, "c1", "stage", "lead"))
	require.NoError(t, s.UpdateField(ctx, "c2", "stage", "customer"))

	state, err := s.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 40, "stage": "lead"}, state)

	state["score"] = 99
	again, _ := s.GetState(ctx, "c1")
	assert.Equal(t, 40, again["score"], "GetState returns a copy")
}
