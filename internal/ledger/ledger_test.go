package ledger

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
)

type fakeStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]domain.Execution
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{execs: make(map[uuid.UUID]domain.Execution)}
}

func (s *fakeStore) ReserveExecution(ctx context.Context, exec domain.Execution, admit func(Stats) Eligibility) (Eligibility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Eligibility{}, s.err
	}
	el := admit(s.statsLocked(exec.TriggerID, exec.ContactID))
	if el.Eligible {
		s.execs[exec.ID] = exec
	}
	return el, nil
}

func (s *fakeStore) FinalizeExecution(ctx context.Context, exec domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.execs[exec.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status.Terminal() {
		return ErrStatusTransitionDenied
	}
	s.execs[exec.ID] = exec
	return nil
}

func (s *fakeStore) ExecutionStats(ctx context.Context, triggerID, contactID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Stats{}, s.err
	}
	return s.statsLocked(triggerID, contactID), nil
}

func (s *fakeStore) statsLocked(triggerID, contactID string) Stats {
	var st Stats
	for _, e := range s.execs {
		if e.TriggerID != triggerID || e.ContactID != contactID {
			continue
		}
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

func (s *fakeStore) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	return nil, nil
}

func intPtr(n int) *int { return &n }

func TestCheck(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		trigger domain.Trigger
		stats   Stats
		want    SkipReason
	}{
		{"never ran", domain.Trigger{CooldownMinutes: 60, MaxExecutionsPerContact: intPtr(1)}, Stats{}, SkipNone},
		{"cap reached", domain.Trigger{MaxExecutionsPerContact: intPtr(2)}, Stats{SuccessCount: 2}, SkipCapReached},
		{"under cap", domain.Trigger{MaxExecutionsPerContact: intPtr(3)}, Stats{SuccessCount: 2}, SkipNone},
		{"inside cooldown", domain.Trigger{CooldownMinutes: 60}, Stats{SuccessCount: 1, LastSuccessAt: now.Add(-59 * time.Minute)}, SkipCooldown},
		{"cooldown boundary", domain.Trigger{CooldownMinutes: 60}, Stats{SuccessCount: 1, LastSuccessAt: now.Add(-60 * time.Minute)}, SkipNone},
		{"no cooldown", domain.Trigger{}, Stats{SuccessCount: 5, LastSuccessAt: now}, SkipNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(tt.trigger, tt.stats, now)
			assert.Equal(t, tt.want, got.Reason)
			assert.Equal(t, tt.want == SkipNone, got.Eligible)
		})
	}
}

func TestCheck_CooldownUntil(t *testing.T) {
	last := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got := Check(domain.Trigger{CooldownMinutes: 30}, Stats{SuccessCount: 1, LastSuccessAt: last}, last.Add(time.Minute))
	assert.Equal(t, last.Add(30*time.Minute), got.Until)
}

func TestLedger_BeginAndFinalize(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	trig := domain.Trigger{ID: "t1", CooldownMinutes: 10}

	exec, el, err := l.Begin(ctx, trig, "c1", domain.EventManual, now)
	require.NoError(t, err)
	require.True(t, el.Eligible)
	assert.Equal(t, domain.ExecutionStatusPending, exec.Status)
	assert.Equal(t, -1, exec.FailedAction)

	// An in-flight execution already holds the cooldown.
	elig, err := l.Eligibility(ctx, trig, "c1", now)
	require.NoError(t, err)
	assert.Equal(t, SkipCooldown, elig.Reason)

	done, err := l.Succeed(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSuccess, done.Status)

	elig, err = l.Eligibility(ctx, trig, "c1", now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SkipCooldown, elig.Reason)

	_, err = l.Fail(ctx, done, 0, "late")
	assert.ErrorIs(t, err, ErrStatusTransitionDenied)
}

func TestLedger_FailedDoesNotResetCooldown(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	trig := domain.Trigger{ID: "t1", CooldownMinutes: 60}

	exec, _, err := l.Begin(ctx, trig, "c1", domain.EventManual, now)
	require.NoError(t, err)
	failed, err := l.Fail(ctx, exec, 1, "smtp down")
	require.NoError(t, err)
	assert.Equal(t, 1, failed.FailedAction)
	assert.Equal(t, "smtp down", failed.Error)

	elig, err := l.Eligibility(ctx, trig, "c1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, elig.Eligible)
}

func TestLedger_StoreErrorsAreWrapped(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	l := New(store)

	_, err := l.Eligibility(context.Background(), domain.Trigger{ID: "t"}, "c", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.err)
}

func TestLedger_BeginRechecksAgainstOtherLedgers(t *testing.T) {
	store := newFakeStore()
	serve, worker := New(store), New(store)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	trig := domain.Trigger{ID: "t1", MaxExecutionsPerContact: intPtr(1)}

	// Both pass the pre-check before either has reserved.
	for _, l := range []*Ledger{serve, worker} {
		el, err := l.Eligibility(ctx, trig, "c1", now)
		require.NoError(t, err)
		require.True(t, el.Eligible)
	}

	exec, el, err := serve.Begin(ctx, trig, "c1", domain.EventManual, now)
	require.NoError(t, err)
	require.True(t, el.Eligible)

	lost, el, err := worker.Begin(ctx, trig, "c1", domain.EventManual, now)
	require.NoError(t, err)
	assert.False(t, el.Eligible)
	assert.Equal(t, SkipCapReached, el.Reason)
	assert.Equal(t, uuid.Nil, lost.ID, "nothing is written for a refused reservation")

	_, err = serve.Succeed(ctx, exec)
	require.NoError(t, err)
	assert.Len(t, store.execs, 1)
}

func TestLedger_FailedReservationFreesTheSlot(t *testing.T) {
	store := newFakeStore()
	l := New(store)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	trig := domain.Trigger{ID: "t1", MaxExecutionsPerContact: intPtr(1)}

	exec, _, err := l.Begin(ctx, trig, "c1", domain.EventManual, now)
	require.NoError(t, err)
	_, err = l.Fail(ctx, exec, 0, "timeout")
	require.NoError(t, err)

	_, el, err := l.Begin(ctx, trig, "c1", domain.EventManual, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, el.Eligible, "failures do not use up the cap")
}

func TestLedger_BeginStoreError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")

	_, _, err := New(store).Begin(context.Background(), domain.Trigger{ID: "t"}, "c", domain.EventManual, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.err)
	assert.Contains(t, err.Error(), "reserve execution")
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("k")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("a")
	unlock()
	unlock()
	assert.Equal(t, 0, km.Len())
}
