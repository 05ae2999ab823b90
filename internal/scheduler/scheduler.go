// Package scheduler decides, for one incoming CRM event, which triggers fire
// and runs their actions.
//
// Candidates are visited in priority order. Each one passes through three
// gates: ledger eligibility (cap and cooldown), condition evaluation, then
// action execution. A pending ledger record is written before the first
// action runs and finalized exactly once afterwards. Writing the pending
// record re-checks eligibility atomically in the store, so caps and
// cooldowns hold across processes sharing one database.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/easytrigger/internal/condition"
	"github.com/djlord-it/easytrigger/internal/dispatcher"
	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/ledger"
)

// ErrStoreUnavailable aborts an event when the rule store, the ledger or the
// contact state cannot be read or written. The caller may retry the event.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrInvalidEvent is returned for events with an unknown kind or no contact.
var ErrInvalidEvent = errors.New("invalid event")

type Candidates interface {
	CandidatesFor(ctx context.Context, kind domain.EventKind) ([]domain.Trigger, error)
}

type Ledger interface {
	Lock(triggerID, contactID string) func()
	Eligibility(ctx context.Context, t domain.Trigger, contactID string, now time.Time) (ledger.Eligibility, error)
	Begin(ctx context.Context, t domain.Trigger, contactID string, kind domain.EventKind, now time.Time) (domain.Execution, ledger.Eligibility, error)
	Succeed(ctx context.Context, exec domain.Execution) (domain.Execution, error)
	Fail(ctx context.Context, exec domain.Execution, actionIndex int, reason string) (domain.Execution, error)
}

// StateReader returns the current attributes of a contact. An unknown
// contact yields an empty map, not an error.
type StateReader interface {
	GetState(ctx context.Context, contactID string) (map[string]any, error)
}

type Dispatcher interface {
	Execute(ctx context.Context, req dispatcher.Request) dispatcher.Result
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	EventProcessed(kind string, executions int, duration time.Duration, err error)
	TriggerSkipped(reason string)
	TriggerEvaluationError()
	ExecutionFinalized(status string)
}

// AnalyticsSink records finalized executions. Errors are logged and ignored.
type AnalyticsSink interface {
	RecordExecution(ctx context.Context, exec domain.Execution) error
}

type Scheduler struct {
	candidates Candidates
	ledger     Ledger
	state      StateReader
	dispatcher Dispatcher
	metrics    MetricsSink   // optional, nil = disabled
	analytics  AnalyticsSink // optional, nil = disabled
	clock      func() time.Time
}

func New(candidates Candidates, ledger Ledger, state StateReader, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		candidates: candidates,
		ledger:     ledger,
		state:      state,
		dispatcher: dispatcher,
		clock:      time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithAnalytics attaches an analytics sink to the scheduler.
func (s *Scheduler) WithAnalytics(sink AnalyticsSink) *Scheduler {
	s.analytics = sink
	return s
}

// WithClock sets the clock used for eligibility checks and record timestamps.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Process handles one event and returns the finalized execution records in
// priority order. Skipped and non-matching triggers produce no record.
//
// On ErrStoreUnavailable or context cancellation, records already finalized
// are returned together with the error.
func (s *Scheduler) Process(ctx context.Context, event domain.Event) ([]domain.Execution, error) {
	start := time.Now()
	records, err := s.process(ctx, event)
	if s.metrics != nil {
		s.metrics.EventProcessed(string(event.Kind), len(records), time.Since(start), err)
	}
	if err != nil {
		log.Printf("scheduler: event kind=%s contact=%s aborted after %d executions: %v",
			event.Kind, event.ContactID, len(records), err)
	}
	return records, err
}

func (s *Scheduler) process(ctx context.Context, event domain.Event) ([]domain.Execution, error) {
	if !event.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, event.Kind)
	}
	if event.ContactID == "" {
		return nil, fmt.Errorf("%w: contact id is required", ErrInvalidEvent)
	}

	candidates, err := s.candidates.CandidatesFor(ctx, event.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: get candidates: %w", ErrStoreUnavailable, err)
	}

	st := &lazyState{reader: s.state, contactID: event.ContactID}
	var records []domain.Execution

	for _, t := range candidates {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		exec, fired, err := s.processTrigger(ctx, t, event, st)
		if err != nil {
			return records, err
		}
		if fired {
			records = append(records, exec)
		}
	}

	return records, nil
}

func (s *Scheduler) processTrigger(ctx context.Context, t domain.Trigger, event domain.Event, st *lazyState) (domain.Execution, bool, error) {
	unlock := s.ledger.Lock(t.ID, event.ContactID)
	defer unlock()

	now := s.clock().UTC()

	el, err := s.ledger.Eligibility(ctx, t, event.ContactID, now)
	if err != nil {
		return domain.Execution{}, false, fmt.Errorf("%w: trigger %s: %w", ErrStoreUnavailable, t.ID, err)
	}
	if !el.Eligible {
		s.skipped(el.Reason)
		return domain.Execution{}, false, nil
	}

	if t.Conditions != nil {
		state, err := st.get(ctx)
		if err != nil {
			return domain.Execution{}, false, fmt.Errorf("%w: read contact state: %w", ErrStoreUnavailable, err)
		}

		matched, err := condition.EvaluateEvent(event.Kind, t.Conditions, state, event.Payload)
		if err != nil {
			log.Printf("scheduler: trigger=%s contact=%s condition error, treated as no match: %v",
				t.ID, event.ContactID, err)
			if s.metrics != nil {
				s.metrics.TriggerEvaluationError()
			}
			return domain.Execution{}, false, nil
		}
		if !matched {
			return domain.Execution{}, false, nil
		}
	}

	exec, el, err := s.ledger.Begin(ctx, t, event.ContactID, event.Kind, now)
	if err != nil {
		return domain.Execution{}, false, fmt.Errorf("%w: trigger %s: %w", ErrStoreUnavailable, t.ID, err)
	}
	if !el.Eligible {
		// Another process reserved the pair after our pre-check.
		log.Printf("scheduler: trigger=%s contact=%s lost reservation: %s", t.ID, event.ContactID, el.Reason)
		s.skipped(el.Reason)
		return domain.Execution{}, false, nil
	}

	failedIndex, reason := s.runActions(ctx, t, exec)

	// A pending record must be finalized even if the event was cancelled
	// while its actions ran.
	fctx := context.WithoutCancel(ctx)
	if failedIndex < 0 {
		exec, err = s.ledger.Succeed(fctx, exec)
	} else {
		exec, err = s.ledger.Fail(fctx, exec, failedIndex, reason)
	}
	if errors.Is(err, ledger.ErrStatusTransitionDenied) {
		// The reconciler gave up on the record while the actions ran. The
		// actions are done, so retrying the event would only repeat them.
		log.Printf("scheduler: trigger=%s contact=%s execution=%s finalized elsewhere, local outcome %s dropped",
			t.ID, event.ContactID, exec.ID, outcome(failedIndex))
		return domain.Execution{}, false, nil
	}
	if err != nil {
		return domain.Execution{}, false, fmt.Errorf("%w: trigger %s: %w", ErrStoreUnavailable, t.ID, err)
	}

	if s.metrics != nil {
		s.metrics.ExecutionFinalized(string(exec.Status))
	}
	if s.analytics != nil {
		if err := s.analytics.RecordExecution(fctx, exec); err != nil {
			log.Printf("scheduler: analytics write failed execution=%s: %v", exec.ID, err)
		}
	}

	log.Printf("scheduler: trigger=%s contact=%s execution=%s status=%s",
		t.ID, event.ContactID, exec.ID, exec.Status)
	return exec, true, nil
}

func (s *Scheduler) skipped(reason ledger.SkipReason) {
	if s.metrics != nil {
		s.metrics.TriggerSkipped(string(reason))
	}
}

func outcome(failedIndex int) domain.ExecutionStatus {
	if failedIndex < 0 {
		return domain.ExecutionStatusSuccess
	}
	return domain.ExecutionStatusFailed
}

// runActions executes t's actions in order and stops at the first failure.
// It returns -1 when every action succeeded.
func (s *Scheduler) runActions(ctx context.Context, t domain.Trigger, exec domain.Execution) (int, string) {
	for i, action := range t.Actions {
		res := s.dispatcher.Execute(ctx, dispatcher.Request{
			Action:      action,
			ContactID:   exec.ContactID,
			TriggerID:   t.ID,
			ExecutionID: exec.ID.String(),
			Index:       i,
		})
		if !res.OK {
			return i, fmt.Sprintf("action %d (%s): %s", i, action.Type, res.Reason)
		}
	}
	return -1, ""
}

// lazyState reads contact state at most once per event.
type lazyState struct {
	reader    StateReader
	contactID string
	loaded    bool
	state     map[string]any
}

func (l *lazyState) get(ctx context.Context) (map[string]any, error) {
	if l.loaded {
		return l.state, nil
	}
	if l.reader == nil {
		l.loaded = true
		return nil, nil
	}
	state, err := l.reader.GetState(ctx, l.contactID)
	if err != nil {
		return nil, err
	}
	l.state = state
	l.loaded = true
	return state, nil
}
