package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easytrigger/internal/coordinator"
	"github.com/djlord-it/easytrigger/internal/dispatcher"
	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/ledger"
	"github.com/djlord-it/easytrigger/internal/rules"
	"github.com/djlord-it/easytrigger/internal/scheduler"
	"github.com/djlord-it/easytrigger/internal/store/memory"
)

// mockProcessor returns configured records or an error.
type mockProcessor struct {
	records []domain.Execution
	err     error
	events  []domain.Event
}

func (p *mockProcessor) Process(ctx context.Context, event domain.Event) ([]domain.Execution, error) {
	p.events = append(p.events, event)
	return p.records, p.err
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error {
	return m.err
}

type countingMetrics struct {
	sources []string
}

func (m *countingMetrics) EventReceived(source string) {
	m.sources = append(m.sources, source)
}

type okDispatcher struct {
	calls int
}

func (d *okDispatcher) Execute(ctx context.Context, req dispatcher.Request) dispatcher.Result {
	d.calls++
	return dispatcher.Result{OK: true}
}

type fixture struct {
	store     *memory.Store
	ledger    *ledger.Ledger
	processor *mockProcessor
	handler   *Handler
}

func newFixture() *fixture {
	store := memory.New()
	led := ledger.New(store)
	proc := &mockProcessor{}
	return &fixture{
		store:     store,
		ledger:    led,
		processor: proc,
		handler:   NewHandler(rules.NewService(store, rules.DefaultCacheSize), led, proc),
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

const welcomeTrigger = `{
	"id": "welcome",
	"name": "Welcome task",
	"trigger_event": "new_interaction",
	"conditions": {"all": [{"field": "channel", "operator": "equals", "value": "web"}]},
	"actions": [{"type": "create_task", "parameters": {"title": "Say hello"}}],
	"priority": 5,
	"cooldown_minutes": 60,
	"max_executions_per_contact": 1
}`

func TestHandler_CreateTrigger_Success(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/triggers", welcomeTrigger)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[TriggerResponse](t, rec)
	assert.Equal(t, "welcome", resp.ID)
	assert.Equal(t, "new_interaction", resp.TriggerEvent)
	require.NotNil(t, resp.IsActive)
	assert.True(t, *resp.IsActive, "triggers are active by default")
	require.NotNil(t, resp.MaxExecutionsPerContact)
	assert.Equal(t, 1, *resp.MaxExecutionsPerContact)
	assert.NotEmpty(t, resp.CreatedAt)

	stored, err := f.store.GetTrigger(context.Background(), "welcome")
	require.NoError(t, err)
	assert.Equal(t, 60, stored.CooldownMinutes)
	require.Len(t, stored.Actions, 1)
	assert.Equal(t, domain.CreateTaskParams{Title: "Say hello"}, stored.Actions[0].Params)
}

func TestHandler_CreateTrigger_GeneratesID(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/triggers", `{
		"name": "n", "trigger_event": "manual",
		"actions": [{"type": "send_notification", "parameters": {"channel": "email", "message": "hi"}}]
	}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[TriggerResponse](t, rec)
	_, err := uuid.Parse(resp.ID)
	assert.NoError(t, err, "generated id should be a uuid, got %q", resp.ID)
}

func TestHandler_CreateTrigger_ValidationError(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/triggers", `{
		"name": "",
		"trigger_event": "birthday",
		"actions": [{"type": "create_task", "parameters": {}}],
		"cooldown_minutes": -5
	}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation failed", resp.Error)

	fields := make(map[string]bool)
	for _, fe := range resp.Fields {
		fields[fe.Field] = true
		assert.NotEmpty(t, fe.Reason)
	}
	assert.True(t, fields["name"], "fields: %v", resp.Fields)
	assert.True(t, fields["trigger_event"], "fields: %v", resp.Fields)
	assert.True(t, fields["cooldown_minutes"], "fields: %v", resp.Fields)
	assert.True(t, fields["actions[0].parameters.title"], "fields: %v", resp.Fields)
}

func TestHandler_CreateTrigger_UnknownActionType(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/triggers", `{
		"name": "n", "trigger_event": "manual",
		"actions": [{"type": "run_script", "parameters": {}}]
	}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.NotEmpty(t, resp.Fields)
	assert.Equal(t, "actions[0]", resp.Fields[0].Field)
}

func TestHandler_CreateTrigger_Conflict(t *testing.T) {
	f := newFixture()
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/triggers", welcomeTrigger).Code)

	rec := f.do(t, http.MethodPost, "/triggers", welcomeTrigger)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_CreateTrigger_InvalidJSON(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/triggers", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/triggers", `{"name":"n","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestHandler_CreateTrigger_BodyTooLarge(t *testing.T) {
	f := newFixture()

	body := `{"name":"` + strings.Repeat("x", maxRequestBodySize+1) + `"}`
	rec := f.do(t, http.MethodPost, "/triggers", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_GetTrigger(t *testing.T) {
	f := newFixture()
	f.do(t, http.MethodPost, "/triggers", welcomeTrigger)

	rec := f.do(t, http.MethodGet, "/triggers/welcome", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welcome task", decode[TriggerResponse](t, rec).Name)

	rec = f.do(t, http.MethodGet, "/triggers/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ListTriggers(t *testing.T) {
	f := newFixture()
	f.do(t, http.MethodPost, "/triggers", welcomeTrigger)

	rec := f.do(t, http.MethodGet, "/triggers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListTriggersResponse](t, rec)
	require.Len(t, resp.Triggers, 1)
	assert.Equal(t, "welcome", resp.Triggers[0].ID)

	rec = f.do(t, http.MethodGet, "/triggers?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ListTriggers_Empty(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/triggers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"triggers":[]}`, rec.Body.String())
}

func TestHandler_UpdateTrigger(t *testing.T) {
	f := newFixture()
	f.do(t, http.MethodPost, "/triggers", welcomeTrigger)

	rec := f.do(t, http.MethodPut, "/triggers/welcome", `{
		"name": "Welcome call",
		"trigger_event": "new_interaction",
		"actions": [{"type": "create_task", "parameters": {"title": "Call"}}],
		"priority": 9
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[TriggerResponse](t, rec)
	assert.Equal(t, "Welcome call", resp.Name)
	assert.Equal(t, 9, resp.Priority)

	stored, err := f.store.GetTrigger(context.Background(), "welcome")
	require.NoError(t, err)
	assert.Nil(t, stored.Conditions, "PUT replaces the whole definition")
}

func TestHandler_UpdateTrigger_Errors(t *testing.T) {
	f := newFixture()
	f.do(t, http.MethodPost, "/triggers", welcomeTrigger)

	valid := `{"name":"n","trigger_event":"manual","actions":[{"type":"create_task","parameters":{"title":"t"}}]}`

	rec := f.do(t, http.MethodPut, "/triggers/missing", valid)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/triggers/welcome", `{"id":"other","name":"n","trigger_event":"manual","actions":[{"type":"create_task","parameters":{"title":"t"}}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/triggers/welcome", `{"name":"n","trigger_event":"manual","actions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ActivateDeactivate(t *testing.T) {
	f := newFixture()
	f.do(t, http.MethodPost, "/triggers", welcomeTrigger)

	rec := f.do(t, http.MethodPost, "/triggers/welcome/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, *decode[TriggerResponse](t, rec).IsActive)

	candidates, err := f.store.ActiveTriggersForEvent(context.Background(), domain.EventNewInteraction)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	rec = f.do(t, http.MethodPost, "/triggers/welcome/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *decode[TriggerResponse](t, rec).IsActive)

	rec = f.do(t, http.MethodPost, "/triggers/missing/activate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_DeleteTrigger(t *testing.T) {
	f := newFixture()
	f.do(t, http.MethodPost, "/triggers", welcomeTrigger)

	rec := f.do(t, http.MethodDelete, "/triggers/welcome", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/triggers/welcome", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_SubmitEvent_Success(t *testing.T) {
	f := newFixture()
	metrics := &countingMetrics{}
	f.handler.WithMetrics(metrics)

	executedAt := time.Date(2026, 5, 4, 10, 0, 0, 123000000, time.UTC)
	f.processor.records = []domain.Execution{{
		ID:           uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7"),
		TriggerID:    "welcome",
		ContactID:    "c1",
		EventKind:    domain.EventScoreChange,
		Status:       domain.ExecutionStatusSuccess,
		ExecutedAt:   executedAt,
		FailedAction: -1,
	}}

	rec := f.do(t, http.MethodPost, "/events", `{
		"kind": "score_change",
		"contact_id": "c1",
		"payload": {"field": "score", "previous": 40, "new": 85}
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"records":[{
		"id": "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		"trigger_id": "welcome",
		"contact_id": "c1",
		"event_kind": "score_change",
		"status": "success",
		"executed_at": "2026-05-04T10:00:00.123Z"
	}]}`, rec.Body.String())

	require.Len(t, f.processor.events, 1)
	event := f.processor.events[0]
	assert.Equal(t, domain.EventScoreChange, event.Kind)
	assert.Equal(t, "c1", event.ContactID)
	assert.Equal(t, json.Number("85"), event.Payload["new"])
	assert.Equal(t, []string{"http"}, metrics.sources)
}

func TestHandler_SubmitEvent_NoRecords(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/events", `{"kind":"manual","contact_id":"c1"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"records":[]}`, rec.Body.String())
	assert.NotNil(t, f.processor.events[0].Payload)
}

func TestHandler_SubmitEvent_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid event", fmt.Errorf("%w: unknown kind %q", scheduler.ErrInvalidEvent, "x"), http.StatusBadRequest},
		{"store unavailable", fmt.Errorf("%w: get candidates: %w", scheduler.ErrStoreUnavailable, errors.New("conn refused")), http.StatusServiceUnavailable},
		{"shutting down", coordinator.ErrShuttingDown, http.StatusServiceUnavailable},
		{"client gone", context.Canceled, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.processor.err = tt.err

			rec := f.do(t, http.MethodPost, "/events", `{"kind":"manual","contact_id":"c1"}`)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHandler_ListExecutions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	trig := domain.Trigger{ID: "welcome"}
	for i := 0; i < 3; i++ {
		exec, _, err := f.ledger.Begin(ctx, trig, "c1", domain.EventManual, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		_, err = f.ledger.Succeed(ctx, exec)
		require.NoError(t, err)
	}
	_, _, err := f.ledger.Begin(ctx, domain.Trigger{ID: "other"}, "c2", domain.EventManual, base)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/executions?trigger_id=welcome&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page1 := decode[ListExecutionsResponse](t, rec)
	require.Len(t, page1.Executions, 2)
	assert.Equal(t, "2026-05-04T10:02:00Z", page1.Executions[0].ExecutedAt, "newest first")
	assert.Equal(t, "2026-05-04T10:01:00Z", page1.Executions[1].ExecutedAt)
	require.NotEmpty(t, page1.NextBefore)
	assert.Equal(t, page1.Executions[1].ID, page1.NextBeforeID)

	rec = f.do(t, http.MethodGet, "/executions?trigger_id=welcome&limit=2&before="+page1.NextBefore+"&before_id="+page1.NextBeforeID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page2 := decode[ListExecutionsResponse](t, rec)
	require.Len(t, page2.Executions, 1)
	assert.Equal(t, "2026-05-04T10:00:00Z", page2.Executions[0].ExecutedAt)
	assert.Empty(t, page2.NextBefore, "a short page is the last one")
	assert.Empty(t, page2.NextBeforeID)

	rec = f.do(t, http.MethodGet, "/executions?contact_id=c2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	other := decode[ListExecutionsResponse](t, rec)
	require.Len(t, other.Executions, 1)
	assert.Equal(t, "pending", other.Executions[0].Status)
}

func TestHandler_ListExecutions_PagesThroughSameInstant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	// Five contacts fired by one bulk event share a timestamp.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.InsertExecution(ctx, domain.Execution{
			ID:           uuid.New(),
			TriggerID:    "welcome",
			ContactID:    fmt.Sprintf("c%d", i),
			EventKind:    domain.EventManual,
			Status:       domain.ExecutionStatusSuccess,
			ExecutedAt:   at,
			FailedAction: -1,
		}))
	}

	seen := map[string]bool{}
	path := "/executions?limit=2"
	for pages := 0; pages < 5; pages++ {
		rec := f.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[ListExecutionsResponse](t, rec)
		for _, e := range page.Executions {
			assert.False(t, seen[e.ID], "execution %s listed twice", e.ID)
			seen[e.ID] = true
		}
		if page.NextBefore == "" {
			break
		}
		path = "/executions?limit=2&before=" + page.NextBefore + "&before_id=" + page.NextBeforeID
	}
	assert.Len(t, seen, 5)
}

func TestHandler_ListExecutions_BadQuery(t *testing.T) {
	f := newFixture()

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/executions?before=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/executions?limit=-3", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/executions?before_id="+uuid.NewString(), "").Code)
}

func TestHandler_Health_Simple(t *testing.T) {
	f := newFixture()
	f.handler.WithHealthChecker("database", &mockHealthChecker{err: errors.New("down")})

	rec := f.do(t, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code, "non-verbose health does not check components")
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandler_Health_Verbose_Healthy(t *testing.T) {
	f := newFixture()
	f.handler.WithHealthChecker("database", &mockHealthChecker{})

	rec := f.do(t, http.MethodGet, "/health?verbose=true", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "healthy", resp.Components["database"])
}

func TestHandler_Health_Verbose_Unhealthy(t *testing.T) {
	f := newFixture()
	f.handler.
		WithHealthChecker("database", &mockHealthChecker{err: errors.New("connection refused")}).
		WithHealthChecker("nats", &mockHealthChecker{})

	rec := f.do(t, http.MethodGet, "/health?verbose=true", "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Components["database"], "connection refused")
	assert.Equal(t, "healthy", resp.Components["nats"])
}

func TestHandler_NotFound(t *testing.T) {
	f := newFixture()

	for _, path := range []string{"/", "/jobs", "/triggers/a/b/c", "/triggers/welcome/pause"} {
		rec := f.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPatch, "/triggers/welcome", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_EndToEndWithScheduler(t *testing.T) {
	// Authoring through the API feeds the scheduler's candidate query.
	store := memory.New()
	svc := rules.NewService(store, rules.DefaultCacheSize)
	led := ledger.New(store)
	disp := &okDispatcher{}
	sched := scheduler.New(svc, led, store, disp)
	h := NewHandler(svc, led, sched)

	post := func(path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body)))
		return rec
	}

	require.Equal(t, http.StatusCreated, post("/triggers", `{
		"id": "hot-lead",
		"name": "Hot lead",
		"trigger_event": "score_change",
		"conditions": {"all": [{"field": "score", "operator": "greater_than", "value": 80}]},
		"actions": [{"type": "create_task", "parameters": {"title": "Call now"}}],
		"cooldown_minutes": 60
	}`).Code)

	event := `{"kind":"score_change","contact_id":"c1","payload":{"field":"score","previous":40,"new":85}}`

	rec := post("/events", event)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[EventResponse](t, rec)
	require.Len(t, first.Records, 1)
	assert.Equal(t, "success", first.Records[0].Status)

	rec = post("/events", event)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, decode[EventResponse](t, rec).Records, "second event inside the cooldown leaves no record")
	assert.Equal(t, 1, disp.calls)
}
