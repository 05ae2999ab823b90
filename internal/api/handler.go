// Package api is the operator-facing HTTP surface: trigger authoring, event
// submission and the execution ledger query.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/djlord-it/easytrigger/internal/coordinator"
	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/rules"
	"github.com/djlord-it/easytrigger/internal/scheduler"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// Rules is the trigger authoring service.
type Rules interface {
	Create(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	Update(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	SetActive(ctx context.Context, id string, active bool) (domain.Trigger, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Trigger, error)
	List(ctx context.Context, limit, offset int) ([]domain.Trigger, error)
}

// Ledger answers the execution history query.
type Ledger interface {
	Recent(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error)
}

// Processor runs an event to completion and returns its records.
type Processor interface {
	Process(ctx context.Context, event domain.Event) ([]domain.Execution, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type MetricsSink interface {
	EventReceived(source string)
}

type Handler struct {
	rules     Rules
	ledger    Ledger
	processor Processor
	checks    map[string]HealthChecker
	metrics   MetricsSink
	clock     func() time.Time
}

func NewHandler(rules Rules, ledger Ledger, processor Processor) *Handler {
	return &Handler{
		rules:     rules,
		ledger:    ledger,
		processor: processor,
		checks:    make(map[string]HealthChecker),
		clock:     time.Now,
	}
}

// WithHealthChecker adds a named component to verbose /health responses.
func (h *Handler) WithHealthChecker(name string, c HealthChecker) *Handler {
	h.checks[name] = c
	return h
}

func (h *Handler) WithMetrics(m MetricsSink) *Handler {
	h.metrics = m
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case r.URL.Path == "/events" && r.Method == http.MethodPost:
		h.submitEvent(w, r)

	case r.URL.Path == "/executions" && r.Method == http.MethodGet:
		h.listExecutions(w, r)

	case r.URL.Path == "/triggers" && r.Method == http.MethodPost:
		h.createTrigger(w, r)

	case r.URL.Path == "/triggers" && r.Method == http.MethodGet:
		h.listTriggers(w, r)

	case len(parts) == 2 && parts[0] == "triggers" && parts[1] != "":
		switch r.Method {
		case http.MethodGet:
			h.getTrigger(w, r, parts[1])
		case http.MethodPut:
			h.updateTrigger(w, r, parts[1])
		case http.MethodDelete:
			h.deleteTrigger(w, r, parts[1])
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case len(parts) == 3 && parts[0] == "triggers" && r.Method == http.MethodPost &&
		(parts[2] == "activate" || parts[2] == "deactivate"):
		h.setActive(w, r, parts[1], parts[2] == "activate")

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) createTrigger(w http.ResponseWriter, r *http.Request) {
	var def rules.Definition
	if err := decodeJSON(w, r, &def); err != nil {
		writeDecodeError(w, err)
		return
	}

	t, err := rules.Build(def)
	if err != nil {
		writeServiceError(w, "create trigger", err)
		return
	}

	created, err := h.rules.Create(r.Context(), t)
	if err != nil {
		writeServiceError(w, "create trigger", err)
		return
	}

	writeJSON(w, http.StatusCreated, triggerResponse(created))
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	triggers, err := h.rules.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, "list triggers", err)
		return
	}

	resp := ListTriggersResponse{Triggers: make([]TriggerResponse, len(triggers))}
	for i, t := range triggers {
		resp.Triggers[i] = triggerResponse(t)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTrigger(w http.ResponseWriter, r *http.Request, id string) {
	t, err := h.rules.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, "get trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse(t))
}

func (h *Handler) updateTrigger(w http.ResponseWriter, r *http.Request, id string) {
	var def rules.Definition
	if err := decodeJSON(w, r, &def); err != nil {
		writeDecodeError(w, err)
		return
	}
	if def.ID != "" && def.ID != id {
		writeError(w, http.StatusBadRequest, "id in body does not match path")
		return
	}
	def.ID = id

	t, err := rules.Build(def)
	if err != nil {
		writeServiceError(w, "update trigger", err)
		return
	}

	updated, err := h.rules.Update(r.Context(), t)
	if err != nil {
		writeServiceError(w, "update trigger", err)
		return
	}

	writeJSON(w, http.StatusOK, triggerResponse(updated))
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, id string, active bool) {
	t, err := h.rules.SetActive(r.Context(), id, active)
	if err != nil {
		writeServiceError(w, "set active", err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse(t))
}

func (h *Handler) deleteTrigger(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.rules.Delete(r.Context(), id); err != nil {
		writeServiceError(w, "delete trigger", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.EventReceived("http")
	}

	var req EventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	event := domain.Event{
		Kind:       domain.EventKind(req.Kind),
		ContactID:  req.ContactID,
		Payload:    payload,
		ReceivedAt: h.clock().UTC(),
	}

	records, err := h.processor.Process(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrInvalidEvent):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, scheduler.ErrStoreUnavailable),
			errors.Is(err, coordinator.ErrShuttingDown),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			log.Printf("api: event contact=%s kind=%s not processed: %v", event.ContactID, event.Kind, err)
			writeError(w, http.StatusServiceUnavailable, "event not processed, retry later")
		default:
			log.Printf("api: event contact=%s kind=%s error: %v", event.ContactID, event.Kind, err)
			writeError(w, http.StatusInternalServerError, "failed to process event")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, EventResponse{Records: executionResponses(records)})
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseExecutionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execs, err := h.ledger.Recent(r.Context(), filter)
	if err != nil {
		writeServiceError(w, "list executions", err)
		return
	}

	resp := ListExecutionsResponse{Executions: executionResponses(execs)}
	if len(execs) > 0 && len(execs) == filter.Limit {
		last := execs[len(execs)-1]
		resp.NextBefore = formatTimeNano(last.ExecutedAt)
		resp.NextBeforeID = last.ID.String()
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// writeServiceError maps rule and ledger errors to status codes.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	if verrs, ok := domain.AsValidationErrors(err); ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: verrs})
		return
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "trigger not found")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "trigger already exists")
	default:
		log.Printf("api: %s error: %v", op, err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
