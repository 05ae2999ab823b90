package api

import (
	"time"

	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/rules"
)

// TriggerResponse is a trigger definition plus its timestamps.
type TriggerResponse struct {
	rules.Definition
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
}

// EventRequest submits one CRM event for synchronous processing.
type EventRequest struct {
	Kind      string         `json:"kind"`
	ContactID string         `json:"contact_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventResponse lists the executions the event produced. Skipped and
// non-matching triggers leave no record.
type EventResponse struct {
	Records []ExecutionResponse `json:"records"`
}

type ExecutionResponse struct {
	ID           string `json:"id"`
	TriggerID    string `json:"trigger_id"`
	ContactID    string `json:"contact_id"`
	EventKind    string `json:"event_kind"`
	Status       string `json:"status"`
	ExecutedAt   string `json:"executed_at"`
	Error        string `json:"error,omitempty"`
	FailedAction *int   `json:"failed_action,omitempty"`
}

// ListExecutionsResponse is one page, newest first. NextBefore and
// NextBeforeID are set when the page is full; pass them as ?before= and
// ?before_id= to fetch the next page.
type ListExecutionsResponse struct {
	Executions   []ExecutionResponse `json:"executions"`
	NextBefore   string              `json:"next_before,omitempty"`
	NextBeforeID string              `json:"next_before_id,omitempty"`
}

type ErrorResponse struct {
	Error  string                   `json:"error"`
	Fields []domain.ValidationError `json:"fields,omitempty"`
}

func triggerResponse(t domain.Trigger) TriggerResponse {
	return TriggerResponse{
		Definition: rules.DefinitionOf(t),
		CreatedAt:  formatTime(t.CreatedAt),
		UpdatedAt:  formatTime(t.UpdatedAt),
	}
}

func executionResponse(e domain.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:         e.ID.String(),
		TriggerID:  e.TriggerID,
		ContactID:  e.ContactID,
		EventKind:  string(e.EventKind),
		Status:     string(e.Status),
		ExecutedAt: formatTimeNano(e.ExecutedAt),
		Error:      e.Error,
	}
	if e.FailedAction >= 0 {
		idx := e.FailedAction
		resp.FailedAction = &idx
	}
	return resp
}

func executionResponses(execs []domain.Execution) []ExecutionResponse {
	out := make([]ExecutionResponse, len(execs))
	for i, e := range execs {
		out[i] = executionResponse(e)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatTimeNano keeps sub-second precision so that executed_at works as a
// pagination cursor.
func formatTimeNano(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
