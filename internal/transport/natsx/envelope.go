package natsx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// CloudEventsSpecVersion is the only envelope version accepted.
const CloudEventsSpecVersion = "1.0"

// CloudEvent is the minimal CloudEvents envelope carried on the intake subject.
// Type is the event kind and Subject the contact id.
type CloudEvent struct {
	SpecVersion string         `json:"specversion"`
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Type        string         `json:"type"`
	Time        string         `json:"time,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

var errMalformed = errors.New("malformed event")

// Decode parses body into a domain event. Numbers in data keep their
// literal form as json.Number. Kind and contact are checked again by the
// scheduler; Decode only rejects envelopes that cannot be mapped at all.
func Decode(body []byte, now time.Time) (domain.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var ce CloudEvent
	if err := dec.Decode(&ce); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if ce.SpecVersion != CloudEventsSpecVersion {
		return domain.Event{}, fmt.Errorf("%w: unsupported specversion %q", errMalformed, ce.SpecVersion)
	}
	if ce.Type == "" {
		return domain.Event{}, fmt.Errorf("%w: type is required", errMalformed)
	}
	if ce.Subject == "" {
		return domain.Event{}, fmt.Errorf("%w: subject is required", errMalformed)
	}

	received := now.UTC()
	if ce.Time != "" {
		t, err := time.Parse(time.RFC3339Nano, ce.Time)
		if err != nil {
			return domain.Event{}, fmt.Errorf("%w: time: %v", errMalformed, err)
		}
		received = t.UTC()
	}

	payload := ce.Data
	if payload == nil {
		payload = map[string]any{}
	}

	return domain.Event{
		Kind:       domain.EventKind(ce.Type),
		ContactID:  ce.Subject,
		Payload:    payload,
		ReceivedAt: received,
	}, nil
}

// Reply statuses.
const (
	StatusOK       = "ok"
	StatusRetry    = "retry"
	StatusRejected = "rejected"
)

// Reply is sent to the reply subject of a request.
type Reply struct {
	Status  string   `json:"status"`
	Records []Record `json:"records,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Record is the reply form of an execution.
type Record struct {
	ID           string `json:"id"`
	TriggerID    string `json:"trigger_id"`
	ContactID    string `json:"contact_id"`
	Status       string `json:"status"`
	ExecutedAt   string `json:"executed_at"`
	Error        string `json:"error,omitempty"`
	FailedAction *int   `json:"failed_action,omitempty"`
}

func okReply(records []domain.Execution) Reply {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		rec := Record{
			ID:         r.ID.String(),
			TriggerID:  r.TriggerID,
			ContactID:  r.ContactID,
			Status:     string(r.Status),
			ExecutedAt: r.ExecutedAt.UTC().Format(time.RFC3339Nano),
			Error:      r.Error,
		}
		if r.FailedAction >= 0 {
			idx := r.FailedAction
			rec.FailedAction = &idx
		}
		out = append(out, rec)
	}
	return Reply{Status: StatusOK, Records: out}
}
