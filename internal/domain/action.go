package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// ActionType is the closed set of action kinds a trigger can run.
type ActionType string

const (
	ActionCreateTask       ActionType = "create_task"
	ActionSendNotification ActionType = "send_notification"
	ActionUpdateField      ActionType = "update_field"
	ActionWebhook          ActionType = "webhook"
)

// Notification channels accepted by send_notification.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelInApp = "in_app"
)

// ActionParams is implemented by the typed parameter struct of each action type.
type ActionParams interface {
	ActionType() ActionType
	Validate(field string) ValidationErrors
}

// CreateTaskParams parameterizes create_task.
type CreateTaskParams struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueInHours  int    `json:"due_in_hours,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

func (CreateTaskParams) ActionType() ActionType { return ActionCreateTask }

func (p CreateTaskParams) Validate(field string) ValidationErrors {
	var errs ValidationErrors
	if p.Title == "" {
		errs.Add(field+".title", "required")
	}
	if p.DueInHours < 0 {
		errs.Add(field+".due_in_hours", "must not be negative")
	}
	return errs
}

// SendNotificationParams parameterizes send_notification.
type SendNotificationParams struct {
	Channel  string `json:"channel"`
	Template string `json:"template,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (SendNotificationParams) ActionType() ActionType { return ActionSendNotification }

func (p SendNotificationParams) Validate(field string) ValidationErrors {
	var errs ValidationErrors
	switch p.Channel {
	case ChannelEmail, ChannelSMS, ChannelInApp:
	case "":
		errs.Add(field+".channel", "required")
	default:
		errs.Add(field+".channel", "must be one of email, sms, in_app, got %q", p.Channel)
	}
	if p.Template == "" && p.Message == "" {
		errs.Add(field+".message", "template or message is required")
	}
	return errs
}

// UpdateFieldParams parameterizes update_field.
type UpdateFieldParams struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (UpdateFieldParams) ActionType() ActionType { return ActionUpdateField }

func (p UpdateFieldParams) Validate(field string) ValidationErrors {
	var errs ValidationErrors
	if p.Field == "" {
		errs.Add(field+".field", "required")
	}
	if p.Value == nil {
		errs.Add(field+".value", "required")
	}
	return errs
}

// WebhookParams parameterizes webhook.
type WebhookParams struct {
	URL            string `json:"url"`
	Secret         string `json:"secret,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (WebhookParams) ActionType() ActionType { return ActionWebhook }

func (p WebhookParams) Validate(field string) ValidationErrors {
	var errs ValidationErrors
	if p.URL == "" {
		errs.Add(field+".url", "required")
	} else if u, err := url.Parse(p.URL); err != nil {
		errs.Add(field+".url", "invalid url: %v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs.Add(field+".url", "scheme must be http or https")
	} else if u.Host == "" {
		errs.Add(field+".url", "host is required")
	}
	if p.TimeoutSeconds < 0 {
		errs.Add(field+".timeout_seconds", "must not be negative")
	}
	return errs
}

// Action is one typed step of a trigger's action list.
type Action struct {
	Type   ActionType
	Params ActionParams
}

// NewAction decodes raw authoring parameters into the typed struct for typ.
// Unknown types and unknown parameter names are rejected.
func NewAction(typ ActionType, raw map[string]any) (Action, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Action{}, fmt.Errorf("encode parameters: %w", err)
	}
	return decodeAction(typ, data)
}

func decodeAction(typ ActionType, data []byte) (Action, error) {
	var params ActionParams
	switch typ {
	case ActionCreateTask:
		var p CreateTaskParams
		if err := strictUnmarshal(data, &p); err != nil {
			return Action{}, err
		}
		params = p
	case ActionSendNotification:
		var p SendNotificationParams
		if err := strictUnmarshal(data, &p); err != nil {
			return Action{}, err
		}
		params = p
	case ActionUpdateField:
		var p UpdateFieldParams
		if err := strictUnmarshal(data, &p); err != nil {
			return Action{}, err
		}
		params = p
	case ActionWebhook:
		var p WebhookParams
		if err := strictUnmarshal(data, &p); err != nil {
			return Action{}, err
		}
		params = p
	default:
		return Action{}, fmt.Errorf("unknown action type %q", typ)
	}
	return Action{Type: typ, Params: params}, nil
}

func strictUnmarshal(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

type actionJSON struct {
	Type       ActionType      `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	var params json.RawMessage
	if a.Params != nil {
		data, err := json.Marshal(a.Params)
		if err != nil {
			return nil, err
		}
		params = data
	}
	return json.Marshal(actionJSON{Type: a.Type, Parameters: params})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw actionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := decodeAction(raw.Type, raw.Parameters)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}
