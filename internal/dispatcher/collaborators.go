package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// Collaborator endpoints, relative to the base URL.
const (
	PathTasks    = "/tasks"
	PathMessages = "/messages"
	PathFields   = "/fields"
)

// HTTPCollaborator forwards task, message and field actions as JSON POSTs to
// a CRM-side service. Any non-2xx response is a failure.
type HTTPCollaborator struct {
	baseURL string
	client  *http.Client
}

func NewHTTPCollaborator(baseURL string) *HTTPCollaborator {
	return &HTTPCollaborator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

type taskBody struct {
	ContactID string `json:"contact_id"`
	domain.CreateTaskParams
}

type messageBody struct {
	ContactID string `json:"contact_id"`
	domain.SendNotificationParams
}

type fieldBody struct {
	ContactID string `json:"contact_id"`
	Field     string `json:"field"`
	Value     any    `json:"value"`
}

func (c *HTTPCollaborator) CreateTask(ctx context.Context, contactID string, params domain.CreateTaskParams) error {
	return c.post(ctx, PathTasks, taskBody{ContactID: contactID, CreateTaskParams: params})
}

func (c *HTTPCollaborator) SendMessage(ctx context.Context, contactID, channel string, params domain.SendNotificationParams) error {
	params.Channel = channel
	return c.post(ctx, PathMessages, messageBody{ContactID: contactID, SendNotificationParams: params})
}

func (c *HTTPCollaborator) UpdateField(ctx context.Context, contactID, field string, value any) error {
	return c.post(ctx, PathFields, fieldBody{ContactID: contactID, Field: field, Value: value})
}

func (c *HTTPCollaborator) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d (%s)", path, resp.StatusCode, ClassifyStatus(resp.StatusCode, nil))
	}
	return nil
}

// LogCollaborator accepts task and message actions by logging them. It is
// used when no collaborator service is configured.
type LogCollaborator struct{}

func (LogCollaborator) CreateTask(_ context.Context, contactID string, params domain.CreateTaskParams) error {
	log.Printf("dispatcher: create_task contact=%s title=%q assignee=%q due_in_hours=%d",
		contactID, params.Title, params.Assignee, params.DueInHours)
	return nil
}

func (LogCollaborator) SendMessage(_ context.Context, contactID, channel string, params domain.SendNotificationParams) error {
	log.Printf("dispatcher: send_notification contact=%s channel=%s template=%q",
		contactID, channel, params.Template)
	return nil
}

var (
	_ TaskCreator   = (*HTTPCollaborator)(nil)
	_ MessageSender = (*HTTPCollaborator)(nil)
	_ FieldUpdater  = (*HTTPCollaborator)(nil)
	_ TaskCreator   = LogCollaborator{}
	_ MessageSender = LogCollaborator{}
	_ WebhookSender = (*HTTPWebhookSender)(nil)
)
