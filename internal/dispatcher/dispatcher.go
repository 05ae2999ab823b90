// Package dispatcher executes a single typed trigger action by routing it to
// the collaborator responsible for that action type.
//
// The dispatcher holds no business logic beyond type routing and a uniform
// per-action timeout. A collaborator error, timeout, open circuit or panic is
// converted into a failed Result; nothing propagates past Execute.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// DefaultTimeout bounds a single action when no timeout is configured.
const DefaultTimeout = 10 * time.Second

var (
	ErrNoCollaborator = errors.New("no collaborator configured")
	ErrUnknownAction  = errors.New("unknown action type")
)

// TaskCreator creates a follow-up task for a contact.
type TaskCreator interface {
	CreateTask(ctx context.Context, contactID string, params domain.CreateTaskParams) error
}

// MessageSender delivers a notification to a contact over a channel.
type MessageSender interface {
	SendMessage(ctx context.Context, contactID, channel string, params domain.SendNotificationParams) error
}

// FieldUpdater writes a contact attribute.
type FieldUpdater interface {
	UpdateField(ctx context.Context, contactID, field string, value any) error
}

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

// Breaker guards collaborators that keep failing. Keys are action types,
// or the target URL for webhooks.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ActionDispatched(actionType, outcome string, duration time.Duration)
	ActionsInFlightIncr()
	ActionsInFlightDecr()
}

// Collaborators wires each action type to its external call. Nil entries
// make the corresponding action type fail.
type Collaborators struct {
	Tasks    TaskCreator
	Messages MessageSender
	Fields   FieldUpdater
	Webhooks WebhookSender
}

// Request identifies one action of one execution.
type Request struct {
	Action      domain.Action
	ContactID   string
	TriggerID   string
	ExecutionID string
	Index       int
}

// Result is the outcome of a single action.
type Result struct {
	OK       bool
	Reason   string
	Duration time.Duration
}

func failure(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

type handler func(ctx context.Context, req Request) error

type Dispatcher struct {
	handlers map[domain.ActionType]handler
	timeout  time.Duration
	breaker  Breaker     // optional, nil = disabled
	metrics  MetricsSink // optional, nil = disabled
}

func New(c Collaborators, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Dispatcher{timeout: timeout}
	d.handlers = map[domain.ActionType]handler{
		domain.ActionCreateTask:       createTask(c.Tasks),
		domain.ActionSendNotification: sendNotification(c.Messages),
		domain.ActionUpdateField:      updateField(c.Fields),
		domain.ActionWebhook:          callWebhook(c.Webhooks),
	}
	return d
}

// WithBreaker attaches a circuit breaker to the dispatcher.
func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// Execute runs one action and reports its outcome. It never panics and
// returns within the configured timeout even if the collaborator does not.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Result {
	if d.metrics != nil {
		d.metrics.ActionsInFlightIncr()
		defer d.metrics.ActionsInFlightDecr()
	}

	start := time.Now()
	res := d.execute(ctx, req)
	res.Duration = time.Since(start)

	if d.metrics != nil {
		outcome := "success"
		if !res.OK {
			outcome = "failed"
		}
		d.metrics.ActionDispatched(string(req.Action.Type), outcome, res.Duration)
	}
	if !res.OK {
		log.Printf("dispatcher: trigger=%s contact=%s action[%d]=%s failed: %s",
			req.TriggerID, req.ContactID, req.Index, req.Action.Type, res.Reason)
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, req Request) Result {
	h, ok := d.handlers[req.Action.Type]
	if !ok {
		return failure("%v: %q", ErrUnknownAction, req.Action.Type)
	}

	key := breakerKey(req.Action)
	if d.breaker != nil {
		if err := d.breaker.Allow(key); err != nil {
			return failure("%s: %v", key, err)
		}
	}

	actionCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("collaborator panic: %v", r)
			}
		}()
		done <- h(actionCtx, req)
	}()

	var err error
	select {
	case err = <-done:
	case <-actionCtx.Done():
		err = fmt.Errorf("action timed out after %s: %w", d.timeout, actionCtx.Err())
		if ctx.Err() != nil {
			err = fmt.Errorf("action cancelled: %w", ctx.Err())
		}
	}

	if d.breaker != nil {
		if err != nil && !errors.Is(err, ErrNoCollaborator) {
			d.breaker.RecordFailure(key)
		} else if err == nil {
			d.breaker.RecordSuccess(key)
		}
	}

	if err != nil {
		return failure("%v", err)
	}
	return Result{OK: true}
}

func breakerKey(a domain.Action) string {
	if p, ok := a.Params.(domain.WebhookParams); ok {
		return p.URL
	}
	return string(a.Type)
}

func createTask(c TaskCreator) handler {
	return func(ctx context.Context, req Request) error {
		if c == nil {
			return fmt.Errorf("create_task: %w", ErrNoCollaborator)
		}
		p, ok := req.Action.Params.(domain.CreateTaskParams)
		if !ok {
			return fmt.Errorf("create_task: unexpected parameters %T", req.Action.Params)
		}
		return c.CreateTask(ctx, req.ContactID, p)
	}
}

func sendNotification(c MessageSender) handler {
	return func(ctx context.Context, req Request) error {
		if c == nil {
			return fmt.Errorf("send_notification: %w", ErrNoCollaborator)
		}
		p, ok := req.Action.Params.(domain.SendNotificationParams)
		if !ok {
			return fmt.Errorf("send_notification: unexpected parameters %T", req.Action.Params)
		}
		return c.SendMessage(ctx, req.ContactID, p.Channel, p)
	}
}

func updateField(c FieldUpdater) handler {
	return func(ctx context.Context, req Request) error {
		if c == nil {
			return fmt.Errorf("update_field: %w", ErrNoCollaborator)
		}
		p, ok := req.Action.Params.(domain.UpdateFieldParams)
		if !ok {
			return fmt.Errorf("update_field: unexpected parameters %T", req.Action.Params)
		}
		return c.UpdateField(ctx, req.ContactID, p.Field, p.Value)
	}
}

func callWebhook(c WebhookSender) handler {
	return func(ctx context.Context, req Request) error {
		if c == nil {
			return fmt.Errorf("webhook: %w", ErrNoCollaborator)
		}
		p, ok := req.Action.Params.(domain.WebhookParams)
		if !ok {
			return fmt.Errorf("webhook: unexpected parameters %T", req.Action.Params)
		}
		res := c.Send(ctx, WebhookRequest{
			URL:     p.URL,
			Secret:  p.Secret,
			Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
			Payload: WebhookPayload{
				TriggerID:   req.TriggerID,
				ContactID:   req.ContactID,
				ExecutionID: req.ExecutionID,
				ActionIndex: req.Index,
				SentAt:      time.Now().UTC().Format(time.RFC3339),
			},
		})
		if res.Error != nil {
			return fmt.Errorf("webhook: %w", res.Error)
		}
		if !res.IsSuccess() {
			return fmt.Errorf("webhook: status %d (%s)", res.StatusCode, ClassifyStatus(res.StatusCode, nil))
		}
		return nil
	}
}
