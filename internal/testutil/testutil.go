// Package testutil provides shared test helpers for easytrigger.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TriggerOption customizes a trigger built by NewTrigger.
type TriggerOption func(*domain.Trigger)

// NewTrigger returns an active trigger with a single create_task action.
// Only for use in tests.
func NewTrigger(id string, kind domain.EventKind, opts ...TriggerOption) domain.Trigger {
	t := domain.Trigger{
		ID:      id,
		Name:    "trigger " + id,
		Event:   kind,
		Actions: []domain.Action{Task("follow up " + id)},
		Active:  true,
	}
	for _, o := range opts {
		o(&t)
	}
	return t
}

func WithPriority(p int) TriggerOption {
	return func(t *domain.Trigger) { t.Priority = p }
}

func WithCooldown(minutes int) TriggerOption {
	return func(t *domain.Trigger) { t.CooldownMinutes = minutes }
}

func WithMaxExecutions(n int) TriggerOption {
	return func(t *domain.Trigger) { t.MaxExecutionsPerContact = &n }
}

func WithConditions(c *domain.Condition) TriggerOption {
	return func(t *domain.Trigger) { t.Conditions = c }
}

func WithActions(actions ...domain.Action) TriggerOption {
	return func(t *domain.Trigger) { t.Actions = actions }
}

func Inactive() TriggerOption {
	return func(t *domain.Trigger) { t.Active = false }
}

// Task returns a create_task action.
func Task(title string) domain.Action {
	return domain.Action{Type: domain.ActionCreateTask, Params: domain.CreateTaskParams{Title: title}}
}

// Notify returns a send_notification action on the email channel.
func Notify(message string) domain.Action {
	return domain.Action{
		Type:   domain.ActionSendNotification,
		Params: domain.SendNotificationParams{Channel: domain.ChannelEmail, Message: message},
	}
}

// SetField returns an update_field action.
func SetField(field string, value any) domain.Action {
	return domain.Action{Type: domain.ActionUpdateField, Params: domain.UpdateFieldParams{Field: field, Value: value}}
}
