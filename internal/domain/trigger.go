package domain

import "time"

// MaxActionsPerTrigger bounds the action list. A trigger's pending record can
// live for up to this many action timeouts, which the reconcile threshold
// must exceed.
const MaxActionsPerTrigger = 16

// Trigger is a persisted automation rule binding an event kind to a
// condition tree and an ordered action list.
type Trigger struct {
	ID          string
	Name        string
	Description string

	Event      EventKind
	Conditions *Condition // nil matches every event
	Actions    []Action

	Active   bool
	Priority int

	CooldownMinutes         int
	MaxExecutionsPerContact *int // nil = unlimited

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cooldown returns the cooldown window as a duration.
func (t Trigger) Cooldown() time.Duration {
	return time.Duration(t.CooldownMinutes) * time.Minute
}

// HasCap reports whether the trigger limits executions per contact.
func (t Trigger) HasCap() bool {
	return t.MaxExecutionsPerContact != nil
}
