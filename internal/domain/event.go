package domain

import "time"

// EventKind is the closed set of event kinds a trigger can bind to.
type EventKind string

const (
	EventNewInteraction  EventKind = "new_interaction"
	EventScoreChange     EventKind = "score_change"
	EventLifecycleChange EventKind = "lifecycle_change"
	EventManual          EventKind = "manual"
)

// EventKinds lists every supported kind in declaration order.
var EventKinds = []EventKind{
	EventNewInteraction,
	EventScoreChange,
	EventLifecycleChange,
	EventManual,
}

// Valid reports whether k is one of the supported event kinds.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// HasTransition reports whether events of this kind carry before/after
// snapshots that changed_to conditions can compare.
func (k EventKind) HasTransition() bool {
	return k == EventScoreChange || k == EventLifecycleChange
}

// Event is a domain event affecting a single contact.
type Event struct {
	Kind      EventKind
	ContactID string
	Payload   map[string]any

	ReceivedAt time.Time
}
