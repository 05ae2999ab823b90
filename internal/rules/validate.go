package rules

import (
	"fmt"

	"github.com/djlord-it/easytrigger/internal/condition"
	"github.com/djlord-it/easytrigger/internal/domain"
)

// Validate checks a trigger definition before it is persisted.
// Returns nil if valid, or domain.ValidationErrors if invalid.
func Validate(t domain.Trigger) error {
	var errs domain.ValidationErrors

	if t.Name == "" {
		errs.Add("name", "required")
	}

	if !t.Event.Valid() {
		errs.Add("trigger_event", "must be one of new_interaction, score_change, lifecycle_change, manual, got %q", t.Event)
	}

	if t.Active && len(t.Actions) == 0 {
		errs.Add("actions", "an active trigger needs at least one action")
	}
	if len(t.Actions) > domain.MaxActionsPerTrigger {
		errs.Add("actions", "at most %d actions per trigger, got %d", domain.MaxActionsPerTrigger, len(t.Actions))
	}
	for i, a := range t.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if a.Params == nil {
			errs.Add(field+".type", "unknown action type %q", a.Type)
			continue
		}
		if a.Params.ActionType() != a.Type {
			errs.Add(field+".type", "parameters are for %q, not %q", a.Params.ActionType(), a.Type)
			continue
		}
		errs = append(errs, a.Params.Validate(field+".parameters")...)
	}

	if t.CooldownMinutes < 0 {
		errs.Add("cooldown_minutes", "must not be negative")
	}
	if t.MaxExecutionsPerContact != nil && *t.MaxExecutionsPerContact <= 0 {
		errs.Add("max_executions_per_contact", "must be positive when set")
	}

	errs = append(errs, condition.Validate(t.Conditions, "conditions")...)

	return errs.Err()
}
