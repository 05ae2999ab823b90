package rules

import (
	"encoding/json"
	"fmt"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// Definition is the authoring shape of a trigger, shared by the HTTP API and
// rule files. Actions carry untyped parameters until Build decodes them.
type Definition struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	TriggerEvent string             `json:"trigger_event" yaml:"trigger_event"`
	Conditions   *domain.Condition  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions      []ActionDefinition `json:"actions" yaml:"actions"`

	IsActive *bool `json:"is_active,omitempty" yaml:"is_active,omitempty"` // default true
	Priority int   `json:"priority" yaml:"priority"`

	CooldownMinutes         int  `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	MaxExecutionsPerContact *int `json:"max_executions_per_contact,omitempty" yaml:"max_executions_per_contact,omitempty"`
}

type ActionDefinition struct {
	Type       string         `json:"type" yaml:"type"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Build converts a definition into a trigger, decoding action parameters
// into their typed variants and validating the result.
func Build(def Definition) (domain.Trigger, error) {
	var errs domain.ValidationErrors

	active := true
	if def.IsActive != nil {
		active = *def.IsActive
	}

	t := domain.Trigger{
		ID:                      def.ID,
		Name:                    def.Name,
		Description:             def.Description,
		Event:                   domain.EventKind(def.TriggerEvent),
		Conditions:              def.Conditions,
		Active:                  active,
		Priority:                def.Priority,
		CooldownMinutes:         def.CooldownMinutes,
		MaxExecutionsPerContact: def.MaxExecutionsPerContact,
	}

	for i, ad := range def.Actions {
		a, err := domain.NewAction(domain.ActionType(ad.Type), ad.Parameters)
		if err != nil {
			errs.Add(fmt.Sprintf("actions[%d]", i), "%v", err)
			continue
		}
		t.Actions = append(t.Actions, a)
	}
	if len(errs) > 0 {
		// Report decode failures together with every other problem.
		if verrs, ok := domain.AsValidationErrors(Validate(t)); ok {
			for _, e := range verrs {
				if e.Field != "actions" {
					errs = append(errs, e)
				}
			}
		}
		return domain.Trigger{}, errs
	}

	if err := Validate(t); err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}

// DefinitionOf is the inverse of Build, used when exporting triggers.
func DefinitionOf(t domain.Trigger) Definition {
	active := t.Active
	def := Definition{
		ID:                      t.ID,
		Name:                    t.Name,
		Description:             t.Description,
		TriggerEvent:            string(t.Event),
		Conditions:              t.Conditions,
		IsActive:                &active,
		Priority:                t.Priority,
		CooldownMinutes:         t.CooldownMinutes,
		MaxExecutionsPerContact: t.MaxExecutionsPerContact,
	}
	for _, a := range t.Actions {
		def.Actions = append(def.Actions, ActionDefinition{
			Type:       string(a.Type),
			Parameters: paramsMap(a.Params),
		})
	}
	return def
}

func paramsMap(p domain.ActionParams) map[string]any {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
