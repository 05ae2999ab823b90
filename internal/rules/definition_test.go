package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/testutil"
)

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	verrs, ok := domain.AsValidationErrors(err)
	require.True(t, ok, "expected validation errors, got %v", err)
	out := make([]string, len(verrs))
	for i, e := range verrs {
		out[i] = e.Field
	}
	return out
}

func TestBuild_DefaultsActive(t *testing.T) {
	trig, err := Build(Definition{
		Name:         "n",
		TriggerEvent: "manual",
		Actions: []ActionDefinition{{
			Type:       "update_field",
			Parameters: map[string]any{"field": "stage", "value": "qualified"},
		}},
	})

	require.NoError(t, err)
	assert.True(t, trig.Active)
	assert.Equal(t, domain.UpdateFieldParams{Field: "stage", Value: "qualified"}, trig.Actions[0].Params)
}

func TestBuild_ReportsDecodeAndValidationErrorsTogether(t *testing.T) {
	_, err := Build(Definition{
		Name:         "",
		TriggerEvent: "manual",
		Actions: []ActionDefinition{
			{Type: "fax", Parameters: map[string]any{}},
			{Type: "create_task", Parameters: map[string]any{"title": "ok", "priority": "high"}},
		},
		CooldownMinutes: -1,
	})

	fields := fieldsOf(t, err)
	assert.Contains(t, fields, "actions[0]")
	assert.Contains(t, fields, "actions[1]", "unknown parameters are rejected")
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "cooldown_minutes")
	assert.NotContains(t, fields, "actions", "the empty decoded list is not reported on its own")
}

func TestDefinitionOf_RoundTrip(t *testing.T) {
	orig := testutil.NewTrigger("t1", domain.EventLifecycleChange,
		testutil.WithPriority(4),
		testutil.WithCooldown(15),
		testutil.WithMaxExecutions(2),
		testutil.WithConditions(domain.Leaf("stage", domain.OpChangedTo, "customer")),
		testutil.WithActions(testutil.Task("onboard"), testutil.Notify("welcome aboard")),
	)

	def := DefinitionOf(orig)
	require.NotNil(t, def.IsActive)
	assert.True(t, *def.IsActive)
	assert.Equal(t, "lifecycle_change", def.TriggerEvent)
	assert.Equal(t, map[string]any{"title": "onboard"}, def.Actions[0].Parameters)

	rebuilt, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, orig, rebuilt)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Trigger)
		fields []string
	}{
		{"valid", func(*domain.Trigger) {}, nil},
		{"inactive without actions", func(tr *domain.Trigger) { tr.Active = false; tr.Actions = nil }, nil},
		{"active without actions", func(tr *domain.Trigger) { tr.Actions = nil }, []string{"actions"}},
		{"missing name", func(tr *domain.Trigger) { tr.Name = "" }, []string{"name"}},
		{"unknown event", func(tr *domain.Trigger) { tr.Event = "birthday" }, []string{"trigger_event"}},
		{"negative cooldown", func(tr *domain.Trigger) { tr.CooldownMinutes = -1 }, []string{"cooldown_minutes"}},
		{"zero cap", func(tr *domain.Trigger) { zero := 0; tr.MaxExecutionsPerContact = &zero }, []string{"max_executions_per_contact"}},
		{"mismatched params", func(tr *domain.Trigger) {
			tr.Actions = []domain.Action{{Type: domain.ActionWebhook, Params: domain.CreateTaskParams{Title: "x"}}}
		}, []string{"actions[0].type"}},
		{"missing params", func(tr *domain.Trigger) {
			tr.Actions = []domain.Action{{Type: domain.ActionWebhook}}
		}, []string{"actions[0].type"}},
		{"invalid param", func(tr *domain.Trigger) {
			tr.Actions = []domain.Action{testutil.Task("")}
		}, []string{"actions[0].parameters.title"}},
		{"too many actions", func(tr *domain.Trigger) {
			tr.Actions = nil
			for i := 0; i <= domain.MaxActionsPerTrigger; i++ {
				tr.Actions = append(tr.Actions, testutil.Task("step"))
			}
		}, []string{"actions"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := testutil.NewTrigger("t1", domain.EventManual)
			tt.mutate(&trig)

			err := Validate(trig)
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.fields, fieldsOf(t, err))
		})
	}
}
