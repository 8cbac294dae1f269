package graph

import (
	"testing"

	"github.com/dukex/careflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trigger(id string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeTrigger, SubType: models.TriggerSurgeryCompleted}
}

func sms(id string) models.Node {
	return models.Node{
		ID:      id,
		Type:    models.NodeTypeAction,
		SubType: models.ActionSendSMS,
		Config:  map[string]any{"template": "hello {{patient_name}}"},
	}
}

func cond(id, expression string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeCondition, Config: map[string]any{"expression": expression}}
}

func wait(id string, value int, delayType models.DelayType) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeDelay, Config: map[string]any{"type": string(delayType), "value": value}}
}

func edge(source, target string, label models.EdgeLabel) models.Edge {
	return models.Edge{Source: source, Target: target, Label: label}
}

func definition(nodes []models.Node, edges ...models.Edge) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:          "wf-1",
		Name:        "test",
		TriggerType: models.TriggerSurgeryCompleted,
		Nodes:       nodes,
		Edges:       edges,
	}
}

func kinds(err error) []ErrorKind {
	var out []ErrorKind
	for _, e := range Errors(err) {
		out = append(out, e.Kind)
	}

	return out
}

func TestValidate_LinearDefinition(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), wait("d", 1, models.DelayBusinessDays), sms("a")},
		edge("t", "d", ""),
		edge("d", "a", ""),
	)

	set, err := Validate(def)
	require.NoError(t, err)

	assert.Equal(t, 3, set.Len())
	require.Len(t, set.Triggers(), 1)
	assert.Equal(t, "t", set.Triggers()[0].ID)

	d, ok := set.Node("d")
	require.True(t, ok)
	assert.Equal(t, 1, d.InDegree())
	assert.IsType(t, models.DelayConfig{}, d.Config)

	a, _ := set.Node("a")
	assert.True(t, a.IsTerminal())
}

func TestValidate_DanglingEdge(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), sms("a")},
		edge("t", "a", ""),
		edge("a", "ghost", ""),
	)

	_, err := Validate(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDanglingEdge)

	errs := Errors(err)
	require.Len(t, errs, 1)
	require.NotNil(t, errs[0].Edge)
	assert.Equal(t, "ghost", errs[0].Edge.Target)
}

func TestValidate_MissingBranch(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), cond("c", "days_passed > 3"), sms("a")},
		edge("t", "c", ""),
		edge("c", "a", models.EdgeLabelTrue),
	)

	_, err := Validate(def)
	assert.ErrorIs(t, err, ErrMissingBranch)
	assert.NotErrorIs(t, err, ErrDanglingEdge)
}

func TestValidate_UnlabeledConditionEdge(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), cond("c", "days_passed > 3"), sms("a"), sms("b"), sms("x")},
		edge("t", "c", ""),
		edge("c", "a", models.EdgeLabelTrue),
		edge("c", "b", models.EdgeLabelFalse),
		edge("c", "x", ""),
	)

	_, err := Validate(def)
	assert.ErrorIs(t, err, ErrMissingBranch)
}

func TestValidate_UnreachableNode(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), sms("a"), sms("orphan")},
		edge("t", "a", ""),
	)

	_, err := Validate(def)
	require.ErrorIs(t, err, ErrUnreachableNode)

	errs := Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, "orphan", errs[0].NodeID)
}

func TestValidate_MissingTrigger(t *testing.T) {
	def := definition([]models.Node{sms("a")})

	_, err := Validate(def)
	assert.Equal(t, []ErrorKind{KindMissingTrigger}, kinds(err))
}

func TestValidate_Cycle(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), sms("a"), sms("b")},
		edge("t", "a", ""),
		edge("a", "b", ""),
		edge("b", "a", ""),
	)

	_, err := Validate(def)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestValidate_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		node models.Node
	}{
		{"delay over thirty days", wait("n", 31, models.DelayDays)},
		{"zero delay", wait("n", 0, models.DelayMinutes)},
		{"unknown delay type", wait("n", 1, "weeks")},
		{"unknown config field", models.Node{ID: "n", Type: models.NodeTypeDelay, Config: map[string]any{"type": "days", "value": 1, "bogus": true}}},
		{"action without template", models.Node{ID: "n", Type: models.NodeTypeAction, SubType: models.ActionSendSMS}},
		{"unknown action", models.Node{ID: "n", Type: models.NodeTypeAction, SubType: "send_fax", Config: map[string]any{"template": "x"}}},
		{"update without fields", models.Node{ID: "n", Type: models.NodeTypeAction, SubType: models.ActionUpdatePatient}},
		{"window end before start", models.Node{ID: "n", Type: models.NodeTypeTimeWindow, Config: map[string]any{"start_time": "18:00", "end_time": "09:00"}}},
		{"bad comparator", cond("n", "days_passed >>> 3")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := definition([]models.Node{trigger("t"), tt.node}, edge("t", "n", ""))
			if tt.node.Type == models.NodeTypeCondition {
				def.Nodes = append(def.Nodes, sms("a"), sms("b"))
				def.Edges = append(def.Edges, edge("n", "a", models.EdgeLabelTrue), edge("n", "b", models.EdgeLabelFalse))
			}

			_, err := Validate(def)
			require.ErrorIs(t, err, ErrInvalidConfig)

			for _, e := range Errors(err) {
				if e.Kind == KindInvalidConfig {
					assert.Equal(t, "n", e.NodeID)
				}
			}
		})
	}
}

func TestValidate_LongDelayWarning(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), wait("d", 10, models.DelayDays), sms("a")},
		edge("t", "d", ""),
		edge("d", "a", ""),
	)

	set, err := Validate(def)
	require.NoError(t, err)
	require.Len(t, set.Warnings, 1)
	assert.Contains(t, set.Warnings[0], "business_days")
}

func TestValidate_LabelPlacement(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), wait("d", 1, models.DelayHours), sms("a")},
		edge("t", "d", ""),
		edge("d", "a", models.EdgeLabelFallback),
	)

	_, err := Validate(def)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_Fallback(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), sms("a"), sms("b"), sms("c")},
		edge("t", "a", ""),
		edge("a", "b", ""),
		edge("a", "c", models.EdgeLabelFallback),
	)

	set, err := Validate(def)
	require.NoError(t, err)

	a, _ := set.Node("a")
	require.NotNil(t, a.Fallback)
	assert.Equal(t, "c", a.Fallback.Target)
	require.Len(t, a.Outgoing, 1)
	assert.Equal(t, "b", a.Outgoing[0].Target)

	c, _ := set.Node("c")
	assert.Equal(t, 1, c.InDegree())
}

func TestValidate_JoinInDegree(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), sms("a"), sms("b"), sms("j")},
		edge("t", "a", ""),
		edge("t", "b", ""),
		edge("a", "j", ""),
		edge("b", "j", ""),
	)

	set, err := Validate(def)
	require.NoError(t, err)

	j, _ := set.Node("j")
	assert.Equal(t, 2, j.InDegree())
}

func TestValidate_TriggerWithIncomingEdge(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), sms("a")},
		edge("t", "a", ""),
		edge("a", "t", ""),
	)

	_, err := Validate(def)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_ScheduleTriggerCron(t *testing.T) {
	node := models.Node{ID: "t", Type: models.NodeTypeTrigger, SubType: models.TriggerSchedule, Config: map[string]any{"cron": "not a cron"}}
	_, err := Validate(definition([]models.Node{node}))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	node.Config = map[string]any{"cron": "0 9 * * 1-5"}
	_, err = Validate(definition([]models.Node{node}))
	assert.NoError(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	def := definition(
		[]models.Node{trigger("t"), sms("a"), sms("orphan")},
		edge("t", "a", ""),
		edge("a", "ghost", ""),
	)

	_, err := Validate(def)
	assert.ElementsMatch(t, []ErrorKind{KindDanglingEdge, KindUnreachableNode}, kinds(err))
}
