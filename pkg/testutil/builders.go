// Package testutil provides test data builders for workflow definitions and executions.
package testutil

import (
	"time"

	"github.com/dukex/careflow/pkg/models"
)

// CreateTestDefinition creates an active definition from nodes and edges.
func CreateTestDefinition(nodes []models.Node, edges []models.Edge, overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		ID:          "wf-test",
		Name:        "Test Workflow",
		TriggerType: models.TriggerSurgeryCompleted,
		IsActive:    true,
		Nodes:       nodes,
		Edges:       edges,
	}

	for _, override := range overrides {
		override(def)
	}

	return def
}

// WithID sets the definition ID.
func WithID(id string) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.ID = id
	}
}

// WithTriggerType sets the definition trigger type.
func WithTriggerType(triggerType string) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.TriggerType = triggerType
	}
}

// WithInactive marks the definition inactive.
func WithInactive() func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.IsActive = false
	}
}

func Trigger(id, subType string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeTrigger, SubType: subType}
}

func KeywordTrigger(id string, matchType models.MatchType, keywords ...string) models.Node {
	keywordList := make([]any, len(keywords))
	for i, k := range keywords {
		keywordList[i] = k
	}

	return models.Node{
		ID:      id,
		Type:    models.NodeTypeTrigger,
		SubType: models.TriggerKeywordReceived,
		Config:  map[string]any{"keywords": keywordList, "match_type": string(matchType)},
	}
}

func ScheduleTrigger(id, cron string) models.Node {
	return models.Node{
		ID:      id,
		Type:    models.NodeTypeTrigger,
		SubType: models.TriggerSchedule,
		Config:  map[string]any{"cron": cron},
	}
}

func Action(id, subType, template string) models.Node {
	return models.Node{
		ID:      id,
		Type:    models.NodeTypeAction,
		SubType: subType,
		Config:  map[string]any{"template": template},
	}
}

func UpdatePatient(id string, fields map[string]string) models.Node {
	raw := make(map[string]any, len(fields))
	for k, v := range fields {
		raw[k] = v
	}

	return models.Node{
		ID:      id,
		Type:    models.NodeTypeAction,
		SubType: models.ActionUpdatePatient,
		Config:  map[string]any{"fields": raw},
	}
}

func Condition(id, expression string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeCondition, Config: map[string]any{"expression": expression}}
}

func Delay(id string, delayType models.DelayType, value int) models.Node {
	return models.Node{
		ID:     id,
		Type:   models.NodeTypeDelay,
		Config: map[string]any{"type": string(delayType), "value": value},
	}
}

func TimeWindow(id, start, end string) models.Node {
	return models.Node{
		ID:     id,
		Type:   models.NodeTypeTimeWindow,
		Config: map[string]any{"start_time": start, "end_time": end, "timezone": "Asia/Seoul"},
	}
}

func Edge(source, target string) models.Edge {
	return models.Edge{Source: source, Target: target}
}

func LabeledEdge(source, target string, label models.EdgeLabel) models.Edge {
	return models.Edge{Source: source, Target: target, Label: label}
}

// CreateTestContext creates a patient context for a surgery that completed at eventDate.
func CreateTestContext(eventDate time.Time) models.ExecutionContext {
	return models.ExecutionContext{
		Patient: models.Patient{
			ID:    "patient-1",
			Name:  "Kim Minji",
			Phone: "010-1234-5678",
			Email: "minji@example.com",
		},
		Appointment: &models.Appointment{
			ID:          "appt-1",
			Status:      "completed",
			SurgeryType: "rhinoplasty",
		},
		TriggerType: models.TriggerSurgeryCompleted,
		EventDate:   &eventDate,
		Custom:      map[string]string{},
	}
}
